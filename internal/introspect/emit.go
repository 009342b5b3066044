package introspect

import (
	"bytes"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/tools/imports"

	"github.com/electwix/dbrm/internal/schema"
)

// Format selects the output of an introspection run.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatGo   Format = "go"
)

// ParseFormat validates a user supplied format name. Empty means YAML.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "", FormatYAML:
		return FormatYAML, nil
	case FormatGo:
		return f, nil
	default:
		return "", fmt.Errorf("unknown format %q (want yaml or go)", s)
	}
}

// EmitOptions controls Emit.
type EmitOptions struct {
	Format Format
	// Package names the generated Go package. Defaults to "schema".
	Package string
}

// Emit writes the schemas to w in the requested format.
func Emit(w io.Writer, schemas []*schema.Schema, opts EmitOptions) error {
	switch opts.Format {
	case "", FormatYAML:
		return schema.Write(w, schemas...)
	case FormatGo:
		src, err := GoSource(schemas, opts.Package)
		if err != nil {
			return err
		}
		_, err = w.Write(src)
		return err
	default:
		return fmt.Errorf("unknown format %q", opts.Format)
	}
}

// GoSource renders the schemas as a Go file declaring name constants for
// every table, relation, view and column, plus the YAML description.
func GoSource(schemas []*schema.Schema, pkg string) ([]byte, error) {
	if pkg == "" {
		pkg = "schema"
	}
	var desc bytes.Buffer
	if err := schema.Write(&desc, schemas...); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "// Code generated by dbrm introspect. DO NOT EDIT.\n\npackage %s\n\n", pkg)

	used := make(map[string]int)
	for _, s := range schemas {
		if s.Info.Name != "" {
			fmt.Fprintf(&buf, "// Schema %s (%s).\n", s.Info.Name, s.Info.Engine)
		}
		emitTables(&buf, "Table", s.Tables, used)
		emitTables(&buf, "Relation", s.Relations, used)
		for _, name := range slices.Sorted(maps.Keys(s.Views)) {
			emitNames(&buf, "View", name, s.Views[name].Fields, used)
		}
	}

	buf.WriteString("// Description is the YAML schema description the constants above were generated from.\n")
	fmt.Fprintf(&buf, "const Description = %s\n", goString(desc.String()))

	out, err := imports.Process(pkg+".go", buf.Bytes(), nil)
	if err != nil {
		return nil, fmt.Errorf("format generated source: %w", err)
	}
	return out, nil
}

func emitTables(buf *bytes.Buffer, kind string, tables map[string]*schema.Table, used map[string]int) {
	for _, name := range slices.Sorted(maps.Keys(tables)) {
		emitNames(buf, kind, name, tables[name].Fields, used)
	}
}

func emitNames(buf *bytes.Buffer, kind, name string, fields schema.Fields, used map[string]int) {
	base := exportedName(name)
	fmt.Fprintf(buf, "// %s %s.\nconst (\n", kind, name)
	fmt.Fprintf(buf, "\t%s = %s\n", uniqueName(kind+base, used), strconv.Quote(name))
	for _, f := range fields {
		ident := uniqueName(base+exportedName(f.Name), used)
		fmt.Fprintf(buf, "\t%s = %s // %s\n", ident, strconv.Quote(f.Name), describe(f))
	}
	buf.WriteString(")\n\n")
}

func describe(f *schema.Field) string {
	var b strings.Builder
	b.WriteString(f.Type)
	switch {
	case f.Precision > 0:
		fmt.Fprintf(&b, "(%d,%d)", f.Precision, f.Scale)
	case f.Length > 0:
		fmt.Fprintf(&b, "(%d)", f.Length)
	}
	if f.Unsigned {
		b.WriteString(" UNSIGNED")
	}
	if !f.Nullable {
		b.WriteString(" NOT NULL")
	}
	return b.String()
}

// goString quotes s as a raw string literal when it can.
func goString(s string) string {
	if strings.Contains(s, "`") || strings.Contains(s, "\r") {
		return strconv.Quote(s)
	}
	return "`" + s + "`"
}
