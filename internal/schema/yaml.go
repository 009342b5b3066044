package schema

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Fields keeps columns in declaration order. It is encoded as a YAML mapping
// from column name to attributes.
type Fields []*Field

// UnmarshalYAML implements yaml.Unmarshaler.
func (fs *Fields) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: fields must be a mapping", node.Line)
	}
	out := make(Fields, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		var f Field
		if err := node.Content[i+1].Decode(&f); err != nil {
			return fmt.Errorf("field %s: %w", node.Content[i].Value, err)
		}
		f.Name = node.Content[i].Value
		out = append(out, &f)
	}
	*fs = out
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (fs Fields) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, f := range fs {
		var value yaml.Node
		if err := value.Encode(f); err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: f.Name},
			&value,
		)
	}
	return node, nil
}

// Decode reads every schema document from r.
func Decode(r io.Reader) ([]*Schema, error) {
	dec := yaml.NewDecoder(r)
	var out []*Schema
	for {
		var s Schema
		err := dec.Decode(&s)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("decode schema: %w", err)
		}
		if s.Tables == nil {
			s.Tables = make(map[string]*Table)
		}
		if s.Relations == nil {
			s.Relations = make(map[string]*Table)
		}
		if s.Views == nil {
			s.Views = make(map[string]*View)
		}
		out = append(out, &s)
	}
}

// Load reads the schema documents stored at path.
func Load(path string) ([]*Schema, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read schema %s: %w", path, err)
	}
	schemas, err := Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return schemas, nil
}

// LoadAll reads every file in paths, in order.
func LoadAll(paths []string) ([]*Schema, error) {
	var out []*Schema
	for _, p := range paths {
		schemas, err := Load(p)
		if err != nil {
			return nil, err
		}
		out = append(out, schemas...)
	}
	return out, nil
}

// Write encodes schemas to w as a YAML stream, one document each.
func Write(w io.Writer, schemas ...*Schema) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	for _, s := range schemas {
		if err := enc.Encode(s); err != nil {
			return fmt.Errorf("encode schema %s: %w", s.Info.Name, err)
		}
	}
	return enc.Close()
}
