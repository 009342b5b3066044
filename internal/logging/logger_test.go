package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNew_DefaultLevel(t *testing.T) {
	t.Helper()
	var buf bytes.Buffer
	logger := New(Options{Writer: &buf})

	logger.Debug("debug suppressed")
	if got := buf.Len(); got != 0 {
		t.Fatalf("expected debug output to be suppressed, got %d bytes", got)
	}

	logger.Info("visible message")
	if out := buf.String(); !strings.Contains(out, "visible message") {
		t.Fatalf("expected info log to contain message, got %q", out)
	}
}

func TestNew_VerboseEnablesDebug(t *testing.T) {
	t.Helper()
	var buf bytes.Buffer
	logger := New(Options{Verbose: true, Writer: &buf})

	logger.Debug("debug visible")
	if out := buf.String(); !strings.Contains(out, "debug visible") {
		t.Fatalf("expected debug output when verbose, got %q", out)
	}
}

func TestNew_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Options{Format: "json", Writer: &buf})

	logger.Info("invalidated", "table", "t_user")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("expected JSON output, got %q: %v", buf.String(), err)
	}
	if record["table"] != "t_user" {
		t.Errorf("table attribute = %v, want t_user", record["table"])
	}
}

func TestNop(t *testing.T) {
	logger := Nop()

	// These should not panic or produce output
	logger.Debug("debug")
	logger.Info("info")
	logger.Warn("warn")
	logger.Error("error")
	logger.With("key", "value").Info("child message")

	if OrNop(nil) == nil {
		t.Fatal("OrNop(nil) returned nil")
	}
	custom := New(Options{Writer: &bytes.Buffer{}})
	if OrNop(custom) != custom {
		t.Fatal("OrNop should return the provided logger")
	}
}
