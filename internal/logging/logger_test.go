package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewToWritesAtLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewTo("warn", &buf)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Info("hidden")
	logger.Error(nil, "shown", "stage", "archive")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info line leaked at warn level: %q", out)
	}
	if !strings.Contains(out, "shown") || !strings.Contains(out, "archive") {
		t.Fatalf("expected error line, got %q", out)
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New("loud"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRedact(t *testing.T) {
	got := Redact([]string{"sign", "/p", "hunter2", "-pass=hunter2"}, "hunter2")
	if strings.Join(got, " ") != "sign /p <redacted> -pass=<redacted>" {
		t.Fatalf("got %v", got)
	}
	if got := Redact([]string{"a"}, ""); got[0] != "a" {
		t.Fatalf("empty secret should be a no-op")
	}
}
