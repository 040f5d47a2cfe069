package logger

import (
	"bytes"
	"os"
	"strings"
	"testing"
)

func captureLogs(t *testing.T, format, level string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	Init(&buf, format, level)
	t.Cleanup(func() {
		Init(os.Stdout, "text", "info")
	})
	return &buf
}

func TestLevelFiltering(t *testing.T) {
	buf := captureLogs(t, "text", "warn")

	Info("connected to %s", "filesystem")
	Warn("discovery failed for %s", "filesystem")

	out := buf.String()
	if strings.Contains(out, "connected to filesystem") {
		t.Fatalf("info message written at warn level: %q", out)
	}
	if !strings.Contains(out, "discovery failed for filesystem") {
		t.Fatalf("warn message missing: %q", out)
	}
}

func TestJSONFormatWithFields(t *testing.T) {
	buf := captureLogs(t, "json", "debug")

	InfoWithFields("server connected", map[string]interface{}{
		"server_id": "fs",
		"tools":     2,
	})

	out := buf.String()
	for _, want := range []string{`"msg":"server connected"`, `"server_id":"fs"`, `"tools":2`} {
		if !strings.Contains(out, want) {
			t.Fatalf("output %q missing %q", out, want)
		}
	}
}

func TestSetLevelFromStringUnknownFallsBackToInfo(t *testing.T) {
	buf := captureLogs(t, "text", "verbose")

	Debug("hidden")
	Info("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "shown") {
		t.Fatalf("unexpected output for fallback level: %q", out)
	}
}
