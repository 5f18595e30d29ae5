package testutil

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"odsflow/internal/observability"
)

// TestHelper provides common test utilities
type TestHelper struct {
	t *testing.T
}

// NewTestHelper creates a new test helper
func NewTestHelper(t *testing.T) *TestHelper {
	return &TestHelper{t: t}
}

// TempDir creates a temporary directory removed when the test ends
func (h *TestHelper) TempDir() string {
	return h.t.TempDir()
}

// WriteFile writes content to a file in the given directory
func (h *TestHelper) WriteFile(dir, filename, content string) string {
	return h.WriteBytes(dir, filename, []byte(content))
}

// WriteBytes writes raw bytes, for fixtures in a non UTF-8 encoding.
func (h *TestHelper) WriteBytes(dir, filename string, content []byte) string {
	h.t.Helper()
	path := filepath.Join(dir, filename)

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		h.t.Fatalf("Failed to create directories: %v", err)
	}

	if err := os.WriteFile(path, content, 0600); err != nil {
		h.t.Fatalf("Failed to write file %s: %v", path, err)
	}

	return path
}

type testWriter struct {
	t *testing.T
}

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(bytes.TrimRight(p, "\n")))
	return len(p), nil
}

// NewTestLogger returns a debug-level logger that writes to the test log.
func NewTestLogger(t *testing.T) *observability.Logger {
	return observability.NewLogger(observability.LoggerConfig{
		Level:   observability.DebugLevel,
		Output:  testWriter{t: t},
		Service: "odsflow-test",
		Encoder: observability.EncoderFor("text"),
	})
}
