package ui

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"
)

// capture redirects package output to a buffer for the test
func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := SetOutput(&buf)
	prevColor := supportsColor
	supportsColor = false
	t.Cleanup(func() {
		SetOutput(prev)
		supportsColor = prevColor
	})
	return &buf
}

func TestColorFunc(t *testing.T) {
	originalSupportsColor := supportsColor
	defer func() {
		supportsColor = originalSupportsColor
	}()

	funcs := []func(string) string{
		ColorSuccess,
		ColorError,
		ColorWarning,
		ColorInfo,
		ColorProgress,
		ColorBold,
		ColorDim,
	}

	supportsColor = true
	for _, f := range funcs {
		if got := f("text"); got == "text" {
			t.Error("Expected colored output, got plain text")
		}
	}

	supportsColor = false
	for _, f := range funcs {
		if got := f("text"); got != "text" {
			t.Errorf("Expected plain text, got %q", got)
		}
	}
}

func TestMessages(t *testing.T) {
	buf := capture(t)

	ShowHeader("odsflow run")
	ShowSuccess("loaded")
	ShowWarning("careful")
	ShowInfo("note")
	PrintKeyValue("Pipeline", "customers")

	out := buf.String()
	for _, want := range []string{"odsflow run", "SUCCESS: loaded", "WARNING: careful", "INFO: note", "Pipeline:", "customers"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestShowHeaderLongTitle(t *testing.T) {
	buf := capture(t)
	ShowHeader(strings.Repeat("x", 80))
	if !strings.Contains(buf.String(), strings.Repeat("x", 80)) {
		t.Error("long titles are printed in full")
	}
}

func TestShowError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		suggestion string
	}{
		{"auth", errors.New("390100: Incorrect username or password was specified"), "secret store"},
		{"missing table", errors.New("no such table: STAGE_CUSTOMER"), "tables exist"},
		{"validation", errors.New("[ODS6001] Validation failed: 2 NULL violation(s)"), "odsflow validate"},
		{"plain", errors.New("something else"), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := capture(t)
			ShowError(tt.err)
			out := buf.String()
			if !strings.Contains(out, "ERROR:") || !strings.Contains(out, tt.err.Error()) {
				t.Errorf("unexpected output:\n%s", out)
			}
			if tt.suggestion == "" {
				if strings.Contains(out, "TIP:") {
					t.Errorf("no tip expected:\n%s", out)
				}
				return
			}
			if !strings.Contains(out, tt.suggestion) {
				t.Errorf("expected tip containing %q:\n%s", tt.suggestion, out)
			}
		})
	}
}

func TestShowErrorMultiline(t *testing.T) {
	buf := capture(t)
	ShowError(errors.New("first line\nsecond line"))
	out := buf.String()
	if !strings.Contains(out, "  first line\n") || !strings.Contains(out, "  second line\n") {
		t.Errorf("each line is indented:\n%s", out)
	}
}

func TestFormatRowChange(t *testing.T) {
	originalSupportsColor := supportsColor
	supportsColor = false
	defer func() { supportsColor = originalSupportsColor }()

	tests := []struct {
		inserted, updated, deleted int64
		want                       string
	}{
		{0, 0, 0, "0"},
		{5, 0, 0, "+5"},
		{5, 2, 0, "+5 ~2"},
		{0, 0, 3, "-3"},
		{1, 1, 1, "+1 ~1 -1"},
	}
	for _, tt := range tests {
		if got := FormatRowChange(tt.inserted, tt.updated, tt.deleted); got != tt.want {
			t.Errorf("FormatRowChange(%d, %d, %d) = %q, want %q", tt.inserted, tt.updated, tt.deleted, got, tt.want)
		}
	}
}

func TestBox(t *testing.T) {
	buf := capture(t)
	Box("Plan", "MERGE INTO T\nUSING S")
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected 4 lines, got %d:\n%s", len(lines), buf.String())
	}
	if len(lines[1]) != len(lines[2]) {
		t.Errorf("content lines are padded to the same width:\n%s", buf.String())
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{250 * time.Millisecond, "250ms"},
		{1500 * time.Millisecond, "1.5s"},
		{90 * time.Second, "1m30s"},
		{2*time.Hour + 5*time.Minute, "2h5m"},
	}
	for _, tt := range tests {
		if got := FormatDuration(tt.d); got != tt.want {
			t.Errorf("FormatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestSpinnerNonTerminal(t *testing.T) {
	buf := capture(t)

	s := NewSpinner("loading customers")
	s.Start()
	s.UpdateMessage("merging customers")
	s.Stop(true, "customers loaded")
	s.Stop(false, "ignored")

	out := buf.String()
	if out != "OK customers loaded\n" {
		t.Errorf("unexpected spinner output %q", out)
	}
}

func TestSpinnerFailure(t *testing.T) {
	buf := capture(t)

	s := NewSpinner("loading")
	s.Start()
	s.Stop(false, "customers failed")
	if !strings.Contains(buf.String(), "FAILED customers failed") {
		t.Errorf("unexpected spinner output %q", buf.String())
	}
}
