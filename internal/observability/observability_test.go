package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LoggerConfig{
		Level:   DebugLevel,
		Output:  &buf,
		Service: "test-service",
		Version: "1.0.0",
		Encoder: NewJSONEncoder(false),
	})

	logger.Info("test message")

	output := buf.String()
	if !strings.Contains(output, "test message") {
		t.Errorf("Expected log output to contain 'test message', got: %s", output)
	}
	if !strings.Contains(output, "test-service") {
		t.Errorf("Expected log output to contain service name, got: %s", output)
	}
}

func TestLoggerWithFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LoggerConfig{Level: InfoLevel, Output: &buf})

	logger.WithField("pipeline", "unit_generation").InfoWithFields("step finished", map[string]interface{}{
		"step": "stage",
		"rows": 123,
	})

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Expected JSON output, got: %s", buf.String())
	}
	if entry.Service != "odsflow" {
		t.Errorf("Expected default service odsflow, got %q", entry.Service)
	}
	if entry.Fields["pipeline"] != "unit_generation" || entry.Fields["step"] != "stage" {
		t.Errorf("Unexpected fields: %v", entry.Fields)
	}
	if entry.Fields["rows"] != float64(123) {
		t.Errorf("Expected rows=123, got %v", entry.Fields["rows"])
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LoggerConfig{Level: WarnLevel, Output: &buf})

	logger.Info("hidden")
	logger.Debug("hidden")
	if buf.Len() != 0 {
		t.Errorf("Expected no output below WARN, got: %s", buf.String())
	}

	logger.Warn("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("Expected warning in output, got: %s", buf.String())
	}
}

func TestLoggerRunIDFromContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LoggerConfig{Level: InfoLevel, Output: &buf})

	ctx := ContextWithRunID(context.Background(), "run-42")
	logger.WithContext(ctx).Info("started")

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Expected JSON output, got: %s", buf.String())
	}
	if entry.RunID != "run-42" {
		t.Errorf("Expected run id run-42, got %q", entry.RunID)
	}
	if _, ok := entry.Fields["run_id"]; ok {
		t.Error("run_id should be lifted out of fields")
	}
}

func TestTextEncoder(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LoggerConfig{Level: InfoLevel, Output: &buf, Encoder: EncoderFor("text")})

	logger.WithFields(map[string]interface{}{"b": 2, "a": 1}).Info("merged")

	line := strings.TrimSpace(buf.String())
	if !strings.Contains(line, "INFO  merged a=1 b=2") {
		t.Errorf("Unexpected text line: %q", line)
	}
}

func TestLogLevelFromString(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   DebugLevel,
		"WARNING": WarnLevel,
		"error":   ErrorLevel,
		"bogus":   InfoLevel,
	}
	for in, want := range tests {
		if got := LogLevelFromString(in); got != want {
			t.Errorf("LogLevelFromString(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestMetrics(t *testing.T) {
	m := NewMetrics()

	m.RecordRun("gen", true, 2*time.Second)
	m.RecordRun("gen", false, time.Second)
	m.RecordStep("gen", "merge", nil, 10*time.Millisecond)
	m.RecordStep("gen", "validate", errors.New("boom"), time.Millisecond)
	m.AddRows("gen", "inserted", 5)
	m.AddRows("gen", "inserted", 0)

	if v := testutil.ToFloat64(m.runs.WithLabelValues("gen", "success")); v != 1 {
		t.Errorf("Expected 1 successful run, got %v", v)
	}
	if v := testutil.ToFloat64(m.runs.WithLabelValues("gen", "failure")); v != 1 {
		t.Errorf("Expected 1 failed run, got %v", v)
	}
	if v := testutil.ToFloat64(m.steps.WithLabelValues("gen", "validate", "failure")); v != 1 {
		t.Errorf("Expected 1 failed validate step, got %v", v)
	}
	if v := testutil.ToFloat64(m.rows.WithLabelValues("gen", "inserted")); v != 5 {
		t.Errorf("Expected 5 inserted rows, got %v", v)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "odsflow_runs_total") {
		t.Errorf("Expected runs counter in scrape output")
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordRun("gen", true, time.Second)
	m.RecordStep("gen", "stage", nil, time.Second)
	m.AddRows("gen", "staged", 3)
	if err := m.Push(context.Background(), "http://localhost:9091", "job"); err != nil {
		t.Errorf("Expected nil metrics push to be a no-op, got %v", err)
	}
}

func TestMetricsPush(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := NewMetrics()
	m.RecordRun("gen", true, time.Second)
	if err := m.Push(context.Background(), srv.URL, "odsflow_test"); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if gotPath != "/metrics/job/odsflow_test" {
		t.Errorf("Unexpected push path %q", gotPath)
	}
}

func TestHealthHandler(t *testing.T) {
	hm := NewHealthManager(time.Second)
	hm.RegisterCheck("store", func(ctx context.Context) error { return nil })

	rec := httptest.NewRecorder()
	hm.HealthHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}

	hm.RegisterCheck("store", func(ctx context.Context) error { return errors.New("connection refused") })
	rec = httptest.NewRecorder()
	hm.HealthHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", rec.Code)
	}

	var report HealthReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("Expected JSON report: %v", err)
	}
	if report.Components["store"].Message != "connection refused" {
		t.Errorf("Unexpected report %+v", report)
	}
}

type lineRecorder struct {
	writes []string
}

func (r *lineRecorder) Write(p []byte) (int, error) {
	r.writes = append(r.writes, string(p))
	return len(p), nil
}

func TestLoggerWritesOneLinePerEntry(t *testing.T) {
	for _, format := range []string{"json", "text"} {
		rec := &lineRecorder{}
		logger := NewLogger(LoggerConfig{Level: InfoLevel, Output: rec, Encoder: EncoderFor(format)})

		logger.Info("first")
		logger.WithField("rows", 3).Warn("second")

		if len(rec.writes) != 2 {
			t.Fatalf("%s: expected 2 writes, got %d: %q", format, len(rec.writes), rec.writes)
		}
		for _, w := range rec.writes {
			if !strings.HasSuffix(w, "\n") || strings.Count(w, "\n") != 1 {
				t.Errorf("%s: expected a single newline-terminated line, got %q", format, w)
			}
		}
	}
}
