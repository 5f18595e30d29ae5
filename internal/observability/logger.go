package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

var levelNames = map[LogLevel]string{
	DebugLevel: "DEBUG",
	InfoLevel:  "INFO",
	WarnLevel:  "WARN",
	ErrorLevel: "ERROR",
	FatalLevel: "FATAL",
}

// LogEntry represents a structured log entry
type LogEntry struct {
	Timestamp   time.Time              `json:"timestamp"`
	Level       string                 `json:"level"`
	Message     string                 `json:"message"`
	RunID       string                 `json:"run_id,omitempty"`
	Fields      map[string]interface{} `json:"fields,omitempty"`
	Service     string                 `json:"service"`
	Version     string                 `json:"version"`
	Environment string                 `json:"environment,omitempty"`
	Host        string                 `json:"host,omitempty"`
	Caller      string                 `json:"caller,omitempty"`
	Stack       string                 `json:"stack,omitempty"`
}

// Logger provides structured logging capabilities
type Logger struct {
	mu          *sync.Mutex
	level       LogLevel
	output      io.Writer
	fields      map[string]interface{}
	service     string
	version     string
	environment string
	hostname    string
	encoder     LogEncoder
}

// LogEncoder handles encoding of log entries
type LogEncoder interface {
	Encode(entry *LogEntry) ([]byte, error)
}

// JSONEncoder encodes log entries as JSON
type JSONEncoder struct {
	pretty bool
}

// NewJSONEncoder creates a new JSON encoder
func NewJSONEncoder(pretty bool) *JSONEncoder {
	return &JSONEncoder{pretty: pretty}
}

// Encode encodes a log entry to JSON
func (e *JSONEncoder) Encode(entry *LogEntry) ([]byte, error) {
	if e.pretty {
		return json.MarshalIndent(entry, "", "  ")
	}
	return json.Marshal(entry)
}

// TextEncoder writes one human readable line per entry.
type TextEncoder struct{}

// Encode encodes a log entry as "time LEVEL message key=value ...".
func (TextEncoder) Encode(entry *LogEntry) ([]byte, error) {
	var b strings.Builder
	b.WriteString(entry.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"))
	b.WriteByte(' ')
	b.WriteString(fmt.Sprintf("%-5s", entry.Level))
	b.WriteByte(' ')
	b.WriteString(entry.Message)
	if entry.RunID != "" {
		b.WriteString(" run_id=")
		b.WriteString(entry.RunID)
	}

	keys := make([]string, 0, len(entry.Fields))
	for k := range entry.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, entry.Fields[k])
	}
	return []byte(b.String()), nil
}

// LoggerConfig contains logger configuration
type LoggerConfig struct {
	Level       LogLevel
	Output      io.Writer
	Service     string
	Version     string
	Environment string
	Encoder     LogEncoder
}

// NewLogger creates a new logger instance
func NewLogger(config LoggerConfig) *Logger {
	hostname, _ := os.Hostname()

	if config.Output == nil {
		config.Output = os.Stderr
	}
	if config.Encoder == nil {
		config.Encoder = NewJSONEncoder(false)
	}
	if config.Service == "" {
		config.Service = "odsflow"
	}

	return &Logger{
		mu:          &sync.Mutex{},
		level:       config.Level,
		output:      config.Output,
		fields:      make(map[string]interface{}),
		service:     config.Service,
		version:     config.Version,
		environment: config.Environment,
		hostname:    hostname,
		encoder:     config.Encoder,
	}
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() *Logger {
	return NewLogger(LoggerConfig{Level: FatalLevel + 1, Output: io.Discard})
}

func (l *Logger) clone(fields map[string]interface{}) *Logger {
	newFields := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		newFields[k] = v
	}
	for k, v := range fields {
		newFields[k] = v
	}

	c := *l
	c.fields = newFields
	return &c
}

// WithField returns a new logger with an additional field
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.clone(map[string]interface{}{key: value})
}

// WithFields returns a new logger with additional fields
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return l.clone(fields)
}

type runIDKey struct{}

// ContextWithRunID attaches a run id to ctx.
func ContextWithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunIDFromContext returns the run id attached to ctx, if any.
func RunIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(runIDKey{}).(string); ok {
		return id
	}
	return ""
}

// WithContext returns a new logger carrying the run id from ctx
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if id := RunIDFromContext(ctx); id != "" {
		return l.WithField("run_id", id)
	}
	return l
}

// log writes a log entry
func (l *Logger) log(level LogLevel, msg string, fields map[string]interface{}) {
	if level < l.level {
		return
	}

	entry := &LogEntry{
		Timestamp:   time.Now(),
		Level:       levelNames[level],
		Message:     msg,
		Fields:      make(map[string]interface{}, len(l.fields)+len(fields)),
		Service:     l.service,
		Version:     l.version,
		Environment: l.environment,
		Host:        l.hostname,
	}

	for k, v := range l.fields {
		entry.Fields[k] = v
	}
	for k, v := range fields {
		entry.Fields[k] = v
	}

	if runID, ok := entry.Fields["run_id"].(string); ok {
		entry.RunID = runID
		delete(entry.Fields, "run_id")
	}

	if pc, file, line, ok := runtime.Caller(2); ok {
		if fn := runtime.FuncForPC(pc); fn != nil {
			entry.Caller = fmt.Sprintf("%s:%d %s", file, line, fn.Name())
		}
	}

	if level >= ErrorLevel {
		entry.Stack = getStackTrace(3)
	}

	data, err := l.encoder.Encode(entry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to encode log entry: %v\n", err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	_, _ = l.output.Write(append(data, '\n'))
}

// Debug logs a debug message
func (l *Logger) Debug(msg string) {
	l.log(DebugLevel, msg, nil)
}

// DebugWithFields logs a debug message with fields
func (l *Logger) DebugWithFields(msg string, fields map[string]interface{}) {
	l.log(DebugLevel, msg, fields)
}

// Info logs an info message
func (l *Logger) Info(msg string) {
	l.log(InfoLevel, msg, nil)
}

// InfoWithFields logs an info message with fields
func (l *Logger) InfoWithFields(msg string, fields map[string]interface{}) {
	l.log(InfoLevel, msg, fields)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string) {
	l.log(WarnLevel, msg, nil)
}

// WarnWithFields logs a warning message with fields
func (l *Logger) WarnWithFields(msg string, fields map[string]interface{}) {
	l.log(WarnLevel, msg, fields)
}

// Error logs an error message
func (l *Logger) Error(msg string) {
	l.log(ErrorLevel, msg, nil)
}

// ErrorWithFields logs an error message with fields
func (l *Logger) ErrorWithFields(msg string, fields map[string]interface{}) {
	l.log(ErrorLevel, msg, fields)
}

// getStackTrace returns the current stack trace
func getStackTrace(skip int) string {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	lines := strings.Split(string(buf[:n]), "\n")
	if len(lines) > skip*2 {
		lines = lines[skip*2:]
	}
	return strings.Join(lines, "\n")
}

// LogLevelFromString converts a string to LogLevel
func LogLevelFromString(level string) LogLevel {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DebugLevel
	case "INFO":
		return InfoLevel
	case "WARN", "WARNING":
		return WarnLevel
	case "ERROR":
		return ErrorLevel
	case "FATAL":
		return FatalLevel
	default:
		return InfoLevel
	}
}

// EncoderFor returns the encoder for a configured log format.
func EncoderFor(format string) LogEncoder {
	switch strings.ToLower(format) {
	case "text", "console":
		return TextEncoder{}
	case "pretty":
		return NewJSONEncoder(true)
	default:
		return NewJSONEncoder(false)
	}
}

var (
	defaultMu     sync.RWMutex
	defaultLogger = NewLogger(LoggerConfig{Level: InfoLevel, Service: "odsflow"})
)

// SetDefaultLogger sets the global default logger
func SetDefaultLogger(logger *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = logger
}

// GetDefaultLogger returns the global default logger
func GetDefaultLogger() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// Info logs an info message using the default logger
func Info(msg string) {
	GetDefaultLogger().Info(msg)
}

// Warn logs a warning message using the default logger
func Warn(msg string) {
	GetDefaultLogger().Warn(msg)
}

// Error logs an error message using the default logger
func Error(msg string) {
	GetDefaultLogger().Error(msg)
}
