package errors

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fatih/color"
)

// ErrorHandler writes failed runs to a JSON error log and prints a
// readable summary for the operator.
type ErrorHandler struct {
	logFile   *os.File
	logWriter io.Writer
	out       io.Writer
	errorLog  []ErrorLogEntry
	mu        sync.Mutex
	config    ErrorHandlerConfig
}

// ErrorHandlerConfig configures the error handler
type ErrorHandlerConfig struct {
	LogToFile     bool
	LogFilePath   string
	MaxLogEntries int
}

// ErrorLogEntry represents a logged error
type ErrorLogEntry struct {
	Timestamp   time.Time              `json:"timestamp"`
	Code        ErrorCode              `json:"code"`
	Severity    ErrorSeverity          `json:"severity"`
	Message     string                 `json:"message"`
	Cause       string                 `json:"cause,omitempty"`
	Context     map[string]interface{} `json:"context,omitempty"`
	Stack       string                 `json:"stack,omitempty"`
	Recoverable bool                   `json:"recoverable"`
}

// DefaultErrorHandlerConfig returns default configuration
func DefaultErrorHandlerConfig() ErrorHandlerConfig {
	homeDir, _ := os.UserHomeDir()
	return ErrorHandlerConfig{
		LogToFile:     true,
		LogFilePath:   filepath.Join(homeDir, ".odsflow", "errors.log"),
		MaxLogEntries: 1000,
	}
}

// NewErrorHandler creates a new error handler. Display output goes to out;
// JSON entries go to the log file when enabled.
func NewErrorHandler(config ErrorHandlerConfig, out io.Writer) (*ErrorHandler, error) {
	if out == nil {
		out = os.Stderr
	}
	if config.MaxLogEntries <= 0 {
		config.MaxLogEntries = 1000
	}

	handler := &ErrorHandler{
		config:    config,
		out:       out,
		logWriter: io.Discard,
		errorLog:  make([]ErrorLogEntry, 0),
	}

	if config.LogToFile {
		logDir := filepath.Dir(config.LogFilePath)
		if err := os.MkdirAll(logDir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		file, err := os.OpenFile(config.LogFilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}

		handler.logFile = file
		handler.logWriter = file
	}

	return handler, nil
}

// Handle records an error and displays it
func (h *ErrorHandler) Handle(err error) {
	if err == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	var appErr *AppError
	if !As(err, &appErr) {
		appErr = Wrap(err, ErrCodeInternal, err.Error())
	}

	entry := ErrorLogEntry{
		Timestamp:   appErr.Timestamp,
		Code:        appErr.Code,
		Severity:    appErr.Severity,
		Message:     appErr.Message,
		Context:     appErr.Context,
		Stack:       appErr.Stack,
		Recoverable: appErr.Recoverable,
	}
	if appErr.Cause != nil {
		entry.Cause = appErr.Cause.Error()
	}

	h.errorLog = append(h.errorLog, entry)
	if len(h.errorLog) > h.config.MaxLogEntries {
		h.errorLog = h.errorLog[1:]
	}

	h.writeLog(entry)
	h.displayError(appErr)
}

func (h *ErrorHandler) writeLog(entry ErrorLogEntry) {
	jsonData, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(h.out, "Failed to marshal error log: %v\n", err)
		return
	}

	fmt.Fprintln(h.logWriter, string(jsonData))
}

func (h *ErrorHandler) displayError(err *AppError) {
	var paint func(format string, a ...interface{}) string
	switch err.Severity {
	case SeverityCritical:
		paint = color.New(color.FgRed, color.Bold).SprintfFunc()
	case SeverityError:
		paint = color.New(color.FgHiRed).SprintfFunc()
	case SeverityWarning:
		paint = color.New(color.FgYellow).SprintfFunc()
	default:
		paint = color.New(color.FgCyan).SprintfFunc()
	}

	fmt.Fprintf(h.out, "\n%s\n", paint("[%s] %s", err.Code, err.Message))
	if err.Cause != nil {
		fmt.Fprintf(h.out, "  cause: %v\n", err.Cause)
	}

	if len(err.Context) > 0 {
		keys := make([]string, 0, len(err.Context))
		for key := range err.Context {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		fmt.Fprintln(h.out, "\nContext:")
		for _, key := range keys {
			fmt.Fprintf(h.out, "  %s: %v\n", key, err.Context[key])
		}
	}

	if len(err.Suggestions) > 0 {
		fmt.Fprintln(h.out, "\nSuggestions:")
		for i, suggestion := range err.Suggestions {
			fmt.Fprintf(h.out, "  %d. %s\n", i+1, suggestion)
		}
	}

	if err.Severity == SeverityCritical && h.logFile != nil {
		fmt.Fprintf(h.out, "\nDetails were written to %s\n", h.config.LogFilePath)
	}
}

// Entries returns a copy of the errors handled so far.
func (h *ErrorHandler) Entries() []ErrorLogEntry {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]ErrorLogEntry, len(h.errorLog))
	copy(out, h.errorLog)
	return out
}

// Close closes the error handler and releases resources
func (h *ErrorHandler) Close() error {
	if h.logFile != nil {
		return h.logFile.Close()
	}
	return nil
}
