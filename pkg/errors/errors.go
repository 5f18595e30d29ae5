package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// ErrorCode represents a unique error code for categorizing errors
type ErrorCode string

const (
	// Store connection errors (1xxx)
	ErrCodeConnectionFailed     ErrorCode = "ODS1001"
	ErrCodeConnectionTimeout    ErrorCode = "ODS1002"
	ErrCodeAuthenticationFailed ErrorCode = "ODS1003"
	ErrCodeNetworkUnavailable   ErrorCode = "ODS1004"

	// Configuration errors (2xxx)
	ErrCodeConfigNotFound    ErrorCode = "ODS2001"
	ErrCodeConfigInvalid     ErrorCode = "ODS2002"
	ErrCodeConfigMissing     ErrorCode = "ODS2003"
	ErrCodeDescriptorInvalid ErrorCode = "ODS2004"
	ErrCodeSecretResolution  ErrorCode = "ODS2005"

	// Staging and reference errors (3xxx)
	ErrCodeSourceUnavailable    ErrorCode = "ODS3001"
	ErrCodeReferenceLookupError ErrorCode = "ODS3002"

	// Load errors (4xxx)
	ErrCodeSQLExecution     ErrorCode = "ODS4001"
	ErrCodeTransactionError ErrorCode = "ODS4002"
	ErrCodeMergeConflict    ErrorCode = "ODS4003"
	ErrCodeConversionFailed ErrorCode = "ODS4004"

	// Validation errors (6xxx)
	ErrCodeValidationFailed ErrorCode = "ODS6001"
	ErrCodeInvalidInput     ErrorCode = "ODS6002"

	// System errors (9xxx)
	ErrCodeInternal           ErrorCode = "ODS9001"
	ErrCodeTimeout            ErrorCode = "ODS9002"
	ErrCodeResourceExhausted  ErrorCode = "ODS9003"
	ErrCodeServiceUnavailable ErrorCode = "ODS9004"
	ErrCodeCanceled           ErrorCode = "ODS9005"
)

// ErrorSeverity represents the severity level of an error
type ErrorSeverity string

const (
	SeverityCritical ErrorSeverity = "CRITICAL" // System failure, requires immediate attention
	SeverityError    ErrorSeverity = "ERROR"    // Operation failed, but system continues
	SeverityWarning  ErrorSeverity = "WARNING"  // Operation succeeded with issues
	SeverityInfo     ErrorSeverity = "INFO"     // Informational, not an error
)

// Sentinels for errors.Is comparisons. AppError.Is matches on code only.
var (
	ErrSourceUnavailable    = &AppError{Code: ErrCodeSourceUnavailable}
	ErrReferenceLookup      = &AppError{Code: ErrCodeReferenceLookupError}
	ErrValidationFailed     = &AppError{Code: ErrCodeValidationFailed}
	ErrMergeConflict        = &AppError{Code: ErrCodeMergeConflict}
	ErrTransaction          = &AppError{Code: ErrCodeTransactionError}
	ErrDescriptorInvalid    = &AppError{Code: ErrCodeDescriptorInvalid}
	ErrConfigInvalid        = &AppError{Code: ErrCodeConfigInvalid}
	ErrCanceled             = &AppError{Code: ErrCodeCanceled}
	ErrConversionFailed     = &AppError{Code: ErrCodeConversionFailed}
	ErrConnectionFailed     = &AppError{Code: ErrCodeConnectionFailed}
	ErrSecretResolution     = &AppError{Code: ErrCodeSecretResolution}
	ErrServiceUnavailable   = &AppError{Code: ErrCodeServiceUnavailable}
	ErrAuthenticationFailed = &AppError{Code: ErrCodeAuthenticationFailed}
)

// AppError represents a structured application error with context
type AppError struct {
	Code        ErrorCode
	Message     string
	Severity    ErrorSeverity
	Context     map[string]interface{}
	Cause       error
	Stack       string
	Timestamp   time.Time
	Recoverable bool
	Suggestions []string
}

// Error implements the error interface
func (e *AppError) Error() string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("[%s] %s: %s", e.Code, e.Severity, e.Message))

	if e.Cause != nil {
		b.WriteString(fmt.Sprintf("\nCaused by: %v", e.Cause))
	}

	if len(e.Suggestions) > 0 {
		b.WriteString("\nSuggestions:")
		for i, suggestion := range e.Suggestions {
			b.WriteString(fmt.Sprintf("\n  %d. %s", i+1, suggestion))
		}
	}

	return b.String()
}

// Unwrap returns the cause of the error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is implements error comparison
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New creates a new AppError
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:        code,
		Message:     message,
		Severity:    SeverityError,
		Context:     make(map[string]interface{}),
		Stack:       captureStack(),
		Timestamp:   time.Now(),
		Recoverable: false,
	}
}

// Wrap wraps an existing error with AppError
func Wrap(err error, code ErrorCode, message string) *AppError {
	if err == nil {
		return nil
	}

	appErr := New(code, message)
	appErr.Cause = err

	// If wrapping another AppError, inherit its context
	var ae *AppError
	if errors.As(err, &ae) {
		for k, v := range ae.Context {
			appErr.Context[k] = v
		}
	}

	return appErr
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithSeverity sets the error severity
func (e *AppError) WithSeverity(severity ErrorSeverity) *AppError {
	e.Severity = severity
	return e
}

// WithSuggestions adds recovery suggestions
func (e *AppError) WithSuggestions(suggestions ...string) *AppError {
	e.Suggestions = append(e.Suggestions, suggestions...)
	return e
}

// AsRecoverable marks the error as recoverable
func (e *AppError) AsRecoverable() *AppError {
	e.Recoverable = true
	return e
}

// captureStack captures the current stack trace
func captureStack() string {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:])

	var b strings.Builder
	frames := runtime.CallersFrames(pcs[:n])

	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "runtime/") {
			b.WriteString(fmt.Sprintf("%s:%d %s\n", frame.File, frame.Line, frame.Function))
		}
		if !more {
			break
		}
	}

	return b.String()
}

// Common error constructors

// ConnectionError creates a store connection error
func ConnectionError(message string, cause error) *AppError {
	return Wrap(cause, ErrCodeConnectionFailed, message).
		WithSeverity(SeverityError).
		WithSuggestions(
			"Check your network connection",
			"Verify the store endpoint is accessible",
			"Check the account, user and role in the store configuration",
		)
}

// ConfigError creates a configuration-related error
func ConfigError(message string, field string) *AppError {
	return New(ErrCodeConfigInvalid, message).
		WithContext("field", field).
		WithSuggestions(
			fmt.Sprintf("Check the '%s' configuration value", field),
			"Run 'odsflow validate' to check pipeline definitions",
		)
}

// DescriptorError reports an invalid schema descriptor.
func DescriptorError(table, message string) *AppError {
	return New(ErrCodeDescriptorInvalid, message).
		WithContext("table", table)
}

// SourceUnavailable reports a staging source that cannot be read.
func SourceUnavailable(source string, cause error) *AppError {
	msg := fmt.Sprintf("Staging source %s is unavailable", source)
	var err *AppError
	if cause == nil {
		err = New(ErrCodeSourceUnavailable, msg)
	} else {
		err = Wrap(cause, ErrCodeSourceUnavailable, msg)
	}
	return err.WithContext("source", source)
}

// ReferenceLookupError reports an invalid reference table or join key.
func ReferenceLookupError(reference, message string, cause error) *AppError {
	var err *AppError
	if cause == nil {
		err = New(ErrCodeReferenceLookupError, message)
	} else {
		err = Wrap(cause, ErrCodeReferenceLookupError, message)
	}
	return err.WithContext("reference", reference).
		WithSuggestions("Check the reference table name and join columns in the pipeline definition")
}

// ValidationFailed reports that a validator found violating rows. The run
// is aborted and nothing is loaded.
func ValidationFailed(kind string, rows []int) *AppError {
	return New(ErrCodeValidationFailed,
		fmt.Sprintf("%s validation failed for %d row(s)", kind, len(rows))).
		WithContext("kind", kind).
		WithContext("violating_rows", rows)
}

// MergeConflict reports two clean rows that map to the same target key.
func MergeConflict(table string, key []string, rows []int) *AppError {
	return New(ErrCodeMergeConflict,
		fmt.Sprintf("Duplicate unique key %v reached the merge stage", key)).
		WithSeverity(SeverityCritical).
		WithContext("table", table).
		WithContext("key", key).
		WithContext("rows", rows)
}

// TransactionError wraps a begin/commit/rollback failure.
func TransactionError(message string, cause error) *AppError {
	return Wrap(cause, ErrCodeTransactionError, message)
}

// SQLError creates an SQL execution error
func SQLError(message string, query string, cause error) *AppError {
	err := Wrap(cause, ErrCodeSQLExecution, message).
		WithContext("query", truncateString(query, 200))

	if cause != nil && strings.Contains(strings.ToLower(cause.Error()), "timeout") {
		err.Code = ErrCodeTimeout
		_ = err.WithSuggestions(
			"Increase the statement timeout setting",
			"Check the warehouse size",
		)
	}

	return err
}

// IsRecoverable checks if an error is recoverable
func IsRecoverable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Recoverable
	}
	return false
}

// GetErrorCode extracts the error code from an error
func GetErrorCode(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// As is errors.As re-exported so callers importing this package under the
// name errors keep access to it.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Is is errors.Is re-exported for the same reason as As.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// truncateString truncates a string to maxLen characters
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
