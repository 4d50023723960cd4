package errors

import (
	"errors"
	"fmt"
	"runtime"
	"time"

	"go.uber.org/zap"
)

// ErrorType represents the layer an error belongs to
type ErrorType string

const (
	ErrorTypeTransport ErrorType = "transport" // socket failure or close, recovered by backoff
	ErrorTypeProtocol  ErrorType = "protocol"  // malformed frame or unknown id, dropped
	ErrorTypeIntegrity ErrorType = "integrity" // bad signature or author mismatch, event rejected
	ErrorTypeScheduler ErrorType = "scheduler" // failure inside a fetch or verification round
	ErrorTypePublish   ErrorType = "publish"   // per-endpoint publish failure
	ErrorTypeConfig    ErrorType = "config"
)

// ErrorSeverity represents the severity level of errors
type ErrorSeverity string

const (
	SeverityLow      ErrorSeverity = "low"
	SeverityMedium   ErrorSeverity = "medium"
	SeverityHigh     ErrorSeverity = "high"
	SeverityCritical ErrorSeverity = "critical"
)

// AppError represents a structured application error
type AppError struct {
	Type       ErrorType     `json:"type"`
	Code       string        `json:"code"`
	Message    string        `json:"message"`
	Details    string        `json:"details,omitempty"`
	Severity   ErrorSeverity `json:"severity"`
	Timestamp  time.Time     `json:"timestamp"`
	Relay      string        `json:"relay,omitempty"`
	Cause      error         `json:"-"`
	StackTrace string        `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s:%s] %s: %s", e.Type, e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Type, e.Code, e.Message)
}

// Unwrap implements the Unwrap interface for error wrapping
func (e *AppError) Unwrap() error {
	return e.Cause
}

// New creates a new AppError with stack trace capture
func New(errorType ErrorType, code string, message string) *AppError {
	return &AppError{
		Type:       errorType,
		Code:       code,
		Message:    message,
		Severity:   SeverityMedium,
		Timestamp:  time.Now(),
		StackTrace: captureStackTrace(),
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, errorType ErrorType, code string, message string) *AppError {
	appErr := New(errorType, code, message)
	appErr.Cause = err
	if err != nil {
		appErr.Details = err.Error()
	}
	return appErr
}

// WithSeverity sets the severity level of an error
func (e *AppError) WithSeverity(severity ErrorSeverity) *AppError {
	e.Severity = severity
	return e
}

// WithDetails adds additional details to an error
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithRelay associates an error with an endpoint
func (e *AppError) WithRelay(url string) *AppError {
	e.Relay = url
	return e
}

// As returns err as an *AppError when it wraps one.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// Log writes err to log at a level matching its severity.
func Log(log *zap.Logger, msg string, err error, fields ...zap.Field) {
	appErr, ok := As(err)
	if !ok {
		log.Error(msg, append(fields, zap.Error(err))...)
		return
	}
	fields = append(fields,
		zap.String("error_type", string(appErr.Type)),
		zap.String("error_code", appErr.Code),
		zap.String("severity", string(appErr.Severity)),
		zap.Error(appErr),
	)
	if appErr.Relay != "" {
		fields = append(fields, zap.String("relay", appErr.Relay))
	}
	switch appErr.Severity {
	case SeverityLow:
		log.Debug(msg, fields...)
	case SeverityMedium:
		log.Warn(msg, fields...)
	default:
		log.Error(msg, fields...)
	}
}

// captureStackTrace captures the current stack trace
func captureStackTrace() string {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}
