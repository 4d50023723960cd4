package errors

import (
	"fmt"
	"net"
	"strings"
	"syscall"

	"github.com/gorilla/websocket"
)

// TransportError classifies a socket failure for relay.
func TransportError(relay, operation string, cause error) *AppError {
	code := "TRANSPORT_ERROR"
	severity := SeverityMedium

	var opErr *net.OpError
	switch {
	case websocket.IsCloseError(cause, websocket.CloseNormalClosure):
		code = "WS_NORMAL_CLOSURE"
		severity = SeverityLow
	case websocket.IsCloseError(cause, websocket.CloseGoingAway, websocket.CloseAbnormalClosure):
		code = "WS_ABNORMAL_CLOSURE"
	case websocket.IsUnexpectedCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		code = "WS_UNEXPECTED_CLOSURE"
	case asOpError(cause, &opErr) && opErr.Op == "dial":
		code = "DIAL_FAILED"
	case isErrno(cause, syscall.ECONNREFUSED):
		code = "CONNECTION_REFUSED"
	case isErrno(cause, syscall.ECONNRESET):
		code = "CONNECTION_RESET"
	case isTimeout(cause):
		code = "TIMEOUT"
	}

	return Wrap(cause, ErrorTypeTransport, code, fmt.Sprintf("relay %s failed", operation)).
		WithSeverity(severity).
		WithRelay(relay)
}

// ProtocolError reports a frame that could not be handled.
func ProtocolError(relay, frameType, reason string) *AppError {
	return New(ErrorTypeProtocol, "PROTOCOL_ERROR", fmt.Sprintf("dropped %s frame: %s", frameType, reason)).
		WithSeverity(SeverityLow).
		WithRelay(relay)
}

// IntegrityError reports an event rejected by verification.
func IntegrityError(eventID, reason string) *AppError {
	return New(ErrorTypeIntegrity, "EVENT_REJECTED", fmt.Sprintf("event rejected: %s", reason)).
		WithSeverity(SeverityLow).
		WithDetails(fmt.Sprintf("event id: %s", eventID))
}

// SchedulerError reports an aborted fetch or verification round.
func SchedulerError(component string, cause error) *AppError {
	return Wrap(cause, ErrorTypeScheduler, "ROUND_ABORTED", fmt.Sprintf("%s round aborted", component)).
		WithSeverity(SeverityHigh)
}

// PublishError reports a failed publish on one endpoint.
func PublishError(relay, eventID, reason string) *AppError {
	return New(ErrorTypePublish, "PUBLISH_FAILED", fmt.Sprintf("publish rejected: %s", reason)).
		WithSeverity(SeverityLow).
		WithDetails(fmt.Sprintf("event id: %s", eventID)).
		WithRelay(relay)
}

// ConfigurationError creates an error for configuration issues
func ConfigurationError(field, reason string) *AppError {
	return New(ErrorTypeConfig, "CONFIGURATION_ERROR", fmt.Sprintf("configuration error in %s: %s", field, reason)).
		WithSeverity(SeverityCritical)
}

// Recovered converts a recovered panic value into a SchedulerError.
func Recovered(component string, r interface{}) *AppError {
	if err, ok := r.(error); ok {
		return SchedulerError(component, err)
	}
	return SchedulerError(component, fmt.Errorf("panic: %v", r))
}

// IsRecoverable determines if an error is recoverable (can be retried)
func IsRecoverable(err error) bool {
	appErr, ok := As(err)
	if !ok {
		return false
	}
	switch appErr.Type {
	case ErrorTypeTransport, ErrorTypePublish:
		return appErr.Severity != SeverityCritical
	case ErrorTypeScheduler:
		// the next enqueue starts a clean round
		return true
	default:
		return false
	}
}

func asOpError(err error, target **net.OpError) bool {
	for err != nil {
		if op, ok := err.(*net.OpError); ok {
			*target = op
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func isErrno(err error, errno syscall.Errno) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), strings.ToLower(errno.Error()))
}

func isTimeout(err error) bool {
	if netErr, ok := err.(net.Error); ok {
		return netErr.Timeout()
	}
	return err != nil && strings.Contains(err.Error(), "i/o timeout")
}
