package connection

import "fmt"

// Errors reported on request and publication channels.
var (
	ErrNotConnected   = fmt.Errorf("relay not connected")
	ErrRequestClosed  = fmt.Errorf("request closed")
	ErrPublishTimeout = fmt.Errorf("timed out waiting for OK")
	ErrConnectionLost = fmt.Errorf("connection lost before OK")
)

// ClosedError is delivered on a request's Error signal when the relay sends CLOSED.
type ClosedError struct {
	Relay  string
	Reason string
}

func (e *ClosedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("subscription closed by %s", e.Relay)
	}
	return fmt.Sprintf("subscription closed by %s: %s", e.Relay, e.Reason)
}

// RejectedError is the failure of a publication answered with OK false.
type RejectedError struct {
	Relay  string
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s rejected event: %s", e.Relay, e.Reason)
}
