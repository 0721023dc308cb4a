package shared

import (
	"errors"
	"fmt"
)

var (
	ErrNoLogger       = errors.New("no logger provided")
	ErrNoEngine       = errors.New("no engine provided")
	ErrNoEventSource  = errors.New("no engine event source provided")
	ErrNoCallback     = errors.New("no callback provided")
	ErrProfilesNotSet = errors.New("user profiles not set")
)

// ConnectionError reports a transport that could not be established or was
// lost. The stream it belongs to is unusable until explicitly restarted.
type ConnectionError struct {
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// SessionStateError reports an operation attempted against a session handle
// in the wrong state. It fails fast locally and is never silently dropped.
type SessionStateError struct {
	Op    string
	State string
}

func (e *SessionStateError) Error() string {
	return fmt.Sprintf("%s rejected: session is %s", e.Op, e.State)
}

// ProtocolDecodeError reports a malformed or unrecognized payload from a
// backend. Receive loops log it and keep running.
type ProtocolDecodeError struct {
	Payload []byte
	Err     error
}

func (e *ProtocolDecodeError) Error() string {
	return fmt.Sprintf("undecodable payload (%d bytes): %v", len(e.Payload), e.Err)
}

func (e *ProtocolDecodeError) Unwrap() error { return e.Err }

// UpstreamError is an explicit error payload from the topic-suggestion
// backend. It is logged and the session continues.
type UpstreamError struct {
	Message   string
	SessionID string
}

func (e *UpstreamError) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("upstream error: %s", e.Message)
	}
	return fmt.Sprintf("upstream error for session %s: %s", e.SessionID, e.Message)
}

// IsSessionState reports whether err is a SessionStateError.
func IsSessionState(err error) bool {
	var se *SessionStateError
	return errors.As(err, &se)
}

// IsConnection reports whether err is a ConnectionError.
func IsConnection(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}
