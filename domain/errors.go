package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotConnected is returned by adapter operations attempted while the
	// upstream connection is not open.
	ErrNotConnected = errors.New("not connected")

	// ErrAdapterClosed is returned by Connect on an adapter that has already
	// been closed. Adapters are one-shot.
	ErrAdapterClosed = errors.New("adapter closed")
)

// ConnectionError reports a failure to establish an upstream connection.
type ConnectionError struct {
	Provider string
	Err      error
}

func (e *ConnectionError) Error() string {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return fmt.Sprintf("%s: connection timed out", e.Provider)
	}
	return fmt.Sprintf("%s: connection failed: %v", e.Provider, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TimeoutError reports an operation that exceeded its bound.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	if e.After > 0 {
		return fmt.Sprintf("%s timed out after %s", e.Op, e.After)
	}
	return e.Op + " timed out"
}

// ValidationError reports invalid input: an empty transcript or a malformed
// client message.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid message: " + e.Message
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// ProtocolError reports an unexpected payload from an upstream service.
type ProtocolError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *ProtocolError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: unexpected status %d: %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrorKind maps err to a stable label used for metrics and logs.
func ErrorKind(err error) string {
	var (
		connErr     *ConnectionError
		timeoutErr  *TimeoutError
		validErr    *ValidationError
		protocolErr *ProtocolError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &connErr):
		return "connection"
	case errors.Is(err, ErrNotConnected), errors.Is(err, ErrAdapterClosed):
		return "not_connected"
	case errors.As(err, &timeoutErr):
		return "timeout"
	case errors.As(err, &validErr):
		return "validation"
	case errors.As(err, &protocolErr):
		return "protocol"
	default:
		return "internal"
	}
}
