package call

import (
	"errors"
	"fmt"
)

var (
	// ErrIdentityConflict is returned by [Registry.Insert] when the call
	// identity is already held by another live session. Under the reject
	// policy it is also the terminal status of the later session.
	ErrIdentityConflict = errors.New("call: identity already registered")

	// ErrQueueClosed is returned by [Queue.Push] after Close and by
	// [Queue.Pop] once the queue is closed and drained.
	ErrQueueClosed = errors.New("call: queue closed")

	// ErrQueueTimeout is returned by [Queue.Pop] when nothing arrived within
	// the wait.
	ErrQueueTimeout = errors.New("call: queue pop timed out")
)

// TransportError reports a receive or send failure on the stream adapter.
// It terminates the owning session only.
type TransportError struct {
	// Op is "receive" or "send".
	Op     string
	CallID string
	Err    error
}

func (e *TransportError) Error() string {
	if e.CallID == "" {
		return fmt.Sprintf("call: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("call %s: %s: %v", e.CallID, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProcessingError reports a processor failure on the unit at Index (0-based,
// in receive order). It terminates the owning session only.
type ProcessingError struct {
	CallID string
	Index  int
	Err    error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("call %s: process unit %d: %v", e.CallID, e.Index, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// errorKind classifies a terminal session error for metrics and logs.
func errorKind(err error) string {
	var te *TransportError
	var pe *ProcessingError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &te):
		return "transport"
	case errors.As(err, &pe):
		return "processing"
	case errors.Is(err, ErrIdentityConflict):
		return "conflict"
	default:
		return "internal"
	}
}
