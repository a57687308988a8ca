// Package audio defines the data model and the external contracts of the
// callcenter audio path.
//
// The two primary abstractions are:
//
//   - [StreamAdapter]: the only point of contact with a transport. It yields
//     inbound [Unit] values and accepts outbound ones for a single call stream.
//   - [Processor]: a pure transform applied to every inbound unit before it is
//     sent back to the caller.
//
// Implementations of these interfaces are provided by transport packages
// (gRPC, WebSocket) and by audio/processor. The interfaces are intentionally
// narrow so that the call session never depends on transport framing,
// compression, or credentials.
//
// This package lives under pkg/ because external code (third-party transports
// and processors) is expected to implement [StreamAdapter] and [Processor].
package audio

import "context"

// StreamAdapter wraps one bidirectional transport stream.
//
// A session drives an adapter from two goroutines: one calls ReceiveNext in a
// loop, the other calls Send and IsActive. Implementations must allow that
// split; they need not support concurrent calls to the same method.
type StreamAdapter interface {
	// ReceiveNext blocks until the next inbound unit arrives. It returns
	// [io.EOF] when the peer has half-closed its side cleanly, and any other
	// error when the stream broke. It must return once ctx is cancelled or
	// the underlying connection is gone.
	ReceiveNext(ctx context.Context) (Unit, error)

	// Send writes one outbound unit. A non-nil error means the stream can no
	// longer carry output.
	Send(ctx context.Context, u Unit) error

	// IsActive reports whether the outbound side can still deliver units.
	// It must not block.
	IsActive() bool
}
