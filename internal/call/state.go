package call

import (
	"context"
	"log/slog"

	"github.com/looplab/fsm"
)

// State is the lifecycle state of a [Session].
type State string

const (
	// StateUnregistered is the initial state: no identified unit seen yet.
	StateUnregistered State = "unregistered"

	// StateActive means the session has a call identity and is streaming.
	StateActive State = "active"

	// StateDraining means the inbound side ended; queued units are still
	// being delivered.
	StateDraining State = "draining"

	// StateClosed is terminal. Deregistration has happened.
	StateClosed State = "closed"
)

// Lifecycle events.
const (
	evRegister = "register"
	evDrain    = "drain"
	evClose    = "close"
)

// newLifecycle builds the session state machine. Transitions are one-way;
// Closed is reachable from every other state exactly once.
func newLifecycle(logger func() *slog.Logger) *fsm.FSM {
	return fsm.NewFSM(
		string(StateUnregistered),
		fsm.Events{
			{Name: evRegister, Src: []string{string(StateUnregistered)}, Dst: string(StateActive)},
			{Name: evDrain, Src: []string{string(StateUnregistered), string(StateActive)}, Dst: string(StateDraining)},
			{Name: evClose, Src: []string{string(StateUnregistered), string(StateActive), string(StateDraining)}, Dst: string(StateClosed)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				logger().Debug("session state changed",
					slog.String("from", e.Src),
					slog.String("to", e.Dst),
					slog.String("event", e.Event),
				)
			},
		},
	)
}

// fire applies event and reports whether the transition happened. Events
// that are not valid from the current state are ignored; several goroutines
// race towards Draining and Closed and only the first one moves the machine.
func fire(ctx context.Context, f *fsm.FSM, event string) bool {
	return f.Event(ctx, event) == nil
}
