// Package mock provides in-memory mock implementations of the
// [audio.StreamAdapter] and [audio.Processor] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control behaviour. Set exported fields before the
// mock is handed to the code under test.
//
// Typical usage:
//
//	stream := mock.NewStream(
//	    audio.Unit{Data: []byte("a"), CallID: "X"},
//	    audio.Unit{Data: []byte("b"), CallID: "X"},
//	)
//	err := session.Run(ctx, stream)
//	sent := stream.Sent()
package mock

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/callcenter/pkg/audio"
)

// ErrStreamGone is returned by [Stream.ReceiveNext] and [Stream.Send] after
// [Stream.Deactivate] has been called.
var ErrStreamGone = errors.New("mock: stream is no longer active")

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock implementation of [audio.StreamAdapter].
//
// Inbound units are delivered in the order they were supplied to [NewStream]
// or pushed with [Stream.Push]. Once the inbound side is closed and drained,
// ReceiveNext returns the end error ([io.EOF] unless [Stream.Fail] was used).
type Stream struct {
	in        chan audio.Unit
	closeOnce sync.Once
	gone      chan struct{}
	goneOnce  sync.Once
	inactive  atomic.Bool
	sentCh    chan struct{}

	mu sync.Mutex

	// SendError is returned by Send once SendErrorAfter units have been sent
	// successfully. Nil means Send never fails on its own.
	SendError error

	// SendErrorAfter is the number of successful sends before SendError is
	// returned.
	SendErrorAfter int

	// SendGate, when non-nil, makes every Send block until the channel is
	// closed (or the context / stream ends).
	SendGate <-chan struct{}

	// CallCountReceive records how many times ReceiveNext was called.
	CallCountReceive int

	// CallCountSend records how many times Send was called.
	CallCountSend int

	endErr error
	sent   []audio.Unit
}

// NewStream returns a Stream whose inbound side yields units and then
// reports a clean half-close ([io.EOF]).
func NewStream(units ...audio.Unit) *Stream {
	s := NewOpenStream(len(units))
	for _, u := range units {
		s.in <- u
	}
	s.CloseSend()
	return s
}

// NewOpenStream returns a Stream with an open inbound side. Use [Stream.Push]
// to deliver units and [Stream.CloseSend] or [Stream.Fail] to end it.
func NewOpenStream(buffer int) *Stream {
	return &Stream{
		in:     make(chan audio.Unit, buffer),
		gone:   make(chan struct{}),
		sentCh: make(chan struct{}, 1),
		endErr: io.EOF,
	}
}

// Push delivers u to the inbound side. It blocks while the inbound buffer is
// full. Push must not be called after CloseSend or Fail.
func (s *Stream) Push(u audio.Unit) {
	s.in <- u
}

// CloseSend ends the inbound side cleanly: once drained, ReceiveNext returns
// [io.EOF]. Safe to call more than once.
func (s *Stream) CloseSend() {
	s.closeOnce.Do(func() { close(s.in) })
}

// Fail ends the inbound side with err: once drained, ReceiveNext returns err.
func (s *Stream) Fail(err error) {
	s.mu.Lock()
	s.endErr = err
	s.mu.Unlock()
	s.CloseSend()
}

// Deactivate simulates the peer going away. IsActive reports false from now
// on and blocked ReceiveNext / Send calls return [ErrStreamGone].
func (s *Stream) Deactivate() {
	s.goneOnce.Do(func() {
		s.inactive.Store(true)
		close(s.gone)
	})
}

// ReceiveNext implements [audio.StreamAdapter].
func (s *Stream) ReceiveNext(ctx context.Context) (audio.Unit, error) {
	s.mu.Lock()
	s.CallCountReceive++
	s.mu.Unlock()

	select {
	case u, ok := <-s.in:
		if !ok {
			s.mu.Lock()
			defer s.mu.Unlock()
			return audio.Unit{}, s.endErr
		}
		return u, nil
	case <-s.gone:
		return audio.Unit{}, ErrStreamGone
	case <-ctx.Done():
		return audio.Unit{}, ctx.Err()
	}
}

// Send implements [audio.StreamAdapter]. Successful sends are recorded and
// returned by [Stream.Sent].
func (s *Stream) Send(ctx context.Context, u audio.Unit) error {
	s.mu.Lock()
	s.CallCountSend++
	gate := s.SendGate
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-s.gone:
			return ErrStreamGone
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.inactive.Load() {
		return ErrStreamGone
	}

	s.mu.Lock()
	if s.SendError != nil && len(s.sent) >= s.SendErrorAfter {
		err := s.SendError
		s.mu.Unlock()
		return err
	}
	s.sent = append(s.sent, u)
	s.mu.Unlock()

	select {
	case s.sentCh <- struct{}{}:
	default:
	}
	return nil
}

// IsActive implements [audio.StreamAdapter].
func (s *Stream) IsActive() bool {
	return !s.inactive.Load()
}

// Sent returns a copy of every unit sent so far, in send order.
func (s *Stream) Sent() []audio.Unit {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audio.Unit, len(s.sent))
	copy(out, s.sent)
	return out
}

// WaitSent blocks until at least n units have been sent or timeout elapses.
// It reports whether n units were observed.
func (s *Stream) WaitSent(n int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		s.mu.Lock()
		got := len(s.sent)
		s.mu.Unlock()
		if got >= n {
			return true
		}
		select {
		case <-s.sentCh:
		case <-deadline.C:
			return false
		}
	}
}

// ─── Processor ────────────────────────────────────────────────────────────────

// Processor is a mock implementation of [audio.Processor]. By default it
// appends Suffix to the payload and records the call.
type Processor struct {
	mu sync.Mutex

	// Suffix is appended to every successfully transformed payload.
	Suffix string

	// FailOn, when non-nil, is consulted for every unit; returning true makes
	// Transform fail with Err.
	FailOn func(audio.Unit) bool

	// Err is returned when FailOn matches. Defaults to a generic error.
	Err error

	// Delay is slept before every transform.
	Delay time.Duration

	// Calls records every unit passed to Transform.
	Calls []audio.Unit
}

// Transform implements [audio.Processor].
func (p *Processor) Transform(u audio.Unit) (audio.Unit, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, u)
	failOn, perr, suffix, delay := p.FailOn, p.Err, p.Suffix, p.Delay
	p.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if failOn != nil && failOn(u) {
		if perr == nil {
			perr = errors.New("mock: processing failed")
		}
		return audio.Unit{}, perr
	}
	data := make([]byte, 0, len(u.Data)+len(suffix))
	data = append(data, u.Data...)
	data = append(data, suffix...)
	u.Data = data
	return u, nil
}

// CallCount returns the number of Transform invocations.
func (p *Processor) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}
