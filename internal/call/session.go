// Package call implements the per-call streaming session: an ingest
// goroutine that reads units from a [audio.StreamAdapter] and runs them
// through a [audio.Processor], an egress goroutine that sends the results
// back, and the bounded [Queue] between them. Sessions register their call
// identity in a [Registry] on the first identified unit and deregister
// exactly once when they close.
package call

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/callcenter/internal/observe"
	"github.com/MrWong99/callcenter/pkg/audio"
	"github.com/MrWong99/callcenter/pkg/audio/processor"
)

// ConflictPolicy decides what happens to a session that announces a call
// identity already held by another live session.
type ConflictPolicy string

const (
	// ConflictAdmit registers the later session in place of the earlier one
	// (last registration wins). The earlier session keeps streaming.
	ConflictAdmit ConflictPolicy = "admit"

	// ConflictReject ends the later session with [ErrIdentityConflict].
	ConflictReject ConflictPolicy = "reject"
)

// IsValid reports whether p is a known conflict policy.
func (p ConflictPolicy) IsValid() bool {
	switch p {
	case ConflictAdmit, ConflictReject:
		return true
	}
	return false
}

// SessionConfig tunes one session. Zero fields take the defaults from
// [DefaultSessionConfig].
type SessionConfig struct {
	// QueueCapacity bounds the number of processed units waiting for egress.
	QueueCapacity int

	// PushTimeout is how long ingest waits for queue space before the
	// overflow policy applies.
	PushTimeout time.Duration

	// PollInterval is the longest egress blocks on an empty queue before it
	// re-checks stream liveness.
	PollInterval time.Duration

	// Overflow selects drop-oldest or blocking backpressure.
	Overflow Overflow

	// IdentityConflict selects admit or reject for duplicate identities.
	IdentityConflict ConflictPolicy
}

// DefaultSessionConfig returns the built-in session settings.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		QueueCapacity:    64,
		PushTimeout:      100 * time.Millisecond,
		PollInterval:     500 * time.Millisecond,
		Overflow:         OverflowDropOldest,
		IdentityConflict: ConflictAdmit,
	}
}

func (c SessionConfig) withDefaults() SessionConfig {
	d := DefaultSessionConfig()
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = d.QueueCapacity
	}
	if c.PushTimeout <= 0 {
		c.PushTimeout = d.PushTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if !c.Overflow.IsValid() {
		c.Overflow = d.Overflow
	}
	if !c.IdentityConflict.IsValid() {
		c.IdentityConflict = d.IdentityConflict
	}
	return c
}

// Info is a point-in-time snapshot of a session.
type Info struct {
	SessionID    string    `json:"session_id"`
	CallID       string    `json:"call_id"`
	State        State     `json:"state"`
	Registered   bool      `json:"registered"` // holds the registry entry for CallID
	StartedAt    time.Time `json:"started_at,omitzero"`
	EndedAt      time.Time `json:"ended_at,omitzero"`
	UnitsIn      int64     `json:"units_in"`
	UnitsOut     int64     `json:"units_out"`
	UnitsDropped int64     `json:"units_dropped"`
	Err          string    `json:"error,omitempty"`
}

// SessionOption configures a [Session].
type SessionOption func(*Session)

// WithRegistry sets the registry the session registers its identity in.
// Without one the session runs unregistered.
func WithRegistry(r *Registry) SessionOption {
	return func(s *Session) { s.registry = r }
}

// WithProcessor sets the transform applied to every inbound unit. The
// default passes units through unchanged.
func WithProcessor(p audio.Processor) SessionOption {
	return func(s *Session) { s.processor = p }
}

// WithMetrics sets the metric instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) SessionOption {
	return func(s *Session) { s.metrics = m }
}

// WithLogger sets the base logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) SessionOption {
	return func(s *Session) { s.logger.Store(l) }
}

// WithOnClose registers a hook invoked with the final [Info] after both
// goroutines have stopped.
func WithOnClose(fn func(Info)) SessionOption {
	return func(s *Session) { s.onClose = fn }
}

// Session drives one call. Create it with [NewSession] and call [Session.Run]
// once per accepted stream.
type Session struct {
	id        string
	cfg       SessionConfig
	registry  *Registry
	processor audio.Processor
	metrics   *observe.Metrics
	onClose   func(Info)

	logger    atomic.Pointer[slog.Logger]
	lifecycle *fsm.FSM
	ran       atomic.Bool
	closeOnce sync.Once

	unitsIn      atomic.Int64
	unitsOut     atomic.Int64
	unitsDropped atomic.Int64

	// mu guards the identity fields and serialises registration against
	// close, so a session can never register after it has deregistered.
	mu             sync.Mutex
	callID         string
	registered     bool
	warnedMismatch bool
	startedAt      time.Time
	endedAt        time.Time
	err            error
}

// NewSession returns a session in [StateUnregistered].
func NewSession(cfg SessionConfig, opts ...SessionOption) *Session {
	s := &Session{
		id:        uuid.NewString(),
		cfg:       cfg.withDefaults(),
		processor: processor.Passthrough,
	}
	s.logger.Store(slog.Default())
	for _, o := range opts {
		o(s)
	}
	if s.processor == nil {
		s.processor = processor.Passthrough
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.logger.Store(s.log().With(slog.String("session_id", s.id)))
	s.lifecycle = newLifecycle(s.log)
	return s
}

// ID returns the unique session identifier.
func (s *Session) ID() string { return s.id }

// CallID returns the call identity, or "" before the first identified unit.
func (s *Session) CallID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callID
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.lifecycle.Current())
}

// Config returns the effective session settings.
func (s *Session) Config() SessionConfig { return s.cfg }

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		SessionID:    s.id,
		CallID:       s.callID,
		State:        s.State(),
		Registered:   s.holdsEntryLocked(),
		StartedAt:    s.startedAt,
		EndedAt:      s.endedAt,
		UnitsIn:      s.unitsIn.Load(),
		UnitsOut:     s.unitsOut.Load(),
		UnitsDropped: s.unitsDropped.Load(),
	}
	if s.err != nil {
		info.Err = s.err.Error()
	}
	return info
}

// holdsEntryLocked reports whether the registry currently maps the call
// identity to s. s.mu must be held.
func (s *Session) holdsEntryLocked() bool {
	if !s.registered {
		return false
	}
	cur, ok := s.registry.Lookup(s.callID)
	return ok && cur == s
}

func (s *Session) log() *slog.Logger { return s.logger.Load() }

// Run serves stream until the call ends and returns the terminal status:
// nil for a clean end or cancellation, a [*TransportError], a
// [*ProcessingError], or [ErrIdentityConflict] under the reject policy.
//
// Run blocks until both the ingest and egress goroutines have returned.
// Cancelling ctx stops both within one poll interval. Run may be called
// only once per session.
func (s *Session) Run(ctx context.Context, stream audio.StreamAdapter) error {
	if !s.ran.CompareAndSwap(false, true) {
		return errors.New("call: session already ran")
	}

	ctx, span := observe.StartSpan(ctx, "call.session",
		trace.WithAttributes(attribute.String("session.id", s.id)),
	)
	defer span.End()
	s.logger.Store(observe.WithTrace(ctx, s.log()))

	start := time.Now()
	s.mu.Lock()
	s.startedAt = start
	s.mu.Unlock()

	s.metrics.ActiveSessions.Add(ctx, 1)
	defer s.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)

	s.log().Debug("session started")

	q := NewQueue(s.cfg.QueueCapacity, s.cfg.PushTimeout, s.cfg.Overflow)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer q.Close()
		return s.ingest(gctx, stream, q)
	})
	g.Go(func() error {
		// Whichever way egress ends, ingest must not stay parked in
		// ReceiveNext.
		defer cancel()
		return s.egress(gctx, stream, q)
	})
	err := g.Wait()

	s.close(ctx)

	s.mu.Lock()
	s.err = err
	callID := s.callID
	s.mu.Unlock()

	span.SetAttributes(attribute.String("call.id", callID))
	mctx := context.WithoutCancel(ctx)
	outcome := "ok"
	if err != nil {
		outcome = errorKind(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.metrics.RecordSessionError(mctx, outcome)
		s.log().Warn("session ended with error", slog.Any("err", err))
	} else {
		s.log().Info("session ended",
			slog.Int64("units_in", s.unitsIn.Load()),
			slog.Int64("units_out", s.unitsOut.Load()),
			slog.Int64("units_dropped", s.unitsDropped.Load()),
		)
	}
	s.metrics.RecordSessionEnd(mctx, time.Since(start).Seconds(), outcome)

	if s.onClose != nil {
		s.onClose(s.Info())
	}
	return err
}

// ingest pulls units from the stream, processes them and hands them to
// egress. It always leaves the session at least Draining.
func (s *Session) ingest(ctx context.Context, stream audio.StreamAdapter, q *Queue) error {
	defer fire(context.WithoutCancel(ctx), s.lifecycle, evDrain)

	for index := 0; ; index++ {
		u, err := stream.ReceiveNext(ctx)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				s.log().Debug("caller half-closed the stream", slog.Int("units", index))
				return nil
			case ctx.Err() != nil:
				return nil
			default:
				return &TransportError{Op: "receive", CallID: s.CallID(), Err: err}
			}
		}
		s.unitsIn.Add(1)
		s.metrics.UnitsReceived.Add(ctx, 1)
		if u.Timestamp.IsZero() {
			u.Timestamp = time.Now()
		}

		if err := s.identify(ctx, &u); err != nil {
			return err
		}

		started := time.Now()
		out, err := s.processor.Transform(u)
		s.metrics.ProcessingDuration.Record(ctx, time.Since(started).Seconds())
		if err != nil {
			s.log().Error("processing failed", slog.Int("index", index), slog.Any("err", err))
			return &ProcessingError{CallID: u.CallID, Index: index, Err: err}
		}

		dropped, err := q.Push(ctx, out)
		if dropped > 0 {
			s.unitsDropped.Add(int64(dropped))
			s.metrics.RecordDropped(ctx, dropped)
			s.log().Debug("queue full, dropped oldest unit", slog.Int("index", index))
		}
		if err != nil {
			// Queue closed or context cancelled: the session is shutting down.
			return nil
		}
	}
}

// egress sends processed units until the queue is drained, the stream goes
// inactive, or a send fails.
func (s *Session) egress(ctx context.Context, stream audio.StreamAdapter, q *Queue) error {
	for {
		u, err := q.Pop(ctx, s.cfg.PollInterval)
		switch {
		case errors.Is(err, ErrQueueTimeout):
			if !stream.IsActive() {
				s.log().Info("stream no longer active, closing session")
				s.close(ctx)
				return nil
			}
			continue
		case errors.Is(err, ErrQueueClosed):
			return nil
		case err != nil:
			return nil
		}

		if !stream.IsActive() {
			s.log().Info("stream no longer active, dropping queued units",
				slog.Int("pending", q.Len()+1),
			)
			s.close(ctx)
			return nil
		}
		if err := stream.Send(ctx, u); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return &TransportError{Op: "send", CallID: u.CallID, Err: err}
		}
		s.unitsOut.Add(1)
		s.metrics.UnitsSent.Add(ctx, 1)
	}
}

// identify fixes the session identity from the first unit that carries one
// and keeps later units on that identity.
func (s *Session) identify(ctx context.Context, u *audio.Unit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.callID == "" && u.CallID == "":
		return nil
	case s.callID == "":
		s.callID = u.CallID
		s.logger.Store(s.log().With(slog.String("call_id", s.callID)))
		return s.registerLocked(ctx)
	case u.CallID == "":
		u.CallID = s.callID
	case u.CallID != s.callID:
		if !s.warnedMismatch {
			s.warnedMismatch = true
			s.log().Warn("unit carries a different call id, keeping session identity",
				slog.String("unit_call_id", u.CallID),
			)
		}
		u.CallID = s.callID
	}
	return nil
}

// registerLocked moves the session to Active and inserts it in the
// registry. s.mu must be held.
func (s *Session) registerLocked(ctx context.Context) error {
	if s.State() != StateUnregistered {
		return nil
	}
	if s.registry != nil {
		if err := s.insertLocked(ctx); err != nil {
			return err
		}
	}
	fire(ctx, s.lifecycle, evRegister)
	s.log().Info("call registered", slog.Bool("registered", s.registered))
	return nil
}

// insertLocked claims the registry entry for s.callID according to the
// conflict policy. s.mu must be held.
func (s *Session) insertLocked(ctx context.Context) error {
	if s.cfg.IdentityConflict == ConflictReject {
		err := s.registry.Insert(s.callID, s)
		if errors.Is(err, ErrIdentityConflict) {
			s.metrics.IdentityConflicts.Add(ctx, 1)
			s.log().Warn("call id already in use, rejecting session")
		}
		if err != nil {
			return err
		}
		s.registered = true
		s.metrics.ActiveCalls.Add(ctx, 1)
		return nil
	}

	// Last registration wins.
	prev, err := s.registry.Replace(s.callID, s)
	if err != nil {
		return err
	}
	s.registered = true
	if prev == nil {
		s.metrics.ActiveCalls.Add(ctx, 1)
		return nil
	}
	s.metrics.IdentityConflicts.Add(ctx, 1)
	s.log().Warn("call id already in use, taking over the registry entry",
		slog.String("displaced_session_id", prev.ID()),
	)
	return nil
}

// close performs the one-shot transition to Closed and deregisters.
func (s *Session) close(ctx context.Context) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.registered {
			if s.registry.Deregister(s.callID, s) {
				s.metrics.ActiveCalls.Add(context.WithoutCancel(ctx), -1)
			}
			s.registered = false
		}
		s.endedAt = time.Now()
		fire(context.WithoutCancel(ctx), s.lifecycle, evClose)
	})
}
