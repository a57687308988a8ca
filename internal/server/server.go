// Package server accepts live call streams and runs one [call.Session] per
// stream.
//
// Two transports feed the same session machinery: the gRPC CallCenter
// service (see [Server.Serve] and [Server.LiveCall]) and an optional
// WebSocket endpoint mounted on the admin HTTP listener
// ([Server.ServeWebSocket]). Session settings and the processor chain can
// be replaced at runtime; the new values apply to calls accepted afterwards.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/MrWong99/callcenter/internal/call"
	"github.com/MrWong99/callcenter/internal/observe"
	"github.com/MrWong99/callcenter/internal/rpc"
	"github.com/MrWong99/callcenter/internal/transport/wsstream"
	"github.com/MrWong99/callcenter/pkg/audio"
	"github.com/MrWong99/callcenter/pkg/audio/processor"
)

// DefaultStopTimeout bounds how long [Server.Serve] waits for live calls to
// finish after its context ends before it cuts them off.
const DefaultStopTimeout = 10 * time.Second

// ErrNotServing is reported by [Server.Ready] while no gRPC listener is
// being served.
var ErrNotServing = errors.New("server: not serving")

// Option configures a [Server].
type Option func(*Server)

// WithRegistry sets the call registry. Defaults to a fresh one.
func WithRegistry(r *call.Registry) Option {
	return func(s *Server) { s.registry = r }
}

// WithHistory sets the store that receives the final info of every ended
// session. Without one, ended sessions are not remembered.
func WithHistory(h *call.History) Option {
	return func(s *Server) { s.history = h }
}

// WithProcessor sets the initial processor chain. Defaults to
// [processor.Passthrough].
func WithProcessor(p audio.Processor) Option {
	return func(s *Server) { s.proc = p }
}

// WithMetrics sets the metric instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger sets the base logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithStopTimeout sets how long a graceful stop may take before live calls
// are cancelled.
func WithStopTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.stopTimeout = d
		}
	}
}

// WithAcceptOptions sets the WebSocket handshake options.
func WithAcceptOptions(o *websocket.AcceptOptions) Option {
	return func(s *Server) { s.acceptOpts = o }
}

// Server runs call sessions for every accepted stream. It implements
// [rpc.CallCenterServer]. All methods are safe for concurrent use.
type Server struct {
	registry    *call.Registry
	history     *call.History
	metrics     *observe.Metrics
	logger      *slog.Logger
	stopTimeout time.Duration
	acceptOpts  *websocket.AcceptOptions

	health  *health.Server
	serving atomic.Bool

	// closing ends WebSocket calls once the server is closed. Hijacked
	// connections are invisible to http.Server.Shutdown.
	closing   context.Context
	close     context.CancelFunc
	closeOnce sync.Once

	mu   sync.RWMutex
	cfg  call.SessionConfig
	proc audio.Processor
}

var _ rpc.CallCenterServer = (*Server)(nil)

// New returns a server that creates sessions with cfg.
func New(cfg call.SessionConfig, opts ...Option) *Server {
	s := &Server{
		cfg:         cfg,
		stopTimeout: DefaultStopTimeout,
		health:      health.NewServer(),
	}
	s.closing, s.close = context.WithCancel(context.Background())
	for _, o := range opts {
		o(s)
	}
	if s.registry == nil {
		s.registry = call.NewRegistry()
	}
	if s.proc == nil {
		s.proc = processor.Passthrough
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	s.health.SetServingStatus(rpc.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Registry returns the registry of live calls.
func (s *Server) Registry() *call.Registry { return s.registry }

// History returns the ended-call store, or nil when none was configured.
func (s *Server) History() *call.History { return s.history }

// SessionConfig returns the settings new sessions start with.
func (s *Server) SessionConfig() call.SessionConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// SetSessionConfig replaces the settings for sessions accepted from now on.
// Running sessions keep the settings they started with.
func (s *Server) SetSessionConfig(cfg call.SessionConfig) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// SetProcessor replaces the processor chain for sessions accepted from now
// on. A nil p restores the passthrough processor.
func (s *Server) SetProcessor(p audio.Processor) {
	if p == nil {
		p = processor.Passthrough
	}
	s.mu.Lock()
	s.proc = p
	s.mu.Unlock()
}

// newSession builds a session from the current settings.
func (s *Server) newSession(logger *slog.Logger) *call.Session {
	s.mu.RLock()
	cfg, proc := s.cfg, s.proc
	s.mu.RUnlock()

	return call.NewSession(cfg,
		call.WithRegistry(s.registry),
		call.WithProcessor(proc),
		call.WithMetrics(s.metrics),
		call.WithLogger(logger),
		call.WithOnClose(s.recordEnded),
	)
}

func (s *Server) recordEnded(info call.Info) {
	if s.history != nil {
		s.history.Record(info)
	}
}

// LiveCall implements [rpc.CallCenterServer]. The session's terminal error
// becomes the RPC status.
func (s *Server) LiveCall(stream rpc.LiveCallServer) error {
	ctx := stream.Context()
	logger := s.logger.With(slog.String("transport", "grpc"))
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		logger = logger.With(slog.String("peer", p.Addr.String()))
	}

	err := s.newSession(logger).Run(ctx, rpc.NewStreamAdapter(stream))
	return statusFor(ctx, err)
}

// statusFor maps a session's terminal error to a gRPC status error.
func statusFor(ctx context.Context, err error) error {
	var (
		transportErr  *call.TransportError
		processingErr *call.ProcessingError
	)
	switch {
	case err == nil:
		if ctx.Err() != nil {
			return status.FromContextError(ctx.Err()).Err()
		}
		return nil
	case errors.Is(err, call.ErrIdentityConflict):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.As(err, &processingErr):
		return status.Error(codes.Internal, err.Error())
	case ctx.Err() != nil:
		return status.FromContextError(ctx.Err()).Err()
	case errors.As(err, &transportErr):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Unknown, err.Error())
	}
}

// ServeWebSocket upgrades the request and runs a session over it. The
// connection closes normally after a clean end and with an internal-error
// status otherwise.
func (s *Server) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.closing.Err() != nil {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	logger := s.logger.With(
		slog.String("transport", "websocket"),
		slog.String("peer", r.RemoteAddr),
	)
	st, err := wsstream.Accept(w, r, s.acceptOpts)
	if err != nil {
		// Accept has already written the HTTP error.
		logger.Warn("websocket handshake failed", slog.Any("err", err))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(s.closing, cancel)
	defer stop()

	runErr := s.newSession(logger).Run(ctx, st)
	if err := st.Close(runErr); err != nil {
		logger.Debug("websocket close", slog.Any("err", err))
	}
}

// Serve runs the gRPC CallCenter and health services on lis until ctx ends.
// It then stops accepting calls, waits up to the stop timeout for live calls
// to drain and cancels whatever is left. A clean stop returns nil.
func (s *Server) Serve(ctx context.Context, lis net.Listener, opts ...grpc.ServerOption) error {
	gs := grpc.NewServer(append([]grpc.ServerOption{rpc.ServerOption()}, opts...)...)
	rpc.RegisterCallCenterServer(gs, s)
	healthpb.RegisterHealthServer(gs, s.health)

	s.health.Resume()
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(rpc.ServiceName, healthpb.HealthCheckResponse_SERVING)
	s.serving.Store(true)
	defer s.serving.Store(false)

	doneCh := make(chan struct{})
	defer close(doneCh)
	go func() {
		select {
		case <-ctx.Done():
			s.stop(gs)
		case <-doneCh:
		}
	}()

	s.logger.Info("grpc server listening", slog.String("addr", lis.Addr().String()))
	if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("server: serve %s: %w", lis.Addr(), err)
	}
	s.logger.Info("grpc server stopped")
	return nil
}

// stop flips health to NOT_SERVING and stops gs gracefully, forcing it
// after the stop timeout.
func (s *Server) stop(gs *grpc.Server) {
	s.serving.Store(false)
	s.health.Shutdown()

	s.logger.Info("grpc server draining", slog.Int("live_calls", s.registry.Len()))
	done := make(chan struct{})
	go func() {
		gs.GracefulStop()
		close(done)
	}()

	t := time.NewTimer(s.stopTimeout)
	defer t.Stop()
	select {
	case <-done:
	case <-t.C:
		s.logger.Warn("graceful stop timed out, cancelling live calls",
			slog.Duration("timeout", s.stopTimeout),
			slog.Int("live_calls", s.registry.Len()),
		)
		gs.Stop()
		<-done
	}
}

// Serving reports whether a gRPC listener is currently being served.
func (s *Server) Serving() bool { return s.serving.Load() }

// Ready is a readiness check: it fails with [ErrNotServing] unless the gRPC
// listener is up and the server has not been closed.
func (s *Server) Ready(context.Context) error {
	if !s.serving.Load() || s.closing.Err() != nil {
		return ErrNotServing
	}
	return nil
}

// Close rejects new WebSocket calls and cancels the running ones. gRPC calls
// are ended by cancelling the context passed to [Server.Serve]. Safe to call
// more than once.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.close()
		s.health.Shutdown()
	})
	return nil
}
