// Package app wires all callcenter subsystems into a running application.
//
// The App struct owns the full lifecycle: New binds the listeners and
// connects all subsystems, Run serves calls until its context ends, and
// Shutdown tears everything down in order.
//
// For testing, inject listeners, metrics or a processor registry via
// functional options. When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/callcenter/internal/admin"
	"github.com/MrWong99/callcenter/internal/call"
	"github.com/MrWong99/callcenter/internal/config"
	"github.com/MrWong99/callcenter/internal/health"
	"github.com/MrWong99/callcenter/internal/observe"
	"github.com/MrWong99/callcenter/internal/server"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	// Injected or defaulted in New.
	levelVar       *slog.LevelVar
	logger         *slog.Logger
	metrics        *observe.Metrics
	procs          *config.Registry
	metricsHandler http.Handler
	configPath     string
	watchInterval  time.Duration
	grpcLis        net.Listener
	adminLis       net.Listener

	// Subsystems, initialised in New and torn down in Shutdown.
	history *call.History
	server  *server.Server
	health  *health.Handler
	watcher *config.Watcher
	httpSrv *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithLevelVar sets the level variable the config watcher updates on a
// log_level change. main passes the one behind the default handler.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = v }
}

// WithLogger sets the base logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.logger = l }
}

// WithMetrics injects metric instruments instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler replaces the /metrics handler (promhttp.Handler by
// default).
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithProcessorRegistry injects a processor registry instead of
// [config.NewBuiltinRegistry].
func WithProcessorRegistry(r *config.Registry) Option {
	return func(a *App) { a.procs = r }
}

// WithConfigPath enables hot reload: the file at path is watched and
// log level, session settings and the processor chain follow its edits.
func WithConfigPath(path string) Option {
	return func(a *App) { a.configPath = path }
}

// WithWatchInterval sets the config polling interval.
func WithWatchInterval(d time.Duration) Option {
	return func(a *App) { a.watchInterval = d }
}

// WithGRPCListener injects the gRPC listener instead of binding
// server.listen_addr.
func WithGRPCListener(l net.Listener) Option {
	return func(a *App) { a.grpcLis = l }
}

// WithAdminListener injects the admin HTTP listener instead of binding
// server.admin_addr.
func WithAdminListener(l net.Listener) Option {
	return func(a *App) { a.adminLis = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Listener bind
// failures are returned as errors; nothing is served until Run.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.procs == nil {
		a.procs = config.NewBuiltinRegistry()
	}
	if a.metricsHandler == nil {
		a.metricsHandler = promhttp.Handler()
	}

	// ── 1. Call server ──────────────────────────────────────────────────
	if err := a.initServer(); err != nil {
		return nil, fmt.Errorf("app: init server: %w", err)
	}

	// ── 2. Config watcher ───────────────────────────────────────────────
	if err := a.initWatcher(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init watcher: %w", err)
	}

	// ── 3. Listeners ────────────────────────────────────────────────────
	if err := a.initListeners(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init listeners: %w", err)
	}

	// ── 4. Admin HTTP ───────────────────────────────────────────────────
	a.initAdmin()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initServer builds the processor chain, the ended-call history and the
// call server.
func (a *App) initServer() error {
	proc, err := a.procs.BuildChain(a.cfg.Processors)
	if err != nil {
		return err
	}

	a.history = call.NewHistory(a.cfg.Session.HistoryTTL)
	a.closers = append(a.closers, func() error {
		a.history.Close()
		return nil
	})

	a.server = server.New(a.cfg.Session.Call(),
		server.WithHistory(a.history),
		server.WithProcessor(proc),
		server.WithMetrics(a.metrics),
		server.WithLogger(a.logger),
		server.WithStopTimeout(a.cfg.Server.ShutdownTimeout),
	)
	// WebSocket calls are hijacked and survive http.Server.Shutdown.
	a.closers = append(a.closers, a.server.Close)
	return nil
}

// initWatcher starts the config watcher when a config path was given.
func (a *App) initWatcher() error {
	if a.configPath == "" {
		return nil
	}
	opts := []config.WatcherOption{config.WithWatcherLogger(a.logger)}
	if a.watchInterval > 0 {
		opts = append(opts, config.WithInterval(a.watchInterval))
	}
	w, err := config.NewWatcher(a.configPath, a.applyReload, opts...)
	if err != nil {
		return err
	}
	a.watcher = w
	a.closers = append(a.closers, func() error {
		w.Stop()
		return nil
	})
	return nil
}

// initListeners binds the gRPC and admin listeners unless injected.
func (a *App) initListeners(ctx context.Context) error {
	var lc net.ListenConfig
	if a.grpcLis == nil {
		l, err := lc.Listen(ctx, "tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("listen grpc %s: %w", a.cfg.Server.ListenAddr, err)
		}
		a.grpcLis = l
	}
	if a.adminLis == nil && a.cfg.Server.AdminAddr != "" {
		l, err := lc.Listen(ctx, "tcp", a.cfg.Server.AdminAddr)
		if err != nil {
			_ = a.grpcLis.Close()
			return fmt.Errorf("listen admin %s: %w", a.cfg.Server.AdminAddr, err)
		}
		a.adminLis = l
	}
	// Serve and http.Server.Shutdown close these once Run has started;
	// the second close reports net.ErrClosed.
	a.closers = append(a.closers, func() error {
		err := a.grpcLis.Close()
		if a.adminLis != nil {
			err = errors.Join(err, a.adminLis.Close())
		}
		if errors.Is(err, net.ErrClosed) {
			return nil
		}
		return err
	})
	return nil
}

// initAdmin builds the health handler and the admin HTTP server.
func (a *App) initAdmin() {
	checkers := []health.Checker{
		{Name: "grpc", Check: a.server.Ready},
	}
	if a.watcher != nil {
		w := a.watcher
		checkers = append(checkers, health.Checker{
			Name:  "config",
			Check: func(context.Context) error { return w.Ready() },
		})
	}
	a.health = health.New(checkers...)

	if a.adminLis == nil {
		return
	}
	handler := admin.NewHandler(admin.Config{
		Registry:      a.server.Registry(),
		History:       a.history,
		Health:        a.health,
		Metrics:       a.metricsHandler,
		WebSocketPath: a.cfg.Server.WebSocketPath,
		WebSocket:     http.HandlerFunc(a.server.ServeWebSocket),
		Instruments:   a.metrics,
	})
	a.httpSrv = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Server returns the call server.
func (a *App) Server() *server.Server { return a.server }

// Health returns the health handler.
func (a *App) Health() *health.Handler { return a.health }

// GRPCAddr returns the bound gRPC address.
func (a *App) GRPCAddr() net.Addr { return a.grpcLis.Addr() }

// AdminAddr returns the bound admin HTTP address, or nil when the admin
// listener is disabled.
func (a *App) AdminAddr() net.Addr {
	if a.adminLis == nil {
		return nil
	}
	return a.adminLis.Addr()
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// applyReload applies the hot-reloadable part of a config change.
func (a *App) applyReload(old, new *config.Config) {
	d := config.Diff(old, new)

	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(SlogLevel(d.NewLogLevel))
		a.logger.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SessionChanged {
		a.server.SetSessionConfig(new.Session.Call())
		a.logger.Info("session settings changed; applies to new calls")
	}
	if d.ProcessorsChanged {
		proc, err := a.procs.BuildChain(new.Processors)
		if err != nil {
			a.logger.Error("processor chain reload failed; keeping the previous chain", "err", err)
		} else {
			a.server.SetProcessor(proc)
			a.logger.Info("processor chain changed; applies to new calls", "processors", len(new.Processors))
		}
	}
	for _, field := range d.RestartRequired {
		a.logger.Warn("config change requires a restart to take effect", "field", field)
	}
}

// SlogLevel maps a config log level to its slog level. Unknown values map
// to Info.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves gRPC and admin HTTP until ctx is cancelled, then drains live
// calls for up to server.shutdown_timeout. A failing listener stops the
// others and its error is returned.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.server.Serve(gctx, a.grpcLis)
	})

	if a.httpSrv != nil {
		g.Go(func() error {
			a.logger.Info("admin http listening", "addr", a.adminLis.Addr().String())
			if err := a.httpSrv.Serve(a.adminLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: admin http: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			a.health.SetDraining(true)
			sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), a.cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := a.httpSrv.Shutdown(sctx); err != nil {
				a.logger.Warn("admin http shutdown", "err", err)
			}
			return nil
		})
	} else {
		g.Go(func() error {
			<-gctx.Done()
			a.health.SetDraining(true)
			return nil
		})
	}

	a.logger.Info("app running",
		"processors", len(a.cfg.Processors),
		"hot_reload", a.watcher != nil,
	)
	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.logger.Info("shutting down", "closers", len(a.closers))
		a.health.SetDraining(true)

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.logger.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.logger.Warn("closer error", "index", i, "err", err)
			}
		}

		a.logger.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs the closers registered so far after a failed New.
func (a *App) closeAll() {
	for _, c := range a.closers {
		_ = c()
	}
	a.closers = nil
}
