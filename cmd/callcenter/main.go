// Command callcenter is the main entry point for the live-call audio server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/callcenter/internal/app"
	"github.com/MrWong99/callcenter/internal/config"
	"github.com/MrWong99/callcenter/internal/observe"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	flags := pflag.NewFlagSet("callcenter", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "config.yaml", "path to the YAML configuration file")
	listenAddr := flags.String("listen-addr", "", "gRPC listen address (overrides server.listen_addr)")
	adminAddr := flags.String("admin-addr", "", "admin HTTP listen address (overrides server.admin_addr)")
	logLevel := flags.String("log-level", "", "log level: debug, info, warn, error (overrides server.log_level)")
	noWatch := flags.Bool("no-watch", false, "disable config hot reload")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "callcenter: %v\n", err)
		return 2
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, watch, err := loadConfig(*configPath, flags.Changed("config"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "callcenter: %v\n", err)
		return 1
	}
	if flags.Changed("listen-addr") {
		cfg.Server.ListenAddr = *listenAddr
	}
	if flags.Changed("admin-addr") {
		cfg.Server.AdminAddr = *adminAddr
	}
	if flags.Changed("log-level") {
		cfg.Server.LogLevel = config.LogLevel(*logLevel)
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "callcenter: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level}))
	slog.SetDefault(logger)

	slog.Info("callcenter starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"admin_addr", cfg.Server.AdminAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		Attributes:     []attribute.KeyValue{attribute.String("callcenter.listen_addr", cfg.Server.ListenAddr)},
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Application ───────────────────────────────────────────────────────────
	opts := []app.Option{
		app.WithLevelVar(&level),
		app.WithLogger(logger),
	}
	if watch && !*noWatch {
		opts = append(opts, app.WithConfigPath(*configPath))
	}
	application, err := app.New(ctx, cfg, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready, press Ctrl+C to shut down", "grpc_addr", application.GRPCAddr().String())

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = config.DefaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	slog.Info("shutdown signal received, stopping")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return code
}

// loadConfig reads the config file at path. A missing file falls back to
// the defaults unless the path was given explicitly. watch reports whether
// a file exists to be watched for changes.
func loadConfig(path string, explicit bool) (cfg *config.Config, watch bool, err error) {
	cfg, err = config.Load(path)
	switch {
	case err == nil:
		return cfg, true, nil
	case errors.Is(err, os.ErrNotExist) && !explicit:
		fmt.Fprintf(os.Stderr, "callcenter: config file %q not found, using defaults (see configs/example.yaml)\n", path)
		return config.Default(), false, nil
	default:
		return nil, false, err
	}
}
