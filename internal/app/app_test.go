package app_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/MrWong99/callcenter/internal/app"
	"github.com/MrWong99/callcenter/internal/call"
	"github.com/MrWong99/callcenter/internal/config"
	"github.com/MrWong99/callcenter/internal/observe"
	"github.com/MrWong99/callcenter/internal/rpc"
	"github.com/MrWong99/callcenter/pkg/audio"
)

// ── helpers ──────────────────────────────────────────────────────────────────

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig returns a valid config with a suffix processor and short
// timeouts.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.ShutdownTimeout = 2 * time.Second
	cfg.Session.PollInterval = 20 * time.Millisecond
	cfg.Processors = []config.ProcessorEntry{{Name: "bang"}}
	return cfg
}

// testRegistry is the builtin registry plus a "bang" processor that
// appends '!' to every unit.
func testRegistry() *config.Registry {
	r := config.NewBuiltinRegistry()
	r.Register("bang", func(config.ProcessorEntry) (audio.Processor, error) {
		return audio.ProcessorFunc(func(u audio.Unit) (audio.Unit, error) {
			u.Data = append(u.Data, '!')
			return u, nil
		}), nil
	})
	return r
}

func listen(t *testing.T) net.Listener {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func newApp(t *testing.T, cfg *config.Config, opts ...app.Option) *app.App {
	t.Helper()
	opts = append([]app.Option{
		app.WithLogger(quietLogger()),
		app.WithMetrics(observe.DefaultMetrics()),
		app.WithProcessorRegistry(testRegistry()),
		app.WithGRPCListener(listen(t)),
		app.WithAdminListener(listen(t)),
	}, opts...)
	a, err := app.New(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

// runApp starts a.Run and returns a stop func that cancels it and waits.
func runApp(t *testing.T, a *app.App) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	stopped := false
	stop := func() error {
		if stopped {
			return nil
		}
		stopped = true
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("Run did not return after cancel")
			return nil
		}
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}

func get(t *testing.T, url string) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		return 0
	}
	_ = resp.Body.Close()
	return resp.StatusCode
}

func writeConfig(t *testing.T, path, content string, mtime time.Time) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

// ── New ──────────────────────────────────────────────────────────────────────

func TestNew_BuildsSubsystems(t *testing.T) {
	t.Parallel()

	a := newApp(t, testConfig())
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	if a.Server() == nil {
		t.Fatal("Server() is nil")
	}
	if a.Health() == nil {
		t.Fatal("Health() is nil")
	}
	if a.AdminAddr() == nil {
		t.Fatal("AdminAddr() is nil with an injected admin listener")
	}
	if got := a.Server().SessionConfig(); got != testConfig().Session.Call() {
		t.Errorf("SessionConfig() = %+v, want %+v", got, testConfig().Session.Call())
	}
	// Not serving yet.
	if err := a.Health().Ready(context.Background()); err == nil {
		t.Error("Ready() = nil before Run, want error")
	}
}

func TestNew_UnknownProcessor(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Processors = []config.ProcessorEntry{{Name: "denoise"}}
	_, err := app.New(context.Background(), cfg,
		app.WithLogger(quietLogger()),
		app.WithGRPCListener(listen(t)),
	)
	if !errors.Is(err, config.ErrProcessorNotRegistered) {
		t.Errorf("New() error = %v, want ErrProcessorNotRegistered", err)
	}
}

func TestNew_ListenAddrInUse(t *testing.T) {
	t.Parallel()

	busy := listen(t)
	t.Cleanup(func() { _ = busy.Close() })

	cfg := testConfig()
	cfg.Server.ListenAddr = busy.Addr().String()
	cfg.Server.AdminAddr = ""
	_, err := app.New(context.Background(), cfg,
		app.WithLogger(quietLogger()),
		app.WithProcessorRegistry(testRegistry()),
	)
	if err == nil {
		t.Fatal("expected bind error, got nil")
	}
}

func TestNew_AdminDisabled(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Server.AdminAddr = ""
	a, err := app.New(context.Background(), cfg,
		app.WithLogger(quietLogger()),
		app.WithProcessorRegistry(testRegistry()),
		app.WithGRPCListener(listen(t)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	if a.AdminAddr() != nil {
		t.Errorf("AdminAddr() = %v, want nil", a.AdminAddr())
	}
}

// ── Run / Shutdown ───────────────────────────────────────────────────────────

func TestApp_RunAndShutdown(t *testing.T) {
	t.Parallel()

	a := newApp(t, testConfig())
	stop := runApp(t, a)
	admin := "http://" + a.AdminAddr().String()

	eventually(t, func() bool { return get(t, admin+"/readyz") == http.StatusOK }, "readyz to report ready")

	conn, err := grpc.NewClient(a.GRPCAddr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("grpc.NewClient: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := rpc.NewCallCenterClient(conn).LiveCall(ctx)
	if err != nil {
		t.Fatalf("LiveCall: %v", err)
	}
	if err := stream.Send(&rpc.AudioChunk{AudioData: []byte("hi"), CallID: "call-1", SampleRate: 44100, Channels: 1, Codec: "pcm"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err := stream.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(got.AudioData) != "hi!" || got.CallID != "call-1" {
		t.Errorf("Recv() = %q/%q, want hi!/call-1", got.AudioData, got.CallID)
	}
	if err := stream.CloseSend(); err != nil {
		t.Fatalf("CloseSend: %v", err)
	}
	if _, err := stream.Recv(); !errors.Is(err, io.EOF) {
		t.Fatalf("Recv after half-close = %v, want io.EOF", err)
	}

	eventually(t, func() bool {
		info, ok := a.Server().History().Lookup("call-1")
		return ok && info.State == call.StateClosed
	}, "ended call in history")

	if get(t, admin+"/v1/calls/call-1") != http.StatusOK {
		t.Error("admin API does not report the ended call")
	}

	if err := stop(); err != nil {
		t.Fatalf("Run() = %v, want nil after cancel", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	// Idempotent.
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if err := a.Health().Ready(context.Background()); err == nil {
		t.Error("Ready() = nil after Shutdown, want error")
	}
}

func TestApp_ShutdownRespectsDeadline(t *testing.T) {
	t.Parallel()

	a := newApp(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Shutdown(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Shutdown(cancelled) = %v, want context.Canceled", err)
	}
}

// ── Hot reload ───────────────────────────────────────────────────────────────

const reloadInitial = `
server:
  listen_addr: "127.0.0.1:0"
  log_level: info
session:
  queue_capacity: 32
  poll_interval: 20ms
processors:
  - name: bang
`

const reloadUpdated = `
server:
  listen_addr: "127.0.0.1:0"
  log_level: debug
session:
  queue_capacity: 16
  poll_interval: 20ms
  overflow: block
processors:
  - name: passthrough
`

func TestApp_HotReload(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	base := time.Now().Add(-time.Minute)
	writeConfig(t, path, reloadInitial, base)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	var lvl slog.LevelVar
	a := newApp(t, cfg,
		app.WithLevelVar(&lvl),
		app.WithConfigPath(path),
		app.WithWatchInterval(20*time.Millisecond),
	)
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	if got := a.Server().SessionConfig().QueueCapacity; got != 32 {
		t.Fatalf("QueueCapacity = %d, want 32", got)
	}

	writeConfig(t, path, reloadUpdated, base.Add(time.Second))

	eventually(t, func() bool { return lvl.Level() == slog.LevelDebug }, "log level to reload")
	eventually(t, func() bool {
		sc := a.Server().SessionConfig()
		return sc.QueueCapacity == 16 && sc.Overflow == call.OverflowBlock
	}, "session settings to reload")
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	} {
		if got := app.SlogLevel(tc.in); got != tc.want {
			t.Errorf("SlogLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
