// Command callcenter-client streams a few synthetic audio chunks to a
// callcenter server and prints what comes back. It speaks gRPC by default
// and the JSON WebSocket transport when --ws-url is set.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/MrWong99/callcenter/internal/rpc"
	"github.com/MrWong99/callcenter/internal/transport/wsstream"
	"github.com/MrWong99/callcenter/pkg/audio"
)

// options holds the parsed command line.
type options struct {
	addr     string
	wsURL    string
	callID   string
	chunks   int
	interval time.Duration
}

func main() {
	os.Exit(run())
}

func run() int {
	var o options
	flags := pflag.NewFlagSet("callcenter-client", pflag.ContinueOnError)
	flags.StringVar(&o.addr, "addr", "localhost:50051", "gRPC server address")
	flags.StringVar(&o.wsURL, "ws-url", "", "WebSocket URL (e.g. ws://localhost:8080/v1/live); uses WebSocket instead of gRPC")
	flags.StringVar(&o.callID, "call-id", "", "call identifier (default: a random UUID)")
	flags.IntVar(&o.chunks, "chunks", 5, "number of chunks to send")
	flags.DurationVar(&o.interval, "interval", time.Second, "delay between chunks")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "callcenter-client: %v\n", err)
		return 2
	}
	if o.callID == "" {
		o.callID = uuid.NewString()
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	if o.wsURL != "" {
		err = runWebSocket(ctx, o)
	} else {
		err = runGRPC(ctx, o)
	}
	if err != nil {
		slog.Error("call failed", "call_id", o.callID, "err", err)
		return 1
	}
	slog.Info("call finished", "call_id", o.callID)
	return 0
}

// unit returns the i-th synthetic chunk.
func (o options) unit(i int) audio.Unit {
	return audio.Unit{
		Data:       fmt.Appendf(nil, "audio_chunk_%d", i),
		CallID:     o.callID,
		SampleRate: 44100,
		Channels:   1,
		Codec:      "pcm",
	}
}

// pace waits for the interval between chunks.
func (o options) pace(ctx context.Context, i int) error {
	if i == o.chunks-1 || o.interval <= 0 {
		return nil
	}
	t := time.NewTimer(o.interval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func runGRPC(ctx context.Context, o options) error {
	conn, err := grpc.NewClient(o.addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dial %s: %w", o.addr, err)
	}
	defer conn.Close()

	stream, err := rpc.NewCallCenterClient(conn).LiveCall(ctx)
	if err != nil {
		return fmt.Errorf("open call: %w", err)
	}
	slog.Info("call opened", "transport", "grpc", "addr", o.addr, "call_id", o.callID)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for i := range o.chunks {
			if err := stream.Send(rpc.FromUnit(o.unit(i))); err != nil {
				return fmt.Errorf("send chunk %d: %w", i, err)
			}
			if err := o.pace(gctx, i); err != nil {
				return err
			}
		}
		return stream.CloseSend()
	})
	g.Go(func() error {
		for {
			c, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("receive: %w", err)
			}
			printUnit(c.ToUnit())
		}
	})
	return g.Wait()
}

func runWebSocket(ctx context.Context, o options) error {
	st, err := wsstream.Dial(ctx, o.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", o.wsURL, err)
	}
	slog.Info("call opened", "transport", "websocket", "url", o.wsURL, "call_id", o.callID)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for i := range o.chunks {
			if err := st.Send(gctx, o.unit(i)); err != nil {
				return fmt.Errorf("send chunk %d: %w", i, err)
			}
			if err := o.pace(gctx, i); err != nil {
				return err
			}
		}
		return st.CloseSend(gctx)
	})
	g.Go(func() error {
		for {
			u, err := st.ReceiveNext(gctx)
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("receive: %w", err)
			}
			printUnit(u)
		}
	})
	err = g.Wait()
	_ = st.Close(nil)
	return err
}

func printUnit(u audio.Unit) {
	fmt.Printf("%s\t%d Hz\t%d ch\t%s\t%q\n", u.CallID, u.SampleRate, u.Channels, u.Codec, u.Data)
}
