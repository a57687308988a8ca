package rpc

import (
	"context"
	"sync"

	"github.com/MrWong99/callcenter/pkg/audio"
)

// StreamAdapter exposes a LiveCall server stream as an [audio.StreamAdapter].
//
// gRPC's Recv ignores contexts other than the stream's own, so a single pump
// goroutine owns Recv and hands chunks over one at a time. ReceiveNext can
// then give up on its own context without losing a chunk. The pump exits
// when Recv fails, which gRPC guarantees once the handler returns.
type StreamAdapter struct {
	stream LiveCallServer

	startPump sync.Once
	recv      chan *AudioChunk
	recvErr   error // written by the pump before it closes recv
}

// NewStreamAdapter wraps stream.
func NewStreamAdapter(stream LiveCallServer) *StreamAdapter {
	return &StreamAdapter{
		stream: stream,
		recv:   make(chan *AudioChunk),
	}
}

func (a *StreamAdapter) pump() {
	defer close(a.recv)
	for {
		c, err := a.stream.Recv()
		if err != nil {
			a.recvErr = err
			return
		}
		select {
		case a.recv <- c:
		case <-a.stream.Context().Done():
			a.recvErr = a.stream.Context().Err()
			return
		}
	}
}

// ReceiveNext implements [audio.StreamAdapter]. A client half-close is
// reported as [io.EOF].
func (a *StreamAdapter) ReceiveNext(ctx context.Context) (audio.Unit, error) {
	a.startPump.Do(func() { go a.pump() })
	select {
	case c, ok := <-a.recv:
		if !ok {
			return audio.Unit{}, a.recvErr
		}
		return c.ToUnit(), nil
	case <-ctx.Done():
		return audio.Unit{}, ctx.Err()
	}
}

// Send implements [audio.StreamAdapter]. It must not be called concurrently
// with itself.
func (a *StreamAdapter) Send(_ context.Context, u audio.Unit) error {
	return a.stream.Send(FromUnit(u))
}

// IsActive implements [audio.StreamAdapter]. A stream is active until its
// RPC context ends.
func (a *StreamAdapter) IsActive() bool {
	return a.stream.Context().Err() == nil
}
