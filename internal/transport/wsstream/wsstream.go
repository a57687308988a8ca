// Package wsstream carries live call audio over a WebSocket connection and
// exposes it as an [audio.StreamAdapter].
//
// Every message is a JSON text frame:
//
//	{"payload": "<base64>", "call_id": "X", "sample_rate": 16000,
//	 "channels": 1, "codec": "pcm"}
//
// A frame with "end_of_stream": true half-closes the sender's side. The same
// [Stream] type serves both ends: [Accept] on the server, [Dial] on a client.
package wsstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/callcenter/pkg/audio"
)

// maxFrameBytes bounds a single inbound JSON frame.
const maxFrameBytes = 1 << 20

// closeReasonMax is the longest close reason the protocol allows.
const closeReasonMax = 123

// Frame is the JSON shape of one WebSocket message.
type Frame struct {
	Payload     []byte `json:"payload,omitempty"`
	CallID      string `json:"call_id,omitempty"`
	SampleRate  int    `json:"sample_rate,omitempty"`
	Channels    int    `json:"channels,omitempty"`
	Codec       string `json:"codec,omitempty"`
	EndOfStream bool   `json:"end_of_stream,omitempty"`
}

// FrameFromUnit converts u to its wire form.
func FrameFromUnit(u audio.Unit) Frame {
	return Frame{
		Payload:    u.Data,
		CallID:     u.CallID,
		SampleRate: u.SampleRate,
		Channels:   u.Channels,
		Codec:      u.Codec,
	}
}

// Unit converts f to an [audio.Unit].
func (f Frame) Unit() audio.Unit {
	return audio.Unit{
		Data:       f.Payload,
		CallID:     f.CallID,
		SampleRate: f.SampleRate,
		Channels:   f.Channels,
		Codec:      f.Codec,
	}
}

// Stream is one WebSocket call. ReceiveNext, Send and IsActive implement
// [audio.StreamAdapter].
type Stream struct {
	conn *websocket.Conn
	ctx  context.Context // connection lifetime

	startPump sync.Once
	recv      chan Frame
	recvErr   error // written by the pump before it closes recv
	gone      atomic.Bool
	closeOnce sync.Once
}

// Accept upgrades an HTTP request to a call stream. The request context
// bounds the stream's lifetime.
func Accept(w http.ResponseWriter, r *http.Request, opts *websocket.AcceptOptions) (*Stream, error) {
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return nil, fmt.Errorf("wsstream: accept: %w", err)
	}
	return newStream(r.Context(), conn), nil
}

// Dial opens a call stream to url. ctx bounds the handshake only.
func Dial(ctx context.Context, url string, opts *websocket.DialOptions) (*Stream, error) {
	conn, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return nil, fmt.Errorf("wsstream: dial %s: %w", url, err)
	}
	return newStream(context.Background(), conn), nil
}

func newStream(ctx context.Context, conn *websocket.Conn) *Stream {
	conn.SetReadLimit(maxFrameBytes)
	return &Stream{
		conn: conn,
		ctx:  ctx,
		recv: make(chan Frame),
	}
}

// pump owns the connection's reader. Reads use the connection context,
// because cancelling a read context closes a coder/websocket connection.
func (s *Stream) pump() {
	defer close(s.recv)
	for {
		var f Frame
		if err := wsjson.Read(s.ctx, s.conn, &f); err != nil {
			s.gone.Store(true)
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				err = io.EOF
			}
			s.recvErr = err
			return
		}
		if f.EndOfStream {
			s.recvErr = io.EOF
			// Keep draining control frames so the peer's close is noticed.
			go s.discard()
			return
		}
		select {
		case s.recv <- f:
		case <-s.ctx.Done():
			s.recvErr = s.ctx.Err()
			return
		}
	}
}

// discard reads and drops frames after the peer half-closed, flagging the
// stream inactive once the connection goes away.
func (s *Stream) discard() {
	for {
		if _, _, err := s.conn.Read(s.ctx); err != nil {
			s.gone.Store(true)
			return
		}
	}
}

// ReceiveNext implements [audio.StreamAdapter]. An end_of_stream frame or a
// normal close from the peer is reported as [io.EOF].
func (s *Stream) ReceiveNext(ctx context.Context) (audio.Unit, error) {
	s.startPump.Do(func() { go s.pump() })
	select {
	case f, ok := <-s.recv:
		if !ok {
			return audio.Unit{}, s.recvErr
		}
		return f.Unit(), nil
	case <-ctx.Done():
		return audio.Unit{}, ctx.Err()
	}
}

// Send implements [audio.StreamAdapter].
func (s *Stream) Send(ctx context.Context, u audio.Unit) error {
	if err := wsjson.Write(ctx, s.conn, FrameFromUnit(u)); err != nil {
		return fmt.Errorf("wsstream: send: %w", err)
	}
	return nil
}

// CloseSend half-closes the local side by sending an end_of_stream frame.
func (s *Stream) CloseSend(ctx context.Context) error {
	if err := wsjson.Write(ctx, s.conn, Frame{EndOfStream: true}); err != nil {
		return fmt.Errorf("wsstream: close send: %w", err)
	}
	return nil
}

// IsActive implements [audio.StreamAdapter].
func (s *Stream) IsActive() bool {
	return !s.gone.Load() && s.ctx.Err() == nil
}

// Close ends the connection. A nil cause closes with StatusNormalClosure,
// anything else with StatusInternalError and the cause as reason. Safe to
// call more than once.
func (s *Stream) Close(cause error) error {
	var err error
	s.closeOnce.Do(func() {
		s.gone.Store(true)
		if cause == nil {
			err = s.conn.Close(websocket.StatusNormalClosure, "call ended")
			return
		}
		reason := cause.Error()
		if len(reason) > closeReasonMax {
			reason = reason[:closeReasonMax]
		}
		err = s.conn.Close(websocket.StatusInternalError, reason)
	})
	return err
}
