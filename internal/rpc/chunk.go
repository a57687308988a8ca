// Package rpc is the gRPC wire surface of the call center: the AudioChunk
// message, a codec for it, and the callcenter.CallCenter service with its
// single bidirectional LiveCall method.
//
// The message is encoded by hand with protowire and is wire compatible
// with:
//
//	message AudioChunk {
//	  bytes  audio_data  = 1;
//	  string call_id     = 2;
//	  int32  sample_rate = 3;
//	  int32  channels    = 4;
//	  string codec       = 5;
//	}
package rpc

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/MrWong99/callcenter/pkg/audio"
)

// Field numbers of AudioChunk.
const (
	fieldAudioData  protowire.Number = 1
	fieldCallID     protowire.Number = 2
	fieldSampleRate protowire.Number = 3
	fieldChannels   protowire.Number = 4
	fieldCodec      protowire.Number = 5
)

// AudioChunk is one audio unit on the wire.
type AudioChunk struct {
	AudioData  []byte
	CallID     string
	SampleRate int32
	Channels   int32
	Codec      string
}

// Marshal encodes c in proto3 binary form. Zero-valued fields are omitted.
func (c *AudioChunk) Marshal() []byte {
	size := len(c.AudioData) + len(c.CallID) + len(c.Codec) + 32
	b := make([]byte, 0, size)
	if len(c.AudioData) > 0 {
		b = protowire.AppendTag(b, fieldAudioData, protowire.BytesType)
		b = protowire.AppendBytes(b, c.AudioData)
	}
	if c.CallID != "" {
		b = protowire.AppendTag(b, fieldCallID, protowire.BytesType)
		b = protowire.AppendString(b, c.CallID)
	}
	if c.SampleRate != 0 {
		b = protowire.AppendTag(b, fieldSampleRate, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(c.SampleRate)))
	}
	if c.Channels != 0 {
		b = protowire.AppendTag(b, fieldChannels, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(c.Channels)))
	}
	if c.Codec != "" {
		b = protowire.AppendTag(b, fieldCodec, protowire.BytesType)
		b = protowire.AppendString(b, c.Codec)
	}
	return b
}

// Unmarshal decodes b into c, replacing its contents. Unknown fields are
// skipped. The payload is copied, so b may be reused by the caller.
func (c *AudioChunk) Unmarshal(b []byte) error {
	*c = AudioChunk{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("rpc: decode AudioChunk: tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldAudioData && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			if n >= 0 {
				c.AudioData = append([]byte(nil), v...)
			}
		case num == fieldCallID && typ == protowire.BytesType:
			c.CallID, n = protowire.ConsumeString(b)
		case num == fieldSampleRate && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			c.SampleRate = int32(v)
		case num == fieldChannels && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			c.Channels = int32(v)
		case num == fieldCodec && typ == protowire.BytesType:
			c.Codec, n = protowire.ConsumeString(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("rpc: decode AudioChunk: field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return nil
}

// ToUnit converts c to an [audio.Unit]. The payload slice is shared.
func (c *AudioChunk) ToUnit() audio.Unit {
	return audio.Unit{
		Data:       c.AudioData,
		CallID:     c.CallID,
		SampleRate: int(c.SampleRate),
		Channels:   int(c.Channels),
		Codec:      c.Codec,
	}
}

// FromUnit converts u to its wire form. The payload slice is shared.
func FromUnit(u audio.Unit) *AudioChunk {
	return &AudioChunk{
		AudioData:  u.Data,
		CallID:     u.CallID,
		SampleRate: int32(u.SampleRate),
		Channels:   int32(u.Channels),
		Codec:      u.Codec,
	}
}
