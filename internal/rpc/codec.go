package rpc

import (
	"fmt"

	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/proto"
)

// CodecName is the content subtype the codec answers to. It matches the
// default gRPC codec so stock clients interoperate.
const CodecName = "proto"

// Codec returns the [encoding.Codec] for the call center service. It
// encodes [*AudioChunk] with protowire and hands every other
// [proto.Message] (health checks) to the protobuf runtime.
func Codec() encoding.Codec { return codec{} }

type codec struct{}

func (codec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case *AudioChunk:
		return m.Marshal(), nil
	case proto.Message:
		return proto.Marshal(m)
	default:
		return nil, fmt.Errorf("rpc: codec: cannot marshal %T", v)
	}
}

func (codec) Unmarshal(data []byte, v any) error {
	switch m := v.(type) {
	case *AudioChunk:
		return m.Unmarshal(data)
	case proto.Message:
		return proto.Unmarshal(data, m)
	default:
		return fmt.Errorf("rpc: codec: cannot unmarshal into %T", v)
	}
}

func (codec) Name() string { return CodecName }
