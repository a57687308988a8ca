package rpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "callcenter.CallCenter"

	// LiveCallFullMethod is the full method name of LiveCall.
	LiveCallFullMethod = "/" + ServiceName + "/LiveCall"
)

// LiveCallServer is the server side of one LiveCall stream.
type LiveCallServer = grpc.BidiStreamingServer[AudioChunk, AudioChunk]

// LiveCallClient is the client side of one LiveCall stream.
type LiveCallClient = grpc.BidiStreamingClient[AudioChunk, AudioChunk]

// CallCenterServer is implemented by the call center service.
type CallCenterServer interface {
	// LiveCall serves one bidirectional audio stream until it ends.
	LiveCall(LiveCallServer) error
}

// ServiceDesc describes callcenter.CallCenter for [grpc.Server.RegisterService].
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CallCenterServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "LiveCall",
			Handler:       liveCallHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "callcenter.proto",
}

func liveCallHandler(srv any, stream grpc.ServerStream) error {
	return srv.(CallCenterServer).LiveCall(&grpc.GenericServerStream[AudioChunk, AudioChunk]{ServerStream: stream})
}

// RegisterCallCenterServer registers srv on s. The server must be built with
// [ServerOption] so requests are decoded with [Codec].
func RegisterCallCenterServer(s grpc.ServiceRegistrar, srv CallCenterServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// ServerOption forces [Codec] on a [grpc.Server].
func ServerOption() grpc.ServerOption {
	return grpc.ForceServerCodec(Codec())
}

// CallCenterClient is a client for callcenter.CallCenter.
type CallCenterClient struct {
	cc grpc.ClientConnInterface
}

// NewCallCenterClient returns a client issuing calls over cc.
func NewCallCenterClient(cc grpc.ClientConnInterface) *CallCenterClient {
	return &CallCenterClient{cc: cc}
}

// LiveCall opens a LiveCall stream.
func (c *CallCenterClient) LiveCall(ctx context.Context, opts ...grpc.CallOption) (LiveCallClient, error) {
	opts = append([]grpc.CallOption{grpc.ForceCodec(Codec())}, opts...)
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], LiveCallFullMethod, opts...)
	if err != nil {
		return nil, fmt.Errorf("rpc: open LiveCall: %w", err)
	}
	return &grpc.GenericClientStream[AudioChunk, AudioChunk]{ClientStream: stream}, nil
}
