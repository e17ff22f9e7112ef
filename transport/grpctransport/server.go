package grpctransport

import (
	"context"

	"google.golang.org/grpc"

	"github.com/pratilipi/channel-client-go/transport"
)

// PlatformServer is the platform side of the channel service. Returning a
// status error from a handler sets the session's terminal status.
type PlatformServer interface {
	Send(stream ServerStream) error
	Receive(stream ServerStream) error
}

type ServerStream interface {
	Context() context.Context
	Send(f transport.Frame) error
	Recv() (transport.Frame, error)
}

type serverStream struct {
	grpc.ServerStream
}

func (s serverStream) Send(f transport.Frame) error {
	return s.SendMsg(&f)
}

func (s serverStream) Recv() (transport.Frame, error) {
	var f transport.Frame
	err := s.RecvMsg(&f)
	return f, err
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*PlatformServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Send",
			Handler:       sendHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
		{
			StreamName:    "Receive",
			Handler:       receiveHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
}

func sendHandler(srv any, stream grpc.ServerStream) error {
	return srv.(PlatformServer).Send(serverStream{stream})
}

func receiveHandler(srv any, stream grpc.ServerStream) error {
	return srv.(PlatformServer).Receive(serverStream{stream})
}

// RegisterPlatformServer registers srv. The server must be created with
// ServerOption so both sides agree on the codec.
func RegisterPlatformServer(s grpc.ServiceRegistrar, srv PlatformServer) {
	s.RegisterService(&serviceDesc, srv)
}

func ServerOption() grpc.ServerOption {
	return grpc.ForceServerCodec(Codec{})
}
