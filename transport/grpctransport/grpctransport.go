// Package grpctransport runs channel sessions as gRPC bidirectional streams.
//
// Frames travel JSON-encoded through a forced codec so that no generated
// stubs are required; the server side is registered with a hand-written
// service descriptor.
package grpctransport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/pratilipi/channel-client-go/transport"
)

const (
	serviceName   = "channel.v1.Platform"
	sendMethod    = "/" + serviceName + "/Send"
	receiveMethod = "/" + serviceName + "/Receive"
)

var streamDesc = &grpc.StreamDesc{ServerStreams: true, ClientStreams: true}

// Codec marshals frames as JSON.
type Codec struct{}

func (Codec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (Codec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (Codec) Name() string {
	return "json"
}

type Transport struct {
	conn     grpc.ClientConnInterface
	callOpts []grpc.CallOption
}

var _ transport.Transport = (*Transport)(nil)

func New(conn grpc.ClientConnInterface, opts ...grpc.CallOption) *Transport {
	return &Transport{conn: conn, callOpts: opts}
}

func (t *Transport) Open(ctx context.Context, kind transport.Kind) (transport.Session, error) {
	var method string
	switch kind {
	case transport.KindSend:
		method = sendMethod
	case transport.KindReceive:
		method = receiveMethod
	default:
		return nil, status.Errorf(codes.InvalidArgument, "unknown session kind %q", string(kind))
	}

	ctx, cancel := context.WithCancel(ctx)
	opts := append([]grpc.CallOption{grpc.ForceCodec(Codec{})}, t.callOpts...)
	stream, err := t.conn.NewStream(ctx, streamDesc, method, opts...)
	if err != nil {
		cancel()
		return nil, err
	}
	return &session{stream: stream, cancel: cancel}, nil
}

// session serializes RecvMsg calls: Finish drains the stream on the caller's
// goroutine and must not overlap a Read still blocked on another one.
type session struct {
	stream grpc.ClientStream
	cancel context.CancelFunc

	readMu  sync.Mutex
	readErr error
}

func (s *session) Write(f transport.Frame) error {
	return s.stream.SendMsg(&f)
}

func (s *session) Read() (transport.Frame, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	return s.recv()
}

// recv requires readMu.
func (s *session) recv() (transport.Frame, error) {
	if s.readErr != nil {
		return transport.Frame{}, s.readErr
	}
	var f transport.Frame
	if err := s.stream.RecvMsg(&f); err != nil {
		s.readErr = err
		return transport.Frame{}, err
	}
	return f, nil
}

func (s *session) CloseWrite() error {
	return s.stream.CloseSend()
}

// Finish waits for a pending Read, so the session must be cancelled or both
// halves closed first.
func (s *session) Finish() *status.Status {
	defer s.cancel()

	s.readMu.Lock()
	defer s.readMu.Unlock()
	for s.readErr == nil {
		_, _ = s.recv()
	}
	if errors.Is(s.readErr, io.EOF) {
		return status.New(codes.OK, "")
	}
	return status.Convert(s.readErr)
}

func (s *session) Cancel() {
	s.cancel()
}
