// Package transporttest provides an in-memory platform for exercising the
// engines without a network.
//
// Each Open starts the Handler in its own goroutine with a Peer for the
// platform side of the session. Whatever the handler returns becomes the
// session's terminal status:
//
//	tr := transporttest.New(func(p *transporttest.Peer) error {
//		setup, err := p.Setup()
//		if err != nil {
//			return err
//		}
//		_ = p.Send(transport.PacketFrame(channel.Packet{Offset: 0}))
//		return channel.ErrEndOfStream
//	})
package transporttest

import (
	"context"
	"io"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/pratilipi/channel-client-go/channel"
	"github.com/pratilipi/channel-client-go/transport"
)

const frameBuffer = 64

// Handler plays the platform for one session.
type Handler func(p *Peer) error

type Transport struct {
	handler Handler

	mu      sync.Mutex
	opens   int
	openErr error
}

var _ transport.Transport = (*Transport)(nil)

func New(handler Handler) *Transport {
	return &Transport{handler: handler}
}

// FailOpens makes subsequent Open calls return err. Pass nil to recover.
func (t *Transport) FailOpens(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.openErr = err
}

// Opens reports how many sessions were requested, including failed ones.
func (t *Transport) Opens() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opens
}

func (t *Transport) Open(ctx context.Context, kind transport.Kind) (transport.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, channel.FromContext(err)
	}

	t.mu.Lock()
	t.opens++
	openErr := t.openErr
	t.mu.Unlock()
	if openErr != nil {
		return nil, openErr
	}

	s := &Session{
		kind:      kind,
		toPeer:    make(chan transport.Frame, frameBuffer),
		toClient:  make(chan transport.Frame, frameBuffer),
		peerDone:  make(chan struct{}),
		cancelled: make(chan struct{}),
	}
	go func() {
		err := t.handler(&Peer{s: s})
		if err == nil {
			s.status = status.New(codes.OK, "")
		} else {
			s.status = status.Convert(err)
		}
		close(s.peerDone)
	}()
	return s, nil
}

// Session is the client side of an in-memory session.
type Session struct {
	kind     transport.Kind
	toPeer   chan transport.Frame
	toClient chan transport.Frame

	writeMu     sync.Mutex
	writeClosed bool

	peerDone chan struct{}
	status   *status.Status

	cancelOnce sync.Once
	cancelled  chan struct{}
}

func (s *Session) Write(f transport.Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.writeClosed {
		return status.Error(codes.FailedPrecondition, "write after CloseWrite")
	}
	select {
	case <-s.cancelled:
		return status.Error(codes.Canceled, "session cancelled")
	case <-s.peerDone:
		return io.EOF
	default:
	}
	select {
	case s.toPeer <- f:
		return nil
	case <-s.cancelled:
		return status.Error(codes.Canceled, "session cancelled")
	case <-s.peerDone:
		return io.EOF
	}
}

func (s *Session) Read() (transport.Frame, error) {
	select {
	case f := <-s.toClient:
		return f, nil
	default:
	}
	select {
	case f := <-s.toClient:
		return f, nil
	case <-s.peerDone:
		select {
		case f := <-s.toClient:
			return f, nil
		default:
		}
		return transport.Frame{}, io.EOF
	case <-s.cancelled:
		return transport.Frame{}, status.Error(codes.Canceled, "session cancelled")
	}
}

func (s *Session) CloseWrite() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.writeClosed {
		return nil
	}
	s.writeClosed = true
	close(s.toPeer)
	return nil
}

func (s *Session) Finish() *status.Status {
	select {
	case <-s.cancelled:
		return status.New(codes.Canceled, "session cancelled")
	default:
	}
	select {
	case <-s.peerDone:
		return s.status
	case <-s.cancelled:
		return status.New(codes.Canceled, "session cancelled")
	}
}

func (s *Session) Cancel() {
	s.cancelOnce.Do(func() {
		close(s.cancelled)
	})
}

// Peer is the platform side of a session.
type Peer struct {
	s *Session
}

func (p *Peer) Kind() transport.Kind {
	return p.s.kind
}

// Recv returns the next client frame, io.EOF after CloseWrite, or Canceled
// once the client cancelled.
func (p *Peer) Recv() (transport.Frame, error) {
	select {
	case f, ok := <-p.s.toPeer:
		if !ok {
			return transport.Frame{}, io.EOF
		}
		return f, nil
	case <-p.s.cancelled:
		return transport.Frame{}, status.Error(codes.Canceled, "session cancelled by client")
	}
}

// Setup reads the first frame and requires it to be the handshake.
func (p *Peer) Setup() (transport.Setup, error) {
	f, err := p.Recv()
	if err != nil {
		return transport.Setup{}, err
	}
	if f.Type != transport.FrameSetup || f.Setup == nil {
		return transport.Setup{}, status.Errorf(codes.FailedPrecondition, "expected setup frame, got %q", f.Type)
	}
	return *f.Setup, nil
}

func (p *Peer) Send(f transport.Frame) error {
	select {
	case p.s.toClient <- f:
		return nil
	case <-p.s.cancelled:
		return status.Error(codes.Canceled, "session cancelled by client")
	}
}

// Cancelled is closed once the client cancels the session.
func (p *Peer) Cancelled() <-chan struct{} {
	return p.s.cancelled
}
