package sender

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/pratilipi/channel-client-go/channel"
	"github.com/pratilipi/channel-client-go/lease"
	"github.com/pratilipi/channel-client-go/transport"
	"github.com/pratilipi/channel-client-go/transport/transporttest"
)

var testChannel = channel.Channel{EventID: "e1", StreamID: "s1"}

// fakeSession hands packet writes to write, which may block.
type fakeSession struct {
	mu     sync.Mutex
	frames []transport.Frame
	write  func(s *fakeSession, f transport.Frame) error

	cancelOnce sync.Once
	cancelled  chan struct{}
}

func newFakeSession(write func(*fakeSession, transport.Frame) error) *fakeSession {
	return &fakeSession{write: write, cancelled: make(chan struct{})}
}

func (s *fakeSession) Write(f transport.Frame) error {
	if f.Type == transport.FramePacket && s.write != nil {
		if err := s.write(s, f); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
	return nil
}

func (s *fakeSession) Read() (transport.Frame, error) {
	<-s.cancelled
	return transport.Frame{}, status.Error(codes.Canceled, "cancelled")
}

func (s *fakeSession) CloseWrite() error { return nil }

func (s *fakeSession) Finish() *status.Status {
	select {
	case <-s.cancelled:
		return status.New(codes.Canceled, "cancelled")
	default:
		return status.New(codes.OK, "")
	}
}

func (s *fakeSession) Cancel() {
	s.cancelOnce.Do(func() { close(s.cancelled) })
}

func (s *fakeSession) packets() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int64
	for _, f := range s.frames {
		if f.Type == transport.FramePacket {
			out = append(out, f.Packet.Offset)
		}
	}
	return out
}

type fakeTransport struct {
	session transport.Session
}

func (t fakeTransport) Open(context.Context, transport.Kind) (transport.Session, error) {
	return t.session, nil
}

func newEngine(t *testing.T, tr transport.Transport) *Engine {
	t.Helper()
	e, err := New(context.Background(), tr, Options{Channel: testChannel, SenderID: "w1", CloseTimeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestSendDeliversInOrder(t *testing.T) {
	received := make(chan channel.Packet, 8)
	setups := make(chan transport.Setup, 1)
	tr := transporttest.New(func(p *transporttest.Peer) error {
		setup, err := p.Setup()
		if err != nil {
			return err
		}
		setups <- setup
		for {
			f, err := p.Recv()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			received <- *f.Packet
		}
	})

	e, err := New(context.Background(), tr, Options{Channel: testChannel, SenderID: "w1", LeaseTerm: time.Minute})
	require.NoError(t, err)

	for i := int64(0); i < 3; i++ {
		require.NoError(t, e.Send(context.Background(), channel.Packet{Offset: i, Payload: []byte{byte(i)}}))
	}
	require.NoError(t, e.Close())
	require.NoError(t, e.Err())

	setup := <-setups
	assert.Equal(t, testChannel, setup.Channel)
	assert.Equal(t, "w1", setup.Identity)
	assert.Equal(t, time.Minute, setup.LeaseTerm)
	for i := int64(0); i < 3; i++ {
		assert.Equal(t, i, (<-received).Offset)
	}
}

func TestSecondSendFailsImmediatelyWhileOutstanding(t *testing.T) {
	release := make(chan struct{})
	sess := newFakeSession(func(s *fakeSession, _ transport.Frame) error {
		select {
		case <-release:
			return nil
		case <-s.cancelled:
			return status.Error(codes.Canceled, "cancelled")
		}
	})
	e := newEngine(t, fakeTransport{session: sess})

	first := make(chan error, 1)
	go func() { first <- e.Send(context.Background(), channel.Packet{Offset: 1}) }()
	require.Eventually(t, func() bool { return e.inFlight.Load() }, time.Second, time.Millisecond)

	start := time.Now()
	err := e.Send(context.Background(), channel.Packet{Offset: 2})
	assert.Equal(t, codes.Internal, channel.Code(err))
	assert.Contains(t, err.Error(), "queue full")
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	close(release)
	require.NoError(t, <-first)
	require.NoError(t, e.Send(context.Background(), channel.Packet{Offset: 2}))
	assert.Equal(t, []int64{1, 2}, sess.packets())
}

func TestSendTimeoutCancelsInFlightWrite(t *testing.T) {
	sess := newFakeSession(func(s *fakeSession, _ transport.Frame) error {
		<-s.cancelled
		return status.Error(codes.Canceled, "cancelled")
	})
	e := newEngine(t, fakeTransport{session: sess})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := e.Send(ctx, channel.Packet{Offset: 1})
	assert.Equal(t, codes.Canceled, channel.Code(err))

	select {
	case <-sess.cancelled:
	case <-time.After(time.Second):
		t.Fatal("in-flight write was not cancelled")
	}

	err = e.Send(context.Background(), channel.Packet{Offset: 2})
	assert.Equal(t, codes.Canceled, channel.Code(err))
}

func TestWriteFailureRetiresEngineWithRealCause(t *testing.T) {
	sess := newFakeSession(func(_ *fakeSession, f transport.Frame) error {
		if f.Packet.Offset == 2 {
			return status.Error(codes.Unavailable, "platform overloaded")
		}
		return nil
	})
	e := newEngine(t, fakeTransport{session: sess})

	require.NoError(t, e.Send(context.Background(), channel.Packet{Offset: 1}))

	err := e.Send(context.Background(), channel.Packet{Offset: 2})
	assert.Equal(t, codes.Unavailable, channel.Code(err))

	err = e.Send(context.Background(), channel.Packet{Offset: 3})
	assert.Equal(t, codes.Unavailable, channel.Code(err))
	assert.Equal(t, codes.Unavailable, channel.Code(e.Err()))
	assert.Equal(t, []int64{1}, sess.packets())
}

func TestPlatformTerminationSurfacesStatus(t *testing.T) {
	tr := transporttest.New(func(p *transporttest.Peer) error {
		if _, err := p.Setup(); err != nil {
			return err
		}
		return status.Error(codes.FailedPrecondition, "writer lease expired")
	})
	e := newEngine(t, tr)

	// the platform may accept a buffered write before it ends the session
	require.Eventually(t, func() bool {
		err := e.Send(context.Background(), channel.Packet{Offset: 1})
		return channel.Code(err) == codes.FailedPrecondition
	}, time.Second, 5*time.Millisecond)
}

func TestErrorTrackerOrdering(t *testing.T) {
	var tr errorTracker
	tr.observe(nil)
	assert.NoError(t, tr.get())

	cancelled := status.Error(codes.Canceled, "cancelled")
	internal := status.Error(codes.Internal, "broken")
	unavailable := status.Error(codes.Unavailable, "busy")

	tr.observe(cancelled)
	assert.Equal(t, cancelled, tr.get())
	tr.observe(internal)
	assert.Equal(t, internal, tr.get())
	tr.observe(unavailable)
	assert.Equal(t, internal, tr.get(), "first non-cancelled error is kept")
	tr.observe(cancelled)
	assert.Equal(t, internal, tr.get())
}

func TestDialerUsesLease(t *testing.T) {
	backend := lease.NewMemoryBackend()
	mgr, err := lease.NewManager(backend, lease.Config{Channel: testChannel, Lessee: "writer-7", Type: channel.LeaseWriter, Duration: time.Minute})
	require.NoError(t, err)
	go func() { _ = mgr.Run(context.Background()) }()
	defer mgr.Cancel()

	setups := make(chan transport.Setup, 1)
	tr := transporttest.New(func(p *transporttest.Peer) error {
		setup, err := p.Setup()
		if err != nil {
			return err
		}
		setups <- setup
		for {
			if _, err := p.Recv(); err != nil {
				return nil
			}
		}
	})

	d := &Dialer{Transport: tr, Options: Options{Channel: testChannel}, Leases: mgr, LeaseTimeout: time.Second}
	e, err := d.Dial(context.Background())
	require.NoError(t, err)
	defer e.Close()

	setup := <-setups
	assert.Equal(t, "writer-7", setup.Identity)
	assert.Equal(t, time.Minute, setup.LeaseTerm)
}

func TestNewRejectsInvalidChannel(t *testing.T) {
	_, err := New(context.Background(), fakeTransport{}, Options{Channel: channel.Channel{EventID: "e1"}})
	assert.Equal(t, codes.InvalidArgument, channel.Code(err))
}
