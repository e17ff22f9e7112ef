package receiver

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/pratilipi/channel-client-go/channel"
	"github.com/pratilipi/channel-client-go/lease"
	"github.com/pratilipi/channel-client-go/transport"
)

// Stream adapts an Engine to a Receive/Commit API. A background reader
// forwards packets and tracks heartbeats. A writes-done request from the
// platform is surfaced as ErrWritesDoneRequested and answered on the Receive
// after that, so pending commits still reach the platform.
type Stream struct {
	engine *Engine
	logger *slog.Logger

	packets        chan channel.Packet
	writesDoneReq  chan struct{}
	stop           chan struct{}
	readDone       chan struct{}
	done           chan struct{}
	final          error
	requestOnce    sync.Once
	writesDoneOnce sync.Once
	finishOnce     sync.Once
	closeOnce      sync.Once

	lastHeartbeat   atomic.Int64
	requestReported atomic.Bool
}

// Open builds an engine, opens it and starts the background reader.
func Open(ctx context.Context, tr transport.Transport, opts Options) (*Stream, error) {
	e, err := NewEngine(tr, opts)
	if err != nil {
		return nil, err
	}
	if err := e.Open(ctx); err != nil {
		e.Close()
		return nil, err
	}
	return NewStream(e), nil
}

// NewStream starts reading from an engine that is already negotiated.
func NewStream(e *Engine) *Stream {
	s := &Stream{
		engine:        e,
		logger:        e.logger,
		packets:       make(chan channel.Packet),
		writesDoneReq: make(chan struct{}),
		stop:          make(chan struct{}),
		readDone:      make(chan struct{}),
		done:          make(chan struct{}),
	}
	go s.read()
	return s
}

func (s *Stream) Engine() *Engine {
	return s.engine
}

// ErrWritesDoneRequested is returned once by Receive when the platform asks
// the client to finish writing. Commits are still accepted until the next
// Receive, which closes the write half. It is a transient NotFound, so callers
// that only poll can treat it like channel.ErrNoPacket.
var ErrWritesDoneRequested = status.Error(codes.NotFound, channel.PlatformMarker+" writes done requested")

// Receive waits up to timeout for the next packet. It returns
// channel.ErrNoPacket when nothing arrived in time and the session's
// terminal error once it has ended.
func (s *Stream) Receive(ctx context.Context, timeout time.Duration) (channel.Packet, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	requested := s.writesDoneReq
	for {
		select {
		case p := <-s.packets:
			return p, nil
		case <-requested:
			if !s.requestReported.Swap(true) {
				return channel.Packet{}, ErrWritesDoneRequested
			}
			requested = nil
			s.writesDone()
		case <-s.readDone:
			if s.writesDoneRequested() && !s.requestReported.Swap(true) {
				return channel.Packet{}, ErrWritesDoneRequested
			}
			return channel.Packet{}, s.finish()
		case <-timer.C:
			return channel.Packet{}, channel.ErrNoPacket
		case <-ctx.Done():
			return channel.Packet{}, channel.FromContext(ctx.Err())
		}
	}
}

func (s *Stream) Commit(ctx context.Context, offset int64) error {
	if err := ctx.Err(); err != nil {
		return channel.FromContext(err)
	}
	return s.engine.WriteCommit(offset)
}

// LastHeartbeat returns when the platform last signalled liveness.
func (s *Stream) LastHeartbeat() time.Time {
	ns := s.lastHeartbeat.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Done is closed once Receive or Close has observed the end of the session.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Err returns the terminal error after Done is closed.
func (s *Stream) Err() error {
	select {
	case <-s.done:
		return s.final
	default:
		return nil
	}
}

// Close cancels the session if it is still running and waits for the reader.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		s.engine.Cancel()
		<-s.readDone
		s.finish()
		s.engine.Close()
	})
	return nil
}

func (s *Stream) read() {
	defer close(s.readDone)

	for {
		f, ok := s.engine.Read()
		if !ok {
			return
		}
		switch f.Type {
		case transport.FramePacket:
			if f.Packet == nil {
				continue
			}
			select {
			case s.packets <- *f.Packet:
			case <-s.stop:
				s.engine.Cancel()
			}
		case transport.FrameHeartbeat:
			s.lastHeartbeat.Store(time.Now().UnixNano())
		case transport.FrameWritesDoneRequest:
			s.logger.Debug("platform requested writes done")
			s.requestOnce.Do(func() { close(s.writesDoneReq) })
		default:
			s.logger.Debug("ignore frame", slog.String("type", string(f.Type)))
		}
	}
}

func (s *Stream) writesDoneRequested() bool {
	select {
	case <-s.writesDoneReq:
		return true
	default:
		return false
	}
}

func (s *Stream) writesDone() {
	s.writesDoneOnce.Do(func() {
		if err := s.engine.WritesDone(); err != nil && channel.Code(err) != codes.FailedPrecondition {
			s.logger.Info("writes done", slog.Any("err", err))
		}
	})
}

// finish runs once the reader has stopped. It closes the write half if the
// platform ended the session first and records the terminal error.
func (s *Stream) finish() error {
	s.finishOnce.Do(func() {
		defer close(s.done)

		s.writesDone()
		st, err := s.engine.Finish()
		if err != nil {
			s.final = err
			return
		}
		s.final = terminalError(st.Err())
		if channel.Code(s.final) != codes.OutOfRange {
			s.logger.Info("receive session ended", slog.Any("status", s.final))
		}
	})
	return s.final
}

// terminalError maps a clean OK finish to Unavailable. Exhaustion arrives as
// OutOfRange and passes through.
func terminalError(err error) error {
	if err == nil {
		return channel.Errorf(codes.Unavailable, "receive session ended by platform")
	}
	return err
}

// Dialer opens streams, taking the receiver identity and lease term from a
// lease source when one is set.
type Dialer struct {
	Transport    transport.Transport
	Options      Options
	Leases       lease.Source
	LeaseTimeout time.Duration
}

func (d *Dialer) Dial(ctx context.Context) (*Stream, error) {
	if d.Transport == nil {
		return nil, errors.New("transport is required")
	}
	opts := d.Options
	if d.Leases != nil {
		timeout := d.LeaseTimeout
		if timeout == 0 {
			timeout = 10 * time.Second
		}
		l, err := d.Leases.GetLease(ctx, timeout)
		if err != nil {
			return nil, err
		}
		opts.ReceiverID = l.Lessee
		opts.LeaseTerm = l.Duration
	}
	return Open(ctx, d.Transport, opts)
}
