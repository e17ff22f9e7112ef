// Package sender implements the send side of a channel: a synchronous,
// single-flight Send backed by one background worker.
package sender

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc/codes"

	"github.com/pratilipi/channel-client-go/channel"
	"github.com/pratilipi/channel-client-go/internal/slot"
	"github.com/pratilipi/channel-client-go/lease"
	"github.com/pratilipi/channel-client-go/transport"
)

type Options struct {
	Channel      channel.Channel
	SenderID     string
	LeaseTerm    time.Duration
	CloseTimeout time.Duration
	Logger       *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.SenderID == "" {
		o.SenderID = channel.NewIdentity()
	}
	if o.LeaseTerm == 0 {
		o.LeaseTerm = 30 * time.Second
	}
	if o.CloseTimeout == 0 {
		o.CloseTimeout = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o
}

func (o Options) validate() error {
	if err := o.Channel.Validate(); err != nil {
		return err
	}
	if o.LeaseTerm < 0 {
		return channel.Errorf(codes.InvalidArgument, "lease term must be positive")
	}
	return nil
}

// Engine owns one send session. It becomes permanently unusable after the
// first write failure; discard it and dial a new one.
type Engine struct {
	opts    Options
	logger  *slog.Logger
	session transport.Session

	submissions *slot.Slot[channel.Packet]
	replies     *slot.Slot[error]
	inFlight    atomic.Bool
	status      errorTracker

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New opens a send session, performs the handshake and starts the worker.
func New(ctx context.Context, tr transport.Transport, opts Options) (*Engine, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	session, err := tr.Open(ctx, transport.KindSend)
	if err != nil {
		return nil, err
	}
	err = session.Write(transport.SetupFrame(transport.Setup{
		Channel:   opts.Channel,
		Identity:  opts.SenderID,
		LeaseTerm: opts.LeaseTerm,
	}))
	if err != nil {
		session.Cancel()
		return nil, err
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		opts:        opts,
		logger:      opts.Logger.With(slog.String("channel", opts.Channel.String()), slog.String("sender", opts.SenderID)),
		session:     session,
		submissions: slot.New[channel.Packet](),
		replies:     slot.New[error](),
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	go e.work(workerCtx)
	return e, nil
}

// Send writes p and waits for the outcome. A Send issued while another is
// outstanding fails at once with Internal. If ctx ends first the in-flight
// write is cancelled, which also retires the engine.
func (e *Engine) Send(ctx context.Context, p channel.Packet) error {
	if !e.inFlight.CompareAndSwap(false, true) {
		return channel.Errorf(codes.Internal, "send queue full")
	}
	defer e.inFlight.Store(false)

	select {
	case <-e.done:
		return e.failure()
	default:
	}
	if !e.submissions.TryPush(p) {
		return channel.Errorf(codes.Internal, "send queue full")
	}

	select {
	case err := <-e.replies.C():
		if err != nil {
			return e.failure()
		}
		return nil
	case <-e.done:
		if err, ok := e.replies.TryPop(); ok && err == nil {
			return nil
		}
		return e.failure()
	case <-ctx.Done():
		err := channel.Errorf(codes.Canceled, "send of offset %d cancelled: %v", p.Offset, ctx.Err())
		e.status.observe(err)
		e.cancel()
		e.session.Cancel()
		return err
	}
}

// Err returns the most severe error the engine has seen.
func (e *Engine) Err() error {
	return e.status.get()
}

// Close stops the worker, waiting at most CloseTimeout. A healthy session is
// half-closed and finished so the platform's terminal status is returned.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		healthy := e.status.get() == nil
		e.cancel()

		timer := time.NewTimer(e.opts.CloseTimeout)
		defer timer.Stop()
		select {
		case <-e.done:
		case <-timer.C:
			e.logger.Warn("send worker did not exit", slog.Duration("timeout", e.opts.CloseTimeout))
			healthy = false
		}

		if !healthy {
			e.session.Cancel()
			_ = e.finish()
			return
		}
		if err := e.session.CloseWrite(); err != nil {
			e.logger.Info("close write", slog.Any("err", err))
		}
		e.closeErr = e.finish()
	})
	return e.closeErr
}

func (e *Engine) finish() error {
	result := make(chan error, 1)
	go func() {
		result <- e.session.Finish().Err()
	}()

	timer := time.NewTimer(e.opts.CloseTimeout)
	defer timer.Stop()
	select {
	case err := <-result:
		if err != nil && channel.Code(err) != codes.Canceled {
			e.logger.Info("send session finished", slog.Any("status", err))
		}
		return err
	case <-timer.C:
		e.session.Cancel()
		return channel.Errorf(codes.DeadlineExceeded, "send session did not finish within %s", e.opts.CloseTimeout)
	}
}

func (e *Engine) work(ctx context.Context) {
	defer close(e.done)
	for {
		p, err := e.submissions.Pop(ctx)
		if err != nil {
			return
		}
		if err := e.session.Write(transport.PacketFrame(p)); err != nil {
			err = e.writeFailure(ctx, err)
			e.status.observe(err)
			e.replies.TryPush(err)
			e.logger.Warn("send packet", slog.Int64("offset", p.Offset), slog.Any("err", err))
			return
		}
		e.replies.TryPush(nil)
	}
}

// writeFailure resolves the real cause of a failed write: a cancellation we
// asked for, or the platform's terminal status when it ended the session.
func (e *Engine) writeFailure(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return channel.Errorf(codes.Canceled, "send cancelled")
	}
	if errors.Is(err, io.EOF) {
		if st := e.session.Finish(); st.Code() != codes.OK {
			return st.Err()
		}
		return channel.Errorf(codes.Internal, "send session ended by platform")
	}
	if channel.Code(err) == codes.Unknown {
		return channel.Errorf(codes.Internal, "send packet: %v", err)
	}
	return err
}

func (e *Engine) failure() error {
	if err := e.status.get(); err != nil {
		return err
	}
	return channel.Errorf(codes.Internal, "send engine stopped")
}

// Dialer builds engines, taking the sender identity and lease term from a
// lease source when one is set.
type Dialer struct {
	Transport    transport.Transport
	Options      Options
	Leases       lease.Source
	LeaseTimeout time.Duration
}

func (d *Dialer) Dial(ctx context.Context) (*Engine, error) {
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
		opts.SenderID = l.Lessee
		opts.LeaseTerm = l.Duration
	}
	return New(ctx, d.Transport, opts)
}
