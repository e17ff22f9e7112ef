package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc/codes"

	"github.com/pratilipi/channel-client-go/channel"
	"github.com/pratilipi/channel-client-go/checkpoint"
	"github.com/pratilipi/channel-client-go/lease"
	"github.com/pratilipi/channel-client-go/receiver"
)

// Receiver is one receive session. A Receiver that returned an error other
// than a transient NotFound is discarded and a new one is dialed. Pending
// commits are flushed on every transient NotFound, so a Receiver must accept
// commits at least until the Receive that follows one.
type Receiver interface {
	Receive(ctx context.Context, timeout time.Duration) (channel.Packet, error)
	Commit(ctx context.Context, offset int64) error
	Close() error
}

type DialFunc func(ctx context.Context) (Receiver, error)

// Sink is the downstream event writer. Write fails with Unavailable when the
// sink is over capacity.
type Sink interface {
	Write(ctx context.Context, p channel.Packet) error
	Close() error
}

// CompletionFunc receives the last offset seen before the stream was
// exhausted, or -1 if there was none.
type CompletionFunc func(ctx context.Context, lastOffset int64)

// StreamDialer adapts a receiver.Dialer.
func StreamDialer(d *receiver.Dialer) DialFunc {
	return func(ctx context.Context) (Receiver, error) {
		s, err := d.Dial(ctx)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

type Consumer struct {
	cfg          Config
	dial         DialFunc
	store        checkpoint.Store
	sink         Sink
	leaseManager *lease.Manager
	onComplete   CompletionFunc
	logger       *slog.Logger

	mu       sync.Mutex
	receiver Receiver

	commits      commitTracker
	lastOffset   int64
	sinceCommit  int
	completeOnce sync.Once
	finalizeOnce sync.Once
}

// New builds a consumer. store may be nil in eager mode, where nothing is
// committed.
func New(cfg Config, dial DialFunc, store checkpoint.Store, sink Sink, opts ...Option) (*Consumer, error) {
	if dial == nil {
		return nil, errors.New("dial func is required")
	}
	if sink == nil {
		return nil, errors.New("sink is required")
	}

	opt, err := applyOptions(opts)
	if err != nil {
		return nil, err
	}

	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Mode == channel.ModeControlled && store == nil {
		return nil, errors.New("checkpoint store is required in controlled mode")
	}

	return &Consumer{
		cfg:          cfg,
		dial:         dial,
		store:        store,
		sink:         sink,
		leaseManager: opt.leaseManager,
		onComplete:   opt.onComplete,
		logger:       cfg.Logger.With(slog.String("channel", cfg.Channel.String()), slog.String("receiver", cfg.ReceiverID)),
		lastOffset:   -1,
	}, nil
}

// Start receives until ctx is done or the stream is exhausted. Cancellation
// and exhaustion return nil, an expired deadline returns its error. Finalize
// runs before Start returns.
func (c *Consumer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	leaseErrCh := make(chan error, 1)
	if c.leaseManager != nil {
		go func() {
			err := c.leaseManager.Run(ctx)
			if channel.Code(err) != codes.Canceled {
				leaseErrCh <- err
				cancel()
			}
		}()
		defer c.leaseManager.Cancel()
	}
	defer c.Finalize()

	if c.cfg.Mode == channel.ModeControlled {
		if err := c.seedCommit(ctx); err != nil {
			return err
		}
	}

	c.logger.Info("starting consumer", slog.String("mode", string(c.cfg.Mode)))
	err := c.run(ctx)

	select {
	case leaseErr := <-leaseErrCh:
		return fmt.Errorf("lease: %w", leaseErr)
	default:
	}
	return err
}

func (c *Consumer) seedCommit(ctx context.Context) error {
	offset, ok, err := c.store.Get(ctx, c.cfg.Channel, c.cfg.ReceiverID)
	if err != nil {
		return fmt.Errorf("get checkpoint: %w", err)
	}
	if ok {
		c.commits.advance(offset)
		c.lastOffset = offset
		c.logger.Info("resuming from checkpoint", slog.Int64("offset", offset))
	}
	return nil
}

func (c *Consumer) run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return exitErr(ctx)
		}

		r, err := c.currentReceiver(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return exitErr(ctx)
			}
			c.logger.Warn("dial receiver", slog.Any("err", err))
			if err := sleepWithContext(ctx, c.cfg.ReconnectInterval); err != nil {
				return exitErr(ctx)
			}
			continue
		}

		p, err := r.Receive(ctx, c.cfg.ReceiveTimeout)
		switch {
		case err == nil:
			if err := c.handle(ctx, r, p); err != nil {
				if ctx.Err() != nil {
					return exitErr(ctx)
				}
				c.logger.Warn("reconnect after packet failure", slog.Int64("offset", p.Offset), slog.Any("err", err))
				c.reconnect(ctx)
			}
		case channel.IsTransientNotFound(err):
			if err := c.flush(ctx, r); err != nil {
				if ctx.Err() != nil {
					return exitErr(ctx)
				}
				c.logger.Warn("reconnect after commit failure", slog.Any("err", err))
				c.reconnect(ctx)
			}
		case channel.Code(err) == codes.OutOfRange:
			if err := c.flush(ctx, r); err != nil {
				c.logger.Warn("commit before completion", slog.Any("err", err))
			}
			c.complete(ctx)
			return nil
		case ctx.Err() != nil:
			return exitErr(ctx)
		default:
			c.logger.Warn("receive", slog.Any("err", err))
			c.reconnect(ctx)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, r Receiver, p channel.Packet) error {
	if c.cfg.Mode == channel.ModeEager {
		if err := c.deliver(ctx, p); err != nil {
			c.logger.Warn("drop packet", slog.Int64("offset", p.Offset), slog.Any("err", err))
		}
		c.lastOffset = p.Offset
		return nil
	}

	if c.commits.duplicate(p.Offset) {
		c.logger.Debug("skip duplicate packet", slog.Int64("offset", p.Offset))
		return nil
	}
	if err := c.deliver(ctx, p); err != nil {
		return fmt.Errorf("sink write: %w", err)
	}
	c.lastOffset = p.Offset
	c.sinceCommit++
	if c.sinceCommit < c.cfg.CheckpointEvery {
		return nil
	}
	return c.commit(ctx, r, p.Offset)
}

// deliver writes p to the sink, retrying once after BackpressureDelay when
// the sink is over capacity.
func (c *Consumer) deliver(ctx context.Context, p channel.Packet) error {
	err := c.sink.Write(ctx, p)
	if channel.Code(err) != codes.Unavailable {
		return err
	}
	c.logger.Debug("sink backpressure", slog.Int64("offset", p.Offset), slog.Duration("delay", c.cfg.BackpressureDelay))
	if err := sleepWithContext(ctx, c.cfg.BackpressureDelay); err != nil {
		return err
	}
	return c.sink.Write(ctx, p)
}

func (c *Consumer) commit(ctx context.Context, r Receiver, offset int64) error {
	if err := r.Commit(ctx, offset); err != nil {
		return fmt.Errorf("commit %d: %w", offset, err)
	}
	c.commits.advance(offset)
	c.sinceCommit = 0

	if err := c.store.Save(ctx, c.cfg.Channel, c.cfg.ReceiverID, offset); err != nil {
		c.logger.Warn("save checkpoint", slog.Int64("offset", offset), slog.Any("err", err))
	}
	return nil
}

// flush commits packets accepted since the last commit. The receiver reports
// a transient NotFound when it is idle or winding down, which is the last
// chance to commit on this session.
func (c *Consumer) flush(ctx context.Context, r Receiver) error {
	if c.cfg.Mode != channel.ModeControlled || c.sinceCommit == 0 {
		return nil
	}
	return c.commit(ctx, r, c.lastOffset)
}

func (c *Consumer) complete(ctx context.Context) {
	c.completeOnce.Do(func() {
		c.logger.Info("stream exhausted", slog.Int64("last_offset", c.lastOffset))
		if c.onComplete != nil {
			c.onComplete(ctx, c.lastOffset)
		}
	})
}

func (c *Consumer) currentReceiver(ctx context.Context) (Receiver, error) {
	c.mu.Lock()
	r := c.receiver
	c.mu.Unlock()
	if r != nil {
		return r, nil
	}

	r, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.receiver = r
	c.mu.Unlock()
	return r, nil
}

// reconnect discards the current receiver and waits ReconnectInterval.
// Packets accepted since the last commit will be redelivered.
func (c *Consumer) reconnect(ctx context.Context) {
	c.discardReceiver()
	c.sinceCommit = 0
	_ = sleepWithContext(ctx, c.cfg.ReconnectInterval)
}

func (c *Consumer) discardReceiver() {
	c.mu.Lock()
	r := c.receiver
	c.receiver = nil
	c.mu.Unlock()
	if r == nil {
		return
	}
	if err := r.Close(); err != nil {
		c.logger.Info("close receiver", slog.Any("err", err))
	}
}

// Finalize closes the receiver and the sink. It never fails and is safe to
// call more than once; Start calls it on every exit path.
func (c *Consumer) Finalize() {
	c.finalizeOnce.Do(func() {
		c.discardReceiver()
		if err := c.sink.Close(); err != nil {
			c.logger.Warn("close sink", slog.Any("err", err))
		}
		c.logger.Info("consumer finalized")
	})
}

// Committed returns the local commit offset.
func (c *Consumer) Committed() (int64, bool) {
	return c.commits.get()
}

func exitErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}

// commitTracker holds the highest offset committed by this consumer.
type commitTracker struct {
	mu     sync.Mutex
	offset int64
	ok     bool
}

func (t *commitTracker) duplicate(offset int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ok && offset <= t.offset
}

func (t *commitTracker) advance(offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.ok || offset > t.offset {
		t.offset = offset
		t.ok = true
	}
}

func (t *commitTracker) get() (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.offset, t.ok
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
