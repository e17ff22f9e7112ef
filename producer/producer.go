// Package producer drives a send engine across reconnects, draining a packet
// channel until it is closed or the context ends.
package producer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"google.golang.org/grpc/codes"

	"github.com/pratilipi/channel-client-go/channel"
	"github.com/pratilipi/channel-client-go/lease"
	"github.com/pratilipi/channel-client-go/sender"
)

// Sender is one send session; *sender.Engine implements it.
type Sender interface {
	Send(ctx context.Context, p channel.Packet) error
	Close() error
}

type DialFunc func(ctx context.Context) (Sender, error)

// EngineDialer adapts a sender.Dialer.
func EngineDialer(d *sender.Dialer) DialFunc {
	return func(ctx context.Context) (Sender, error) {
		e, err := d.Dial(ctx)
		if err != nil {
			return nil, err
		}
		return e, nil
	}
}

type Option func(*Producer) error

// WithLeaseManager runs the writer lease manager for the lifetime of Run.
func WithLeaseManager(manager *lease.Manager) Option {
	return func(p *Producer) error {
		if manager == nil {
			return errors.New("lease manager cannot be nil")
		}
		p.leaseManager = manager
		return nil
	}
}

type Producer struct {
	cfg          Config
	dial         DialFunc
	leaseManager *lease.Manager
	logger       *slog.Logger

	sender Sender
	sent   atomic.Int64
	failed atomic.Int64
}

func New(cfg Config, dial DialFunc, opts ...Option) (*Producer, error) {
	if dial == nil {
		return nil, errors.New("dial func is required")
	}
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	p := &Producer{
		cfg:    cfg,
		dial:   dial,
		logger: cfg.Logger.With(slog.String("channel", cfg.Channel.String())),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Run sends every packet from packets in order. It returns nil when packets
// is closed or ctx is cancelled, and an error once a packet could not be
// delivered within Retry.MaxAttempts.
func (p *Producer) Run(ctx context.Context, packets <-chan channel.Packet) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	leaseErrCh := make(chan error, 1)
	if p.leaseManager != nil {
		go func() {
			err := p.leaseManager.Run(ctx)
			if channel.Code(err) != codes.Canceled {
				leaseErrCh <- err
				cancel()
			}
		}()
		defer p.leaseManager.Cancel()
	}
	defer p.closeSender()

	err := p.drain(ctx, packets)
	select {
	case leaseErr := <-leaseErrCh:
		return fmt.Errorf("lease: %w", leaseErr)
	default:
	}
	return err
}

func (p *Producer) drain(ctx context.Context, packets <-chan channel.Packet) error {
	for {
		select {
		case <-ctx.Done():
			return exitErr(ctx)
		case pkt, ok := <-packets:
			if !ok {
				return nil
			}
			if err := p.sendWithRetry(ctx, pkt); err != nil {
				if ctx.Err() != nil {
					return exitErr(ctx)
				}
				p.failed.Add(1)
				return err
			}
			p.sent.Add(1)
		}
	}
}

func (p *Producer) sendWithRetry(ctx context.Context, pkt channel.Packet) error {
	var lastErr error
	for attempt := 1; attempt <= p.cfg.Retry.MaxAttempts; attempt++ {
		err := p.send(ctx, pkt)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return err
		}

		// a failed engine is unusable
		p.closeSender()
		if !retryable(err) || attempt == p.cfg.Retry.MaxAttempts {
			break
		}
		p.logger.Warn("send packet", slog.Int64("offset", pkt.Offset), slog.Int("attempt", attempt), slog.Any("err", err))
		backoff := time.Duration(attempt) * p.cfg.Retry.Backoff
		if err := sleepWithContext(ctx, backoff); err != nil {
			return err
		}
	}
	return fmt.Errorf("send offset %d failed after %d attempts: %w", pkt.Offset, p.cfg.Retry.MaxAttempts, lastErr)
}

func (p *Producer) send(ctx context.Context, pkt channel.Packet) error {
	if p.sender == nil {
		s, err := p.dial(ctx)
		if err != nil {
			return fmt.Errorf("dial sender: %w", err)
		}
		p.sender = s
	}

	sendCtx, cancel := context.WithTimeout(ctx, p.cfg.SendTimeout)
	defer cancel()
	return p.sender.Send(sendCtx, pkt)
}

func (p *Producer) closeSender() {
	if p.sender == nil {
		return
	}
	if err := p.sender.Close(); err != nil && channel.Code(err) != codes.Canceled {
		p.logger.Info("close sender", slog.Any("err", err))
	}
	p.sender = nil
}

// Sent counts delivered packets.
func (p *Producer) Sent() int64 {
	return p.sent.Load()
}

// Failed counts packets abandoned after exhausting their attempts.
func (p *Producer) Failed() int64 {
	return p.failed.Load()
}

// retryable excludes argument and protocol errors, which a new session
// cannot fix.
func retryable(err error) bool {
	switch channel.Code(err) {
	case codes.InvalidArgument, codes.FailedPrecondition:
		return false
	default:
		return true
	}
}

func exitErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
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
