package lease

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc/codes"

	"github.com/pratilipi/channel-client-go/channel"
)

const releaseTimeout = 5 * time.Second

type Config struct {
	Channel  channel.Channel
	Lessee   string
	Type     channel.LeaseType
	Duration time.Duration
	Logger   *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Lessee == "" {
		c.Lessee = channel.NewIdentity()
	}
	if c.Type == "" {
		c.Type = channel.LeaseReader
	}
	if c.Duration == 0 {
		c.Duration = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c
}

func (c Config) validate() error {
	if err := c.Channel.Validate(); err != nil {
		return err
	}
	if err := c.Type.Validate(); err != nil {
		return err
	}
	if c.Duration < 4*time.Millisecond {
		return channel.Errorf(codes.InvalidArgument, "lease duration must be >= 4ms")
	}
	return nil
}

// Manager acquires a lease once and keeps it renewed every Duration/4 until
// cancelled. A Manager is single use: if acquisition fails, build a new one.
type Manager struct {
	cfg     Config
	backend Backend
	logger  *slog.Logger

	mu    sync.Mutex
	lease channel.Lease

	started      atomic.Bool
	acquired     chan struct{}
	acquiredOnce sync.Once
	done         chan struct{}
	cancelOnce   sync.Once
}

func NewManager(backend Backend, cfg Config) (*Manager, error) {
	if backend == nil {
		return nil, errors.New("lease backend is required")
	}
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Manager{
		cfg:      cfg,
		backend:  backend,
		logger:   cfg.Logger.With(slog.String("channel", cfg.Channel.String()), slog.String("lessee", cfg.Lessee)),
		acquired: make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Run acquires the lease and renews it until Cancel is called or ctx ends,
// then releases it and returns a Canceled status. An acquisition failure is
// returned immediately.
func (m *Manager) Run(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return channel.Errorf(codes.FailedPrecondition, "lease manager already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-m.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	l, err := m.backend.Acquire(ctx, m.cfg.Channel, m.cfg.Lessee, m.cfg.Type, m.cfg.Duration)
	if err != nil {
		if ctx.Err() != nil {
			return m.cancelled()
		}
		return fmt.Errorf("acquire %s lease on %s: %w", m.cfg.Type, m.cfg.Channel, err)
	}
	m.setLease(l)
	m.acquiredOnce.Do(func() { close(m.acquired) })
	m.logger.Info("acquired lease", slog.String("lease_id", l.ID), slog.Duration("duration", l.Duration))

	ticker := time.NewTicker(l.Duration / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.release()
			return m.cancelled()
		case <-ticker.C:
			renewed, err := m.backend.Renew(ctx, m.Lease())
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				m.logger.Warn("renew lease", slog.Any("err", err))
				continue
			}
			m.setLease(renewed)
		}
	}
}

// GetLease blocks until the first acquisition, timeout or ctx cancellation.
func (m *Manager) GetLease(ctx context.Context, timeout time.Duration) (channel.Lease, error) {
	select {
	case <-m.acquired:
		return m.Lease(), nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-m.acquired:
		return m.Lease(), nil
	case <-timer.C:
		return channel.Lease{}, channel.Errorf(codes.DeadlineExceeded, "no lease on %s after %s", m.cfg.Channel, timeout)
	case <-ctx.Done():
		return channel.Lease{}, channel.FromContext(ctx.Err())
	}
}

// Lease returns the last known-good lease, or the zero Lease before the
// first acquisition.
func (m *Manager) Lease() channel.Lease {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lease
}

// Acquired is closed after the first successful acquisition.
func (m *Manager) Acquired() <-chan struct{} {
	return m.acquired
}

func (m *Manager) Cancel() {
	m.cancelOnce.Do(func() {
		close(m.done)
	})
}

func (m *Manager) setLease(l channel.Lease) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lease = l
}

func (m *Manager) release() {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	released, err := m.backend.Release(ctx, m.Lease())
	if err != nil {
		if !errors.Is(err, ErrNotOwned) {
			m.logger.Warn("release lease", slog.Any("err", err))
		}
		return
	}
	m.setLease(released)
	m.logger.Info("released lease", slog.String("lease_id", released.ID))
}

func (m *Manager) cancelled() error {
	return channel.Errorf(codes.Canceled, "lease manager for %s cancelled", m.cfg.Channel)
}
