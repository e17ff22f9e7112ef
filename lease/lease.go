package lease

import (
	"context"
	"errors"
	"time"

	"github.com/pratilipi/channel-client-go/channel"
)

var (
	ErrNotOwned = errors.New("lease not owned by caller")
	ErrHeld     = errors.New("lease held by another lessee")
)

// Backend grants leases on channels. Writer leases are exclusive per
// channel; reader leases are scoped to the lessee.
type Backend interface {
	// Acquire creates a lease. It returns ErrHeld if the lease is taken.
	Acquire(ctx context.Context, ch channel.Channel, lessee string, leaseType channel.LeaseType, d time.Duration) (channel.Lease, error)
	// Renew resets AcquiredTime, leaving ID, Channel and Lessee unchanged.
	// Implementations return ErrNotOwned once the lease was lost.
	Renew(ctx context.Context, l channel.Lease) (channel.Lease, error)
	// Release relinquishes the lease and returns it with a zero Duration.
	Release(ctx context.Context, l channel.Lease) (channel.Lease, error)
}

func leaseKey(prefix string, ch channel.Channel, lessee string, leaseType channel.LeaseType) string {
	if leaseType == channel.LeaseWriter {
		return channel.Key(prefix, ch, string(channel.LeaseWriter))
	}
	return channel.Key(prefix, ch, string(channel.LeaseReader)+":"+lessee)
}

func renewedAt(prev, now time.Time) time.Time {
	if now.Before(prev) {
		return prev
	}
	return now
}

// Source hands out the current lease. *Manager implements it.
type Source interface {
	GetLease(ctx context.Context, timeout time.Duration) (channel.Lease, error)
}
