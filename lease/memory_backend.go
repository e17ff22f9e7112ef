package lease

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pratilipi/channel-client-go/channel"
)

type memoryEntry struct {
	id      string
	expires time.Time
}

// MemoryBackend keeps leases in process. Useful for tests and single-node
// deployments.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (b *MemoryBackend) Acquire(_ context.Context, ch channel.Channel, lessee string, leaseType channel.LeaseType, d time.Duration) (channel.Lease, error) {
	if err := leaseType.Validate(); err != nil {
		return channel.Lease{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	key := leaseKey("mem", ch, lessee, leaseType)
	if e, ok := b.entries[key]; ok && now.Before(e.expires) {
		return channel.Lease{}, ErrHeld
	}
	id := uuid.NewString()
	b.entries[key] = memoryEntry{id: id, expires: now.Add(d)}
	return channel.Lease{
		ID:           id,
		Channel:      ch,
		Lessee:       lessee,
		Type:         leaseType,
		Duration:     d,
		AcquiredTime: now,
	}, nil
}

func (b *MemoryBackend) Renew(_ context.Context, l channel.Lease) (channel.Lease, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	key := leaseKey("mem", l.Channel, l.Lessee, l.Type)
	e, ok := b.entries[key]
	if !ok || e.id != l.ID || !now.Before(e.expires) {
		return channel.Lease{}, ErrNotOwned
	}
	l.AcquiredTime = renewedAt(l.AcquiredTime, now)
	b.entries[key] = memoryEntry{id: e.id, expires: l.AcquiredTime.Add(l.Duration)}
	return l, nil
}

func (b *MemoryBackend) Release(_ context.Context, l channel.Lease) (channel.Lease, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := leaseKey("mem", l.Channel, l.Lessee, l.Type)
	e, ok := b.entries[key]
	if !ok || e.id != l.ID {
		return channel.Lease{}, ErrNotOwned
	}
	delete(b.entries, key)
	l.Duration = 0
	return l, nil
}
