package lease

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/pratilipi/channel-client-go/channel"
)

// RedisBackend implements leasing using Redis/Valkey keys with a TTL.
type RedisBackend struct {
	client redis.Cmdable
	prefix string
	now    func() time.Time
}

func NewRedisBackend(client redis.Cmdable, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "channel:lease"
	}
	return &RedisBackend{
		client: client,
		prefix: prefix,
		now:    time.Now,
	}
}

func (b *RedisBackend) Acquire(ctx context.Context, ch channel.Channel, lessee string, leaseType channel.LeaseType, d time.Duration) (channel.Lease, error) {
	if err := leaseType.Validate(); err != nil {
		return channel.Lease{}, err
	}
	id := uuid.NewString()
	ok, err := b.client.SetNX(ctx, leaseKey(b.prefix, ch, lessee, leaseType), id, d).Result()
	if err != nil {
		return channel.Lease{}, err
	}
	if !ok {
		return channel.Lease{}, ErrHeld
	}
	return channel.Lease{
		ID:           id,
		Channel:      ch,
		Lessee:       lessee,
		Type:         leaseType,
		Duration:     d,
		AcquiredTime: b.now(),
	}, nil
}

func (b *RedisBackend) Renew(ctx context.Context, l channel.Lease) (channel.Lease, error) {
	const script = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`
	key := leaseKey(b.prefix, l.Channel, l.Lessee, l.Type)
	res, err := b.client.Eval(ctx, script, []string{key}, l.ID, l.Duration.Milliseconds()).Result()
	if err != nil {
		return channel.Lease{}, err
	}
	if res == int64(0) {
		return channel.Lease{}, ErrNotOwned
	}
	l.AcquiredTime = renewedAt(l.AcquiredTime, b.now())
	return l, nil
}

func (b *RedisBackend) Release(ctx context.Context, l channel.Lease) (channel.Lease, error) {
	const script = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`
	key := leaseKey(b.prefix, l.Channel, l.Lessee, l.Type)
	res, err := b.client.Eval(ctx, script, []string{key}, l.ID).Result()
	if err != nil {
		return channel.Lease{}, err
	}
	if res == int64(0) {
		return channel.Lease{}, ErrNotOwned
	}
	l.Duration = 0
	return l, nil
}
