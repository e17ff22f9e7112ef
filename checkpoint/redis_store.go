package checkpoint

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pratilipi/channel-client-go/channel"
)

// saveScript writes ARGV[1] unless the stored offset is higher, in which case
// it returns the stored offset instead of "OK".
const saveScript = `
local cur = redis.call("GET", KEYS[1])
if cur and tonumber(cur) > tonumber(ARGV[1]) then
	return cur
end
if tonumber(ARGV[2]) > 0 then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
else
	redis.call("SET", KEYS[1], ARGV[1])
end
return "OK"
`

type RedisStore struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

func NewRedisStore(client redis.Cmdable, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "channel:checkpoint"
	}
	if ttl == 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (s *RedisStore) Get(ctx context.Context, ch channel.Channel, receiver string) (int64, bool, error) {
	val, err := s.client.Get(ctx, s.key(ch, receiver)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	offset, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, err
	}
	return offset, true, nil
}

func (s *RedisStore) Save(ctx context.Context, ch channel.Channel, receiver string, offset int64) error {
	ttl := s.ttl
	if ttl < 0 {
		ttl = 0
	}
	res, err := s.client.Eval(ctx, saveScript, []string{s.key(ch, receiver)}, offset, ttl.Milliseconds()).Text()
	if err != nil {
		return err
	}
	if res == "OK" {
		return nil
	}
	current, err := strconv.ParseInt(res, 10, 64)
	if err != nil {
		return err
	}
	return regression(ch, receiver, current, offset)
}

func (s *RedisStore) Delete(ctx context.Context, ch channel.Channel, receiver string) error {
	return s.client.Del(ctx, s.key(ch, receiver)).Err()
}

func (s *RedisStore) key(ch channel.Channel, receiver string) string {
	return channel.Key(s.prefix, ch, receiver)
}
