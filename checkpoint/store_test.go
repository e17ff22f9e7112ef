package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"github.com/pratilipi/channel-client-go/channel"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, "test:checkpoint", time.Hour), mr
}

func stores(t *testing.T) map[string]Store {
	redisStore, _ := newRedisStore(t)
	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  redisStore,
	}
}

func TestStoreMonotonicSave(t *testing.T) {
	ch := channel.Channel{EventID: "e1", StreamID: "s1"}

	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, ok, err := store.Get(ctx, ch, "r1")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, store.Save(ctx, ch, "r1", 3))
			require.NoError(t, store.Save(ctx, ch, "r1", 3))
			require.NoError(t, store.Save(ctx, ch, "r1", 9))

			err = store.Save(ctx, ch, "r1", 4)
			assert.Equal(t, codes.InvalidArgument, channel.Code(err))

			offset, ok, err := store.Get(ctx, ch, "r1")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, int64(9), offset)

			// receivers are tracked independently
			require.NoError(t, store.Save(ctx, ch, "r2", 1))

			require.NoError(t, store.Delete(ctx, ch, "r1"))
			_, ok, err = store.Get(ctx, ch, "r1")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestRedisStoreAppliesTTL(t *testing.T) {
	store, mr := newRedisStore(t)
	ch := channel.Channel{EventID: "e1", StreamID: "s1"}

	require.NoError(t, store.Save(context.Background(), ch, "r1", 0))
	assert.Equal(t, time.Hour, mr.TTL("test:checkpoint:e1:s1:r1"))

	mr.FastForward(2 * time.Hour)
	_, ok, err := store.Get(context.Background(), ch, "r1")
	require.NoError(t, err)
	assert.False(t, ok)
}
