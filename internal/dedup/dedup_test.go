package dedup

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	store  Store
	expire func(d time.Duration)
}

func stores(t *testing.T) map[string]harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rs := NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = rs.Close() })

	sleep := func(d time.Duration) { time.Sleep(d) }
	return map[string]harness{
		"redis":  {store: rs, expire: mr.FastForward},
		"memory": {store: NewMemory(), expire: sleep},
	}
}

func TestStoreContract(t *testing.T) {
	for name, h := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := h.store
			key := GeneratedKey(-100, 5)

			ok, err := s.Exists(ctx, key)
			require.NoError(t, err)
			assert.False(t, ok)

			_, found, err := s.Get(ctx, key)
			require.NoError(t, err)
			assert.False(t, found)

			require.NoError(t, s.Set(ctx, key, "card", time.Minute))
			ok, err = s.Exists(ctx, key)
			require.NoError(t, err)
			assert.True(t, ok)

			v, found, err := s.Get(ctx, key)
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, "card", v)
		})
	}
}

func TestAcquireIsExclusiveUntilExpiry(t *testing.T) {
	for name, h := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := LockKey(-100, 9)

			ok, err := h.store.Acquire(ctx, key, 30*time.Millisecond)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = h.store.Acquire(ctx, key, 30*time.Millisecond)
			require.NoError(t, err)
			assert.False(t, ok)

			h.expire(60 * time.Millisecond)

			ok, err = h.store.Acquire(ctx, key, 30*time.Millisecond)
			require.NoError(t, err)
			assert.True(t, ok, "lock is available again after ttl")
		})
	}
}

func TestAcquireConcurrentSingleWinner(t *testing.T) {
	for name, h := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var wins atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := h.store.Acquire(ctx, LockKey(1, 1), time.Minute)
					if err == nil && ok {
						wins.Add(1)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(1), wins.Load())
		})
	}
}

func TestRedisUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	s := NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1}))
	defer s.Close()
	mr.Close()

	_, err := s.Exists(context.Background(), "k")
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = s.Acquire(context.Background(), "k", time.Second)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestOpenRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := OpenRedis(context.Background(), "redis://"+mr.Addr()+"/0")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = OpenRedis(context.Background(), "not a url")
	assert.Error(t, err)
}

func TestKeysAreNamespaced(t *testing.T) {
	assert.Equal(t, "relay:lock:-100:7", LockKey(-100, 7))
	assert.Equal(t, "relay:processed:-100:7", ProcessedKey(-100, 7))
	assert.Equal(t, "relay:generated:-100:7", GeneratedKey(-100, 7))
}
