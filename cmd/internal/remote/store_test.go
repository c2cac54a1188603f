package remote

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func mustRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st, err := NewRedisStore(client, WithOpTimeout(time.Second))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st, mr
}

// storeCases runs the same behavioral checks against both implementations.
func storeCases(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			st := NewMemoryStore()
			t.Cleanup(func() { _ = st.Close() })
			return st
		},
		"redis": func(t *testing.T) Store {
			st, _ := mustRedisStore(t)
			return st
		},
	}
}

func TestStore_GetSetDelete(t *testing.T) {
	for name, mk := range storeCases(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := mk(t)

			_, ok, err := st.Get(ctx, "k")
			require.NoError(t, err)
			require.False(t, ok)

			require.NoError(t, st.Set(ctx, "k", []byte("v1"), time.Minute))
			v, ok, err := st.Get(ctx, "k")
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, "v1", string(v))

			exists, err := st.Exists(ctx, "k")
			require.NoError(t, err)
			require.True(t, exists)

			require.NoError(t, st.Delete(ctx, "k", "missing"))
			_, ok, err = st.Get(ctx, "k")
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

func TestStore_IncrIfExistsAndSetNX(t *testing.T) {
	for name, mk := range storeCases(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := mk(t)

			// An absent counter is never created by the increment.
			_, ok, err := st.IncrIfExists(ctx, "c", 1, time.Minute)
			require.NoError(t, err)
			require.False(t, ok)
			exists, err := st.Exists(ctx, "c")
			require.NoError(t, err)
			require.False(t, exists)

			ok, err = st.SetNX(ctx, "c", []byte("41"), 0)
			require.NoError(t, err)
			require.True(t, ok)

			n, ok, err := st.IncrIfExists(ctx, "c", 1, 0)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, int64(42), n)

			ok, err = st.SetNX(ctx, "c", []byte("7"), 0)
			require.NoError(t, err)
			require.False(t, ok)

			n, ok, err = st.IncrIfExists(ctx, "c", 8, time.Minute)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, int64(50), n)

			require.NoError(t, st.Set(ctx, "s", []byte("abc"), 0))
			_, _, err = st.IncrIfExists(ctx, "s", 1, 0)
			require.Error(t, err)
		})
	}
}

func TestStore_IncrIfExistsConcurrent(t *testing.T) {
	for name, mk := range storeCases(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := mk(t)

			ok, err := st.SetNX(ctx, "c", []byte("0"), 0)
			require.NoError(t, err)
			require.True(t, ok)

			var (
				wg  sync.WaitGroup
				mu  sync.Mutex
				got = make(map[int64]bool)
			)
			for range 20 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					n, ok, err := st.IncrIfExists(ctx, "c", 1, 0)
					if err != nil || !ok {
						return
					}
					mu.Lock()
					got[n] = true
					mu.Unlock()
				}()
			}
			wg.Wait()

			require.Len(t, got, 20)
			for i := int64(1); i <= 20; i++ {
				require.True(t, got[i], "missing %d", i)
			}
		})
	}
}

func TestStore_CompareAndDelete(t *testing.T) {
	for name, mk := range storeCases(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := mk(t)

			ok, err := st.SetNX(ctx, "lock:a", []byte("tok-1"), time.Minute)
			require.NoError(t, err)
			require.True(t, ok)

			released, err := st.CompareAndDelete(ctx, "lock:a", []byte("tok-2"))
			require.NoError(t, err)
			require.False(t, released)

			released, err = st.CompareAndDelete(ctx, "lock:a", []byte("tok-1"))
			require.NoError(t, err)
			require.True(t, released)

			exists, err := st.Exists(ctx, "lock:a")
			require.NoError(t, err)
			require.False(t, exists)
		})
	}
}

func TestStore_DeletePattern(t *testing.T) {
	for name, mk := range storeCases(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := mk(t)

			for _, k := range []string{"user:1", "user:2", "user:10", "conv:1"} {
				require.NoError(t, st.Set(ctx, k, []byte("x"), 0))
			}

			n, err := st.DeletePattern(ctx, "user:?")
			require.NoError(t, err)
			require.Equal(t, int64(2), n)

			exists, err := st.Exists(ctx, "user:10")
			require.NoError(t, err)
			require.True(t, exists)

			n, err = st.DeletePattern(ctx, "*")
			require.NoError(t, err)
			require.Equal(t, int64(2), n)
		})
	}
}

func TestStore_PublishSubscribe(t *testing.T) {
	for name, mk := range storeCases(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := mk(t)

			var (
				mu  sync.Mutex
				got []string
			)
			sub, err := st.Subscribe(ctx, "topic", func(p []byte) {
				mu.Lock()
				got = append(got, string(p))
				mu.Unlock()
			})
			require.NoError(t, err)

			require.NoError(t, st.Publish(ctx, "topic", []byte("hello")))
			require.NoError(t, st.Publish(ctx, "other", []byte("ignored")))

			require.Eventually(t, func() bool {
				mu.Lock()
				defer mu.Unlock()
				return len(got) == 1 && got[0] == "hello"
			}, 2*time.Second, 10*time.Millisecond)

			require.NoError(t, sub.Close())
			require.NoError(t, sub.Close())
		})
	}
}

func TestRedisStore_TTL(t *testing.T) {
	ctx := context.Background()
	st, mr := mustRedisStore(t)

	require.NoError(t, st.Set(ctx, "k", []byte("v"), time.Minute))
	mr.FastForward(2 * time.Minute)

	_, ok, err := st.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, st.Set(ctx, "c", []byte("1"), 0))
	require.Equal(t, time.Duration(0), mr.TTL("c"))
	n, ok, err := st.IncrIfExists(ctx, "c", 1, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(2), n)
	require.True(t, mr.TTL("c") > 0)

	require.NoError(t, st.Expire(ctx, "c", time.Second))
	require.Equal(t, time.Second, mr.TTL("c"))
}

func TestRedisStore_Unavailable(t *testing.T) {
	ctx := context.Background()
	st, mr := mustRedisStore(t)

	mr.Close()

	_, _, err := st.Get(ctx, "k")
	require.Error(t, err)
	require.Error(t, st.Ping(ctx))
}

func TestMemoryStore_Expiry(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	st := NewMemoryStore(WithMemoryClock(clock))

	require.NoError(t, st.Set(ctx, "k", []byte("v"), time.Second))
	require.NoError(t, st.Set(ctx, "c", []byte("4"), 0))
	n, ok, err := st.IncrIfExists(ctx, "c", 1, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(5), n)
	require.Equal(t, 2, st.Len())

	mu.Lock()
	now = now.Add(2 * time.Second)
	mu.Unlock()

	_, ok, err = st.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 0, st.Len())

	// An expired counter stays absent.
	_, ok, err = st.IncrIfExists(ctx, "c", 1, time.Second)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryStore_Closed(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	require.NoError(t, st.Close())

	_, _, err := st.Get(ctx, "k")
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, st.Ping(ctx), ErrClosed)
	require.NoError(t, st.Close())
}

func TestCompilePattern(t *testing.T) {
	m := CompilePattern("comm:idem:c1:*")
	require.True(t, m("comm:idem:c1:abc"))
	require.True(t, m("comm:idem:c1:"))
	require.False(t, m("comm:idem:c10:abc"))

	m = CompilePattern("a.b?")
	require.True(t, m("a.bc"))
	require.False(t, m("axbc"))
}
