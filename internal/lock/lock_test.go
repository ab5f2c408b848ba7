package lock

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

func TestKeys(t *testing.T) {
	email, phone := "a@x.com", "111"

	assert.Equal(t, []string{"email:a@x.com", "phone:111"}, Keys(&email, &phone))
	assert.Equal(t, []string{"phone:111"}, Keys(nil, &phone))
	assert.Empty(t, Keys(nil, nil))
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, normalize([]string{"c", "a", "b", "a", "c"}))
	assert.Empty(t, normalize(nil))
}

func newMiniredisLocker(t *testing.T, opts ...RedisOption) (*miniredis.Miniredis, *Redis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, NewRedis(client, append([]RedisOption{WithRetryDelay(time.Millisecond)}, opts...)...)
}

// exerciseMutualExclusion runs goroutines over overlapping key sets and checks
// that no two holders of a shared key ever overlap.
func exerciseMutualExclusion(t *testing.T, l Locker) {
	t.Helper()
	var (
		inside  atomic.Int32
		maxSeen atomic.Int32
		wg      sync.WaitGroup
	)
	keySets := [][]string{
		{"email:a", "phone:1"},
		{"phone:1", "email:a"},
		{"phone:1"},
		{"email:a", "phone:2"},
	}

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(keys []string) {
			defer wg.Done()
			release, err := l.Acquire(context.Background(), keys...)
			if !assert.NoError(t, err) {
				return
			}
			defer release()
			if contains(keys, "phone:1") {
				n := inside.Add(1)
				for {
					m := maxSeen.Load()
					if n <= m || maxSeen.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				inside.Add(-1)
			}
		}(keySets[i%len(keySets)])
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxSeen.Load())
}

func contains(keys []string, k string) bool {
	for _, key := range keys {
		if key == k {
			return true
		}
	}
	return false
}

func TestLocalMutualExclusion(t *testing.T) {
	l := NewLocal()
	exerciseMutualExclusion(t, l)
	assert.Equal(t, 0, l.held(), "entries are dropped once released")
}

func TestLocalTimeout(t *testing.T) {
	l := NewLocal()
	release, err := l.Acquire(context.Background(), "phone:9")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "phone:9", "email:a")
	assert.ErrorIs(t, err, ErrTimeout)

	// email:a was taken before the wait on phone:9 and must have been released
	r2, err := l.Acquire(context.Background(), "email:a")
	require.NoError(t, err)
	r2()
}

func TestLocalReleaseIsIdempotent(t *testing.T) {
	l := NewLocal()
	release, err := l.Acquire(context.Background(), "email:a")
	require.NoError(t, err)
	release()
	release()

	r2, err := l.Acquire(context.Background(), "email:a")
	require.NoError(t, err)
	r2()
}

func TestRedisMutualExclusion(t *testing.T) {
	_, l := newMiniredisLocker(t)
	exerciseMutualExclusion(t, l)
}

func TestRedisAcquireAndRelease(t *testing.T) {
	mr, l := newMiniredisLocker(t)

	release, err := l.Acquire(context.Background(), "phone:1", "email:a")
	require.NoError(t, err)
	assert.True(t, mr.Exists(keyPrefix+"email:a"))
	assert.True(t, mr.Exists(keyPrefix+"phone:1"))

	release()
	assert.False(t, mr.Exists(keyPrefix+"email:a"))
	assert.False(t, mr.Exists(keyPrefix+"phone:1"))
}

func TestRedisTimeout(t *testing.T) {
	mr, l := newMiniredisLocker(t, WithWait(20*time.Millisecond))
	require.NoError(t, mr.Set(keyPrefix+"email:a", "someone-else"))

	_, err := l.Acquire(context.Background(), "email:a", "phone:1")
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, "someone-else", mustGet(t, mr, keyPrefix+"email:a"))
	assert.False(t, mr.Exists(keyPrefix+"phone:1"))
}

func TestRedisReleaseKeepsForeignLock(t *testing.T) {
	mr, l := newMiniredisLocker(t, WithTTL(time.Second))

	release, err := l.Acquire(context.Background(), "email:a")
	require.NoError(t, err)

	// the lock expired and another holder took it
	mr.FastForward(2 * time.Second)
	require.NoError(t, mr.Set(keyPrefix+"email:a", "other-token"))

	release()
	assert.Equal(t, "other-token", mustGet(t, mr, keyPrefix+"email:a"))
}

func TestRedisLockExpires(t *testing.T) {
	mr, l := newMiniredisLocker(t, WithTTL(time.Second))

	_, err := l.Acquire(context.Background(), "email:a")
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	release, err := l.Acquire(context.Background(), "email:a")
	require.NoError(t, err)
	release()
}

func mustGet(t *testing.T, mr *miniredis.Miniredis, key string) string {
	t.Helper()
	v, err := mr.Get(key)
	require.NoError(t, err)
	return v
}

// held reports the number of keys currently tracked.
func (l *Local) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
