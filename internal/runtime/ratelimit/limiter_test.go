package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/bookinggate/internal/runtime/errors"
	loggingpkg "github.com/drblury/bookinggate/internal/runtime/logging"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var userPolicy = Policy{Capacity: 100, Window: time.Minute, BlockDuration: 5 * time.Minute}

type storeFactory struct {
	name string
	new  func(t *testing.T) Store
}

func stores() []storeFactory {
	return []storeFactory{
		{name: "memory", new: func(t *testing.T) Store { return NewMemoryStore() }},
		{name: "redis", new: func(t *testing.T) Store {
			mr := miniredis.RunT(t)
			rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = rdb.Close() })
			return NewRedisStore(rdb, "ratelimit:")
		}},
	}
}

func newLimiter(t *testing.T, store Store, clock *fakeClock, reg prometheus.Registerer) *Limiter {
	t.Helper()
	l, err := New(Config{
		Policies: map[Class]Policy{ClassUser: userPolicy},
		Store:    store,
		Now:      clock.Now,
		Metrics:  reg,
	}, loggingpkg.NewNopServiceLogger())
	require.NoError(t, err)
	return l
}

func TestClassOf(t *testing.T) {
	tests := map[string]Class{
		"user:42":                 ClassUser,
		"service:auth->resources": ClassService,
		"ip:10.0.0.7":             ClassIP,
		"tenant:uni-a":            ClassDefault,
		"anonymous":               ClassDefault,
		"":                        ClassDefault,
	}
	for key, want := range tests {
		t.Run(key, func(t *testing.T) {
			assert.Equal(t, want, ClassOf(key))
		})
	}
	assert.Equal(t, "ip:10.0.0.7", Key(ClassIP, "10.0.0.7"))
}

func TestPolicyValidate(t *testing.T) {
	assert.NoError(t, userPolicy.Validate())
	assert.Error(t, Policy{Window: time.Minute}.Validate())
	assert.Error(t, Policy{Capacity: 10}.Validate())
	assert.Error(t, Policy{Capacity: 10, Window: time.Minute, BlockDuration: -time.Second}.Validate())

	_, err := New(Config{Policies: map[Class]Policy{ClassIP: {Capacity: 0, Window: time.Minute}}}, loggingpkg.NewNopServiceLogger())
	assert.ErrorContains(t, err, `ratelimit policy "ip"`)

	_, err = New(Config{}, nil)
	assert.ErrorIs(t, err, errspkg.ErrLoggerRequired)
}

func TestLimiter(t *testing.T) {
	for _, sf := range stores() {
		t.Run(sf.name, func(t *testing.T) {
			t.Run("capacity plus one is rejected and blocks", func(t *testing.T) {
				clock := newFakeClock()
				l := newLimiter(t, sf.new(t), clock, nil)
				ctx := context.Background()

				for i := 1; i <= 100; i++ {
					require.NoError(t, l.Check(ctx, "user:42"), "request %d", i)
				}

				err := l.Check(ctx, "user:42")
				var limited *errspkg.RateLimitExceededError
				require.ErrorAs(t, err, &limited)
				assert.Equal(t, int64(300), limited.RetryAfterSeconds())
				assert.Equal(t, "user", limited.Class)

				clock.Advance(10 * time.Second)
				err = l.Check(ctx, "user:42")
				require.ErrorAs(t, err, &limited)
				assert.Equal(t, int64(290), limited.RetryAfterSeconds())
			})

			t.Run("block outlives the window", func(t *testing.T) {
				clock := newFakeClock()
				l := newLimiter(t, sf.new(t), clock, nil)
				ctx := context.Background()

				for i := 0; i < 101; i++ {
					_ = l.Check(ctx, "user:7")
				}
				clock.Advance(2 * time.Minute)
				assert.ErrorIs(t, l.Check(ctx, "user:7"), errspkg.ErrRateLimitExceeded)

				clock.Advance(3 * time.Minute)
				assert.NoError(t, l.Check(ctx, "user:7"))

				info, err := l.Info(ctx, "user:7")
				require.NoError(t, err)
				assert.Equal(t, 1, info.Count)
				assert.False(t, info.Blocked)
			})

			t.Run("rejections do not consume budget", func(t *testing.T) {
				clock := newFakeClock()
				l := newLimiter(t, sf.new(t), clock, nil)
				ctx := context.Background()

				for i := 0; i < 101; i++ {
					_ = l.Check(ctx, "user:9")
				}
				before, err := l.Info(ctx, "user:9")
				require.NoError(t, err)
				for i := 0; i < 5; i++ {
					assert.Error(t, l.Check(ctx, "user:9"))
				}
				after, err := l.Info(ctx, "user:9")
				require.NoError(t, err)
				assert.Equal(t, before.Count, after.Count)
			})

			t.Run("window resets the count", func(t *testing.T) {
				clock := newFakeClock()
				l := newLimiter(t, sf.new(t), clock, nil)
				ctx := context.Background()

				for i := 0; i < 100; i++ {
					require.NoError(t, l.Check(ctx, "user:3"))
				}
				clock.Advance(time.Minute)
				require.NoError(t, l.Check(ctx, "user:3"))

				info, err := l.Info(ctx, "user:3")
				require.NoError(t, err)
				assert.Equal(t, 1, info.Count)
				assert.Equal(t, 99, info.Remaining)
				require.NotNil(t, info.ResetAt)
				assert.True(t, info.ResetAt.Equal(clock.Now().Add(time.Minute)))
			})

			t.Run("keys are isolated", func(t *testing.T) {
				clock := newFakeClock()
				l := newLimiter(t, sf.new(t), clock, nil)
				ctx := context.Background()

				for i := 0; i < 101; i++ {
					_ = l.Check(ctx, "user:1")
				}
				assert.NoError(t, l.Check(ctx, "user:2"))
				assert.NoError(t, l.Check(ctx, "ip:10.0.0.1"))
			})

			t.Run("info and reset", func(t *testing.T) {
				clock := newFakeClock()
				l := newLimiter(t, sf.new(t), clock, nil)
				ctx := context.Background()

				info, err := l.Info(ctx, "user:5")
				require.NoError(t, err)
				assert.Equal(t, Info{Key: "user:5", Class: ClassUser, Capacity: 100, Remaining: 100}, info)

				for i := 0; i < 101; i++ {
					_ = l.Check(ctx, "user:5")
				}
				clock.Advance(30 * time.Second)
				info, err = l.Info(ctx, "user:5")
				require.NoError(t, err)
				assert.True(t, info.Blocked)
				assert.Zero(t, info.Remaining)
				assert.Equal(t, int64(270), info.RetryAfter)
				require.NotNil(t, info.BlockedUntil)

				require.NoError(t, l.Reset(ctx, "user:5"))
				assert.NoError(t, l.Check(ctx, "user:5"))
				assert.ErrorIs(t, l.Reset(ctx, ""), errspkg.ErrKeyRequired)
			})

			t.Run("check with explicit policy", func(t *testing.T) {
				clock := newFakeClock()
				l := newLimiter(t, sf.new(t), clock, nil)
				ctx := context.Background()
				tight := Policy{Capacity: 2, Window: time.Second, BlockDuration: 3 * time.Second}

				require.NoError(t, l.CheckWith(ctx, "tenant:uni-a", tight))
				require.NoError(t, l.CheckWith(ctx, "tenant:uni-a", tight))
				err := l.CheckWith(ctx, "tenant:uni-a", tight)
				var limited *errspkg.RateLimitExceededError
				require.ErrorAs(t, err, &limited)
				assert.Equal(t, 3*time.Second, limited.RetryAfter)
				assert.Equal(t, "default", limited.Class)

				assert.Error(t, l.CheckWith(ctx, "tenant:uni-a", Policy{}))
			})
		})
	}
}

func TestHighWaterWarningOncePerWindow(t *testing.T) {
	reg := prometheus.NewRegistry()
	clock := newFakeClock()
	l := newLimiter(t, NewMemoryStore(), clock, reg)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		require.NoError(t, l.Check(ctx, "user:42"))
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(l.metrics.highWaters.WithLabelValues("user")))

	clock.Advance(time.Minute)
	for i := 0; i < 81; i++ {
		require.NoError(t, l.Check(ctx, "user:42"))
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(l.metrics.highWaters.WithLabelValues("user")))
	assert.Equal(t, 181.0, testutil.ToFloat64(l.metrics.decisions.WithLabelValues("user", decisionAllowed)))
}

func TestConcurrentChecksNeverOverAdmit(t *testing.T) {
	clock := newFakeClock()
	l := newLimiter(t, NewMemoryStore(), clock, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 250; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Check(ctx, "user:42") == nil {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, allowed)
}

func TestSweep(t *testing.T) {
	reg := prometheus.NewRegistry()
	clock := newFakeClock()
	store := NewMemoryStore()
	l := newLimiter(t, store, clock, reg)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, l.Check(ctx, fmt.Sprintf("ip:10.0.0.%d", i)))
	}
	for i := 0; i < 101; i++ {
		_ = l.Check(ctx, "user:blocked")
	}
	require.NoError(t, l.Check(ctx, "user:fresh"))
	require.Equal(t, 12, store.Len())

	clock.Advance(30 * time.Second)
	removed, err := l.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)

	clock.Advance(45 * time.Second)
	removed, err = l.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 11, removed)
	assert.Equal(t, 1, store.Len())

	info, err := l.Info(ctx, "user:blocked")
	require.NoError(t, err)
	assert.True(t, info.Blocked)

	clock.Advance(5 * time.Minute)
	removed, err = l.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 12.0, testutil.ToFloat64(l.metrics.sweeps))
}

func TestRedisStoreExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	store := NewRedisStore(rdb, "ratelimit:")
	ctx := context.Background()
	now := time.Now()

	_, err := store.Take(ctx, "user:42", userPolicy, now)
	require.NoError(t, err)
	assert.True(t, mr.Exists("ratelimit:user:42"))
	ttl := mr.TTL("ratelimit:user:42")
	assert.Greater(t, ttl, 59*time.Second)
	assert.LessOrEqual(t, ttl, time.Minute)

	tight := Policy{Capacity: 1, Window: time.Minute, BlockDuration: 10 * time.Minute}
	_, err = store.Take(ctx, "user:43", tight, now)
	require.NoError(t, err)
	decision, err := store.Take(ctx, "user:43", tight, now)
	require.NoError(t, err)
	assert.True(t, decision.Tripped)
	assert.Greater(t, mr.TTL("ratelimit:user:43"), 9*time.Minute)

	mr.FastForward(2 * time.Minute)
	assert.False(t, mr.Exists("ratelimit:user:42"))
	assert.True(t, mr.Exists("ratelimit:user:43"))

	removed, err := store.Sweep(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestRedisStoreErrors(t *testing.T) {
	store := NewRedisStore(nil, "")
	_, err := store.Take(context.Background(), "user:1", userPolicy, time.Now())
	assert.Error(t, err)
	_, _, err = store.Get(context.Background(), "user:1")
	assert.Error(t, err)
	assert.Error(t, store.Delete(context.Background(), "user:1"))
}

func TestStoreOutageAdmits(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	reg := prometheus.NewRegistry()
	l := newLimiter(t, NewRedisStore(rdb, "ratelimit:"), newFakeClock(), reg)
	ctx := context.Background()

	require.NoError(t, l.Check(ctx, "user:7"))
	mr.Close()

	for i := 0; i < 3; i++ {
		assert.NoError(t, l.Check(ctx, "user:7"))
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(l.metrics.decisions.WithLabelValues("user", decisionAllowed)))
	assert.Equal(t, 3.0, testutil.ToFloat64(l.metrics.decisions.WithLabelValues("user", decisionStoreError)))

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, l.Check(canceled, "user:7"), context.Canceled)
}
