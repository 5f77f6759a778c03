package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeBackend struct {
	mu      sync.Mutex
	clock   *fakeClock
	items   map[string]entry
	failGet bool
	sets    int
}

func newFakeBackend(clock *fakeClock) *fakeBackend {
	return &fakeBackend{clock: clock, items: make(map[string]entry)}
}

func (b *fakeBackend) Get(_ context.Context, key string) ([]byte, time.Duration, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failGet {
		return nil, 0, false, errors.New("connection refused")
	}
	e, ok := b.items[key]
	if !ok {
		return nil, 0, false, nil
	}
	ttl := e.expires.Sub(b.clock.Now())
	if ttl <= 0 {
		return nil, 0, false, nil
	}
	return e.val, ttl, true, nil
}

func (b *fakeBackend) Set(_ context.Context, key string, val []byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sets++
	b.items[key] = entry{val: val, expires: b.clock.Now().Add(ttl)}
	return nil
}

func newTestCache(t *testing.T, shared Backend, clock *fakeClock) *Cache {
	t.Helper()
	c, err := New(Options{LocalMaxBytes: 1 << 20, Shared: shared})
	require.NoError(t, err)
	c.now = clock.Now
	t.Cleanup(c.Close)
	return c
}

func TestCache_HitBeforeTTLMissAfter(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	c := newTestCache(t, nil, clock)
	ctx := context.Background()

	c.Set("k", []byte(`{"items":[1,2]}`), time.Minute)
	c.Wait()

	got, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, `{"items":[1,2]}`, string(got))

	clock.Advance(time.Minute + time.Millisecond)
	_, ok = c.Get(ctx, "k")
	assert.False(t, ok)
}

func TestCache_WritesBothLevels(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	shared := newFakeBackend(clock)
	c := newTestCache(t, shared, clock)

	c.Set("k", []byte("v"), time.Minute)
	c.Wait()

	shared.mu.Lock()
	defer shared.mu.Unlock()
	assert.Equal(t, 1, shared.sets)
	assert.Contains(t, shared.items, "k")
}

func TestCache_SharedHitBackfillsLocal(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	shared := newFakeBackend(clock)
	require.NoError(t, shared.Set(context.Background(), "k", []byte("from-peer"), 10*time.Second))
	c := newTestCache(t, shared, clock)
	ctx := context.Background()

	got, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "from-peer", string(got))
	c.Wait()

	shared.mu.Lock()
	shared.failGet = true
	shared.mu.Unlock()

	got, ok = c.Get(ctx, "k")
	require.True(t, ok, "second read should be served locally")
	assert.Equal(t, "from-peer", string(got))

	clock.Advance(11 * time.Second)
	_, ok = c.Get(ctx, "k")
	assert.False(t, ok, "backfilled entry keeps the shared TTL")
}

func TestCache_SharedFailureIsAMiss(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	shared := newFakeBackend(clock)
	shared.failGet = true
	c := newTestCache(t, shared, clock)

	_, ok := c.Get(context.Background(), "absent")
	assert.False(t, ok)
}

func TestCache_IgnoresNonPositiveTTL(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	c := newTestCache(t, nil, clock)

	c.Set("k", []byte("v"), 0)
	c.Wait()
	_, ok := c.Get(context.Background(), "k")
	assert.False(t, ok)
}

func TestFingerprint_NormalizesInput(t *testing.T) {
	a := Fingerprint("Find NMAP ", "coder", "10")
	b := Fingerprint("find nmap", "coder", "10")
	c := Fingerprint("find nmap", "planner", "10")
	d := Fingerprint("find", "nmap coder", "10")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, b, d)
	assert.True(t, IsKey(a))
	assert.False(t, IsKey("other:key"))
}

func TestRedisBackend_RoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	cfg := DefaultRedisConfig()
	cfg.DialTimeout = 200 * time.Millisecond
	r, err := NewRedisBackend(ctx, cfg)
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	defer r.Close()

	key := Fingerprint("redis backend test", time.Now().String())
	require.NoError(t, r.Set(ctx, key, []byte("payload"), 5*time.Second))

	val, ttl, found, err := r.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "payload", string(val))
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, 5*time.Second)

	_, _, found, err = r.Get(ctx, Fingerprint("missing", time.Now().String()))
	require.NoError(t, err)
	assert.False(t, found)
}
