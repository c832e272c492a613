package cache

import (
	"context"
	"fmt"
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

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
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

type result struct {
	Code       string  `json:"code"`
	Confidence float64 `json:"confidence"`
}

func TestResultCache_ttl(t *testing.T) {
	clk := newFakeClock()
	c := NewResultCache[result](Opts{Clock: clk.Now})

	c.Set("qr_result_ABC", result{Code: "ABC", Confidence: 0.9}, 300*time.Second)
	v, ok := c.Get("qr_result_ABC")
	require.True(t, ok)
	require.Equal(t, "ABC", v.Code)

	clk.Advance(360 * time.Second)
	_, ok = c.Get("qr_result_ABC")
	require.False(t, ok)
	require.False(t, c.Has("qr_result_ABC"))

	s := c.Stats()
	assert.Equal(t, 0, s.Size, "expired entry must be evicted")
	assert.Equal(t, uint64(1), s.Hits)
	assert.Equal(t, uint64(1), s.Misses)
	assert.Equal(t, uint64(1), s.Expirations)
}

func TestResultCache_ttl_boundary(t *testing.T) {
	clk := newFakeClock()
	c := NewResultCache[int](Opts{Clock: clk.Now})
	c.Set("k", 1, time.Second)

	clk.Advance(time.Second - time.Nanosecond)
	require.True(t, c.Has("k"))
	clk.Advance(time.Nanosecond)
	require.False(t, c.Has("k"))
	require.Equal(t, 0, c.Len())
}

func TestResultCache_defaultTTL(t *testing.T) {
	clk := newFakeClock()
	c := NewResultCache[int](Opts{Clock: clk.Now})
	c.Set("k", 1, 0)

	clk.Advance(DefaultTTL - time.Second)
	_, ok := c.Get("k")
	require.True(t, ok)
	clk.Advance(time.Second)
	_, ok = c.Get("k")
	require.False(t, ok)
}

func TestResultCache_lru(t *testing.T) {
	c := NewResultCache[int](Opts{Size: 100})
	for i := 0; i < 100; i++ {
		c.Set(fmt.Sprintf("k%d", i), i, time.Hour)
	}
	// k0 becomes the most recently used, so k1 is the oldest.
	_, ok := c.Get("k0")
	require.True(t, ok)

	c.Set("k100", 100, time.Hour)
	require.Equal(t, 100, c.Len())
	require.False(t, c.Has("k1"))
	require.True(t, c.Has("k0"))
	require.True(t, c.Has("k2"))
	require.True(t, c.Has("k100"))
	require.Equal(t, uint64(1), c.Stats().Evictions)
}

func TestResultCache_counters(t *testing.T) {
	c := NewResultCache[string](Opts{})
	require.Equal(t, 0.0, c.Stats().HitRate())

	c.Set("a", "1", time.Minute)
	c.Set("b", "2", time.Minute)
	c.Get("a")
	c.Get("a")
	c.Get("a")
	c.Get("missing")

	require.True(t, c.Delete("b"))
	require.False(t, c.Delete("b"))

	s := c.Stats()
	assert.Equal(t, uint64(2), s.Inserts)
	assert.Equal(t, uint64(3), s.Hits)
	assert.Equal(t, uint64(1), s.Misses)
	assert.Equal(t, uint64(1), s.Deletes)
	assert.Equal(t, 1, s.Size)
	assert.InDelta(t, 0.75, s.HitRate(), 1e-9)
}

func TestResultCache_malformedInput(t *testing.T) {
	c := NewResultCache[int](Opts{})
	c.Set("", 1, time.Minute)
	_, ok := c.Get("")
	require.False(t, ok)
	require.False(t, c.Has(""))
	require.False(t, c.Delete(""))
	require.Equal(t, 0, c.Len())
}

func TestResultCache_purge(t *testing.T) {
	clk := newFakeClock()
	c := NewResultCache[int](Opts{Clock: clk.Now})
	c.Set("short", 1, time.Second)
	c.Set("long", 2, time.Hour)
	clk.Advance(time.Minute)

	require.Equal(t, 1, c.Purge())
	require.Equal(t, 1, c.Len())

	c.Clear()
	require.Equal(t, 0, c.Len())
}

type memBackend struct {
	mu      sync.Mutex
	m       map[string][]byte
	expires map[string]time.Time
	gets    int
}

func newMemBackend() *memBackend {
	return &memBackend{m: map[string][]byte{}, expires: map[string]time.Time{}}
}

func (b *memBackend) Get(_ context.Context, key string) ([]byte, time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gets++
	v, ok := b.m[key]
	return v, b.expires[key], ok
}

func (b *memBackend) Store(_ context.Context, key string, v []byte, _, expire time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.m[key] = append([]byte(nil), v...)
	b.expires[key] = expire
}

func (b *memBackend) Delete(_ context.Context, key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.m, key)
}

func (b *memBackend) Len() int     { return len(b.m) }
func (b *memBackend) Close() error { return nil }

func TestResultCache_backend(t *testing.T) {
	clk := newFakeClock()
	be := newMemBackend()

	writer := NewResultCache[result](Opts{Clock: clk.Now, Backend: be})
	writer.Set("qr_result_X", result{Code: "X", Confidence: 0.85}, 5*time.Minute)

	// A second process shares the backend.
	reader := NewResultCache[result](Opts{Clock: clk.Now, Backend: be})
	v, ok := reader.Get("qr_result_X")
	require.True(t, ok)
	require.Equal(t, result{Code: "X", Confidence: 0.85}, v)
	require.True(t, reader.Has("qr_result_X"), "backend hit fills the local tier")

	// The local copy keeps the remaining lifetime only.
	clk.Advance(5 * time.Minute)
	require.False(t, reader.Has("qr_result_X"))
	_, ok = reader.Get("qr_result_X")
	require.False(t, ok)

	writer.Delete("qr_result_X")
	require.Equal(t, 0, be.Len())
}

func TestResultCache_backendCorrupt(t *testing.T) {
	clk := newFakeClock()
	be := newMemBackend()
	be.Store(context.Background(), "k", []byte("{not json"), clk.Now(), clk.Now().Add(time.Minute))

	c := NewResultCache[result](Opts{Clock: clk.Now, Backend: be})
	_, ok := c.Get("k")
	require.False(t, ok)
	require.Equal(t, uint64(1), c.Stats().Errors)
	require.Equal(t, uint64(1), c.Stats().Misses)
}

func TestResultCache_race(t *testing.T) {
	c := NewResultCache[int](Opts{Size: 64})
	wg := sync.WaitGroup{}
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 256; j++ {
				key := fmt.Sprintf("k%d", (i*j)%128)
				c.Set(key, j, time.Minute)
				c.Get(key)
				c.Has(key)
				if j%7 == 0 {
					c.Delete(key)
				}
			}
		}(i)
	}
	wg.Wait()
	require.LessOrEqual(t, c.Len(), 64)
}
