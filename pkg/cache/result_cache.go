package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/pmkol/scanx/pkg/lru"
	"github.com/pmkol/scanx/pkg/utils"
)

const defaultBackendTimeout = 50 * time.Millisecond

var nopLogger = zap.NewNop()

type Opts struct {
	// Size is the max number of entries. Default is DefaultSize.
	Size int

	// DefaultTTL is used by Set when no ttl is given. Default is DefaultTTL.
	DefaultTTL time.Duration

	// Backend is an optional second level store. Values are encoded as json.
	Backend Backend

	// BackendTimeout bounds every Backend call. Default is 50ms.
	BackendTimeout time.Duration

	Clock  utils.Clock
	Logger *zap.Logger
}

func (o *Opts) init() {
	utils.SetDefaultNum(&o.Size, DefaultSize)
	utils.SetDefaultNum(&o.DefaultTTL, DefaultTTL)
	utils.SetDefaultNum(&o.BackendTimeout, defaultBackendTimeout)
	if o.Logger == nil {
		o.Logger = nopLogger
	}
}

type entry[V any] struct {
	payload   V
	createdAt time.Time
	ttl       time.Duration
}

func (e *entry[V]) valid(now time.Time) bool {
	return now.Sub(e.createdAt) < e.ttl
}

// Stats is a snapshot of the cache counters.
type Stats struct {
	Hits        uint64 `json:"hits" yaml:"hits"`
	Misses      uint64 `json:"misses" yaml:"misses"`
	Inserts     uint64 `json:"inserts" yaml:"inserts"`
	Deletes     uint64 `json:"deletes" yaml:"deletes"`
	Evictions   uint64 `json:"evictions" yaml:"evictions"`
	Expirations uint64 `json:"expirations" yaml:"expirations"`
	Errors      uint64 `json:"errors" yaml:"errors"`
	Size        int    `json:"size" yaml:"size"`
}

// HitRate is hits / (hits + misses), 0 if nothing was looked up.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// ResultCache is a size bounded LRU with per-entry TTL. Expired entries
// are evicted lazily by the lookup that finds them. Every method is safe
// for concurrent use and never panics; internal failures count as misses.
type ResultCache[V any] struct {
	opts Opts

	mu    sync.Mutex
	lru   *lru.LRU[string, *entry[V]]
	stats Stats
}

func NewResultCache[V any](opts Opts) *ResultCache[V] {
	opts.init()
	c := &ResultCache[V]{opts: opts}
	c.lru = lru.NewLRU[string, *entry[V]](opts.Size, nil)
	return c
}

// Set stores v under key. A non-positive ttl selects the default TTL.
func (c *ResultCache[V]) Set(key string, v V, ttl time.Duration) {
	if len(key) == 0 {
		return
	}
	if ttl <= 0 {
		ttl = c.opts.DefaultTTL
	}
	now := c.opts.Clock.Now()

	c.mu.Lock()
	func() {
		defer c.recoverLocked("set", key)
		c.addLocked(key, &entry[V]{payload: v, createdAt: now, ttl: ttl})
		c.stats.Inserts++
	}()
	c.mu.Unlock()

	if b := c.opts.Backend; b != nil {
		c.storeBackend(b, key, v, now, now.Add(ttl))
	}
}

// Get returns the value stored under key if it has not expired yet.
func (c *ResultCache[V]) Get(key string) (v V, ok bool) {
	if len(key) == 0 {
		return v, false
	}
	now := c.opts.Clock.Now()

	c.mu.Lock()
	func() {
		defer c.recoverLocked("get", key)
		e, found := c.lru.Get(key)
		if !found {
			return
		}
		if !e.valid(now) {
			c.lru.Del(key)
			c.stats.Expirations++
			return
		}
		v, ok = e.payload, true
	}()
	if ok {
		c.stats.Hits++
		c.mu.Unlock()
		return v, true
	}
	c.mu.Unlock()

	if b := c.opts.Backend; b != nil {
		if v, ok = c.getBackend(b, key, now); ok {
			c.mu.Lock()
			c.stats.Hits++
			c.mu.Unlock()
			return v, true
		}
	}

	c.mu.Lock()
	c.stats.Misses++
	c.mu.Unlock()
	return v, false
}

// Has reports whether key holds a live entry. It does not touch recency
// or hit counters, but it does evict an expired entry.
func (c *ResultCache[V]) Has(key string) (ok bool) {
	now := c.opts.Clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.recoverLocked("has", key)

	e, found := c.lru.Peek(key)
	if !found {
		return false
	}
	if !e.valid(now) {
		c.lru.Del(key)
		c.stats.Expirations++
		return false
	}
	return true
}

// Delete removes key. It reports whether a local entry was removed.
func (c *ResultCache[V]) Delete(key string) (removed bool) {
	c.mu.Lock()
	func() {
		defer c.recoverLocked("delete", key)
		removed = c.lru.Del(key)
		if removed {
			c.stats.Deletes++
		}
	}()
	c.mu.Unlock()

	if b := c.opts.Backend; b != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.BackendTimeout)
		b.Delete(ctx, key)
		cancel()
	}
	return removed
}

// Purge removes every expired entry and returns how many were removed.
func (c *ResultCache[V]) Purge() int {
	now := c.opts.Clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.lru.Clean(func(_ string, e *entry[V]) bool { return !e.valid(now) })
	c.stats.Expirations += uint64(n)
	return n
}

// Clear drops every local entry. Counters are kept.
func (c *ResultCache[V]) Clear() {
	c.mu.Lock()
	c.lru.Flush()
	c.mu.Unlock()
}

func (c *ResultCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *ResultCache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = c.lru.Len()
	return s
}

func (c *ResultCache[V]) addLocked(key string, e *entry[V]) {
	if c.lru.Len() >= c.opts.Size {
		if _, ok := c.lru.Peek(key); !ok {
			c.stats.Evictions++
		}
	}
	c.lru.Add(key, e)
}

func (c *ResultCache[V]) recoverLocked(op, key string) {
	if r := recover(); r != nil {
		c.stats.Errors++
		c.opts.Logger.Warn("result cache internal error",
			zap.String("op", op),
			zap.String("key", key),
			zap.Error(fmt.Errorf("%v", r)))
	}
}

func (c *ResultCache[V]) storeBackend(b Backend, key string, v V, storedAt, expire time.Time) {
	raw, err := json.Marshal(v)
	if err != nil {
		c.countError("backend encode", key, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.BackendTimeout)
	defer cancel()
	b.Store(ctx, key, raw, storedAt, expire)
}

func (c *ResultCache[V]) getBackend(b Backend, key string, now time.Time) (v V, ok bool) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.BackendTimeout)
	raw, expire, found := b.Get(ctx, key)
	cancel()
	if !found || !now.Before(expire) {
		return v, false
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		c.countError("backend decode", key, err)
		return v, false
	}

	// Re-populate the local tier for the remaining lifetime.
	c.mu.Lock()
	func() {
		defer c.recoverLocked("backend fill", key)
		c.addLocked(key, &entry[V]{payload: v, createdAt: now, ttl: expire.Sub(now)})
	}()
	c.mu.Unlock()
	return v, true
}

func (c *ResultCache[V]) countError(op, key string, err error) {
	c.mu.Lock()
	c.stats.Errors++
	c.mu.Unlock()
	c.opts.Logger.Warn("result cache backend error", zap.String("op", op), zap.String("key", key), zap.Error(err))
}
