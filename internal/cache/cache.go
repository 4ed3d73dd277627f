// Package cache provides a bounded key→value cache with per-entry TTL,
// LRU eviction, and single-flight computation.
//
// It backs the hot lookup paths of the engine: the matcher keeps question
// embeddings here so repeated scan cycles don't re-embed unchanged markets.
// The cache owns a background sweeper goroutine that prunes expired entries
// on a fixed cadence; callers must Stop() the cache to release it.
package cache

import (
	"container/list"
	"fmt"
	"sync"
	"time"
)

// EvictionReason tells an eviction callback why an entry left the cache.
type EvictionReason string

const (
	EvictExpired  EvictionReason = "expired"
	EvictCapacity EvictionReason = "capacity"
	EvictManual   EvictionReason = "manual"
)

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Size      int
	HitRate   float64 // hits / (hits + misses), 0 when untouched
}

// Options configures a Cache. Capacity is required; the rest have defaults.
type Options[K comparable, V any] struct {
	Capacity      int
	SweepInterval time.Duration              // default 1m; <0 disables the sweeper
	OnEvict       func(K, V, EvictionReason) // optional; panics are swallowed
}

type entry[K comparable, V any] struct {
	key       K
	value     V
	expiresAt time.Time // zero = no expiry
}

func (e *entry[K, V]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// flight is an in-progress GetOrCompute computation. The winning caller
// closes done once val/err are set; everyone else waits on it.
type flight[V any] struct {
	done chan struct{}
	val  V
	err  error
}

// Cache is a concurrency-safe bounded LRU with per-entry TTL.
type Cache[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	items    map[K]*list.Element
	order    *list.List // front = most recently used
	inflight map[K]*flight[V]
	onEvict  func(K, V, EvictionReason)

	hits      uint64
	misses    uint64
	evictions uint64

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a cache and starts its sweeper.
func New[K comparable, V any](opts Options[K, V]) *Cache[K, V] {
	if opts.Capacity <= 0 {
		opts.Capacity = 1024
	}
	sweep := opts.SweepInterval
	if sweep == 0 {
		sweep = time.Minute
	}

	c := &Cache[K, V]{
		capacity: opts.Capacity,
		items:    make(map[K]*list.Element),
		order:    list.New(),
		inflight: make(map[K]*flight[V]),
		onEvict:  opts.OnEvict,
		stopCh:   make(chan struct{}),
	}

	if sweep > 0 {
		go c.sweep(sweep)
	}

	return c
}

// Stop terminates the sweeper goroutine. Safe to call more than once.
func (c *Cache[K, V]) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Get returns the value for key, promoting it to most-recently-used.
// An expired entry is removed and reported as a miss.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		c.mu.Unlock()
		var zero V
		return zero, false
	}

	ent := el.Value.(*entry[K, V])
	if ent.expired(time.Now()) {
		c.misses++
		c.removeLocked(el)
		c.mu.Unlock()
		c.notify(ent, EvictExpired)
		var zero V
		return zero, false
	}

	c.order.MoveToFront(el)
	c.hits++
	val := ent.value
	c.mu.Unlock()
	return val, true
}

// Set stores key→value with the given TTL. ttl <= 0 means no expiry.
// When the cache is full, the least-recently-used entry is evicted first.
func (c *Cache[K, V]) Set(key K, value V, ttl time.Duration) {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	c.mu.Lock()

	if el, ok := c.items[key]; ok {
		ent := el.Value.(*entry[K, V])
		ent.value = value
		ent.expiresAt = expiresAt
		c.order.MoveToFront(el)
		c.mu.Unlock()
		return
	}

	var evicted *entry[K, V]
	if c.order.Len() >= c.capacity {
		if back := c.order.Back(); back != nil {
			evicted = back.Value.(*entry[K, V])
			c.removeLocked(back)
			c.evictions++
		}
	}

	el := c.order.PushFront(&entry[K, V]{key: key, value: value, expiresAt: expiresAt})
	c.items[key] = el
	c.mu.Unlock()

	if evicted != nil {
		c.notify(evicted, EvictCapacity)
	}
}

// GetOrCompute returns the cached value for key, or runs fn to produce it.
// At most one fn runs per key at any time: concurrent callers for the same
// key wait for the winner and receive its result. Errors are not cached.
func (c *Cache[K, V]) GetOrCompute(key K, ttl time.Duration, fn func() (V, error)) (V, error) {
	for {
		if v, ok := c.Get(key); ok {
			return v, nil
		}

		c.mu.Lock()
		if fl, ok := c.inflight[key]; ok {
			c.mu.Unlock()
			<-fl.done
			if fl.err == nil {
				return fl.val, nil
			}
			// The winner failed; loop and race to compute again.
			continue
		}
		fl := &flight[V]{done: make(chan struct{})}
		c.inflight[key] = fl
		c.mu.Unlock()

		fl.val, fl.err = c.compute(fn)
		if fl.err == nil {
			c.Set(key, fl.val, ttl)
		}

		c.mu.Lock()
		delete(c.inflight, key)
		c.mu.Unlock()
		close(fl.done)

		return fl.val, fl.err
	}
}

// compute runs fn, converting a panic into an error so a failed computation
// can't leave waiters blocked.
func (c *Cache[K, V]) compute(fn func() (V, error)) (val V, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cache compute panic: %v", r)
		}
	}()
	return fn()
}

// Has reports whether key is present and unexpired, without promoting it.
func (c *Cache[K, V]) Has(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return false
	}
	return !el.Value.(*entry[K, V]).expired(time.Now())
}

// Delete removes key. Returns true if it was present.
func (c *Cache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	el, ok := c.items[key]
	if !ok {
		c.mu.Unlock()
		return false
	}
	ent := el.Value.(*entry[K, V])
	c.removeLocked(el)
	c.mu.Unlock()

	c.notify(ent, EvictManual)
	return true
}

// Clear removes every entry.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	removed := make([]*entry[K, V], 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		removed = append(removed, el.Value.(*entry[K, V]))
	}
	c.items = make(map[K]*list.Element)
	c.order.Init()
	c.mu.Unlock()

	for _, ent := range removed {
		c.notify(ent, EvictManual)
	}
}

// Prune removes all expired entries and returns how many were dropped.
func (c *Cache[K, V]) Prune() int {
	now := time.Now()

	c.mu.Lock()
	var expired []*entry[K, V]
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		ent := el.Value.(*entry[K, V])
		if ent.expired(now) {
			c.removeLocked(el)
			expired = append(expired, ent)
		}
		el = next
	}
	c.mu.Unlock()

	for _, ent := range expired {
		c.notify(ent, EvictExpired)
	}
	return len(expired)
}

// Stats returns current counters.
func (c *Cache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      c.order.Len(),
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

// Len returns the current number of entries, expired or not.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *Cache[K, V]) removeLocked(el *list.Element) {
	ent := el.Value.(*entry[K, V])
	c.order.Remove(el)
	delete(c.items, ent.key)
}

// notify invokes the eviction callback outside the lock. A panicking
// callback must not corrupt the cache, so it is recovered and dropped.
func (c *Cache[K, V]) notify(ent *entry[K, V], reason EvictionReason) {
	if c.onEvict == nil {
		return
	}
	defer func() { _ = recover() }()
	c.onEvict(ent.key, ent.value, reason)
}

func (c *Cache[K, V]) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.Prune()
		}
	}
}
