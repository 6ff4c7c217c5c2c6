package cache

import (
	"container/list"
	"strings"
	"sync"
	"time"

	"github.com/kjstillabower/krishi-advisor-service/internal/observability"
)

// Default capacities and sweep intervals for the two process caches.
const (
	WeatherCapacity      = 500
	WeatherSweepInterval = 10 * time.Minute
	ContextCapacity      = 1000
	ContextSweepInterval = 5 * time.Minute
)

// Options configures a TTLCache.
type Options struct {
	// Name labels metrics and stats ("weather", "context").
	Name string
	// Capacity bounds the entry count. Values <= 0 mean unbounded.
	Capacity int
	// SweepInterval is how often expired entries are reclaimed. 0 disables the sweep.
	SweepInterval time.Duration
	// Normalize maps caller keys to stored keys. nil stores keys verbatim.
	Normalize func(string) string
	// Now overrides the clock. For tests.
	Now func() time.Time
}

// Stats is a point-in-time view of cache counters.
type Stats struct {
	Name      string  `json:"name"`
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Sets      uint64  `json:"sets"`
	Evictions uint64  `json:"evictions"`
	Size      int     `json:"size"`
	Capacity  int     `json:"capacity"`
	HitRate   float64 `json:"hitRate"` // percent; 0 when there have been no lookups
}

type entry[V any] struct {
	key            string
	data           V
	expiresAt      time.Time
	lastAccessedAt time.Time
}

// TTLCache is a bounded, expiring key-value store safe for concurrent use.
//
// Entries expire lazily on Get and are also reclaimed by a background sweep.
// When a new key is inserted at capacity the oldest-inserted entry is evicted;
// reads do not change eviction order, so this is FIFO rather than LRU.
type TTLCache[V any] struct {
	name      string
	capacity  int
	normalize func(string) string
	now       func() time.Time

	mu        sync.Mutex
	entries   map[string]*list.Element // values are *entry[V]
	order     *list.List               // front = oldest insertion
	hits      uint64
	misses    uint64
	sets      uint64
	evictions uint64

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a TTLCache and starts its sweep goroutine when SweepInterval > 0.
// Call Close to stop the sweep.
func New[V any](opts Options) *TTLCache[V] {
	c := &TTLCache[V]{
		name:      opts.Name,
		capacity:  opts.Capacity,
		normalize: opts.Normalize,
		now:       opts.Now,
		entries:   make(map[string]*list.Element),
		order:     list.New(),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.name == "" {
		c.name = "default"
	}
	if opts.SweepInterval > 0 {
		go c.sweepLoop(opts.SweepInterval)
	} else {
		close(c.done)
	}
	return c
}

// NewWeatherCache returns the weather reading cache: 500 entries, location-normalized keys.
func NewWeatherCache[V any](sweepInterval time.Duration) *TTLCache[V] {
	return New[V](Options{
		Name:          "weather",
		Capacity:      WeatherCapacity,
		SweepInterval: sweepInterval,
		Normalize:     NormalizeLocation,
	})
}

// NewContextCache returns the context facet cache: 1000 entries, verbatim keys.
func NewContextCache[V any](sweepInterval time.Duration) *TTLCache[V] {
	return New[V](Options{
		Name:          "context",
		Capacity:      ContextCapacity,
		SweepInterval: sweepInterval,
	})
}

// NormalizeLocation lower-cases and trims a location and joins its words with "_",
// so "New Delhi", "new delhi" and " New   Delhi " share one key.
func NormalizeLocation(location string) string {
	return strings.Join(strings.Fields(strings.ToLower(location)), "_")
}

func (c *TTLCache[V]) key(k string) string {
	if c.normalize == nil {
		return k
	}
	return c.normalize(k)
}

// Set stores data under key for ttl, replacing any existing entry.
// Inserting a new key at capacity evicts the oldest-inserted entry first.
func (c *TTLCache[V]) Set(key string, data V, ttl time.Duration) {
	k := c.key(key)
	now := c.now()

	c.mu.Lock()
	if el, ok := c.entries[k]; ok {
		e := el.Value.(*entry[V])
		e.data = data
		e.expiresAt = now.Add(ttl)
		e.lastAccessedAt = now
	} else {
		if c.capacity > 0 && len(c.entries) >= c.capacity {
			c.evictOldestLocked()
		}
		el := c.order.PushBack(&entry[V]{key: k, data: data, expiresAt: now.Add(ttl), lastAccessedAt: now})
		c.entries[k] = el
	}
	c.sets++
	c.mu.Unlock()

	observability.CacheSetsTotal.WithLabelValues(c.name).Inc()
}

// Get returns the data for key when present and unexpired.
// An expired entry is deleted and counted as a miss.
func (c *TTLCache[V]) Get(key string) (V, bool) {
	var zero V
	k := c.key(key)
	now := c.now()

	c.mu.Lock()
	el, ok := c.entries[k]
	if !ok {
		c.misses++
		c.mu.Unlock()
		observability.CacheMissesTotal.WithLabelValues(c.name).Inc()
		return zero, false
	}
	e := el.Value.(*entry[V])
	if !now.Before(e.expiresAt) {
		c.removeLocked(el)
		c.misses++
		c.mu.Unlock()
		observability.CacheMissesTotal.WithLabelValues(c.name).Inc()
		return zero, false
	}
	e.lastAccessedAt = now
	c.hits++
	data := e.data
	c.mu.Unlock()

	observability.CacheHitsTotal.WithLabelValues(c.name).Inc()
	return data, true
}

// Delete removes key if present.
func (c *TTLCache[V]) Delete(key string) {
	k := c.key(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[k]; ok {
		c.removeLocked(el)
	}
}

// DeletePrefix removes every entry whose stored key starts with prefix. Returns the count removed.
func (c *TTLCache[V]) DeletePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if strings.HasPrefix(el.Value.(*entry[V]).key, prefix) {
			c.removeLocked(el)
			n++
		}
		el = next
	}
	return n
}

// Cleanup deletes every expired entry and returns how many were removed.
func (c *TTLCache[V]) Cleanup() int {
	now := c.now()
	c.mu.Lock()
	n := 0
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if !now.Before(el.Value.(*entry[V]).expiresAt) {
			c.removeLocked(el)
			n++
		}
		el = next
	}
	c.mu.Unlock()

	if n > 0 {
		observability.CacheSweepRemovedTotal.WithLabelValues(c.name).Add(float64(n))
	}
	return n
}

// Stats returns the current counters.
func (c *TTLCache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Name:      c.name,
		Hits:      c.hits,
		Misses:    c.misses,
		Sets:      c.sets,
		Evictions: c.evictions,
		Size:      len(c.entries),
		Capacity:  c.capacity,
	}
	if lookups := c.hits + c.misses; lookups > 0 {
		s.HitRate = float64(c.hits) / float64(lookups) * 100
	}
	return s
}

// Len returns the number of stored entries, expired or not.
func (c *TTLCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear empties the cache and resets all counters.
func (c *TTLCache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.order.Init()
	c.hits, c.misses, c.sets, c.evictions = 0, 0, 0, 0
}

// Close stops the background sweep and waits for it to exit. Safe to call more than once.
func (c *TTLCache[V]) Close() error {
	c.closeOnce.Do(func() { close(c.stop) })
	<-c.done
	return nil
}

func (c *TTLCache[V]) sweepLoop(interval time.Duration) {
	defer close(c.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.Cleanup()
		}
	}
}

func (c *TTLCache[V]) evictOldestLocked() {
	el := c.order.Front()
	if el == nil {
		return
	}
	c.removeLocked(el)
	c.evictions++
	observability.CacheEvictionsTotal.WithLabelValues(c.name).Inc()
}

func (c *TTLCache[V]) removeLocked(el *list.Element) {
	c.order.Remove(el)
	delete(c.entries, el.Value.(*entry[V]).key)
}
