// Package geomcache is a content-addressable store of computed geometry.
// Each record holds the renderable triangle mesh and the kernel solid it
// was produced from, keyed by an opaque geometry id. Memory use is bounded
// by a byte budget with least-recently-used eviction, and idle entries are
// expired by a periodic TTL sweep.
package geomcache

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/chazu/knurl/pkg/kernel"
)

// Defaults for the budget, TTL and sweep period.
const (
	DefaultBudgetBytes   = 100 << 20 // 100 MB
	DefaultTTL           = 60 * time.Minute
	DefaultSweepInterval = 5 * time.Minute
)

// Record is a cached geometry entry. The cache owns the record once
// inserted; callers must not mutate the mesh or solid afterwards.
type Record struct {
	ID           string
	Mesh         *kernel.Mesh
	Solid        kernel.Solid
	SizeBytes    int64
	LastAccessed time.Time
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Entries     int
	TotalBytes  int64
	BudgetBytes int64
	Hits        uint64
	Misses      uint64
	Evictions   uint64
	Expirations uint64
}

// Config holds the fixed configuration of a cache instance. Zero values
// select the package defaults.
type Config struct {
	BudgetBytes int64
	TTL         time.Duration
	Clock       clockwork.Clock
	Logger      *zap.Logger
	Metrics     *Metrics
}

// Cache is a byte-budgeted, TTL-swept geometry store. Each instance owns
// its own state; independent caches never interfere.
type Cache struct {
	budget  int64
	ttl     time.Duration
	clock   clockwork.Clock
	logger  *zap.Logger
	metrics *Metrics

	mu         sync.Mutex
	entries    map[string]*Record
	totalBytes int64

	hits        uint64
	misses      uint64
	evictions   uint64
	expirations uint64
}

// New creates an empty cache.
func New(cfg Config) *Cache {
	if cfg.BudgetBytes <= 0 {
		cfg.BudgetBytes = DefaultBudgetBytes
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Cache{
		budget:  cfg.BudgetBytes,
		ttl:     cfg.TTL,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		entries: make(map[string]*Record),
	}
}

// Put inserts or replaces the record under id. The size estimate comes
// from the mesh element counts. Replacing an entry subtracts its old size
// before adding the new one, so the byte accounting never drifts. Eviction
// runs before Put returns; the budget invariant holds at every return.
func (c *Cache) Put(id string, mesh *kernel.Mesh, solid kernel.Solid) {
	size := mesh.SizeBytes()

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[id]; ok {
		c.totalBytes -= old.SizeBytes
	}
	c.entries[id] = &Record{
		ID:           id,
		Mesh:         mesh,
		Solid:        solid,
		SizeBytes:    size,
		LastAccessed: c.clock.Now(),
	}
	c.totalBytes += size
	c.evictLocked()
	c.publishGauges()
}

// Get returns the record under id, refreshing its last-access time on a
// hit. The boolean reports whether the id was present.
func (c *Cache) Get(id string) (*Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.entries[id]
	if !ok {
		c.misses++
		if c.metrics != nil {
			c.metrics.Misses.Inc()
		}
		return nil, false
	}
	rec.LastAccessed = c.clock.Now()
	c.hits++
	if c.metrics != nil {
		c.metrics.Hits.Inc()
	}
	return rec, true
}

// Remove deletes the entry under id, returning whether it existed.
func (c *Cache) Remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.entries[id]
	if !ok {
		return false
	}
	delete(c.entries, id)
	c.totalBytes -= rec.SizeBytes
	c.publishGauges()
	return true
}

// Clear drops all entries and resets the byte count.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*Record)
	c.totalBytes = 0
	c.publishGauges()
}

// EvictIfOverBudget removes oldest entries until the byte total fits the
// budget, returning how many were evicted.
func (c *Cache) EvictIfOverBudget() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.evictLocked()
	c.publishGauges()
	return n
}

// evictLocked runs the eviction loop. Every iteration removes exactly one
// entry (the globally oldest), so the loop terminates once the cache fits
// the budget or is empty.
func (c *Cache) evictLocked() int {
	evicted := 0
	for c.totalBytes > c.budget && len(c.entries) > 0 {
		var oldest *Record
		for _, rec := range c.entries {
			if oldest == nil || rec.LastAccessed.Before(oldest.LastAccessed) {
				oldest = rec
			}
		}
		delete(c.entries, oldest.ID)
		c.totalBytes -= oldest.SizeBytes
		c.evictions++
		evicted++
		if c.metrics != nil {
			c.metrics.Evictions.Inc()
		}
		c.logger.Debug("evicted geometry over budget",
			zap.String("id", oldest.ID),
			zap.Int64("size_bytes", oldest.SizeBytes),
			zap.Int64("total_bytes", c.totalBytes))
	}
	return evicted
}

// SweepExpired removes every entry idle for longer than the TTL, then runs
// eviction. It returns the number of expired entries.
func (c *Cache) SweepExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	removed := 0
	for id, rec := range c.entries {
		if now.Sub(rec.LastAccessed) > c.ttl {
			delete(c.entries, id)
			c.totalBytes -= rec.SizeBytes
			c.expirations++
			removed++
			if c.metrics != nil {
				c.metrics.Expirations.Inc()
			}
		}
	}
	if removed > 0 {
		c.logger.Debug("swept expired geometry",
			zap.Int("removed", removed),
			zap.Int64("total_bytes", c.totalBytes))
	}
	c.evictLocked()
	c.publishGauges()
	return removed
}

// StartSweeping launches the periodic TTL sweep and returns a stop
// function. The interval defaults to DefaultSweepInterval when zero.
func (c *Cache) StartSweeping(interval time.Duration) (stop func()) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := c.clock.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.Chan():
				c.SweepExpired()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// TotalBytes returns the current byte total.
func (c *Cache) TotalBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalBytes
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:     len(c.entries),
		TotalBytes:  c.totalBytes,
		BudgetBytes: c.budget,
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
	}
}

// publishGauges pushes entry and byte gauges to the metrics sink.
// Callers must hold the mutex.
func (c *Cache) publishGauges() {
	if c.metrics == nil {
		return
	}
	c.metrics.Entries.Set(float64(len(c.entries)))
	c.metrics.ResidentBytes.Set(float64(c.totalBytes))
}
