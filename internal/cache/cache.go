// Package cache provides the client-side snapshot cache.
package cache

import (
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/appedme/sketchflow-sub001/internal/clock"
	"github.com/appedme/sketchflow-sub001/internal/events"
	"github.com/appedme/sketchflow-sub001/internal/logging"
	"github.com/appedme/sketchflow-sub001/internal/metrics"
	"github.com/appedme/sketchflow-sub001/pkg/models"
)

// ErrNotCached is returned by operations that require an existing entry.
var ErrNotCached = errors.New("entity not cached")

const (
	DefaultMaxEntries    = 20
	DefaultEvictBatch    = 5
	DefaultTTL           = 10 * time.Second
	DefaultSweepInterval = 60 * time.Second
)

// Options configures a Cache. Zero values take the package defaults.
type Options struct {
	MaxEntries    int
	EvictBatch    int
	DefaultTTL    time.Duration
	SweepInterval time.Duration

	Clock  clock.Clock
	Bus    *events.Bus
	Logger *zap.Logger
}

// Stats is a point-in-time summary of the cache.
type Stats struct {
	Entries   int
	Dirty     int
	Hits      int64
	Misses    int64
	Evictions int64
}

// Cache holds the last known snapshot of each entity. Dirty and pinned
// entries are never removed by TTL expiry or LRU eviction; only Clear drops
// them.
type Cache struct {
	opts   Options
	clock  clock.Clock
	bus    *events.Bus
	logger *zap.Logger

	mu        sync.Mutex
	entries   map[string]*models.CacheEntry
	pins      map[string]struct{}
	seq       int64 // cache-wide version counter
	hits      int64
	misses    int64
	evictions int64

	sweepMu sync.Mutex
	sweep   clock.Timer
	running bool
}

// New creates an empty cache.
func New(opts Options) *Cache {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.EvictBatch <= 0 {
		opts.EvictBatch = DefaultEvictBatch
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultTTL
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Bus == nil {
		opts.Bus = events.NewBus(opts.Logger)
	}
	return &Cache{
		opts:    opts,
		clock:   opts.Clock,
		bus:     opts.Bus,
		logger:  logging.Named(opts.Logger, "cache"),
		entries: make(map[string]*models.CacheEntry),
		pins:    make(map[string]struct{}),
	}
}

// PutOption customizes a Put.
type PutOption func(*putOptions)

type putOptions struct {
	ttl      time.Duration
	revision *models.Revision
}

// WithTTL overrides the default TTL for the written entry.
func WithTTL(ttl time.Duration) PutOption {
	return func(o *putOptions) { o.ttl = ttl }
}

// WithRevision records the remote revision the content corresponds to.
func WithRevision(rev models.Revision) PutOption {
	return func(o *putOptions) { o.revision = &rev }
}

// Get returns the cached snapshot if present and not expired. Any present
// entry has its access time refreshed, expired or not.
func (c *Cache) Get(id string) (models.Snapshot, bool) {
	entry, ok := c.Lookup(id)
	if !ok {
		return nil, false
	}
	return entry.Content, true
}

// Lookup is Get returning the whole entry.
func (c *Cache) Lookup(id string) (models.CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	entry, ok := c.entries[id]
	if !ok {
		c.misses++
		metrics.RecordCacheLookup(false)
		return models.CacheEntry{}, false
	}
	entry.LastAccessed = now
	if entry.Expired(now) {
		c.misses++
		metrics.RecordCacheLookup(false)
		return models.CacheEntry{}, false
	}
	c.hits++
	metrics.RecordCacheLookup(true)
	return entry.Clone(), true
}

// Peek returns the entry regardless of TTL without touching its access time.
// It serves error-path reads and save capture.
func (c *Cache) Peek(id string) (models.CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[id]
	if !ok {
		return models.CacheEntry{}, false
	}
	return entry.Clone(), true
}

// Put stores content confirmed by the remote store. It bumps the version,
// resets cachedAt, clears dirty and publishes an immediate cache-updated.
func (c *Cache) Put(id string, content models.Snapshot, opts ...PutOption) int64 {
	var po putOptions
	for _, o := range opts {
		o(&po)
	}

	c.mu.Lock()
	entry := c.write(id, content)
	entry.Dirty = false
	if po.ttl > 0 {
		entry.TTL = po.ttl
	}
	if po.revision != nil {
		entry.Remote = *po.revision
	}
	version := entry.Version
	c.evictLocked(id)
	c.updateGauges()
	c.mu.Unlock()

	c.bus.Publish(events.CacheUpdated{ID: id, Version: version, Immediate: true})
	return version
}

// Stage stores a local edit. The entry is created if missing, its version
// bumped and marked dirty, then content-changed is published.
func (c *Cache) Stage(id string, content models.Snapshot) int64 {
	c.mu.Lock()
	entry := c.write(id, content)
	entry.Dirty = true
	version := entry.Version
	c.evictLocked(id)
	c.updateGauges()
	c.mu.Unlock()

	c.bus.Publish(events.ContentChanged{ID: id})
	return version
}

// write replaces the content of id, creating the entry if needed.
// Must be called with lock held.
func (c *Cache) write(id string, content models.Snapshot) *models.CacheEntry {
	now := c.clock.Now()
	entry, ok := c.entries[id]
	if !ok {
		entry = &models.CacheEntry{EntityID: id, TTL: c.opts.DefaultTTL}
		c.entries[id] = entry
	}
	c.seq++
	entry.Version = c.seq
	entry.Content = content.Clone()
	entry.CachedAt = now
	entry.LastAccessed = now
	return entry
}

// MarkDirty flags an entry as having unsaved edits without changing its
// content.
func (c *Cache) MarkDirty(id string) error {
	c.mu.Lock()
	entry, ok := c.entries[id]
	if !ok {
		c.mu.Unlock()
		return ErrNotCached
	}
	entry.Dirty = true
	c.updateGauges()
	c.mu.Unlock()

	c.bus.Publish(events.ContentChanged{ID: id})
	return nil
}

// MarkClean records a confirmed save of the content captured at version.
// The remote revision is always recorded; dirty is cleared only when no
// local write happened since capture. It reports whether the entry is clean.
func (c *Cache) MarkClean(id string, version int64, rev models.Revision) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[id]
	if !ok {
		return false
	}
	entry.Remote = rev
	if entry.Version == version {
		entry.Dirty = false
		c.updateGauges()
	}
	return !entry.Dirty
}

// SetRevision records the authoritative remote revision for id.
func (c *Cache) SetRevision(id string, rev models.Revision) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[id]
	if !ok {
		return ErrNotCached
	}
	entry.Remote = rev
	return nil
}

// Dirty reports whether id has unsaved local content.
func (c *Cache) Dirty(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[id]
	return ok && entry.Dirty
}

// Pin keeps id out of TTL sweeps and LRU eviction until Unpin. The pin
// holds whether or not id is currently cached.
func (c *Cache) Pin(id string) {
	c.mu.Lock()
	c.pins[id] = struct{}{}
	c.mu.Unlock()
}

// Unpin makes id evictable again.
func (c *Cache) Unpin(id string) {
	c.mu.Lock()
	delete(c.pins, id)
	c.mu.Unlock()
}

// IsPinned reports whether id is pinned.
func (c *Cache) IsPinned(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pins[id]
	return ok
}

// Must be called with lock held.
func (c *Cache) evictableLocked(id string, entry *models.CacheEntry) bool {
	if entry.Dirty {
		return false
	}
	_, pinned := c.pins[id]
	return !pinned
}

// IsCached reports whether id has an entry, expired or not.
func (c *Cache) IsCached(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[id]
	return ok
}

// Clear removes one entry, dirty or not, and broadcasts cache-cleared.
func (c *Cache) Clear(id string) {
	c.mu.Lock()
	delete(c.entries, id)
	c.updateGauges()
	c.mu.Unlock()

	c.bus.Publish(events.CacheCleared{ID: id})
}

// ClearAll removes every entry and returns how many were dropped.
func (c *Cache) ClearAll() int {
	c.mu.Lock()
	n := len(c.entries)
	c.entries = make(map[string]*models.CacheEntry)
	c.updateGauges()
	c.mu.Unlock()

	c.bus.Publish(events.CacheCleared{})
	return n
}

// EvictExpired removes clean, unpinned entries older than their TTL.
func (c *Cache) EvictExpired() int {
	c.mu.Lock()
	now := c.clock.Now()
	removed := 0
	for id, entry := range c.entries {
		if !c.evictableLocked(id, entry) || !entry.Expired(now) {
			continue
		}
		delete(c.entries, id)
		removed++
	}
	c.evictions += int64(removed)
	c.updateGauges()
	c.mu.Unlock()

	if removed > 0 {
		metrics.RecordEviction("ttl", removed)
		c.logger.Debug("expired entries swept", zap.Int("removed", removed))
	}
	return removed
}

// evictLocked removes a batch of least-recently-accessed clean, unpinned
// entries when the cache is over capacity. keep is never chosen. If no
// candidate is left the cap is exceeded rather than losing data.
// Must be called with lock held.
func (c *Cache) evictLocked(keep string) {
	if len(c.entries) <= c.opts.MaxEntries {
		return
	}

	candidates := make([]*models.CacheEntry, 0, len(c.entries))
	for id, entry := range c.entries {
		if id == keep || !c.evictableLocked(id, entry) {
			continue
		}
		candidates = append(candidates, entry)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].LastAccessed.Equal(candidates[j].LastAccessed) {
			return candidates[i].Version < candidates[j].Version
		}
		return candidates[i].LastAccessed.Before(candidates[j].LastAccessed)
	})

	n := c.opts.EvictBatch
	if n > len(candidates) {
		n = len(candidates)
	}
	for _, entry := range candidates[:n] {
		delete(c.entries, entry.EntityID)
	}
	c.evictions += int64(n)

	metrics.RecordEviction("lru", n)
	if n > 0 {
		c.logger.Debug("evicted least recently used entries",
			zap.Int("evicted", n), zap.Int("remaining", len(c.entries)))
	} else {
		c.logger.Debug("cache over capacity with no evictable entries",
			zap.Int("entries", len(c.entries)))
	}
}

// Must be called with lock held.
func (c *Cache) updateGauges() {
	dirty := 0
	for _, entry := range c.entries {
		if entry.Dirty {
			dirty++
		}
	}
	metrics.SetCacheSize(len(c.entries), dirty)
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns cache statistics.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Entries:   len(c.entries),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
	for _, entry := range c.entries {
		if entry.Dirty {
			s.Dirty++
		}
	}
	return s
}

// Entries returns copies of all entries ordered by entity id.
func (c *Cache) Entries() []models.CacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.CacheEntry, 0, len(c.entries))
	for _, entry := range c.entries {
		out = append(out, entry.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// Bus returns the bus the cache publishes on.
func (c *Cache) Bus() *events.Bus {
	return c.bus
}

// Start begins the periodic TTL sweep.
func (c *Cache) Start() {
	c.sweepMu.Lock()
	defer c.sweepMu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.sweep = c.clock.AfterFunc(c.opts.SweepInterval, c.tick)
}

func (c *Cache) tick() {
	c.EvictExpired()

	c.sweepMu.Lock()
	defer c.sweepMu.Unlock()
	if c.running {
		c.sweep = c.clock.AfterFunc(c.opts.SweepInterval, c.tick)
	}
}

// Stop ends the periodic sweep.
func (c *Cache) Stop() {
	c.sweepMu.Lock()
	defer c.sweepMu.Unlock()
	c.running = false
	if c.sweep != nil {
		c.sweep.Stop()
		c.sweep = nil
	}
}
