package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/appedme/sketchflow-sub001/internal/clock"
	"github.com/appedme/sketchflow-sub001/internal/events"
	"github.com/appedme/sketchflow-sub001/pkg/models"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestCache(t *testing.T) (*Cache, *clock.Fake, *events.Bus) {
	t.Helper()
	clk := clock.NewFake(epoch)
	bus := events.NewBus(zap.NewNop())
	c := New(Options{Clock: clk, Bus: bus, Logger: zap.NewNop()})
	return c, clk, bus
}

func TestCache_PutAndGet(t *testing.T) {
	c, _, _ := newTestCache(t)

	c.Put("doc-1", models.Snapshot("hello world"))

	got, ok := c.Get("doc-1")
	require.True(t, ok)
	assert.Equal(t, "hello world", string(got))
	assert.False(t, c.Dirty("doc-1"), "Put leaves the entry clean")
}

func TestCache_PutPublishesImmediateUpdate(t *testing.T) {
	c, _, bus := newTestCache(t)
	var got []events.CacheUpdated
	events.On(bus, func(e events.CacheUpdated) { got = append(got, e) })

	v1 := c.Put("doc-1", models.Snapshot("a"))
	v2 := c.Put("doc-1", models.Snapshot("b"))

	require.Len(t, got, 2)
	assert.True(t, got[0].Immediate)
	assert.Equal(t, v1, got[0].Version)
	assert.Equal(t, v2, got[1].Version)
}

func TestCache_GetExpired(t *testing.T) {
	c, clk, _ := newTestCache(t)
	c.Put("doc-1", models.Snapshot("x"))

	clk.Advance(DefaultTTL + time.Second)

	_, ok := c.Get("doc-1")
	assert.False(t, ok, "Get returned an expired entry")

	entry, ok := c.Peek("doc-1")
	require.True(t, ok, "Peek still returns the stale entry")
	assert.Equal(t, "x", string(entry.Content))
	// lastAccessed moves even when the read misses
	assert.True(t, entry.LastAccessed.Equal(clk.Now()))
}

func TestCache_GetWithinLongTTL(t *testing.T) {
	c, clk, _ := newTestCache(t)
	c.Put("X", models.Snapshot("workspace"), WithTTL(30*time.Minute))

	clk.Advance(5 * time.Minute)

	got, ok := c.Get("X")
	require.True(t, ok)
	assert.Equal(t, "workspace", string(got))
}

func TestCache_VersionMonotonic(t *testing.T) {
	c, _, _ := newTestCache(t)

	var last int64
	for i := 0; i < 10; i++ {
		var v int64
		if i%2 == 0 {
			v = c.Put("doc-1", models.Snapshot(fmt.Sprint(i)))
		} else {
			v = c.Stage("doc-1", models.Snapshot(fmt.Sprint(i)))
		}
		require.Greater(t, v, last)
		last = v
	}

	// re-creating after a clear must not go backwards
	c.Clear("doc-1")
	assert.Greater(t, c.Put("doc-1", models.Snapshot("again")), last)
}

func TestCache_StageMarksDirtyAndPublishes(t *testing.T) {
	c, _, bus := newTestCache(t)
	changed := 0
	events.On(bus, func(events.ContentChanged) { changed++ })

	c.Stage("canvas-1", models.Snapshot("stroke"))

	assert.True(t, c.Dirty("canvas-1"))
	assert.Equal(t, 1, changed)
}

func TestCache_MarkDirty(t *testing.T) {
	c, _, bus := newTestCache(t)
	changed := 0
	events.On(bus, func(events.ContentChanged) { changed++ })

	assert.ErrorIs(t, c.MarkDirty("missing"), ErrNotCached)

	v := c.Put("doc-1", models.Snapshot("a"))
	require.NoError(t, c.MarkDirty("doc-1"))

	entry, _ := c.Peek("doc-1")
	assert.True(t, entry.Dirty)
	assert.Equal(t, v, entry.Version)
	assert.Equal(t, "a", string(entry.Content))
	assert.Equal(t, 1, changed)
}

func TestCache_MarkCleanRespectsLaterWrites(t *testing.T) {
	c, _, _ := newTestCache(t)
	captured := c.Stage("doc-1", models.Snapshot("first"))
	c.Stage("doc-1", models.Snapshot("second"))

	assert.False(t, c.MarkClean("doc-1", captured, models.Revision{Version: 7}))
	entry, _ := c.Peek("doc-1")
	assert.True(t, entry.Dirty)
	assert.Equal(t, int64(7), entry.Remote.Version)

	assert.True(t, c.MarkClean("doc-1", entry.Version, models.Revision{Version: 8}))
}

func TestCache_EvictsLeastRecentlyAccessed(t *testing.T) {
	c, clk, _ := newTestCache(t)

	for i := 0; i < DefaultMaxEntries; i++ {
		c.Put(fmt.Sprintf("e%02d", i), models.Snapshot("x"))
		clk.Advance(time.Millisecond)
	}
	// touch the oldest so it survives
	c.Get("e00")
	clk.Advance(time.Millisecond)

	c.Put("new", models.Snapshot("x"))

	require.Equal(t, DefaultMaxEntries+1-DefaultEvictBatch, c.Len())
	for _, id := range []string{"e01", "e02", "e03", "e04", "e05"} {
		assert.False(t, c.IsCached(id), id)
	}
	for _, id := range []string{"e00", "e06", "new"} {
		assert.True(t, c.IsCached(id), id)
	}
}

func TestCache_EvictionRespectsDirty(t *testing.T) {
	c, clk, _ := newTestCache(t)

	for i := 0; i < DefaultMaxEntries+5; i++ {
		c.Stage(fmt.Sprintf("e%02d", i), models.Snapshot("unsaved"))
		clk.Advance(time.Millisecond)
	}

	require.Equal(t, DefaultMaxEntries+5, c.Len())
	s := c.Stats()
	assert.Equal(t, DefaultMaxEntries+5, s.Dirty)
	assert.Zero(t, s.Evictions)
}

func TestCache_EvictExpiredSkipsDirty(t *testing.T) {
	c, clk, _ := newTestCache(t)
	c.Put("clean", models.Snapshot("a"))
	c.Stage("dirty", models.Snapshot("b"))

	clk.Advance(DefaultTTL + time.Second)

	assert.Equal(t, 1, c.EvictExpired())
	assert.False(t, c.IsCached("clean"))
	assert.True(t, c.IsCached("dirty"))
}

func TestCache_PinnedEntriesSurviveSweepAndEviction(t *testing.T) {
	c, clk, _ := newTestCache(t)
	c.Pin("open")
	c.Put("open", models.Snapshot("a"), WithRevision(models.Revision{Version: 7}))
	clk.Advance(time.Millisecond)

	for i := 0; i < DefaultMaxEntries; i++ {
		c.Put(fmt.Sprintf("e%02d", i), models.Snapshot("x"))
		clk.Advance(time.Millisecond)
	}
	require.True(t, c.IsCached("open"), "pinned entry was evicted as least recently used")

	clk.Advance(DefaultTTL + time.Second)
	c.EvictExpired()
	entry, ok := c.Peek("open")
	require.True(t, ok, "pinned entry was swept")
	assert.Equal(t, int64(7), entry.Remote.Version)
	// past its TTL the entry still reads as expired
	_, ok = c.Get("open")
	assert.False(t, ok)

	c.Unpin("open")
	assert.False(t, c.IsPinned("open"))
	c.EvictExpired()
	assert.False(t, c.IsCached("open"))
}

func TestCache_PeriodicSweep(t *testing.T) {
	c, clk, _ := newTestCache(t)
	c.Start()
	defer c.Stop()

	c.Put("doc-1", models.Snapshot("a"))

	clk.Advance(DefaultSweepInterval)
	assert.False(t, c.IsCached("doc-1"))

	c.Put("doc-2", models.Snapshot("b"))
	clk.Advance(DefaultSweepInterval)
	assert.False(t, c.IsCached("doc-2"), "sweep keeps running")

	c.Stop()
	assert.Equal(t, 0, clk.Pending())
}

func TestCache_ClearBroadcasts(t *testing.T) {
	c, _, bus := newTestCache(t)
	var cleared []string
	events.On(bus, func(e events.CacheCleared) { cleared = append(cleared, e.ID) })

	c.Put("a", models.Snapshot("1"))
	c.Stage("b", models.Snapshot("2"))

	c.Clear("a")
	assert.False(t, c.IsCached("a"))
	assert.Equal(t, 1, c.ClearAll())
	assert.Equal(t, []string{"a", ""}, cleared)
}

func TestCache_ReturnedContentIsCopy(t *testing.T) {
	c, _, _ := newTestCache(t)
	src := models.Snapshot("abc")
	c.Put("doc-1", src)
	src[0] = 'z'

	got, _ := c.Get("doc-1")
	got[1] = 'z'

	again, _ := c.Get("doc-1")
	assert.Equal(t, "abc", string(again))
}
