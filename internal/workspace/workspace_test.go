package workspace

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/appedme/sketchflow-sub001/internal/clock"
	"github.com/appedme/sketchflow-sub001/internal/gateway"
	"github.com/appedme/sketchflow-sub001/internal/localstore"
	"github.com/appedme/sketchflow-sub001/pkg/models"
	"github.com/appedme/sketchflow-sub001/pkg/protocol"
)

type env struct {
	clk   *clock.Fake
	gw    *gateway.Memory
	local *localstore.Memory
}

func newEnv() *env {
	clk := clock.NewFake(time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC))
	return &env{clk: clk, gw: gateway.NewMemory(clk), local: localstore.NewMemory()}
}

func (e *env) workspace(t *testing.T) *Workspace {
	t.Helper()
	cfg := DefaultConfig("proj-1")
	cfg.Backoff = 0
	w := New(Options{
		Config:  cfg,
		Gateway: e.gw,
		Local:   e.local,
		Clock:   e.clk,
		Logger:  zap.NewNop(),
	})
	t.Cleanup(w.Wait)
	return w
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestOpenEditAutoSave(t *testing.T) {
	e := newEnv()
	w := e.workspace(t)
	ctx := testCtx(t)

	content, err := w.Open(ctx, "doc-1", models.KindDocument, "Notes")
	require.NoError(t, err)
	assert.Empty(t, content)
	active, ok := w.Session.ActiveFile()
	require.True(t, ok)
	assert.Equal(t, "doc-1", active.ID)
	assert.True(t, w.Saver.Tracked("doc-1"))

	require.NoError(t, w.Edit("doc-1", models.Snapshot("hello")))
	tab, _ := w.Session.Tab("doc-1")
	assert.True(t, tab.IsDirty)

	e.clk.Advance(2 * time.Second)
	w.Wait()

	doc, ok := e.gw.Document("doc-1")
	require.True(t, ok)
	assert.Equal(t, "hello", string(doc.Content))
	tab, _ = w.Session.Tab("doc-1")
	assert.False(t, tab.IsDirty)
	assert.Equal(t, "hello", string(tab.Cached))
}

func TestReadServesCachedCopyWhenGatewayFails(t *testing.T) {
	e := newEnv()
	w := e.workspace(t)
	ctx := testCtx(t)
	e.gw.Set("X", models.KindCanvas, models.Snapshot("open canvas"))
	e.gw.Set("Y", models.KindDocument, models.Snapshot("side doc"))

	_, err := w.Open(ctx, "X", models.KindCanvas, "Board")
	require.NoError(t, err)
	got, err := w.Read(ctx, "Y")
	require.NoError(t, err)
	assert.Equal(t, "side doc", string(got))

	e.clk.Advance(5 * time.Minute)
	e.gw.FailLoads(100)

	// open tabs use the workspace TTL and are still fresh
	got, err = w.Read(ctx, "X")
	require.NoError(t, err)
	assert.Equal(t, "open canvas", string(got))

	// Y is past its hot TTL; the stale copy is served instead of the error
	got, err = w.Read(ctx, "Y")
	require.NoError(t, err)
	assert.Equal(t, "side doc", string(got))

	_, err = w.Read(ctx, "never-seen")
	assert.True(t, gateway.IsTransport(err))
}

func TestReopenWithinGraceReusesMount(t *testing.T) {
	e := newEnv()
	w := e.workspace(t)
	ctx := testCtx(t)
	e.gw.Set("Y", models.KindDocument, models.Snapshot("y"))

	_, err := w.Open(ctx, "Y", models.KindDocument, "Y")
	require.NoError(t, err)
	_, err = w.Open(ctx, "Z", models.KindDocument, "Z")
	require.NoError(t, err)
	loads := len(e.gw.Calls())

	w.CloseFile("Y")
	assert.False(t, w.Session.IsOpen("Y"))
	e.clk.Advance(10 * time.Second)

	require.True(t, w.Select("Y"))
	assert.True(t, w.Session.IsOpen("Y"))
	e.clk.Advance(time.Minute)
	w.Wait()

	assert.True(t, w.Saver.Tracked("Y"), "no teardown after reopen")
	assert.True(t, w.Session.IsMounted("Y"))
	assert.Len(t, e.gw.Calls(), loads, "no cold reload")
}

func TestTeardownFallbackReconciledOnNextOpen(t *testing.T) {
	e := newEnv()
	ctx := testCtx(t)

	w1 := e.workspace(t)
	_, err := w1.Open(ctx, "doc-1", models.KindDocument, "Draft")
	require.NoError(t, err)
	require.NoError(t, w1.Edit("doc-1", models.Snapshot("draft")))
	e.gw.FailSaves(1000)

	w1.CloseFile("doc-1")
	e.clk.Advance(30 * time.Second)
	w1.Wait()

	assert.False(t, w1.Saver.Tracked("doc-1"))
	fe, err := e.local.GetFallback(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "draft", string(fe.Content))

	// restart
	e.gw.FailSaves(0)
	w2 := e.workspace(t)
	content, err := w2.Open(ctx, "doc-1", models.KindDocument, "Draft")
	require.NoError(t, err)
	assert.Equal(t, "draft", string(content))
	tab, _ := w2.Session.Tab("doc-1")
	assert.True(t, tab.IsDirty)

	e.clk.Advance(2 * time.Second)
	w2.Wait()

	doc, ok := e.gw.Document("doc-1")
	require.True(t, ok)
	assert.Equal(t, "draft", string(doc.Content))
	_, err = e.local.GetFallback(ctx, "doc-1")
	assert.ErrorIs(t, err, localstore.ErrNotFound)
}

func TestApplyRemoteChange(t *testing.T) {
	e := newEnv()
	w := e.workspace(t)
	ctx := testCtx(t)
	e.gw.Set("X", models.KindDocument, models.Snapshot("v1"))
	_, err := w.Open(ctx, "X", models.KindDocument, "X")
	require.NoError(t, err)

	assert.False(t, w.ApplyRemoteChange(protocol.ChangeEvent{Type: protocol.EventModify, ID: "X", Version: 1}), "not newer")

	e.gw.Set("X", models.KindDocument, models.Snapshot("v2"))
	assert.True(t, w.ApplyRemoteChange(protocol.ChangeEvent{Type: protocol.EventModify, ID: "X", Version: 2}))
	assert.False(t, w.Cache.IsCached("X"))

	got, err := w.Read(ctx, "X")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(got))

	require.NoError(t, w.Edit("X", models.Snapshot("mine")))
	assert.False(t, w.ApplyRemoteChange(protocol.ChangeEvent{Type: protocol.EventModify, ID: "X", Version: 3}), "dirty entries wait for conflict recovery")
	assert.False(t, w.ApplyRemoteChange(protocol.ChangeEvent{Type: protocol.EventModify, ID: "unknown", Version: 3}))
}

type chanFeed struct {
	evs  chan protocol.ChangeEvent
	errs chan error
}

func (f *chanFeed) Subscribe(ctx context.Context) (<-chan protocol.ChangeEvent, <-chan error) {
	return f.evs, f.errs
}

func TestFollowAppliesFeed(t *testing.T) {
	e := newEnv()
	w := e.workspace(t)
	ctx := testCtx(t)
	e.gw.Set("X", models.KindDocument, models.Snapshot("v1"))
	_, err := w.Read(ctx, "X")
	require.NoError(t, err)

	feed := &chanFeed{evs: make(chan protocol.ChangeEvent), errs: make(chan error)}
	w.Follow(ctx, feed)
	defer w.StopFollowing()

	feed.evs <- protocol.ChangeEvent{Type: protocol.EventDelete, ID: "X"}
	require.Eventually(t, func() bool { return !w.Cache.IsCached("X") }, time.Second, time.Millisecond)
}

func TestShutdownSavesAndRestores(t *testing.T) {
	e := newEnv()
	ctx := testCtx(t)

	w1 := e.workspace(t)
	_, err := w1.Open(ctx, "a", models.KindDocument, "A")
	require.NoError(t, err)
	_, err = w1.Open(ctx, "b", models.KindCanvas, "B")
	require.NoError(t, err)
	require.NoError(t, w1.Edit("a", models.Snapshot("unsaved a")))
	require.True(t, w1.Select("a"))

	require.NoError(t, w1.Shutdown(ctx))
	doc, ok := e.gw.Document("a")
	require.True(t, ok)
	assert.Equal(t, "unsaved a", string(doc.Content))

	w2 := e.workspace(t)
	require.NoError(t, w2.Start(ctx))
	defer w2.Shutdown(ctx)

	tabs := w2.Session.OpenFiles()
	require.Len(t, tabs, 2)
	assert.Equal(t, "a", tabs[0].ID)
	assert.Equal(t, "b", tabs[1].ID)
	assert.False(t, tabs[0].IsDirty)
	active, ok := w2.Session.ActiveFile()
	require.True(t, ok)
	assert.Equal(t, "a", active.ID)
	assert.True(t, w2.Saver.Tracked("b"))
}

func TestPushFallback(t *testing.T) {
	e := newEnv()
	w := e.workspace(t)
	ctx := testCtx(t)

	now := e.clk.Now()
	require.NoError(t, e.local.PutFallback(ctx, models.FallbackEntry{EntityID: "p", Kind: models.KindDocument, Content: models.Snapshot("p1"), SavedAt: now}))
	require.NoError(t, e.local.PutFallback(ctx, models.FallbackEntry{EntityID: "q", Kind: models.KindCanvas, Content: models.Snapshot("q1"), SavedAt: now.Add(time.Second)}))

	n, err := w.PushFallback(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	left, err := e.local.ListFallback(ctx)
	require.NoError(t, err)
	assert.Empty(t, left)
	doc, _ := e.gw.Document("q")
	assert.Equal(t, "q1", string(doc.Content))
}

func TestEditAfterIdleSweepKeepsEdit(t *testing.T) {
	e := newEnv()
	w := e.workspace(t)
	ctx := testCtx(t)
	e.gw.Set("doc-1", models.KindDocument, models.Snapshot("v1"))
	require.NoError(t, w.Start(ctx))
	defer w.Shutdown(ctx)

	_, err := w.Open(ctx, "doc-1", models.KindDocument, "Notes")
	require.NoError(t, err)

	// past the workspace TTL, with several sweeps in between
	e.clk.Advance(31 * time.Minute)
	assert.True(t, w.Cache.IsCached("doc-1"), "open tab survives the sweep")

	require.NoError(t, w.Edit("doc-1", models.Snapshot("user edit")))
	e.clk.Advance(3 * time.Second)
	w.Wait()

	doc, ok := e.gw.Document("doc-1")
	require.True(t, ok)
	assert.Equal(t, "user edit", string(doc.Content))
	saves := e.gw.Saves("doc-1")
	require.Len(t, saves, 1)
	assert.Equal(t, int64(1), saves[0].Precondition.Version)
	assert.False(t, w.Cache.Dirty("doc-1"))
}

func TestClosedTabIsUnpinnedAfterTeardown(t *testing.T) {
	e := newEnv()
	w := e.workspace(t)
	ctx := testCtx(t)

	_, err := w.Open(ctx, "doc-1", models.KindDocument, "Notes")
	require.NoError(t, err)
	assert.True(t, w.Cache.IsPinned("doc-1"))

	w.CloseFile("doc-1")
	e.clk.Advance(time.Minute)
	w.Wait()
	assert.False(t, w.Cache.IsPinned("doc-1"))
}

func TestEditRestoresRevisionOfDroppedEntry(t *testing.T) {
	e := newEnv()
	w := e.workspace(t)
	ctx := testCtx(t)
	e.gw.Set("doc-1", models.KindDocument, models.Snapshot("v1"))

	_, err := w.Open(ctx, "doc-1", models.KindDocument, "Notes")
	require.NoError(t, err)
	e.gw.Set("doc-1", models.KindDocument, models.Snapshot("v2"))
	w.Cache.Clear("doc-1")

	require.NoError(t, w.Edit("doc-1", models.Snapshot("mine")))
	e.clk.Advance(2 * time.Second)
	w.Wait()

	doc, _ := e.gw.Document("doc-1")
	assert.Equal(t, "mine", string(doc.Content))
	saves := e.gw.Saves("doc-1")
	require.Len(t, saves, 1)
	assert.Equal(t, int64(2), saves[0].Precondition.Version)
}

func TestPushFallbackStaleBaseDrainsRecord(t *testing.T) {
	e := newEnv()
	w := e.workspace(t)
	ctx := testCtx(t)
	e.gw.Set("doc-1", models.KindDocument, models.Snapshot("v1"))
	e.gw.Set("doc-1", models.KindDocument, models.Snapshot("v2"))
	require.NoError(t, e.local.PutFallback(ctx, models.FallbackEntry{
		EntityID: "doc-1",
		Kind:     models.KindDocument,
		Content:  models.Snapshot("parked"),
		SavedAt:  e.clk.Now(),
		Base:     models.Revision{Version: 1},
	}))

	n, err := w.PushFallback(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	left, err := e.local.ListFallback(ctx)
	require.NoError(t, err)
	assert.Empty(t, left, "conflicted record is dropped once the canonical copy is reloaded")
	doc, _ := e.gw.Document("doc-1")
	assert.Equal(t, "v2", string(doc.Content))
	got, _ := w.Cache.Peek("doc-1")
	assert.Equal(t, "v2", string(got.Content))

	n, err = w.PushFallback(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, e.gw.Saves("doc-1"), 1, "no second save")
}

func TestOpenStaleFallbackDropsRecordAfterConflict(t *testing.T) {
	e := newEnv()
	w := e.workspace(t)
	ctx := testCtx(t)
	e.gw.Set("doc-1", models.KindDocument, models.Snapshot("v1"))
	e.gw.Set("doc-1", models.KindDocument, models.Snapshot("v2"))
	require.NoError(t, e.local.PutFallback(ctx, models.FallbackEntry{
		EntityID: "doc-1",
		Kind:     models.KindDocument,
		Content:  models.Snapshot("parked"),
		SavedAt:  e.clk.Now(),
		Base:     models.Revision{Version: 1},
	}))

	content, err := w.Open(ctx, "doc-1", models.KindDocument, "Notes")
	require.NoError(t, err)
	assert.Equal(t, "parked", string(content))

	e.clk.Advance(2 * time.Second)
	w.Wait()

	_, err = e.local.GetFallback(ctx, "doc-1")
	assert.ErrorIs(t, err, localstore.ErrNotFound)
	tab, _ := w.Session.Tab("doc-1")
	assert.False(t, tab.IsDirty)
	got, _ := w.Cache.Peek("doc-1")
	assert.Equal(t, "v2", string(got.Content))
}
