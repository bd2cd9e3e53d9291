package syncer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/appedme/sketchflow-sub001/internal/cache"
	"github.com/appedme/sketchflow-sub001/internal/clock"
	"github.com/appedme/sketchflow-sub001/internal/events"
	"github.com/appedme/sketchflow-sub001/internal/gateway"
	"github.com/appedme/sketchflow-sub001/pkg/models"
)

type fixture struct {
	p     *Protocol
	c     *cache.Cache
	gw    *gateway.Memory
	clk   *clock.Fake
	saved []events.EntitySaved
}

func newFixture(t *testing.T, backoff time.Duration) *fixture {
	t.Helper()
	clk := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	bus := events.NewBus(zap.NewNop())
	f := &fixture{
		clk: clk,
		gw:  gateway.NewMemory(clk),
		c:   cache.New(cache.Options{Clock: clk, Bus: bus, Logger: zap.NewNop()}),
	}
	events.On(bus, func(e events.EntitySaved) { f.saved = append(f.saved, e) })
	f.p = New(Options{
		Gateway: f.gw,
		Cache:   f.c,
		Clock:   clk,
		Backoff: backoff,
		Logger:  zap.NewNop(),
	})
	return f
}

func TestPrepare_SkipsCleanAndMissing(t *testing.T) {
	f := newFixture(t, 0)

	_, ok := f.p.Prepare("missing", KindAuto)
	assert.False(t, ok)

	f.c.Put("clean", models.Snapshot("x"))
	_, ok = f.p.Prepare("clean", KindAuto)
	assert.False(t, ok)

	v := f.c.Stage("dirty", models.Snapshot("y"))
	a, ok := f.p.Prepare("dirty", KindManual)
	require.True(t, ok)
	assert.Equal(t, v, a.Version())
	assert.Equal(t, StatusPending, a.Status)
	assert.NotEmpty(t, a.ID)
}

func TestSave_SuccessReconcilesWithGatewayRevision(t *testing.T) {
	f := newFixture(t, 0)
	f.gw.Set("doc-1", models.KindDocument, models.Snapshot("remote v1"))
	f.gw.Set("doc-1", models.KindDocument, models.Snapshot("remote v2"))
	f.c.Put("doc-1", models.Snapshot("remote v2"), cache.WithRevision(models.Revision{Version: 2}))

	f.c.Stage("doc-1", models.Snapshot("local"))
	a, _ := f.p.Prepare("doc-1", KindAuto)
	res := f.p.Save(context.Background(), a)

	require.Equal(t, StatusSucceeded, res.Status, "%v", res.Err)
	assert.Equal(t, int64(3), res.Revision.Version)
	assert.False(t, res.Dirty)

	entry, _ := f.c.Peek("doc-1")
	assert.False(t, entry.Dirty)
	assert.Equal(t, int64(3), entry.Remote.Version)
	require.Len(t, f.saved, 1)
	assert.Equal(t, "doc-1", f.saved[0].ID)
}

func TestSave_EditDuringFlightStaysDirty(t *testing.T) {
	f := newFixture(t, 0)
	f.c.Stage("doc-1", models.Snapshot("first"))
	a, _ := f.p.Prepare("doc-1", KindAuto)

	f.c.Stage("doc-1", models.Snapshot("second"))
	res := f.p.Save(context.Background(), a)

	require.Equal(t, StatusSucceeded, res.Status)
	assert.True(t, res.Dirty)
	entry, _ := f.c.Peek("doc-1")
	assert.Equal(t, "second", string(entry.Content))
	assert.Equal(t, int64(1), entry.Remote.Version, "next save must use the new precondition")
}

func TestSave_TransportRetriesThenFails(t *testing.T) {
	f := newFixture(t, 0)
	f.gw.FailSaves(10)
	f.c.Stage("doc-1", models.Snapshot("unsent"))
	a, _ := f.p.Prepare("doc-1", KindAuto)

	res := f.p.Save(context.Background(), a)

	assert.Equal(t, StatusFailed, res.Status)
	assert.True(t, res.Dirty)
	assert.True(t, gateway.IsTransport(res.Err))
	assert.Equal(t, 3, a.Tries, "one attempt plus two retries")
	assert.Len(t, f.gw.Saves("doc-1"), 3)

	got, ok := f.c.Peek("doc-1")
	require.True(t, ok)
	assert.Equal(t, "unsent", string(got.Content))
	assert.True(t, got.Dirty)
}

func TestSave_RejectedIsNotRetried(t *testing.T) {
	f := newFixture(t, 0)
	f.gw.RejectSaves(1)
	f.c.Stage("doc-1", models.Snapshot("forbidden"))
	a, _ := f.p.Prepare("doc-1", KindAuto)

	res := f.p.Save(context.Background(), a)

	assert.Equal(t, StatusFailed, res.Status)
	assert.True(t, res.Dirty)
	var re *gateway.RequestError
	assert.ErrorAs(t, res.Err, &re)
	assert.Equal(t, 1, a.Tries)
	assert.Len(t, f.gw.Saves("doc-1"), 1)
	assert.True(t, f.c.Dirty("doc-1"))
}

func TestSave_TransportRecoversWithinRetries(t *testing.T) {
	f := newFixture(t, 0)
	f.gw.FailSaves(2)
	f.c.Stage("doc-1", models.Snapshot("eventually"))
	a, _ := f.p.Prepare("doc-1", KindAuto)

	res := f.p.Save(context.Background(), a)
	assert.Equal(t, StatusSucceeded, res.Status)
	assert.Equal(t, 3, a.Tries)
}

func TestSave_BackoffUsesClock(t *testing.T) {
	f := newFixture(t, time.Second)
	f.gw.FailSaves(1)
	f.c.Stage("doc-1", models.Snapshot("x"))
	a, _ := f.p.Prepare("doc-1", KindAuto)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan Result, 1)
	go func() { done <- f.p.Save(ctx, a) }()

	require.NoError(t, f.clk.BlockUntil(ctx, 1))
	f.clk.Advance(time.Second)

	select {
	case res := <-done:
		assert.Equal(t, StatusSucceeded, res.Status)
	case <-ctx.Done():
		t.Fatal("save did not finish after backoff elapsed")
	}
}

func TestSave_ConflictWithoutLaterEditsTakesCanonical(t *testing.T) {
	f := newFixture(t, 0)
	f.gw.Set("doc-1", models.KindDocument, models.Snapshot("base"))
	f.c.Put("doc-1", models.Snapshot("base"), cache.WithRevision(models.Revision{Version: 1}))
	f.gw.Set("doc-1", models.KindDocument, models.Snapshot("someone else"))

	f.c.Stage("doc-1", models.Snapshot("mine"))
	a, _ := f.p.Prepare("doc-1", KindAuto)
	res := f.p.Save(context.Background(), a)

	assert.Equal(t, StatusConflicted, res.Status)
	assert.False(t, res.Dirty)
	entry, _ := f.c.Peek("doc-1")
	assert.Equal(t, "someone else", string(entry.Content))
	assert.False(t, entry.Dirty)
	assert.Equal(t, int64(2), entry.Remote.Version)
	assert.Empty(t, f.saved)
}

func TestSave_ConflictWithLaterEditsRemarksDirty(t *testing.T) {
	f := newFixture(t, 0)
	f.gw.Set("doc-1", models.KindDocument, models.Snapshot("base"))
	f.c.Put("doc-1", models.Snapshot("base"), cache.WithRevision(models.Revision{Version: 1}))
	f.gw.Set("doc-1", models.KindDocument, models.Snapshot("someone else"))

	f.c.Stage("doc-1", models.Snapshot("mine"))
	a, _ := f.p.Prepare("doc-1", KindAuto)
	f.c.Stage("doc-1", models.Snapshot("mine, later"))

	res := f.p.Save(context.Background(), a)

	assert.Equal(t, StatusConflicted, res.Status)
	assert.True(t, res.Dirty)
	entry, _ := f.c.Peek("doc-1")
	assert.Equal(t, "mine, later", string(entry.Content))
	assert.True(t, entry.Dirty)
	assert.Equal(t, int64(2), entry.Remote.Version)

	// the retry now carries a fresh precondition and lands
	b, ok := f.p.Prepare("doc-1", KindAuto)
	require.True(t, ok)
	assert.Equal(t, StatusSucceeded, f.p.Save(context.Background(), b).Status)
}

func TestSave_ConflictLaterEditsEqualCanonicalIsClean(t *testing.T) {
	f := newFixture(t, 0)
	f.gw.Set("doc-1", models.KindDocument, models.Snapshot("same"))
	f.c.Stage("doc-1", models.Snapshot("draft"))
	a, _ := f.p.Prepare("doc-1", KindAuto)
	f.c.Stage("doc-1", models.Snapshot("same"))

	res := f.p.Save(context.Background(), a)
	assert.Equal(t, StatusConflicted, res.Status)
	assert.False(t, res.Dirty)
}

func TestSave_ConflictReloadFailureKeepsDirty(t *testing.T) {
	f := newFixture(t, 0)
	f.gw.Set("doc-1", models.KindDocument, models.Snapshot("remote"))
	f.c.Stage("doc-1", models.Snapshot("local"))
	a, _ := f.p.Prepare("doc-1", KindAuto)

	f.gw.FailLoads(1)
	res := f.p.Save(context.Background(), a)

	assert.Equal(t, StatusConflicted, res.Status)
	assert.True(t, res.Dirty)
	assert.Error(t, res.Err)
	entry, _ := f.c.Peek("doc-1")
	assert.Equal(t, "local", string(entry.Content))
}

func TestReload(t *testing.T) {
	f := newFixture(t, 0)
	f.gw.Set("doc-1", models.KindDocument, models.Snapshot("remote"))

	doc, err := f.p.Reload(context.Background(), "doc-1", cache.WithTTL(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "remote", string(doc.Content))
	entry, _ := f.c.Peek("doc-1")
	assert.Equal(t, time.Minute, entry.TTL)
	assert.Equal(t, int64(1), entry.Remote.Version)

	f.c.Stage("doc-1", models.Snapshot("local edit"))
	doc, err = f.p.Reload(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "local edit", string(doc.Content), "dirty content is never overwritten")
}
