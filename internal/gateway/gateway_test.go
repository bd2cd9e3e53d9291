package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/appedme/sketchflow-sub001/pkg/models"
)

func TestMemory_SaveChecksPrecondition(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)

	res := m.Save(ctx, "doc-1", models.Snapshot("v1"), models.Revision{})
	require.Equal(t, Saved, res.Outcome)
	assert.Equal(t, int64(1), res.Revision.Version)

	stale := m.Save(ctx, "doc-1", models.Snapshot("v2"), models.Revision{})
	require.Equal(t, Conflict, stale.Outcome)
	assert.Equal(t, int64(1), stale.Current.Version)

	ok := m.Save(ctx, "doc-1", models.Snapshot("v2"), res.Revision)
	require.Equal(t, Saved, ok.Outcome)

	doc, err := m.Load(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(doc.Content))
	assert.Equal(t, int64(2), doc.Revision.Version)
}

func TestMemory_LoadMissing(t *testing.T) {
	_, err := NewMemory(nil).Load(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_FailureInjection(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)
	m.Set("doc-1", models.KindDocument, models.Snapshot("remote"))

	m.FailLoads(1)
	_, err := m.Load(ctx, "doc-1")
	assert.True(t, IsTransport(err))
	_, err = m.Load(ctx, "doc-1")
	assert.NoError(t, err)

	m.FailSaves(1)
	res := m.Save(ctx, "doc-1", models.Snapshot("x"), models.Revision{Version: 1})
	assert.Equal(t, Transport, res.Outcome)
	assert.True(t, IsTransport(res.Err))
	assert.True(t, errors.Is(res.Err, ErrUnavailable))
}

func TestMemory_HoldAndWaitSaves(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m := NewMemory(nil)
	release := m.Hold()

	done := make(chan SaveResult, 1)
	go func() { done <- m.Save(ctx, "doc-1", models.Snapshot("a"), models.Revision{}) }()

	require.NoError(t, m.WaitSaves(ctx, "doc-1", 1))
	select {
	case <-done:
		t.Fatal("save returned while held")
	default:
	}

	release()
	res := <-done
	assert.Equal(t, Saved, res.Outcome)
}

func TestFailed_WrapsPlainErrors(t *testing.T) {
	res := Failed(errors.New("dial tcp: refused"))
	var te *TransportError
	require.ErrorAs(t, res.Err, &te)
	assert.Equal(t, "save", te.Op)
}

func TestBreaker_OpensOnTransportFailures(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)
	cfg := DefaultBreakerConfig("test")
	cfg.MinRequests = 2
	cfg.FailureThreshold = 1
	cfg.Timeout = time.Hour
	gw := WithBreaker(m, cfg, zap.NewNop())

	m.FailSaves(2)
	gw.Save(ctx, "doc-1", models.Snapshot("a"), models.Revision{})
	gw.Save(ctx, "doc-1", models.Snapshot("a"), models.Revision{})

	res := gw.Save(ctx, "doc-1", models.Snapshot("a"), models.Revision{})
	require.Equal(t, Transport, res.Outcome)
	assert.Len(t, m.Saves("doc-1"), 2, "open circuit must not reach the gateway")

	_, err := gw.Load(ctx, "doc-1")
	assert.True(t, IsTransport(err))
}

func TestBreaker_ConflictsDoNotTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)
	m.Set("doc-1", models.KindDocument, models.Snapshot("remote"))
	cfg := DefaultBreakerConfig("test")
	cfg.MinRequests = 1
	cfg.FailureThreshold = 0.5
	gw := WithBreaker(m, cfg, zap.NewNop())

	for i := 0; i < 5; i++ {
		res := gw.Save(ctx, "doc-1", models.Snapshot("local"), models.Revision{})
		require.Equal(t, Conflict, res.Outcome)
	}
	_, err := gw.Load(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	doc, err := gw.Load(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "remote", string(doc.Content))
}
