package httpgw

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/appedme/sketchflow-sub001/internal/gateway"
	"github.com/appedme/sketchflow-sub001/pkg/models"
	"github.com/appedme/sketchflow-sub001/pkg/protocol"
	"github.com/appedme/sketchflow-sub001/pkg/retry"
)

func testClient(handler http.Handler) (*Client, *httptest.Server) {
	ts := httptest.NewServer(handler)
	c := New(Config{
		BaseURL: ts.URL,
		RetryConfig: retry.Config{
			MaxAttempts: 3,
			InitialWait: time.Millisecond,
			MaxWait:     time.Millisecond,
		},
		Logger: zap.NewNop(),
	})
	return c, ts
}

func TestSave_Success(t *testing.T) {
	var gotHeader, gotBody string
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/api/v1/entities/doc-1", r.URL.Path)
		gotHeader = r.Header.Get(protocol.ExpectedVersionHeader)
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(protocol.SaveResponse{ID: "doc-1", Version: 2, Hash: "abc123"})
	}))
	defer ts.Close()

	res := c.Save(context.Background(), "doc-1", models.Snapshot("hello"), models.Revision{Version: 1})
	require.Equal(t, gateway.Saved, res.Outcome, "err: %v", res.Err)
	assert.Equal(t, int64(2), res.Revision.Version)
	assert.Equal(t, "abc123", res.Revision.Token)
	assert.Equal(t, "1", gotHeader)
	assert.Equal(t, "hello", gotBody)
}

func TestSave_Conflict(t *testing.T) {
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(protocol.ConflictResponse{
			Error:           "version conflict",
			ID:              "doc-1",
			ExpectedVersion: 1,
			CurrentVersion:  3,
			CurrentHash:     "def456",
		})
	}))
	defer ts.Close()

	res := c.Save(context.Background(), "doc-1", models.Snapshot("hello"), models.Revision{Version: 1})
	require.Equal(t, gateway.Conflict, res.Outcome)
	assert.Equal(t, int64(3), res.Current.Version)
	assert.Equal(t, "def456", res.Current.Token)
	ce, ok := AsConflict(res.Err)
	require.True(t, ok, "expected ConflictError, got %T", res.Err)
	assert.Equal(t, int64(1), ce.ExpectedVersion)
	assert.True(t, c.IsOnline(), "a 409 keeps the client online")
}

func TestSave_PreconditionFailedIsConflict(t *testing.T) {
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPreconditionFailed)
	}))
	defer ts.Close()

	res := c.Save(context.Background(), "doc-1", models.Snapshot("x"), models.Revision{Version: 4})
	assert.Equal(t, gateway.Conflict, res.Outcome)
}

func TestSave_ServerErrorNotRetried(t *testing.T) {
	var attempts atomic.Int32
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	res := c.Save(context.Background(), "doc-1", models.Snapshot("x"), models.Revision{})
	require.Equal(t, gateway.Transport, res.Outcome)
	assert.True(t, gateway.IsTransport(res.Err))
	assert.Equal(t, int32(1), attempts.Load())
	assert.False(t, c.IsOnline(), "a 5xx marks the client offline")
}

func TestSave_ClientErrorIsRejected(t *testing.T) {
	var attempts atomic.Int32
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(protocol.ErrorResponse{Error: "no write access"})
	}))
	defer ts.Close()

	res := c.Save(context.Background(), "doc-1", models.Snapshot("x"), models.Revision{})
	require.Equal(t, gateway.Rejected, res.Outcome)
	var re *gateway.RequestError
	require.ErrorAs(t, res.Err, &re)
	assert.Equal(t, http.StatusForbidden, re.StatusCode)
	assert.Equal(t, "no write access", re.Message)
	assert.False(t, gateway.IsTransport(res.Err))
	assert.Equal(t, int32(1), attempts.Load())
	assert.True(t, c.IsOnline(), "a 4xx answer means the server is reachable")
}

func TestSave_TooManyRequestsIsTransport(t *testing.T) {
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	res := c.Save(context.Background(), "doc-1", models.Snapshot("x"), models.Revision{})
	assert.Equal(t, gateway.Transport, res.Outcome)
}

func TestPing(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" || !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	require.NoError(t, c.Ping(context.Background()))

	healthy.Store(false)
	assert.Error(t, c.Ping(context.Background()))
	assert.False(t, c.IsOnline())
}

func TestSave_Unreachable(t *testing.T) {
	c, ts := testClient(http.NotFoundHandler())
	ts.Close()

	res := c.Save(context.Background(), "doc-1", models.Snapshot("x"), models.Revision{})
	assert.Equal(t, gateway.Transport, res.Outcome)
}

func TestLoad_Success(t *testing.T) {
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(protocol.EntityResponse{
			ID:      "canvas-1",
			Kind:    "canvas",
			Content: []byte(`{"shapes":[]}`),
			Version: 5,
			Hash:    "h5",
		})
	}))
	defer ts.Close()

	doc, err := c.Load(context.Background(), "canvas-1")
	require.NoError(t, err)
	assert.Equal(t, models.KindCanvas, doc.Kind)
	assert.Equal(t, int64(5), doc.Revision.Version)
	assert.Equal(t, `{"shapes":[]}`, string(doc.Content))
}

func TestLoad_ServerError_Retry(t *testing.T) {
	var attempts atomic.Int32
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(protocol.EntityResponse{ID: "doc-1", Version: 1})
	}))
	defer ts.Close()

	_, err := c.Load(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestLoad_ExhaustedIsTransport(t *testing.T) {
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	_, err := c.Load(context.Background(), "doc-1")
	assert.True(t, gateway.IsTransport(err), "expected TransportError, got %T: %v", err, err)
}

func TestLoad_NotFound(t *testing.T) {
	c, ts := testClient(http.NotFoundHandler())
	defer ts.Close()

	_, err := c.Load(context.Background(), "missing")
	assert.ErrorIs(t, err, gateway.ErrNotFound)
}

func TestFeed_StreamsChangeEvents(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, ": keepalive\n\n")
		fmt.Fprint(w, "event: modify\ndata: {\"id\":\"doc-1\",\"version\":7}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"delete\",\"id\":\"doc-2\"}\n\n")
		flusher.Flush()
		<-r.Context().Done()
	}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	feed := NewFeed(ts.URL, zap.NewNop())
	events, _ := feed.Subscribe(ctx)

	first := <-events
	assert.Equal(t, protocol.EventModify, first.Type)
	assert.Equal(t, "doc-1", first.ID)
	assert.Equal(t, int64(7), first.Version)

	second := <-events
	assert.Equal(t, protocol.EventDelete, second.Type)
	assert.Equal(t, "doc-2", second.ID)

	cancel()
	for range events {
	}
}
