// Package syncer implements the optimistic save/reload handshake between the
// snapshot cache and the persistence gateway.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/appedme/sketchflow-sub001/internal/cache"
	"github.com/appedme/sketchflow-sub001/internal/clock"
	"github.com/appedme/sketchflow-sub001/internal/events"
	"github.com/appedme/sketchflow-sub001/internal/gateway"
	"github.com/appedme/sketchflow-sub001/internal/logging"
	"github.com/appedme/sketchflow-sub001/internal/metrics"
	"github.com/appedme/sketchflow-sub001/pkg/models"
	"github.com/appedme/sketchflow-sub001/pkg/retry"
)

const tracerName = "github.com/appedme/sketchflow-sub001/internal/syncer"

const (
	DefaultRetries = 2
	DefaultBackoff = time.Second
)

// Kind says what triggered an attempt.
type Kind string

const (
	KindAuto   Kind = "auto"
	KindManual Kind = "manual"
)

// Status is the state of a SaveAttempt.
type Status string

const (
	StatusPending    Status = "pending"
	StatusSucceeded  Status = "succeeded"
	StatusConflicted Status = "conflicted"
	StatusFailed     Status = "failed"
)

// Attempt is one persistence operation for an entity. It captures the
// content and local version at preparation time so edits made while it is
// in flight are not mistaken for the saved content.
type Attempt struct {
	ID           string
	EntityID     string
	Kind         Kind
	StartedAt    time.Time
	FinishedAt   time.Time
	Precondition models.Revision
	Status       Status
	Tries        int
	Err          error

	// OnConflict, if set, is called before the canonical copy is reloaded.
	OnConflict func()

	version int64
	content models.Snapshot
}

// Version returns the local cache version the attempt captured.
func (a *Attempt) Version() int64 { return a.version }

// Result reports the outcome of Save.
type Result struct {
	Status   Status
	Revision models.Revision
	// Dirty reports whether the entity still has unsaved local content.
	Dirty bool
	Err   error
}

// Options configures a Protocol.
type Options struct {
	Gateway gateway.Gateway
	Cache   *cache.Cache
	Bus     *events.Bus
	Clock   clock.Clock
	Retries int
	Backoff time.Duration
	Logger  *zap.Logger
}

// Protocol runs save attempts against the gateway and reconciles the cache
// with the answer.
type Protocol struct {
	gw      gateway.Gateway
	cache   *cache.Cache
	bus     *events.Bus
	clock   clock.Clock
	retries int
	backoff time.Duration
	logger  *zap.Logger
	tracer  trace.Tracer
}

// New creates a Protocol. Retries < 0 disables retries; 0 uses the default.
func New(opts Options) *Protocol {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Bus == nil {
		opts.Bus = opts.Cache.Bus()
	}
	if opts.Retries == 0 {
		opts.Retries = DefaultRetries
	} else if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.Backoff < 0 {
		opts.Backoff = 0
	}
	return &Protocol{
		gw:      opts.Gateway,
		cache:   opts.Cache,
		bus:     opts.Bus,
		clock:   opts.Clock,
		retries: opts.Retries,
		backoff: opts.Backoff,
		logger:  logging.Named(opts.Logger, "syncer"),
		tracer:  otel.Tracer(tracerName),
	}
}

// Prepare captures the current dirty content of id. It returns false when
// the entity is absent or already clean.
func (p *Protocol) Prepare(id string, kind Kind) (*Attempt, bool) {
	entry, ok := p.cache.Peek(id)
	if !ok || !entry.Dirty {
		return nil, false
	}
	return &Attempt{
		ID:           uuid.NewString(),
		EntityID:     id,
		Kind:         kind,
		StartedAt:    p.clock.Now(),
		Precondition: entry.Remote,
		Status:       StatusPending,
		version:      entry.Version,
		content:      entry.Content,
	}, true
}

// Save sends the attempt's content with its precondition. Transport failures
// are retried with a fixed backoff; a conflict reloads the canonical copy.
// The entity is left dirty whenever its content did not reach the remote.
func (p *Protocol) Save(ctx context.Context, a *Attempt) Result {
	ctx, span := p.tracer.Start(ctx, "syncer.Save", trace.WithAttributes(
		attribute.String("entity.id", a.EntityID),
		attribute.String("attempt.id", a.ID),
		attribute.String("attempt.kind", string(a.Kind)),
		attribute.Int64("precondition.version", a.Precondition.Version),
	))
	defer span.End()

	start := p.clock.Now()
	cfg := retry.Fixed(p.retries, p.backoff)
	cfg.Sleeper = p.clock
	cfg.OnRetry = func(attempt int, err error) {
		metrics.RecordSaveRetry()
		p.logger.Debug("retrying save",
			logging.Entity(a.EntityID), zap.Int("try", attempt), zap.Error(err))
	}

	res, err := retry.DoWithResult(ctx, cfg, func() (gateway.SaveResult, error) {
		a.Tries++
		r := p.gw.Save(ctx, a.EntityID, a.content, a.Precondition)
		if r.Outcome == gateway.Transport {
			return r, retry.Retryable(r.Err)
		}
		return r, nil
	})

	var result Result
	switch {
	case err != nil:
		if res.Err == nil {
			res.Err = err
		}
		result = p.failed(a, res.Err)
	case res.Outcome == gateway.Saved:
		result = p.saved(a, res.Revision)
	case res.Outcome == gateway.Conflict:
		result = p.conflicted(ctx, a, res.Current)
	case res.Outcome == gateway.Rejected:
		result = p.failed(a, res.Err)
	default:
		result = p.failed(a, fmt.Errorf("unexpected outcome %v", res.Outcome))
	}

	a.Status = result.Status
	a.Err = result.Err
	a.FinishedAt = p.clock.Now()
	metrics.RecordSaveAttempt(string(a.Kind), string(result.Status), a.FinishedAt.Sub(start))

	span.SetAttributes(
		attribute.String("attempt.status", string(result.Status)),
		attribute.Int("attempt.tries", a.Tries),
	)
	if result.Err != nil {
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, result.Err.Error())
	}
	return result
}

func (p *Protocol) saved(a *Attempt, rev models.Revision) Result {
	p.cache.MarkClean(a.EntityID, a.version, rev)
	dirty := p.cache.Dirty(a.EntityID)
	p.bus.Publish(events.EntitySaved{ID: a.EntityID, Revision: rev})

	p.logger.Info("entity saved",
		logging.Entity(a.EntityID),
		zap.String("kind", string(a.Kind)),
		zap.Int64("version", rev.Version),
		zap.Bool("dirty", dirty))
	return Result{Status: StatusSucceeded, Revision: rev, Dirty: dirty}
}

func (p *Protocol) failed(a *Attempt, err error) Result {
	p.logger.Error("save failed",
		logging.Entity(a.EntityID), zap.Int("tries", a.Tries), zap.Error(err))
	return Result{Status: StatusFailed, Dirty: true, Err: err}
}

// conflicted discards the optimistic write and reloads the canonical copy.
// With no local edits since capture the canonical copy replaces the entry
// and it becomes clean. Otherwise the newer local content is kept, rebased
// onto the canonical revision and left dirty, unless it already equals the
// canonical content.
func (p *Protocol) conflicted(ctx context.Context, a *Attempt, current models.Revision) Result {
	ctx, span := p.tracer.Start(ctx, "syncer.Reload", trace.WithAttributes(
		attribute.String("entity.id", a.EntityID),
		attribute.Int64("current.version", current.Version),
	))
	defer span.End()

	if a.OnConflict != nil {
		a.OnConflict()
	}
	p.logger.Warn("save conflict, reloading canonical copy",
		logging.Entity(a.EntityID),
		zap.Int64("expected", a.Precondition.Version),
		zap.Int64("current", current.Version))

	doc, err := p.gw.Load(ctx, a.EntityID)
	if errors.Is(err, gateway.ErrNotFound) {
		// deleted remotely; the next save recreates it
		_ = p.cache.SetRevision(a.EntityID, models.Revision{})
		metrics.RecordConflict("remote_missing")
		return Result{Status: StatusConflicted, Dirty: p.cache.Dirty(a.EntityID)}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.RecordConflict("reload_failed")
		return Result{
			Status: StatusConflicted,
			Dirty:  true,
			Err:    fmt.Errorf("reload after conflict: %w", err),
		}
	}

	entry, ok := p.cache.Peek(a.EntityID)
	laterEdits := ok && entry.Version != a.version
	if laterEdits && !entry.Content.Equal(doc.Content) {
		_ = p.cache.SetRevision(a.EntityID, doc.Revision)
		_ = p.cache.MarkDirty(a.EntityID)
		metrics.RecordConflict("remarked_dirty")
		return Result{Status: StatusConflicted, Revision: doc.Revision, Dirty: true}
	}

	p.cache.Put(a.EntityID, doc.Content, cache.WithRevision(doc.Revision))
	metrics.RecordConflict("reloaded")
	return Result{Status: StatusConflicted, Revision: doc.Revision, Dirty: false}
}

// Reload fetches id from the gateway and stores it in the cache as clean
// content. A dirty entry is left untouched and its cached copy returned.
func (p *Protocol) Reload(ctx context.Context, id string, opts ...cache.PutOption) (models.Document, error) {
	doc, err := p.gw.Load(ctx, id)
	if err != nil {
		return models.Document{}, err
	}
	if entry, ok := p.cache.Peek(id); ok && entry.Dirty {
		return models.Document{ID: id, Kind: doc.Kind, Content: entry.Content, Revision: entry.Remote}, nil
	}
	opts = append(opts, cache.WithRevision(doc.Revision))
	p.cache.Put(id, doc.Content, opts...)
	return doc, nil
}
