// Package workspace wires the snapshot cache, invalidation bus, session
// manager, auto-save coordinator and sync protocol into one editing session.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/appedme/sketchflow-sub001/internal/autosave"
	"github.com/appedme/sketchflow-sub001/internal/cache"
	"github.com/appedme/sketchflow-sub001/internal/clock"
	"github.com/appedme/sketchflow-sub001/internal/events"
	"github.com/appedme/sketchflow-sub001/internal/gateway"
	"github.com/appedme/sketchflow-sub001/internal/localstore"
	"github.com/appedme/sketchflow-sub001/internal/logging"
	"github.com/appedme/sketchflow-sub001/internal/opstatus"
	"github.com/appedme/sketchflow-sub001/internal/session"
	"github.com/appedme/sketchflow-sub001/internal/syncer"
	"github.com/appedme/sketchflow-sub001/pkg/models"
	"github.com/appedme/sketchflow-sub001/pkg/protocol"
)

// LocalStore is the durable local store: fallback entries and the session
// snapshot.
type LocalStore interface {
	autosave.FallbackStore
	GetFallback(ctx context.Context, id string) (models.FallbackEntry, error)
	DeleteFallback(ctx context.Context, id string) error
	ListFallback(ctx context.Context) ([]models.FallbackEntry, error)
	session.Store
}

// ChangeFeed delivers remote change notifications.
type ChangeFeed interface {
	Subscribe(ctx context.Context) (<-chan protocol.ChangeEvent, <-chan error)
}

// Config holds the workspace tunables.
type Config struct {
	ProjectID string

	CacheEntries  int
	EvictBatch    int
	HotTTL        time.Duration
	WorkspaceTTL  time.Duration
	SweepInterval time.Duration

	Policies          map[models.EntityKind]autosave.Policy
	Retries           int
	Backoff           time.Duration
	FailureRetryDelay time.Duration

	UnmountGrace        time.Duration
	TeardownTimeout     time.Duration
	SessionPersistDelay time.Duration
}

// DefaultConfig returns the default tunables for project.
func DefaultConfig(project string) Config {
	return Config{
		ProjectID:         project,
		CacheEntries:      cache.DefaultMaxEntries,
		EvictBatch:        cache.DefaultEvictBatch,
		HotTTL:            cache.DefaultTTL,
		WorkspaceTTL:      30 * time.Minute,
		SweepInterval:     cache.DefaultSweepInterval,
		Policies:          autosave.DefaultPolicies(),
		Retries:           syncer.DefaultRetries,
		Backoff:           syncer.DefaultBackoff,
		FailureRetryDelay: autosave.DefaultFailureRetryDelay,
		UnmountGrace:      session.DefaultGrace,
		TeardownTimeout:   10 * time.Second,

		SessionPersistDelay: session.DefaultDirtyPersistDelay,
	}
}

// Options configures a Workspace.
type Options struct {
	Config  Config
	Gateway gateway.Gateway
	Local   LocalStore
	Clock   clock.Clock
	Logger  *zap.Logger
}

// Workspace is one editing session over a persistence gateway.
type Workspace struct {
	Bus      *events.Bus
	Cache    *cache.Cache
	Session  *session.Manager
	Saver    *autosave.Coordinator
	Protocol *syncer.Protocol
	Status   *opstatus.Notifier

	cfg    Config
	local  LocalStore
	clock  clock.Clock
	logger *zap.Logger

	mu        sync.Mutex
	fallbacks map[string]bool // entities staged from the fallback store
	unsubs    []func()
	feedStop  context.CancelFunc
	teardowns sync.WaitGroup
}

// New creates a workspace. Call Start to restore the saved session.
func New(opts Options) *Workspace {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	cfg := opts.Config
	logger := logging.Named(opts.Logger, "workspace")

	w := &Workspace{
		cfg:       cfg,
		local:     opts.Local,
		clock:     opts.Clock,
		logger:    logger,
		fallbacks: make(map[string]bool),
	}

	w.Bus = events.NewBus(logger.Named("bus"))
	w.Cache = cache.New(cache.Options{
		MaxEntries:    cfg.CacheEntries,
		EvictBatch:    cfg.EvictBatch,
		DefaultTTL:    cfg.HotTTL,
		SweepInterval: cfg.SweepInterval,
		Clock:         opts.Clock,
		Bus:           w.Bus,
		Logger:        logger.Named("cache"),
	})
	w.Protocol = syncer.New(syncer.Options{
		Gateway: opts.Gateway,
		Cache:   w.Cache,
		Bus:     w.Bus,
		Clock:   opts.Clock,
		Retries: cfg.Retries,
		Backoff: cfg.Backoff,
		Logger:  logger.Named("syncer"),
	})
	w.Status = opstatus.NewNotifier(opts.Clock)

	var fallback autosave.FallbackStore
	if opts.Local != nil {
		fallback = opts.Local
	}
	w.Saver = autosave.New(autosave.Options{
		Protocol:          w.Protocol,
		Cache:             w.Cache,
		Status:            w.Status,
		Fallback:          fallback,
		Clock:             opts.Clock,
		Policies:          cfg.Policies,
		FailureRetryDelay: cfg.FailureRetryDelay,
		OnSettled:         w.settled,
		Logger:            logger.Named("autosave"),
	})

	var store session.Store
	if opts.Local != nil {
		store = opts.Local
	}
	w.Session = session.NewManager(session.Options{
		ProjectID: cfg.ProjectID,
		Grace:     cfg.UnmountGrace,
		Clock:     opts.Clock,
		Bus:       w.Bus,
		Store:     store,
		Hooks:     session.Hooks{Mount: w.mount, Unmount: w.unmount},
		Logger:    logger.Named("session"),

		DirtyPersistDelay: cfg.SessionPersistDelay,
	})

	w.unsubs = append(w.unsubs,
		events.On(w.Bus, func(e events.ContentChanged) {
			w.Session.MarkFileDirty(e.ID, true)
		}),
		events.On(w.Bus, func(e events.CacheUpdated) {
			if !w.Cache.Dirty(e.ID) {
				w.Session.MarkFileDirty(e.ID, false)
			}
		}),
		events.On(w.Bus, w.saved),
	)
	return w
}

func (w *Workspace) mount(tab models.FileTab) {
	w.Cache.Pin(tab.ID)
	if err := w.Saver.Track(tab.ID, tab.Kind); err != nil {
		w.logger.Warn("cannot track mounted tab", logging.Entity(tab.ID), zap.Error(err))
	}
}

// unmount runs the final teardown off the caller's goroutine; the session
// fires it from a timer.
func (w *Workspace) unmount(tab models.FileTab) {
	w.teardowns.Add(1)
	go func() {
		defer w.teardowns.Done()
		ctx, cancel := context.WithTimeout(context.Background(), w.teardownTimeout())
		defer cancel()
		if err := w.Saver.Teardown(ctx, tab.ID); err != nil {
			w.logger.Error("teardown lost content", logging.Entity(tab.ID), zap.Error(err))
		}
		if !w.Session.IsMounted(tab.ID) {
			w.Cache.Unpin(tab.ID)
		}
	}()
}

func (w *Workspace) teardownTimeout() time.Duration {
	if w.cfg.TeardownTimeout > 0 {
		return w.cfg.TeardownTimeout
	}
	return 10 * time.Second
}

func (w *Workspace) saved(e events.EntitySaved) {
	if w.Cache.Dirty(e.ID) {
		return
	}
	w.Session.MarkFileDirty(e.ID, false)
	if entry, ok := w.Cache.Peek(e.ID); ok {
		w.Session.SetCachedSnapshot(e.ID, entry.Content)
	}
}

// settled drops the fallback record of an entity staged from the fallback
// store once an attempt leaves it clean, whether the content was saved or
// replaced by the canonical copy after a conflict.
func (w *Workspace) settled(id string, res syncer.Result) {
	if res.Dirty || res.Err != nil {
		return
	}
	w.mu.Lock()
	staged := w.fallbacks[id]
	delete(w.fallbacks, id)
	w.mu.Unlock()
	if !staged || w.local == nil {
		return
	}
	if err := w.local.DeleteFallback(context.Background(), id); err != nil {
		w.logger.Warn("failed to delete reconciled fallback entry", logging.Entity(id), zap.Error(err))
		return
	}
	w.logger.Info("fallback entry reconciled",
		logging.Entity(id), zap.String("status", string(res.Status)), zap.Int64("version", res.Revision.Version))
}

// Start restores the saved session and starts the cache sweep.
func (w *Workspace) Start(ctx context.Context) error {
	w.Cache.Start()
	if err := w.Session.Restore(ctx); err != nil {
		return fmt.Errorf("restore session: %w", err)
	}
	for _, tab := range w.Session.OpenFiles() {
		if err := w.reconcileFallback(ctx, tab.ID); err != nil {
			w.logger.Warn("fallback reconcile failed", logging.Entity(tab.ID), zap.Error(err))
		}
	}
	return nil
}

// Open opens id as the active tab and returns its content. An entity that
// does not exist remotely yet opens empty.
func (w *Workspace) Open(ctx context.Context, id string, kind models.EntityKind, title string) (models.Snapshot, error) {
	w.Session.OpenFile(id, kind, title)

	content, err := w.Read(ctx, id)
	if err != nil && !errors.Is(err, gateway.ErrNotFound) {
		return nil, err
	}
	if err := w.reconcileFallback(ctx, id); err != nil {
		w.logger.Warn("fallback reconcile failed", logging.Entity(id), zap.Error(err))
	}
	if entry, ok := w.Cache.Peek(id); ok {
		w.Session.MarkFileDirty(id, entry.Dirty)
		return entry.Content, nil
	}
	return content, nil
}

// reconcileFallback stages a fallback entry for id as dirty content on top
// of its recorded base revision. The entry is deleted once the content is
// confirmed saved.
func (w *Workspace) reconcileFallback(ctx context.Context, id string) error {
	if w.local == nil {
		return nil
	}
	fe, err := w.local.GetFallback(ctx, id)
	if errors.Is(err, localstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if w.Cache.Dirty(id) {
		// newer local content already pending
		return nil
	}

	w.mu.Lock()
	w.fallbacks[id] = true
	w.mu.Unlock()

	w.Cache.Stage(id, fe.Content)
	_ = w.Cache.SetRevision(id, fe.Base)
	w.logger.Info("staged fallback content",
		logging.Entity(id), zap.Time("saved_at", fe.SavedAt), zap.Int64("base_version", fe.Base.Version))
	if err := w.Saver.NotifyEdit(id); errors.Is(err, autosave.ErrNotTracked) {
		if err := w.Saver.Track(id, fe.Kind); err != nil {
			return err
		}
	}
	return nil
}

// Read returns the content of id, cache first. When the gateway cannot be
// reached a cached copy is returned even if it is past its TTL.
func (w *Workspace) Read(ctx context.Context, id string) (models.Snapshot, error) {
	if snap, ok := w.Cache.Get(id); ok {
		return snap, nil
	}

	var opts []cache.PutOption
	if w.Session.IsOpen(id) && w.cfg.WorkspaceTTL > 0 {
		opts = append(opts, cache.WithTTL(w.cfg.WorkspaceTTL))
	}
	doc, err := w.Protocol.Reload(ctx, id, opts...)
	if err == nil {
		return doc.Content, nil
	}

	if entry, ok := w.Cache.Peek(id); ok {
		w.logger.Debug("serving stale cached copy",
			logging.Entity(id), zap.Time("cached_at", entry.CachedAt), zap.Error(err))
		return entry.Content, nil
	}
	return nil, err
}

// Edit records new content for an open entity. A tracked entity whose entry
// was dropped from the cache gets its remote revision back first, so the
// save carries the right precondition.
func (w *Workspace) Edit(id string, content models.Snapshot) error {
	if w.Saver.Tracked(id) && !w.Cache.IsCached(id) {
		w.restoreRevision(id)
	}
	return w.Saver.Edit(id, content)
}

func (w *Workspace) restoreRevision(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), w.teardownTimeout())
	defer cancel()

	var opts []cache.PutOption
	if w.cfg.WorkspaceTTL > 0 {
		opts = append(opts, cache.WithTTL(w.cfg.WorkspaceTTL))
	}
	if _, err := w.Protocol.Reload(ctx, id, opts...); err != nil && !errors.Is(err, gateway.ErrNotFound) {
		w.logger.Warn("cannot restore remote revision before edit", logging.Entity(id), zap.Error(err))
	}
}

// Save requests an immediate save of id.
func (w *Workspace) Save(id string) error {
	return w.Saver.ManualSave(id)
}

// Select makes id the active tab.
func (w *Workspace) Select(id string) bool {
	return w.Session.SetActiveFile(id)
}

// CloseFile closes id's tab. Its editor stays mounted for the grace period.
func (w *Workspace) CloseFile(id string) {
	if entry, ok := w.Cache.Peek(id); ok {
		w.Session.SetCachedSnapshot(id, entry.Content)
	}
	w.Session.CloseFile(id)
}

// ApplyRemoteChange invalidates a clean cached entity that a remote writer
// has moved past. Dirty entities are left to conflict recovery.
func (w *Workspace) ApplyRemoteChange(ev protocol.ChangeEvent) bool {
	entry, ok := w.Cache.Peek(ev.ID)
	if !ok || entry.Dirty {
		return false
	}
	switch ev.Type {
	case protocol.EventDelete:
	case protocol.EventCreate, protocol.EventModify:
		if ev.Version != 0 && ev.Version <= entry.Remote.Version {
			return false
		}
	default:
		return false
	}
	w.logger.Debug("remote change, invalidating",
		logging.Entity(ev.ID), zap.String("type", ev.Type), zap.Int64("version", ev.Version))
	w.Cache.Clear(ev.ID)
	return true
}

// Follow applies events from feed until ctx is done or StopFollowing is
// called.
func (w *Workspace) Follow(ctx context.Context, feed ChangeFeed) {
	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	if w.feedStop != nil {
		w.feedStop()
	}
	w.feedStop = cancel
	w.mu.Unlock()

	evs, errs := feed.Subscribe(ctx)
	go func() {
		for {
			select {
			case ev, ok := <-evs:
				if !ok {
					return
				}
				w.ApplyRemoteChange(ev)
			case err, ok := <-errs:
				if !ok {
					return
				}
				if err != nil {
					w.logger.Warn("change feed error", zap.Error(err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// StopFollowing stops the change feed started by Follow.
func (w *Workspace) StopFollowing() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.feedStop != nil {
		w.feedStop()
		w.feedStop = nil
	}
}

// PushFallback saves every entry of the fallback store through the sync
// protocol and deletes the ones that were confirmed. It returns how many
// entries were pushed.
func (w *Workspace) PushFallback(ctx context.Context) (int, error) {
	if w.local == nil {
		return 0, nil
	}
	entries, err := w.local.ListFallback(ctx)
	if err != nil {
		return 0, err
	}

	pushed := 0
	var errs []error
	for _, fe := range entries {
		if err := w.Saver.Track(fe.EntityID, fe.Kind); err != nil {
			return pushed, err
		}
		if err := w.reconcileFallback(ctx, fe.EntityID); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", fe.EntityID, err))
			continue
		}
		res, err := w.Saver.Flush(ctx, fe.EntityID)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", fe.EntityID, err))
			continue
		}
		if res.Dirty || res.Err != nil {
			errs = append(errs, fmt.Errorf("%s: still unsaved after %s", fe.EntityID, res.Status))
			continue
		}
		// usually already removed by settled
		if err := w.local.DeleteFallback(ctx, fe.EntityID); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", fe.EntityID, err))
			continue
		}
		w.mu.Lock()
		delete(w.fallbacks, fe.EntityID)
		w.mu.Unlock()
		pushed++
	}
	return pushed, errors.Join(errs...)
}

// ApplyPolicies replaces the auto-save timing policies.
func (w *Workspace) ApplyPolicies(p map[models.EntityKind]autosave.Policy) {
	w.Saver.SetPolicies(p)
}

// Wait blocks until background saves and teardowns have finished.
func (w *Workspace) Wait() {
	w.teardowns.Wait()
	w.Saver.Wait()
}

// Shutdown tears down every tab, saving or parking unsaved content, and
// persists the session.
func (w *Workspace) Shutdown(ctx context.Context) error {
	w.StopFollowing()
	w.Session.Close()
	w.teardowns.Wait()
	err := w.Saver.Close(ctx)
	// final saves flip dirty flags after the session was closed
	w.Session.Flush()
	w.Cache.Stop()

	w.mu.Lock()
	unsubs := w.unsubs
	w.unsubs = nil
	w.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
	return err
}
