// Package autosave decides when edited entities are persisted. Each tracked
// entity runs a small state machine driven by edit notifications, a debounce
// timer, a per-entity throttle floor and the outcome of the sync protocol.
package autosave

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/appedme/sketchflow-sub001/internal/cache"
	"github.com/appedme/sketchflow-sub001/internal/clock"
	"github.com/appedme/sketchflow-sub001/internal/logging"
	"github.com/appedme/sketchflow-sub001/internal/metrics"
	"github.com/appedme/sketchflow-sub001/internal/opstatus"
	"github.com/appedme/sketchflow-sub001/internal/syncer"
	"github.com/appedme/sketchflow-sub001/pkg/models"
)

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("autosave coordinator closed")
	// ErrNotTracked is returned for entities that were never tracked.
	ErrNotTracked = errors.New("entity not tracked")
	// ErrConflict is reported to status observers when a save was rejected
	// and the canonical copy reloaded.
	ErrConflict = errors.New("save conflicted, canonical copy reloaded")
)

// DefaultFailureRetryDelay re-arms a save after a retry-exhausted failure.
const DefaultFailureRetryDelay = 30 * time.Second

const historyLimit = 10

// State is the per-entity save state.
type State string

const (
	StateClean     State = "clean"
	StatePending   State = "pending_save"
	StateSaving    State = "saving"
	StateReloading State = "reloading"
)

// Policy holds the timing rules for one entity kind.
type Policy struct {
	// Debounce is the quiet period after the last edit before a save.
	Debounce time.Duration `yaml:"debounce" validate:"min=0"`
	// MinInterval is the floor between two network save attempts.
	MinInterval time.Duration `yaml:"min_interval" validate:"min=0"`
}

// DefaultPolicies returns the per-kind defaults.
func DefaultPolicies() map[models.EntityKind]Policy {
	return map[models.EntityKind]Policy{
		models.KindDocument: {Debounce: 2 * time.Second, MinInterval: time.Second},
		models.KindCanvas:   {Debounce: 3 * time.Second, MinInterval: time.Second},
	}
}

// FallbackStore is the local durable target for content that could not be
// saved at teardown.
type FallbackStore interface {
	PutFallback(ctx context.Context, e models.FallbackEntry) error
}

// Options configures a Coordinator.
type Options struct {
	Protocol *syncer.Protocol
	Cache    *cache.Cache
	Status   *opstatus.Notifier
	Fallback FallbackStore
	Clock    clock.Clock
	Policies map[models.EntityKind]Policy
	// FailureRetryDelay re-arms a failed save; zero disables re-arming.
	FailureRetryDelay time.Duration
	// OnSettled is called after every attempt, outside the coordinator lock.
	OnSettled func(id string, res syncer.Result)
	Logger    *zap.Logger
}

type tracker struct {
	id   string
	kind models.EntityKind

	state       State
	timer       clock.Timer
	timerSeq    uint64
	lastAttempt time.Time
	inflight    chan struct{}
	followUp    bool
	followKind  syncer.Kind
	history     []syncer.Attempt
}

// Coordinator schedules saves for tracked entities. At most one attempt per
// entity is in flight; requests arriving meanwhile are coalesced into one
// follow-up attempt.
type Coordinator struct {
	protocol *syncer.Protocol
	cache    *cache.Cache
	status   *opstatus.Notifier
	fallback FallbackStore
	clock    clock.Clock
	retry    time.Duration
	settled  func(string, syncer.Result)
	logger   *zap.Logger

	mu       sync.Mutex
	policies map[models.EntityKind]Policy
	trackers map[string]*tracker
	closed   bool
	wg       sync.WaitGroup
}

// New creates a Coordinator.
func New(opts Options) *Coordinator {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Status == nil {
		opts.Status = opstatus.NewNotifier(opts.Clock)
	}
	if opts.Policies == nil {
		opts.Policies = DefaultPolicies()
	}
	if opts.FailureRetryDelay < 0 {
		opts.FailureRetryDelay = 0
	}
	return &Coordinator{
		protocol: opts.Protocol,
		cache:    opts.Cache,
		status:   opts.Status,
		fallback: opts.Fallback,
		clock:    opts.Clock,
		retry:    opts.FailureRetryDelay,
		settled:  opts.OnSettled,
		logger:   logging.Named(opts.Logger, "autosave"),
		policies: copyPolicies(opts.Policies),
		trackers: make(map[string]*tracker),
	}
}

func copyPolicies(in map[models.EntityKind]Policy) map[models.EntityKind]Policy {
	out := make(map[models.EntityKind]Policy, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// SetPolicies replaces the timing policies. Timers already armed keep their
// deadline.
func (c *Coordinator) SetPolicies(p map[models.EntityKind]Policy) {
	c.mu.Lock()
	c.policies = copyPolicies(p)
	c.mu.Unlock()
}

// Must be called with lock held.
func (c *Coordinator) policyLocked(kind models.EntityKind) Policy {
	if p, ok := c.policies[kind]; ok {
		return p
	}
	return DefaultPolicies()[models.KindDocument]
}

// Track starts managing id. Tracking an already tracked entity only updates
// its kind.
func (c *Coordinator) Track(id string, kind models.EntityKind) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if t, ok := c.trackers[id]; ok {
		t.kind = kind
		return nil
	}
	t := &tracker{id: id, kind: kind, state: StateClean}
	if c.cache.Dirty(id) {
		// dirty content from before tracking started, e.g. a staged fallback
		t.state = StatePending
		c.armLocked(t, c.policyLocked(kind).Debounce, syncer.KindAuto)
	}
	c.trackers[id] = t
	return nil
}

// Tracked reports whether id is tracked.
func (c *Coordinator) Tracked(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.trackers[id]
	return ok
}

// Edit stages content as the entity's new local state and notifies the
// coordinator of the edit.
func (c *Coordinator) Edit(id string, content models.Snapshot) error {
	c.mu.Lock()
	_, ok := c.trackers[id]
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !ok {
		return ErrNotTracked
	}
	c.cache.Stage(id, content)
	return c.NotifyEdit(id)
}

// NotifyEdit records that id was edited and restarts its debounce window.
func (c *Coordinator) NotifyEdit(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	t, ok := c.trackers[id]
	if !ok {
		return ErrNotTracked
	}
	if t.inflight == nil {
		t.state = StatePending
	}
	c.armLocked(t, c.policyLocked(t.kind).Debounce, syncer.KindAuto)
	return nil
}

// ManualSave requests an immediate save of id, bypassing the debounce. If a
// save is already in flight the request is coalesced into its follow-up.
func (c *Coordinator) ManualSave(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	t, ok := c.trackers[id]
	if !ok {
		return ErrNotTracked
	}
	c.stopTimerLocked(t)
	c.fireLocked(t, syncer.KindManual)
	return nil
}

// Must be called with lock held.
func (c *Coordinator) stopTimerLocked(t *tracker) {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.timerSeq++
}

// armLocked (re)schedules the entity's single timer.
// Must be called with lock held.
func (c *Coordinator) armLocked(t *tracker, d time.Duration, kind syncer.Kind) {
	c.stopTimerLocked(t)
	seq := t.timerSeq
	t.timer = c.clock.AfterFunc(d, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if t.timerSeq != seq || c.closed {
			return
		}
		t.timer = nil
		c.fireLocked(t, kind)
	})
}

// fireLocked starts an attempt now, or defers it behind the in-flight
// attempt or the throttle floor.
// Must be called with lock held.
func (c *Coordinator) fireLocked(t *tracker, kind syncer.Kind) {
	if t.inflight != nil {
		t.followUp = true
		if kind == syncer.KindManual {
			t.followKind = syncer.KindManual
		}
		return
	}

	floor := c.policyLocked(t.kind).MinInterval
	if !t.lastAttempt.IsZero() {
		if wait := t.lastAttempt.Add(floor).Sub(c.clock.Now()); wait > 0 {
			t.state = StatePending
			c.armLocked(t, wait, kind)
			return
		}
	}

	a, ok := c.beginLocked(t, kind)
	if !ok {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.execute(context.Background(), t, a)
	}()
}

// beginLocked captures an attempt and marks it in flight.
// Must be called with lock held.
func (c *Coordinator) beginLocked(t *tracker, kind syncer.Kind) (*syncer.Attempt, bool) {
	a, ok := c.protocol.Prepare(t.id, kind)
	if !ok {
		t.state = StateClean
		return nil, false
	}
	a.OnConflict = func() {
		c.mu.Lock()
		t.state = StateReloading
		c.mu.Unlock()
	}
	t.state = StateSaving
	t.inflight = make(chan struct{})
	t.lastAttempt = c.clock.Now()
	return a, true
}

// execute runs a prepared attempt and settles the tracker.
func (c *Coordinator) execute(ctx context.Context, t *tracker, a *syncer.Attempt) syncer.Result {
	op := c.status.Start(t.id, fmt.Sprintf("%s save", a.Kind))
	res := c.protocol.Save(ctx, a)

	switch res.Status {
	case syncer.StatusConflicted:
		if res.Err != nil {
			c.status.Complete(op, res.Err)
		} else {
			c.status.Complete(op, ErrConflict)
		}
	default:
		c.status.Complete(op, res.Err)
	}

	c.mu.Lock()
	c.settleLocked(t, a, res)
	c.mu.Unlock()

	if c.settled != nil {
		c.settled(t.id, res)
	}
	return res
}

// Must be called with lock held.
func (c *Coordinator) settleLocked(t *tracker, a *syncer.Attempt, res syncer.Result) {
	close(t.inflight)
	t.inflight = nil
	t.history = append(t.history, *a)
	if len(t.history) > historyLimit {
		t.history = t.history[len(t.history)-historyLimit:]
	}

	if !res.Dirty {
		t.state = StateClean
	} else {
		t.state = StatePending
	}

	if c.closed {
		return
	}
	switch {
	case t.followUp:
		kind := t.followKind
		t.followUp = false
		t.followKind = ""
		if kind == "" {
			kind = syncer.KindAuto
		}
		c.stopTimerLocked(t)
		c.fireLocked(t, kind)
	case t.timer != nil:
		// an edit during flight armed a debounce; let it run
		t.state = StatePending
	case res.Dirty && res.Status == syncer.StatusFailed:
		if c.retry > 0 {
			c.armLocked(t, c.retry, syncer.KindAuto)
		}
	case res.Dirty:
		c.armLocked(t, c.policyLocked(t.kind).Debounce, syncer.KindAuto)
	}
}

// awaitIdle stops the entity's timer and waits until no attempt is in
// flight. It returns with the lock held on success.
func (c *Coordinator) awaitIdle(ctx context.Context, t *tracker) error {
	for {
		c.mu.Lock()
		c.stopTimerLocked(t)
		t.followUp = false
		ch := t.inflight
		if ch == nil {
			return nil
		}
		c.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Flush saves id synchronously if it is dirty, waiting for any in-flight
// attempt first.
func (c *Coordinator) Flush(ctx context.Context, id string) (syncer.Result, error) {
	c.mu.Lock()
	t, ok := c.trackers[id]
	c.mu.Unlock()
	if !ok {
		return syncer.Result{}, ErrNotTracked
	}
	return c.flush(ctx, t)
}

func (c *Coordinator) flush(ctx context.Context, t *tracker) (syncer.Result, error) {
	if err := c.awaitIdle(ctx, t); err != nil {
		return syncer.Result{Status: syncer.StatusFailed, Dirty: true, Err: err}, err
	}
	a, ok := c.beginLocked(t, syncer.KindManual)
	c.mu.Unlock()
	if !ok {
		return syncer.Result{Status: syncer.StatusSucceeded}, nil
	}
	return c.execute(ctx, t, a), nil
}

// Teardown is called when the entity's editor goes away. It waits for any
// in-flight attempt, makes a best-effort synchronous save and, if content is
// still unsaved, writes it to the fallback store. The entity is untracked
// afterwards. Only a failed fallback write is returned as an error.
func (c *Coordinator) Teardown(ctx context.Context, id string) error {
	c.mu.Lock()
	t, ok := c.trackers[id]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	defer func() {
		c.mu.Lock()
		c.stopTimerLocked(t)
		if c.trackers[id] == t {
			delete(c.trackers, id)
		}
		c.mu.Unlock()
	}()

	res, err := c.flush(ctx, t)
	if err == nil && !res.Dirty {
		return nil
	}
	return c.writeFallback(ctx, t)
}

func (c *Coordinator) writeFallback(ctx context.Context, t *tracker) error {
	entry, ok := c.cache.Peek(t.id)
	if !ok || !entry.Dirty {
		return nil
	}
	if c.fallback == nil {
		c.logger.Warn("unsaved content at teardown and no fallback store", logging.Entity(t.id))
		return nil
	}

	fe := models.FallbackEntry{
		EntityID: t.id,
		Kind:     t.kind,
		Content:  entry.Content,
		Digest:   entry.Content.Digest(),
		SavedAt:  c.clock.Now(),
		Base:     entry.Remote,
	}
	// a cancelled teardown context must not stop the last-resort write
	err := c.fallback.PutFallback(context.WithoutCancel(ctx), fe)
	metrics.RecordFallbackWrite(err == nil)
	if err != nil {
		c.logger.Error("fallback write failed", logging.Entity(t.id), zap.Error(err))
		return fmt.Errorf("write fallback for %s: %w", t.id, err)
	}
	c.logger.Warn("unsaved content written to fallback store",
		logging.Entity(t.id), zap.Int64("base_version", entry.Remote.Version))
	return nil
}

// Wait blocks until no background attempt is in flight.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Close tears down every tracked entity and rejects further use.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	ids := make([]string, 0, len(c.trackers))
	for id := range c.trackers {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := c.Teardown(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.wg.Wait()
	return errors.Join(errs...)
}

// State returns the save state of id.
func (c *Coordinator) State(id string) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.trackers[id]
	if !ok {
		return "", false
	}
	return t.state, true
}

// History returns the most recent attempts for id, oldest first.
func (c *Coordinator) History(id string) []syncer.Attempt {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.trackers[id]
	if !ok {
		return nil
	}
	return append([]syncer.Attempt(nil), t.history...)
}

// Saving reports how many entities have an attempt in flight.
func (c *Coordinator) Saving() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.trackers {
		if t.inflight != nil {
			n++
		}
	}
	return n
}
