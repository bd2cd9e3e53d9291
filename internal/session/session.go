// Package session owns the open workspace session: which entities are open
// as tabs, which one is active, layout preferences and the delayed unmount
// of closed tabs.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/appedme/sketchflow-sub001/internal/clock"
	"github.com/appedme/sketchflow-sub001/internal/events"
	"github.com/appedme/sketchflow-sub001/internal/logging"
	"github.com/appedme/sketchflow-sub001/internal/metrics"
	"github.com/appedme/sketchflow-sub001/pkg/models"
)

// DefaultGrace is how long a closed tab stays mounted.
const DefaultGrace = 30 * time.Second

// DefaultDirtyPersistDelay batches dirty-flag writes to the Store.
const DefaultDirtyPersistDelay = 2 * time.Second

// ErrNoSession is returned by a Store with nothing saved for a project.
var ErrNoSession = errors.New("no saved session")

// Store persists sessions for UI continuity across restarts.
type Store interface {
	SaveSession(ctx context.Context, s models.WorkspaceSession) error
	LoadSession(ctx context.Context, projectID string) (models.WorkspaceSession, error)
}

// Hooks are called outside the manager's lock.
type Hooks struct {
	// Mount is called when a tab is mounted cold, never on a warm reopen.
	Mount func(tab models.FileTab)
	// Unmount is called on final teardown once the grace period elapses.
	Unmount func(tab models.FileTab)
}

// Options configures a Manager.
type Options struct {
	ProjectID string
	Grace     time.Duration
	Clock     clock.Clock
	Bus       *events.Bus
	Store     Store
	Hooks     Hooks
	Logger    *zap.Logger
	// DirtyPersistDelay defers persisting dirty-flag changes. Zero persists
	// them immediately like every other change.
	DirtyPersistDelay time.Duration
}

type pendingUnmount struct {
	timer clock.Timer
}

// Manager holds the workspace session. All operations are local state
// transitions and cannot fail; persistence errors are only logged.
type Manager struct {
	opts   Options
	clock  clock.Clock
	logger *zap.Logger

	mu      sync.Mutex
	state   models.WorkspaceSession
	mounted map[string]*models.FileTab
	pending map[string]*pendingUnmount

	persistMu    sync.Mutex
	persistTimer clock.Timer
}

// NewManager creates an empty session for opts.ProjectID.
func NewManager(opts Options) *Manager {
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &Manager{
		opts:   opts,
		clock:  opts.Clock,
		logger: logging.Named(opts.Logger, "session"),
		state: models.WorkspaceSession{
			ProjectID: opts.ProjectID,
			OpenFiles: make(map[string]*models.FileTab),
		},
		mounted: make(map[string]*models.FileTab),
		pending: make(map[string]*pendingUnmount),
	}
}

// effects collects work to run after the lock is released.
type effects struct {
	mount    []models.FileTab
	unmount  []models.FileTab
	selected string
	persist  bool
	deferred bool // persist after DirtyPersistDelay
}

func (m *Manager) apply(fx effects) {
	if m.opts.Hooks.Mount != nil {
		for _, tab := range fx.mount {
			m.opts.Hooks.Mount(tab)
		}
	}
	if m.opts.Hooks.Unmount != nil {
		for _, tab := range fx.unmount {
			m.opts.Hooks.Unmount(tab)
		}
	}
	if fx.selected != "" && m.opts.Bus != nil {
		m.opts.Bus.Publish(events.EntitySelected{ID: fx.selected})
	}
	switch {
	case fx.persist:
		m.persist()
	case fx.deferred:
		m.schedulePersist()
	}
}

// OpenFile adds or refreshes a tab, makes it active and mounts it.
func (m *Manager) OpenFile(id string, kind models.EntityKind, title string) {
	m.mu.Lock()
	now := m.clock.Now()
	var fx effects

	cold := false
	tab, open := m.state.OpenFiles[id]
	if !open {
		if retained, ok := m.mounted[id]; ok {
			tab = retained
			m.cancelUnmount(id)
		} else {
			tab = &models.FileTab{ID: id, LastModified: now}
			m.mounted[id] = tab
			cold = true
		}
		m.state.OpenFiles[id] = tab
		m.state.Order = append(m.state.Order, id)
	}
	tab.Kind = kind
	tab.Title = title
	tab.LastAccessed = now
	if cold {
		fx.mount = append(fx.mount, tab.Clone())
	}

	if m.state.ActiveFileID != id {
		m.state.ActiveFileID = id
		fx.selected = id
	}
	fx.persist = true
	m.touch(now)
	m.mu.Unlock()

	m.apply(fx)
}

// CloseFile removes a tab from the open set and schedules its unmount. The
// active tab moves to the earliest opened remaining tab, or to none.
func (m *Manager) CloseFile(id string) {
	m.mu.Lock()
	if _, ok := m.state.OpenFiles[id]; !ok {
		m.mu.Unlock()
		return
	}
	var fx effects

	delete(m.state.OpenFiles, id)
	m.state.Order = remove(m.state.Order, id)
	if m.state.ActiveFileID == id {
		m.state.ActiveFileID = ""
		if len(m.state.Order) > 0 {
			m.state.ActiveFileID = m.state.Order[0]
			fx.selected = m.state.ActiveFileID
		}
	}
	m.scheduleUnmount(id)
	fx.persist = true
	m.touch(m.clock.Now())
	m.mu.Unlock()

	m.apply(fx)
}

// SetActiveFile makes id the active tab. A closed tab still inside its
// grace period is restored to the open set without a cold mount. It
// reports whether id is active afterwards.
func (m *Manager) SetActiveFile(id string) bool {
	m.mu.Lock()
	if m.state.ActiveFileID == id {
		m.mu.Unlock()
		return true
	}
	now := m.clock.Now()

	tab, open := m.state.OpenFiles[id]
	if !open {
		retained, ok := m.mounted[id]
		if !ok {
			m.mu.Unlock()
			return false
		}
		m.cancelUnmount(id)
		tab = retained
		m.state.OpenFiles[id] = tab
		m.state.Order = append(m.state.Order, id)
	}
	tab.LastAccessed = now
	m.state.ActiveFileID = id
	m.touch(now)
	m.mu.Unlock()

	m.apply(effects{selected: id, persist: true})
	return true
}

// MarkFileDirty sets the tab's dirty flag. It reports whether anything
// changed.
func (m *Manager) MarkFileDirty(id string, dirty bool) bool {
	m.mu.Lock()
	tab, ok := m.tabLocked(id)
	if !ok || tab.IsDirty == dirty {
		m.mu.Unlock()
		return false
	}
	now := m.clock.Now()
	tab.IsDirty = dirty
	if dirty {
		tab.LastModified = now
	}
	m.touch(now)
	m.mu.Unlock()

	m.apply(effects{deferred: true})
	return true
}

// UpdateFileTitle renames a tab. It reports whether anything changed.
func (m *Manager) UpdateFileTitle(id, title string) bool {
	m.mu.Lock()
	tab, ok := m.tabLocked(id)
	if !ok || tab.Title == title {
		m.mu.Unlock()
		return false
	}
	tab.Title = title
	m.touch(m.clock.Now())
	m.mu.Unlock()

	m.apply(effects{persist: true})
	return true
}

// SetCachedSnapshot embeds the latest snapshot in the tab for instant reopen.
func (m *Manager) SetCachedSnapshot(id string, snap models.Snapshot) {
	m.mu.Lock()
	tab, ok := m.tabLocked(id)
	if ok {
		tab.Cached = snap.Clone()
	}
	m.mu.Unlock()
}

// UpdateLayout applies fn to the layout preferences.
func (m *Manager) UpdateLayout(fn func(*models.Layout)) {
	m.mu.Lock()
	before := m.state.Layout
	fn(&m.state.Layout)
	changed := before != m.state.Layout
	if changed {
		m.touch(m.clock.Now())
	}
	m.mu.Unlock()

	if changed {
		m.apply(effects{persist: true})
	}
}

// tabLocked finds an open or retained tab.
// Must be called with lock held.
func (m *Manager) tabLocked(id string) (*models.FileTab, bool) {
	if tab, ok := m.state.OpenFiles[id]; ok {
		return tab, true
	}
	tab, ok := m.mounted[id]
	return tab, ok
}

// Must be called with lock held.
func (m *Manager) scheduleUnmount(id string) {
	m.cancelUnmount(id)
	p := &pendingUnmount{}
	p.timer = m.clock.AfterFunc(m.opts.Grace, func() { m.expire(id, p) })
	m.pending[id] = p
}

// Must be called with lock held.
func (m *Manager) cancelUnmount(id string) {
	if p, ok := m.pending[id]; ok {
		p.timer.Stop()
		delete(m.pending, id)
	}
}

func (m *Manager) expire(id string, p *pendingUnmount) {
	m.mu.Lock()
	if m.pending[id] != p {
		m.mu.Unlock()
		return
	}
	delete(m.pending, id)
	tab, ok := m.mounted[id]
	delete(m.mounted, id)
	m.mu.Unlock()

	if ok {
		m.logger.Debug("tab unmounted after grace period", logging.Entity(id))
		m.apply(effects{unmount: []models.FileTab{tab.Clone()}})
	}
}

// Must be called with lock held.
func (m *Manager) touch(now time.Time) {
	m.state.UpdatedAt = now
	metrics.SetOpenTabs(len(m.state.OpenFiles))
}

// Snapshot returns a copy of the session.
func (m *Manager) Snapshot() models.WorkspaceSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Clone()
}

// ActiveFile returns the active tab, if any.
func (m *Manager) ActiveFile() (models.FileTab, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tab, ok := m.state.OpenFiles[m.state.ActiveFileID]
	if !ok {
		return models.FileTab{}, false
	}
	return tab.Clone(), true
}

// Tab returns an open or grace-period tab.
func (m *Manager) Tab(id string) (models.FileTab, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tab, ok := m.tabLocked(id)
	if !ok {
		return models.FileTab{}, false
	}
	return tab.Clone(), true
}

// OpenFiles returns the open tabs in the order they were opened.
func (m *Manager) OpenFiles() []models.FileTab {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.FileTab, 0, len(m.state.Order))
	for _, id := range m.state.Order {
		out = append(out, m.state.OpenFiles[id].Clone())
	}
	return out
}

// IsOpen reports whether id is in the open set.
func (m *Manager) IsOpen(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.state.OpenFiles[id]
	return ok
}

// IsMounted reports whether id's editor resource is mounted.
func (m *Manager) IsMounted(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.mounted[id]
	return ok
}

// Restore replaces the session with the one saved for the project. Restored
// tabs are mounted cold. A missing saved session is not an error.
func (m *Manager) Restore(ctx context.Context) error {
	if m.opts.Store == nil {
		return nil
	}
	saved, err := m.opts.Store.LoadSession(ctx, m.opts.ProjectID)
	if errors.Is(err, ErrNoSession) {
		return nil
	}
	if err != nil {
		return err
	}
	if saved.OpenFiles == nil {
		saved.OpenFiles = make(map[string]*models.FileTab)
	}
	// drop order entries without a tab and tabs without an order entry
	order := make([]string, 0, len(saved.Order))
	for _, id := range saved.Order {
		if _, ok := saved.OpenFiles[id]; ok && !contains(order, id) {
			order = append(order, id)
		}
	}
	for id := range saved.OpenFiles {
		if !contains(order, id) {
			delete(saved.OpenFiles, id)
		}
	}
	saved.Order = order
	if _, ok := saved.OpenFiles[saved.ActiveFileID]; !ok {
		saved.ActiveFileID = ""
	}

	m.mu.Lock()
	var fx effects
	for id := range m.pending {
		m.cancelUnmount(id)
	}
	m.state = saved
	m.state.ProjectID = m.opts.ProjectID
	m.mounted = make(map[string]*models.FileTab, len(saved.OpenFiles))
	for _, id := range saved.Order {
		tab := saved.OpenFiles[id]
		m.mounted[id] = tab
		fx.mount = append(fx.mount, tab.Clone())
	}
	fx.selected = m.state.ActiveFileID
	metrics.SetOpenTabs(len(m.state.OpenFiles))
	m.mu.Unlock()

	m.apply(fx)
	return nil
}

// Close tears down every tab still inside its grace period and persists the
// session.
func (m *Manager) Close() {
	m.mu.Lock()
	var fx effects
	for id := range m.pending {
		m.cancelUnmount(id)
		if tab, ok := m.mounted[id]; ok {
			fx.unmount = append(fx.unmount, tab.Clone())
			delete(m.mounted, id)
		}
	}
	fx.persist = true
	m.mu.Unlock()

	m.apply(fx)
}

// schedulePersist arms a single timer; changes made before it fires are
// written together.
func (m *Manager) schedulePersist() {
	if m.opts.Store == nil {
		return
	}
	if m.opts.DirtyPersistDelay <= 0 {
		m.persist()
		return
	}
	m.persistMu.Lock()
	defer m.persistMu.Unlock()
	if m.persistTimer == nil {
		m.persistTimer = m.clock.AfterFunc(m.opts.DirtyPersistDelay, m.flushPersist)
	}
}

func (m *Manager) flushPersist() {
	m.persistMu.Lock()
	m.persistTimer = nil
	m.persistMu.Unlock()
	m.persist()
}

// Flush writes a deferred dirty-flag change now, if one is pending.
func (m *Manager) Flush() {
	m.persistMu.Lock()
	pending := m.persistTimer != nil
	m.persistMu.Unlock()
	if pending {
		m.persist()
	}
}

// persist writes the session now, superseding any scheduled write.
func (m *Manager) persist() {
	if m.opts.Store == nil {
		return
	}
	m.persistMu.Lock()
	if m.persistTimer != nil {
		m.persistTimer.Stop()
		m.persistTimer = nil
	}
	m.persistMu.Unlock()

	snap := m.Snapshot()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.opts.Store.SaveSession(ctx, snap); err != nil {
		m.logger.Warn("failed to persist session", zap.String("project_id", snap.ProjectID), zap.Error(err))
	}
}

func remove(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
