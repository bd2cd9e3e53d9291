package localstore

import (
	"context"
	"sort"
	"sync"

	"github.com/appedme/sketchflow-sub001/internal/session"
	"github.com/appedme/sketchflow-sub001/pkg/models"
)

// Memory is a non-durable local store for tests and ephemeral workspaces.
type Memory struct {
	mu       sync.Mutex
	fallback map[string]models.FallbackEntry
	sessions map[string]models.WorkspaceSession
}

var _ session.Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		fallback: make(map[string]models.FallbackEntry),
		sessions: make(map[string]models.WorkspaceSession),
	}
}

func (m *Memory) PutFallback(_ context.Context, e models.FallbackEntry) error {
	if e.Digest == "" {
		e.Digest = e.Content.Digest()
	}
	e.Content = e.Content.Clone()
	m.mu.Lock()
	m.fallback[e.EntityID] = e
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetFallback(_ context.Context, id string) (models.FallbackEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.fallback[id]
	if !ok {
		return models.FallbackEntry{}, ErrNotFound
	}
	e.Content = e.Content.Clone()
	return e, nil
}

func (m *Memory) DeleteFallback(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.fallback, id)
	m.mu.Unlock()
	return nil
}

func (m *Memory) ListFallback(_ context.Context) ([]models.FallbackEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.FallbackEntry, 0, len(m.fallback))
	for _, e := range m.fallback {
		e.Content = e.Content.Clone()
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SavedAt.Equal(out[j].SavedAt) {
			return out[i].EntityID < out[j].EntityID
		}
		return out[i].SavedAt.Before(out[j].SavedAt)
	})
	return out, nil
}

func (m *Memory) SaveSession(_ context.Context, ws models.WorkspaceSession) error {
	m.mu.Lock()
	m.sessions[ws.ProjectID] = ws.Clone()
	m.mu.Unlock()
	return nil
}

func (m *Memory) LoadSession(_ context.Context, projectID string) (models.WorkspaceSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.sessions[projectID]
	if !ok {
		return models.WorkspaceSession{}, session.ErrNoSession
	}
	return ws.Clone(), nil
}
