package gateway

import (
	"context"
	"errors"
	"sync"

	"github.com/appedme/sketchflow-sub001/internal/clock"
	"github.com/appedme/sketchflow-sub001/pkg/models"
)

// ErrUnavailable is the error injected by Memory failure scripting.
var ErrUnavailable = errors.New("gateway unavailable")

// Call records one Memory gateway invocation.
type Call struct {
	Op           string // "load" or "save"
	ID           string
	Content      models.Snapshot
	Precondition models.Revision
}

// Memory is an in-process Gateway. Besides backing the CLI's memory mode it
// is scriptable: failures can be injected, saves held at a gate, and remote
// writes simulated.
type Memory struct {
	clock clock.Clock

	mu        sync.Mutex
	docs      map[string]models.Document
	calls     []Call
	failLoads int
	failSaves int
	rejects   int
	gate      chan struct{}
	changed   chan struct{}
}

// NewMemory creates an empty in-memory gateway. A nil clock uses wall time.
func NewMemory(clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.Real()
	}
	return &Memory{
		clock:   clk,
		docs:    make(map[string]models.Document),
		changed: make(chan struct{}),
	}
}

// Load returns the stored document.
func (m *Memory) Load(ctx context.Context, id string) (models.Document, error) {
	m.mu.Lock()
	m.record(Call{Op: "load", ID: id})
	if m.failLoads > 0 {
		m.failLoads--
		m.mu.Unlock()
		return models.Document{}, &TransportError{Op: "load", ID: id, Err: ErrUnavailable}
	}
	doc, ok := m.docs[id]
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return models.Document{}, &TransportError{Op: "load", ID: id, Err: err}
	}
	if !ok {
		return models.Document{}, ErrNotFound
	}
	doc.Content = doc.Content.Clone()
	return doc, nil
}

// Save stores content if precondition matches the stored version.
func (m *Memory) Save(ctx context.Context, id string, content models.Snapshot, precondition models.Revision) SaveResult {
	m.mu.Lock()
	m.record(Call{Op: "save", ID: id, Content: content.Clone(), Precondition: precondition})
	gate := m.gate
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return Failed(&TransportError{Op: "save", ID: id, Err: ctx.Err()})
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSaves > 0 {
		m.failSaves--
		return Failed(&TransportError{Op: "save", ID: id, Err: ErrUnavailable})
	}
	if m.rejects > 0 {
		m.rejects--
		return Rejection(&RequestError{Op: "save", ID: id, StatusCode: 403, Message: "forbidden"})
	}

	current := m.docs[id]
	if current.Revision.Version != precondition.Version {
		return Conflicted(current.Revision)
	}
	rev := m.nextRevision(current.Revision, content)
	m.docs[id] = models.Document{ID: id, Kind: current.Kind, Content: content.Clone(), Revision: rev}
	return Success(rev)
}

// Set writes content as another writer would, bumping the version.
func (m *Memory) Set(id string, kind models.EntityKind, content models.Snapshot) models.Revision {
	m.mu.Lock()
	defer m.mu.Unlock()
	current := m.docs[id]
	rev := m.nextRevision(current.Revision, content)
	m.docs[id] = models.Document{ID: id, Kind: kind, Content: content.Clone(), Revision: rev}
	return rev
}

// Document returns the stored document without recording a call.
func (m *Memory) Document(id string) (models.Document, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	doc.Content = doc.Content.Clone()
	return doc, ok
}

// FailLoads makes the next n loads return a TransportError.
func (m *Memory) FailLoads(n int) {
	m.mu.Lock()
	m.failLoads = n
	m.mu.Unlock()
}

// FailSaves makes the next n saves return a TransportError.
func (m *Memory) FailSaves(n int) {
	m.mu.Lock()
	m.failSaves = n
	m.mu.Unlock()
}

// RejectSaves makes the next n saves come back Rejected.
func (m *Memory) RejectSaves(n int) {
	m.mu.Lock()
	m.rejects = n
	m.mu.Unlock()
}

// Hold blocks subsequent saves until the returned release func is called.
func (m *Memory) Hold() (release func()) {
	gate := make(chan struct{})
	m.mu.Lock()
	m.gate = gate
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			if m.gate == gate {
				m.gate = nil
			}
			m.mu.Unlock()
			close(gate)
		})
	}
}

// Calls returns the call log.
func (m *Memory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// Saves returns the save calls made for id.
func (m *Memory) Saves(id string) []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Call
	for _, c := range m.calls {
		if c.Op == "save" && c.ID == id {
			out = append(out, c)
		}
	}
	return out
}

// WaitSaves blocks until at least n saves of id have been received.
func (m *Memory) WaitSaves(ctx context.Context, id string, n int) error {
	for {
		m.mu.Lock()
		count := 0
		for _, c := range m.calls {
			if c.Op == "save" && c.ID == id {
				count++
			}
		}
		changed := m.changed
		m.mu.Unlock()

		if count >= n {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Must be called with lock held.
func (m *Memory) record(c Call) {
	m.calls = append(m.calls, c)
	close(m.changed)
	m.changed = make(chan struct{})
}

// Must be called with lock held.
func (m *Memory) nextRevision(prev models.Revision, content models.Snapshot) models.Revision {
	return models.Revision{
		Version:   prev.Version + 1,
		Token:     content.Digest()[:16],
		UpdatedAt: m.clock.Now(),
	}
}
