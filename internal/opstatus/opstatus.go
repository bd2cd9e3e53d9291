// Package opstatus reports transient operation status ("saving", "saved",
// "failed") to UI observers. It is kept apart from the invalidation bus:
// status is ephemeral UI state, not cache state.
package opstatus

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/appedme/sketchflow-sub001/internal/clock"
)

// Phase is the lifecycle point an Update reports.
type Phase string

const (
	PhaseStarted   Phase = "started"
	PhaseCompleted Phase = "completed"
)

// Operation is a running operation.
type Operation struct {
	ID        string
	EntityID  string
	Label     string
	StartedAt time.Time
}

// Update is delivered to observers on start and completion.
type Update struct {
	Operation
	Phase   Phase
	Success bool
	Err     error
	At      time.Time
}

// Notifier fans status updates out to observers.
type Notifier struct {
	clock clock.Clock

	mu        sync.Mutex
	observers map[int]func(Update)
	nextID    int
	active    map[string]Operation
}

// NewNotifier creates a notifier. A nil clock uses wall time.
func NewNotifier(clk clock.Clock) *Notifier {
	if clk == nil {
		clk = clock.Real()
	}
	return &Notifier{
		clock:     clk,
		observers: make(map[int]func(Update)),
		active:    make(map[string]Operation),
	}
}

// Subscribe registers fn and returns a function that removes it.
func (n *Notifier) Subscribe(fn func(Update)) func() {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.observers[id] = fn
	n.mu.Unlock()

	return func() {
		n.mu.Lock()
		delete(n.observers, id)
		n.mu.Unlock()
	}
}

// Start records a new operation and notifies observers.
func (n *Notifier) Start(entityID, label string) Operation {
	op := Operation{
		ID:        uuid.NewString(),
		EntityID:  entityID,
		Label:     label,
		StartedAt: n.clock.Now(),
	}
	n.mu.Lock()
	n.active[op.ID] = op
	n.mu.Unlock()

	n.notify(Update{Operation: op, Phase: PhaseStarted, At: op.StartedAt})
	return op
}

// Complete finishes op; a nil err reports success.
func (n *Notifier) Complete(op Operation, err error) {
	n.mu.Lock()
	delete(n.active, op.ID)
	n.mu.Unlock()

	n.notify(Update{
		Operation: op,
		Phase:     PhaseCompleted,
		Success:   err == nil,
		Err:       err,
		At:        n.clock.Now(),
	})
}

// Active returns the operations that have started but not completed.
func (n *Notifier) Active() []Operation {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Operation, 0, len(n.active))
	for _, op := range n.active {
		out = append(out, op)
	}
	return out
}

func (n *Notifier) notify(u Update) {
	n.mu.Lock()
	fns := make([]func(Update), 0, len(n.observers))
	for id := 0; id < n.nextID; id++ {
		if fn, ok := n.observers[id]; ok {
			fns = append(fns, fn)
		}
	}
	n.mu.Unlock()

	for _, fn := range fns {
		fn(u)
	}
}
