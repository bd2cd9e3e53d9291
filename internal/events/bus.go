// Package events provides the invalidation bus that fans cache and session
// changes out to local subscribers.
package events

import (
	"sync"

	"go.uber.org/zap"

	"github.com/appedme/sketchflow-sub001/internal/logging"
	"github.com/appedme/sketchflow-sub001/internal/metrics"
	"github.com/appedme/sketchflow-sub001/pkg/models"
)

// Kind identifies an event type on the bus.
type Kind string

const (
	KindCacheUpdated   Kind = "cache-updated"
	KindContentChanged Kind = "content-changed"
	KindEntitySelected Kind = "entity-selected"
	KindEntitySaved    Kind = "entity-saved"
	KindCacheCleared   Kind = "cache-cleared"
)

// Event is implemented by every payload published on the bus.
type Event interface {
	Kind() Kind
	Entity() string
}

// CacheUpdated is published after a snapshot is written to the cache.
type CacheUpdated struct {
	ID        string
	Version   int64
	Immediate bool
}

func (CacheUpdated) Kind() Kind       { return KindCacheUpdated }
func (e CacheUpdated) Entity() string { return e.ID }

// ContentChanged is published when an entity gains unsaved local edits.
type ContentChanged struct {
	ID string
}

func (ContentChanged) Kind() Kind       { return KindContentChanged }
func (e ContentChanged) Entity() string { return e.ID }

// EntitySelected is published when a tab becomes active.
type EntitySelected struct {
	ID string
}

func (EntitySelected) Kind() Kind       { return KindEntitySelected }
func (e EntitySelected) Entity() string { return e.ID }

// EntitySaved is published after the remote store accepts a save.
type EntitySaved struct {
	ID       string
	Revision models.Revision
}

func (EntitySaved) Kind() Kind       { return KindEntitySaved }
func (e EntitySaved) Entity() string { return e.ID }

// CacheCleared is published when an entry is dropped explicitly. An empty
// ID means the whole cache was cleared.
type CacheCleared struct {
	ID string
}

func (CacheCleared) Kind() Kind       { return KindCacheCleared }
func (e CacheCleared) Entity() string { return e.ID }

// Handler receives published events.
type Handler func(Event)

type subscriber struct {
	id      uint64
	kinds   map[Kind]struct{}
	handler Handler
}

func (s *subscriber) wants(k Kind) bool {
	if len(s.kinds) == 0 {
		return true
	}
	_, ok := s.kinds[k]
	return ok
}

// Bus delivers events synchronously to subscribers in registration order.
// Subscribing or unsubscribing from inside a handler is allowed; the change
// applies to the next Publish.
type Bus struct {
	mu     sync.Mutex
	nextID uint64
	subs   []*subscriber
	logger *zap.Logger
}

// NewBus creates an empty bus. A nil logger uses the global logger.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{logger: logging.Named(logger, "events")}
}

// Subscribe registers h for the given kinds, or for every kind when none
// are given. The returned function removes the subscription.
func (b *Bus) Subscribe(h Handler, kinds ...Kind) func() {
	s := &subscriber{handler: h}
	if len(kinds) > 0 {
		s.kinds = make(map[Kind]struct{}, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = struct{}{}
		}
	}

	b.mu.Lock()
	b.nextID++
	s.id = b.nextID
	subs := make([]*subscriber, len(b.subs), len(b.subs)+1)
	copy(subs, b.subs)
	b.subs = append(subs, s)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(s.id) })
	}
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		if s.id != id {
			subs = append(subs, s)
		}
	}
	b.subs = subs
}

// On subscribes a typed handler to the kind of E.
func On[E Event](b *Bus, h func(E)) func() {
	var zero E
	return b.Subscribe(func(ev Event) {
		if e, ok := ev.(E); ok {
			h(e)
		}
	}, zero.Kind())
}

// Publish delivers ev to every matching subscriber before returning. A
// panicking handler is logged and does not stop delivery to the rest.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	subs := b.subs
	b.mu.Unlock()

	for _, s := range subs {
		if s.wants(ev.Kind()) {
			b.deliver(s, ev)
		}
	}
	metrics.RecordBusEvent(string(ev.Kind()))
}

func (b *Bus) deliver(s *subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("kind", string(ev.Kind())),
				logging.Entity(ev.Entity()),
				zap.Any("panic", r))
		}
	}()
	s.handler(ev)
}

// Count returns the current number of subscribers.
func (b *Bus) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
