package events

import (
	"slices"
	"sync"

	"go.uber.org/zap"
)

// Handler consumes one event. Handlers run sequentially on the publisher's
// goroutine; long work must be handed to the handler's own bounded queue.
type Handler func(Event)

// Bus is the process-wide publish/subscribe registry keyed by event kind.
// The registry lock is held only while subscribing and unsubscribing, never
// across dispatch, so handlers may themselves publish or unsubscribe.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[Kind]map[uint64]Handler
	logger *zap.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:   make(map[Kind]map[uint64]Handler),
		logger: logger,
	}
}

// Subscription unregisters its handler when Unsubscribe is called. Safe to
// call more than once.
type Subscription struct {
	bus  *Bus
	kind Kind
	id   uint64
	once sync.Once
}

// Unsubscribe removes the handler from the bus.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		if handlers, ok := s.bus.subs[s.kind]; ok {
			delete(handlers, s.id)
			if len(handlers) == 0 {
				delete(s.bus.subs, s.kind)
			}
		}
	})
}

// Subscribe registers a handler for one event kind and returns the handle
// that removes it.
func (b *Bus) Subscribe(kind Kind, h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	handlers, ok := b.subs[kind]
	if !ok {
		handlers = make(map[uint64]Handler)
		b.subs[kind] = handlers
	}
	handlers[id] = h
	return &Subscription{bus: b, kind: kind, id: id}
}

// Publish delivers the event to every handler currently registered for its
// kind, in subscription order. A panicking handler is logged and contained;
// remaining handlers still run. Invalid events are dropped with a debug log.
func (b *Bus) Publish(evt Event) {
	if err := evt.Validate(); err != nil {
		b.logger.Debug("discarding invalid event", zap.String("kind", string(evt.Kind)), zap.Error(err))
		return
	}

	b.mu.RLock()
	registered := b.subs[evt.Kind]
	ids := make([]uint64, 0, len(registered))
	for id := range registered {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, registered[id])
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.dispatch(evt, h)
	}
}

func (b *Bus) dispatch(evt Event, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("kind", string(evt.Kind)),
				zap.Any("panic", r),
			)
		}
	}()
	h(evt)
}
