// Package bus carries conversation events from the orchestrator to the
// presentation layer and other observers.
package bus

import (
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// Event is one state change published by the orchestrator.
type Event struct {
	Type      string
	SessionID string // "" while the session id is still pending
	Payload   map[string]any
	Timestamp time.Time
}

// Handler receives events. Handlers run synchronously on the emitting
// goroutine and must not call back into the orchestrator's locked paths.
type Handler func(Event)

const (
	EventMessageAppended    = "message.appended"
	EventWaitingChanged     = "waiting.changed"
	EventReservationChanged = "reservation.changed"
	EventHandoffDetected    = "handoff.detected"
	EventSessionClosed      = "session.closed"
	EventSessionAdopted     = "session.adopted"
	EventSessionLoaded      = "session.loaded"
	EventInputLocked        = "input.locked"
	EventPersistFailed      = "persist.failed"
	EventNLUFailed          = "nlu.failed"

	// Wildcard subscribes to every event type.
	Wildcard = "*"
)

type subscription struct {
	id      string
	handler Handler
}

// EventBus is a topic based publish/subscribe hub with a bounded replay
// history.
type EventBus struct {
	mu         sync.RWMutex
	handlers   map[string][]subscription
	nextID     int
	logger     *slog.Logger
	history    []Event
	maxHistory int
}

func NewEventBus(logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		handlers:   make(map[string][]subscription),
		logger:     logger,
		maxHistory: 500,
	}
}

// On registers handler for eventType (or Wildcard) and returns an id for Off.
func (eb *EventBus) On(eventType string, handler Handler) string {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	id := eventType + "#" + strconv.Itoa(eb.nextID)
	eb.handlers[eventType] = append(eb.handlers[eventType], subscription{id: id, handler: handler})
	return id
}

func (eb *EventBus) Off(eventType, id string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	subs := eb.handlers[eventType]
	for i, s := range subs {
		if s.id == id {
			eb.handlers[eventType] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Emit records the event and calls matching handlers in registration
// order, specific handlers before wildcard ones. A panicking handler is
// logged and does not stop delivery.
func (eb *EventBus) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	eb.mu.Lock()
	if len(eb.history) >= eb.maxHistory {
		eb.history = eb.history[1:]
	}
	eb.history = append(eb.history, ev)
	subs := make([]subscription, 0, len(eb.handlers[ev.Type])+len(eb.handlers[Wildcard]))
	subs = append(subs, eb.handlers[ev.Type]...)
	if ev.Type != Wildcard {
		subs = append(subs, eb.handlers[Wildcard]...)
	}
	eb.mu.Unlock()

	for _, s := range subs {
		eb.dispatch(s, ev)
	}
}

func (eb *EventBus) dispatch(s subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "event", ev.Type, "handler", s.id, "panic", r)
		}
	}()
	s.handler(ev)
}

// Replay returns recorded events of eventType (or Wildcard) at or after since.
func (eb *EventBus) Replay(eventType string, since time.Time) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	var out []Event
	for _, e := range eb.history {
		if e.Timestamp.Before(since) {
			continue
		}
		if eventType == Wildcard || e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (eb *EventBus) historyLen() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.history)
}
