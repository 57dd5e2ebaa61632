package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/songzhibin97/approval-engine/logger"
)

var (
	ErrBusClosed   = errors.New("event bus is closed")
	ErrChannelFull = errors.New("event queue is full")
	ErrNoHandler   = errors.New("no handlers registered for event type")
)

// Event types published by the engine.
const (
	EventTransitionCommitted = "transition_committed"
	EventStatusChanged       = "status_changed"
)

// DefaultQueueSize is how many events wait for delivery before Publish
// starts failing with ErrChannelFull.
const DefaultQueueSize = 100

// Event is something that happened to an instance. At is stamped on
// publish when left zero.
type Event struct {
	Type       string
	InstanceID string
	At         time.Time
	Data       map[string]interface{}
}

// EventHandler defines the interface for handling events.
type EventHandler interface {
	Handle(ctx context.Context, event Event) error
}

// EventHandlerFunc is a function adapter for EventHandler.
type EventHandlerFunc func(ctx context.Context, event Event) error

func (f EventHandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Subscription identifies one Subscribe call.
type Subscription struct {
	eventType string
	id        uint64
}

type subscriber struct {
	id      uint64
	handler EventHandler
}

// EventBus delivers events to in-process subscribers on a single
// dispatcher goroutine. Events are delivered in publish order and the
// handlers of one event run one after another in subscription order.
type EventBus struct {
	mu         sync.RWMutex
	subs       map[string][]subscriber
	nextID     uint64
	queue      chan Event
	onError    func(event Event, err error)
	closeMu    sync.RWMutex
	closed     bool
	dispatcher sync.WaitGroup
}

type EventBusOption func(*EventBus)

// WithBufferSize sets how many events may wait for delivery.
func WithBufferSize(size int) EventBusOption {
	return func(eb *EventBus) {
		eb.queue = make(chan Event, size)
	}
}

// WithErrorHandler receives the errors returned by handlers. Errors are
// logged by default.
func WithErrorHandler(handler func(event Event, err error)) EventBusOption {
	return func(eb *EventBus) {
		eb.onError = handler
	}
}

func NewEventBus(options ...EventBusOption) *EventBus {
	eb := &EventBus{
		subs:    make(map[string][]subscriber),
		queue:   make(chan Event, DefaultQueueSize),
		onError: logHandlerError,
	}
	for _, option := range options {
		option(eb)
	}

	eb.dispatcher.Add(1)
	go eb.dispatch()
	return eb
}

// Subscribe adds handler for eventType.
func (eb *EventBus) Subscribe(eventType string, handler EventHandler) Subscription {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	eb.subs[eventType] = append(eb.subs[eventType], subscriber{id: eb.nextID, handler: handler})
	return Subscription{eventType: eventType, id: eb.nextID}
}

func (eb *EventBus) SubscribeFunc(eventType string, handlerFunc func(ctx context.Context, event Event) error) Subscription {
	return eb.Subscribe(eventType, EventHandlerFunc(handlerFunc))
}

// Unsubscribe removes sub and reports whether it was still active.
func (eb *EventBus) Unsubscribe(sub Subscription) bool {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	list := eb.subs[sub.eventType]
	for i, s := range list {
		if s.id != sub.id {
			continue
		}
		list = append(list[:i:i], list[i+1:]...)
		if len(list) == 0 {
			delete(eb.subs, sub.eventType)
		} else {
			eb.subs[sub.eventType] = list
		}
		return true
	}
	return false
}

func (eb *EventBus) HasSubscribers(eventType string) bool {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subs[eventType]) > 0
}

// Publish queues event for delivery without waiting for it.
func (eb *EventBus) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	eb.closeMu.RLock()
	defer eb.closeMu.RUnlock()
	if eb.closed {
		return ErrBusClosed
	}
	if !eb.HasSubscribers(event.Type) {
		return ErrNoHandler
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	select {
	case eb.queue <- event:
		return nil
	default:
		return ErrChannelFull
	}
}

// Stop drops undelivered events and waits for the handler running now.
// It is safe to call more than once.
func (eb *EventBus) Stop() {
	eb.closeMu.Lock()
	if !eb.closed {
		eb.closed = true
		for len(eb.queue) > 0 {
			<-eb.queue
		}
		close(eb.queue)
	}
	eb.closeMu.Unlock()

	eb.dispatcher.Wait()
}

func (eb *EventBus) handlers(eventType string) []EventHandler {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	out := make([]EventHandler, 0, len(eb.subs[eventType]))
	for _, s := range eb.subs[eventType] {
		out = append(out, s.handler)
	}
	return out
}

func (eb *EventBus) dispatch() {
	defer eb.dispatcher.Done()

	for event := range eb.queue {
		for _, h := range eb.handlers(event.Type) {
			if err := h.Handle(context.Background(), event); err != nil {
				eb.onError(event, err)
			}
		}
	}
}

func logHandlerError(event Event, err error) {
	logger.Error("event handler failed",
		zap.String("event", event.Type),
		zap.String("instance", event.InstanceID),
		zap.Error(err))
}
