// Package events delivers workflow lifecycle events to subscribers.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

var (
	// ErrBusClosed is returned by Publish after Stop.
	ErrBusClosed = errors.New("event bus is closed")
	// ErrQueueFull is returned when the delivery queue has no room left.
	ErrQueueFull = errors.New("event queue is full")
	// ErrNoHandler is returned when nobody subscribed to the event type.
	ErrNoHandler = errors.New("no handlers registered for event type")
)

// Event types published by the engine.
const (
	InstanceStarted   = "instance_started"
	NodeEntered       = "node_entered"
	TaskCreated       = "task_created"
	TaskCompleted     = "task_completed"
	ServiceExecuted   = "service_executed"
	InstanceCompleted = "instance_completed"
	InstanceCancelled = "instance_cancelled"
	InstanceSuspended = "instance_suspended"
	InstanceResumed   = "instance_resumed"
	InstanceRetried   = "instance_retried"
	InstanceFailed    = "instance_failed"
)

// DefaultQueueSize is the number of events a bus holds before Publish
// starts failing with ErrQueueFull.
const DefaultQueueSize = 100

// Event represents a lifecycle change of a workflow instance.
type Event struct {
	Type       string
	InstanceID uint64
	NodeID     string
	Timestamp  int64 // unix millis
	Data       map[string]interface{}
}

type EventHandler interface {
	Handle(ctx context.Context, event Event) error
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(ctx context.Context, event Event) error

func (f EventHandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

type subscriber struct {
	id      uint64
	handler EventHandler
}

// EventBus queues published events and hands each one to the subscribers of
// its type from a single goroutine. Events are delivered in the order they
// were published, and a subscriber sees one event at a time.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[string][]subscriber
	nextID uint64

	queue   chan Event
	onError func(event Event, err error)
	logger  *slog.Logger

	// stateMu guards stopped and the close of queue.
	stateMu sync.RWMutex
	stopped bool
	done    chan struct{}
}

type Option func(*EventBus)

// WithQueueSize sets how many events may wait for delivery.
func WithQueueSize(size int) Option {
	return func(b *EventBus) {
		b.queue = make(chan Event, size)
	}
}

// WithErrorHandler replaces logging as the way handler failures are reported.
func WithErrorHandler(fn func(event Event, err error)) Option {
	return func(b *EventBus) {
		b.onError = fn
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(b *EventBus) {
		b.logger = logger
	}
}

func NewEventBus(opts ...Option) *EventBus {
	b := &EventBus{
		subs:   make(map[string][]subscriber),
		queue:  make(chan Event, DefaultQueueSize),
		logger: slog.Default(),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.onError == nil {
		b.onError = b.logError
	}

	go b.run()
	return b
}

// Subscribe registers handler for eventType and returns a function that
// removes it again. Calling the returned function more than once is harmless.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[eventType] = append(b.subs[eventType], subscriber{id: id, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(eventType, id) })
	}
}

func (b *EventBus) remove(eventType string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[eventType]
	for i, s := range subs {
		if s.id != id {
			continue
		}
		rest := make([]subscriber, 0, len(subs)-1)
		rest = append(rest, subs[:i]...)
		rest = append(rest, subs[i+1:]...)
		if len(rest) == 0 {
			delete(b.subs, eventType)
		} else {
			b.subs[eventType] = rest
		}
		return
	}
}

func (b *EventBus) HasSubscribers(eventType string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[eventType]) > 0
}

// Publish queues event for delivery without blocking. It fails when ctx is
// done, the bus is stopped, nobody subscribed to the type or the queue is full.
func (b *EventBus) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.stateMu.RLock()
	defer b.stateMu.RUnlock()
	if b.stopped {
		return ErrBusClosed
	}
	if !b.HasSubscribers(event.Type) {
		return ErrNoHandler
	}

	select {
	case b.queue <- event:
		return nil
	default:
		return fmt.Errorf("%w: dropped %s of instance %d", ErrQueueFull, event.Type, event.InstanceID)
	}
}

// Stop refuses further events and returns once the queued ones are delivered.
func (b *EventBus) Stop() {
	b.stateMu.Lock()
	if !b.stopped {
		b.stopped = true
		close(b.queue)
	}
	b.stateMu.Unlock()

	<-b.done
}

func (b *EventBus) run() {
	defer close(b.done)
	for event := range b.queue {
		b.mu.RLock()
		subs := b.subs[event.Type]
		b.mu.RUnlock()

		for _, s := range subs {
			if err := deliver(s.handler, event); err != nil {
				b.onError(event, err)
			}
		}
	}
}

func deliver(h EventHandler, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return h.Handle(context.Background(), event)
}

func (b *EventBus) logError(event Event, err error) {
	b.logger.Error("event handler failed",
		slog.String("event", event.Type),
		slog.Uint64("instance_id", event.InstanceID),
		slog.String("node_id", event.NodeID),
		slog.Any("error", err))
}
