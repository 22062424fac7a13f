// Package notifier delivers PostgreSQL LISTEN/NOTIFY events so idle
// workers wake as soon as a task is enqueued instead of waiting out a
// poll interval.
//
// The listener holds one dedicated connection from the pool and
// reconnects with a delay after failures. Workers keep polling as a
// fallback, so missed notifications only cost latency, never tasks.
package notifier

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/youssefsiam38/aiopg/storage"
)

// EventType represents the type of event.
type EventType string

// Event types that can be subscribed to.
const (
	EventTaskEnqueued EventType = "task_enqueued"
)

// Event represents one received notification.
type Event struct {
	// Type is the event type.
	Type EventType

	// Payload carries the notifying side's data, here the task id.
	Payload string

	// ReceivedAt is when the event was received.
	ReceivedAt time.Time
}

// Handler is called when an event is received.
type Handler func(event *Event)

// Config holds configuration for the notifier.
type Config struct {
	// ReconnectDelay is how long to wait before reconnecting after a
	// disconnect. Default: 5 seconds.
	ReconnectDelay time.Duration

	// OnError is called when an error occurs.
	OnError func(err error)

	// OnReconnect is called when the listener reconnects.
	OnReconnect func()
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		ReconnectDelay: 5 * time.Second,
	}
}

var channelToEventType = map[string]EventType{
	storage.TaskEnqueuedChannel: EventTaskEnqueued,
}

var eventTypeToChannel = map[EventType]string{
	EventTaskEnqueued: storage.TaskEnqueuedChannel,
}

type subscription struct {
	eventType EventType
	handler   Handler
	id        int64
}

// Notifier listens on the queue channels and dispatches to subscribers.
type Notifier struct {
	pool   *pgxpool.Pool
	config *Config

	mu            sync.RWMutex
	subscriptions map[EventType][]*subscription
	nextSubID     int64

	started atomic.Bool
	done    chan struct{}
	cancel  context.CancelFunc
}

// New creates a notifier over the given pool.
func New(pool *pgxpool.Pool, config *Config) *Notifier {
	if config == nil {
		config = DefaultConfig()
	}
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = 5 * time.Second
	}
	return &Notifier{
		pool:          pool,
		config:        config,
		subscriptions: make(map[EventType][]*subscription),
		done:          make(chan struct{}),
	}
}

// Start begins listening for notifications.
func (n *Notifier) Start(ctx context.Context) error {
	if !n.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	ctx, n.cancel = context.WithCancel(ctx)
	go n.run(ctx)
	return nil
}

// Stop stops the notifier.
func (n *Notifier) Stop(ctx context.Context) error {
	if !n.started.Load() {
		return ErrNotStarted
	}

	n.cancel()
	select {
	case <-n.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	n.started.Store(false)
	return nil
}

// IsRunning returns true if the notifier is running.
func (n *Notifier) IsRunning() bool {
	return n.started.Load()
}

// Subscribe registers a handler for the given event type.
// Returns a function to unsubscribe.
func (n *Notifier) Subscribe(eventType EventType, handler Handler) func() {
	n.mu.Lock()
	defer n.mu.Unlock()

	sub := &subscription{
		eventType: eventType,
		handler:   handler,
		id:        n.nextSubID,
	}
	n.nextSubID++
	n.subscriptions[eventType] = append(n.subscriptions[eventType], sub)

	return func() {
		n.unsubscribe(eventType, sub.id)
	}
}

func (n *Notifier) unsubscribe(eventType EventType, id int64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	subs := n.subscriptions[eventType]
	for i, sub := range subs {
		if sub.id == id {
			n.subscriptions[eventType] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

// Notify sends a notification on the channel for the given event type.
func (n *Notifier) Notify(ctx context.Context, eventType EventType, payload string) error {
	channel, ok := eventTypeToChannel[eventType]
	if !ok {
		return ErrUnknownEventType
	}
	_, err := n.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload)
	return err
}

func (n *Notifier) run(ctx context.Context) {
	defer close(n.done)

	for {
		if ctx.Err() != nil {
			return
		}
		if err := n.listenLoop(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			if n.config.OnError != nil {
				n.config.OnError(err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(n.config.ReconnectDelay):
				if n.config.OnReconnect != nil {
					n.config.OnReconnect()
				}
			}
		}
	}
}

// listenLoop holds one connection, subscribes to every channel and
// processes notifications until an error occurs.
func (n *Notifier) listenLoop(ctx context.Context) error {
	conn, err := n.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	for channel := range channelToEventType {
		if _, err := conn.Exec(ctx, "LISTEN "+channel); err != nil {
			return err
		}
	}

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}

		eventType, ok := channelToEventType[notification.Channel]
		if !ok {
			continue
		}

		n.dispatch(&Event{
			Type:       eventType,
			Payload:    notification.Payload,
			ReceivedAt: time.Now(),
		})
	}
}

// dispatch calls handlers synchronously to maintain ordering. Handlers
// should be quick; long operations belong in the subscriber's goroutine.
func (n *Notifier) dispatch(event *Event) {
	n.mu.RLock()
	subs := make([]*subscription, len(n.subscriptions[event.Type]))
	copy(subs, n.subscriptions[event.Type])
	n.mu.RUnlock()

	for _, sub := range subs {
		sub.handler(event)
	}
}
