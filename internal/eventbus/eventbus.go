// Package eventbus implements the AgentMesh event plane: a synchronous
// in-process bus, a bounded async variant with drop-newest-on-full
// semantics, and an analytics subscriber, ported from the event bus
// abstraction in the source's analytics plane (spec section 4.10).
package eventbus

import (
	"context"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/core/internal/meshctx"
)

// Event is one occurrence on the bus. Payload is an open map so any
// engine can attach its own structured data without a shared schema.
type Event struct {
	EventID   string
	EventType string
	Source    string
	Payload   map[string]interface{}
	Timestamp time.Time
}

// NewEvent builds an Event stamped with mc's clock and a "evt-" prefixed
// unique ID, matching the source's Event.event_id convention.
func NewEvent(mc *meshctx.MeshContext, eventType, source string, payload map[string]interface{}) Event {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return Event{
		EventID:   "evt-" + uuid.New().String(),
		EventType: eventType,
		Source:    source,
		Payload:   payload,
		Timestamp: mc.Clock.Now(),
	}
}

// Handler receives emitted events.
type Handler func(Event)

// Subscription is an opaque handle returned by Subscribe, passed back to
// Unsubscribe. Identity-based, like the source's handler-object-identity
// unsubscribe, since Go function values aren't comparable.
type Subscription struct {
	id      uint64
	pattern string
	handler Handler
}

var subscriptionSeq uint64

// SyncBus dispatches events to subscribers synchronously, in the calling
// goroutine, in subscription order. Subscriptions use glob-style topic
// patterns ("trust.*", "*") matched with path.Match.
type SyncBus struct {
	mu   sync.RWMutex
	subs []*Subscription
}

// NewSyncBus builds an empty SyncBus.
func NewSyncBus() *SyncBus {
	return &SyncBus{}
}

// Subscribe registers handler for every event whose type matches
// pattern, returning a token for Unsubscribe.
func (b *SyncBus) Subscribe(pattern string, handler Handler) *Subscription {
	sub := &Subscription{
		id:      atomic.AddUint64(&subscriptionSeq, 1),
		pattern: pattern,
		handler: handler,
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes a previously returned Subscription.
func (b *SyncBus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// MatchingHandlers returns every handler subscribed to a pattern that
// matches eventType, in subscription order. AsyncBus reuses this to
// dispatch off its drain loop instead of calling Emit (which would apply
// SyncBus's own matching twice).
func (b *SyncBus) MatchingHandlers(eventType string) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Handler
	for _, s := range b.subs {
		if matches(s.pattern, eventType) {
			out = append(out, s.handler)
		}
	}
	return out
}

func matches(pattern, eventType string) bool {
	if pattern == "*" {
		return true
	}
	ok, err := path.Match(pattern, eventType)
	return err == nil && ok
}

// Emit dispatches e to every matching subscriber in the calling
// goroutine. A panicking handler is recovered and does not stop
// delivery to the remaining subscribers.
func (b *SyncBus) Emit(e Event) {
	for _, h := range b.MatchingHandlers(e.EventType) {
		invokeSafely(h, e)
	}
}

func invokeSafely(h Handler, e Event) {
	defer func() { _ = recover() }()
	h(e)
}

// Publish adapts SyncBus to meshctx.EventBus, wrapping payload in an
// Event whose type is topic.
func (b *SyncBus) Publish(_ context.Context, topic string, payload any) error {
	data, _ := payload.(map[string]interface{})
	b.Emit(Event{EventID: "evt-" + uuid.New().String(), EventType: topic, Payload: data, Timestamp: time.Now().UTC()})
	return nil
}

// DefaultQueueSize bounds the async bus's pending-event queue.
const DefaultQueueSize = 10000

// DefaultCallbackTimeout bounds how long a single handler may run before
// the drain loop gives up waiting on it and moves to the next handler.
const DefaultCallbackTimeout = 2 * time.Second

// AsyncBus queues emitted events and dispatches them from a single
// background drain loop, so a slow or blocked subscriber can never make
// Emit itself block. A full queue drops the newest event rather than
// blocking the producer (spec section 4.10).
type AsyncBus struct {
	sync            *SyncBus
	queue           chan Event
	callbackTimeout time.Duration

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewAsyncBus builds an AsyncBus. Zero values select the spec defaults.
func NewAsyncBus(maxSize int, callbackTimeout time.Duration) *AsyncBus {
	if maxSize == 0 {
		maxSize = DefaultQueueSize
	}
	if callbackTimeout == 0 {
		callbackTimeout = DefaultCallbackTimeout
	}
	return &AsyncBus{
		sync:            NewSyncBus(),
		queue:           make(chan Event, maxSize),
		callbackTimeout: callbackTimeout,
	}
}

// Subscribe registers handler for events matching pattern.
func (b *AsyncBus) Subscribe(pattern string, handler Handler) *Subscription {
	return b.sync.Subscribe(pattern, handler)
}

// Unsubscribe removes a previously returned Subscription.
func (b *AsyncBus) Unsubscribe(sub *Subscription) {
	b.sync.Unsubscribe(sub)
}

// Emit enqueues e for async delivery, returning false if the queue was
// full and e was dropped.
func (b *AsyncBus) Emit(e Event) bool {
	select {
	case b.queue <- e:
		return true
	default:
		return false
	}
}

// Publish adapts AsyncBus to meshctx.EventBus.
func (b *AsyncBus) Publish(_ context.Context, topic string, payload any) error {
	data, _ := payload.(map[string]interface{})
	b.Emit(Event{EventID: "evt-" + uuid.New().String(), EventType: topic, Payload: data, Timestamp: time.Now().UTC()})
	return nil
}

// Start launches the background drain loop. Calling Start twice is a
// no-op.
func (b *AsyncBus) Start(ctx context.Context) {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.stopCh = make(chan struct{})
	b.mu.Unlock()

	b.wg.Add(1)
	go b.drainLoop(ctx)
}

func (b *AsyncBus) drainLoop(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case e := <-b.queue:
			b.dispatch(e)
		case <-b.stopCh:
			b.drainRemaining()
			return
		case <-ctx.Done():
			b.drainRemaining()
			return
		}
	}
}

func (b *AsyncBus) drainRemaining() {
	for {
		select {
		case e := <-b.queue:
			b.dispatch(e)
		default:
			return
		}
	}
}

// dispatch runs each matching handler with a bounded wait: a handler
// that exceeds callbackTimeout is abandoned (its goroutine is left to
// finish on its own) rather than stalling delivery to later handlers.
func (b *AsyncBus) dispatch(e Event) {
	for _, h := range b.sync.MatchingHandlers(e.EventType) {
		done := make(chan struct{})
		go func(h Handler) {
			defer close(done)
			invokeSafely(h, e)
		}(h)
		select {
		case <-done:
		case <-time.After(b.callbackTimeout):
		}
	}
}

// Stop halts the drain loop and synchronously drains whatever remains in
// the queue (matching the source's "stop drains the queue" behavior,
// including the case where Start was never called).
func (b *AsyncBus) Stop() {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		b.drainRemaining()
		return
	}
	stopCh := b.stopCh
	b.mu.Unlock()

	close(stopCh)
	b.wg.Wait()
}
