package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/core/internal/meshctx"
)

func newMeshCtx(now time.Time) (*meshctx.MeshContext, *meshctx.FixedClock) {
	clock := meshctx.NewFixedClock(now)
	mc := meshctx.New(nil).WithClock(clock)
	return mc, clock
}

func TestSyncBus_DeliversToExactAndWildcardPatterns(t *testing.T) {
	bus := NewSyncBus()
	var exact, wildcard []Event
	var mu sync.Mutex

	bus.Subscribe("trust.verified", func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		exact = append(exact, e)
	})
	bus.Subscribe("trust.*", func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		wildcard = append(wildcard, e)
	})
	bus.Subscribe("*", func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		wildcard = append(wildcard, e)
	})

	bus.Emit(Event{EventType: "trust.verified"})
	bus.Emit(Event{EventType: "policy.violated"})

	assert.Len(t, exact, 1)
	assert.Len(t, wildcard, 3) // trust.* + * for event 1, * for event 2
}

func TestSyncBus_UnsubscribeStopsDelivery(t *testing.T) {
	bus := NewSyncBus()
	var count int
	sub := bus.Subscribe("trust.verified", func(Event) { count++ })

	bus.Emit(Event{EventType: "trust.verified"})
	bus.Unsubscribe(sub)
	bus.Emit(Event{EventType: "trust.verified"})

	assert.Equal(t, 1, count)
}

func TestSyncBus_MultipleHandlersPerPatternAllRun(t *testing.T) {
	bus := NewSyncBus()
	var a, b int
	bus.Subscribe("trust.*", func(Event) { a++ })
	bus.Subscribe("trust.*", func(Event) { b++ })

	bus.Emit(Event{EventType: "trust.verified"})

	assert.Equal(t, 1, a)
	assert.Equal(t, 1, b)
}

func TestSyncBus_PanickingHandlerDoesNotBlockOthers(t *testing.T) {
	bus := NewSyncBus()
	var ran bool
	bus.Subscribe("*", func(Event) { panic("boom") })
	bus.Subscribe("*", func(Event) { ran = true })

	assert.NotPanics(t, func() {
		bus.Emit(Event{EventType: "trust.verified"})
	})
	assert.True(t, ran)
}

func TestAsyncBus_QueueFullDropsNewestEvent(t *testing.T) {
	bus := NewAsyncBus(2, time.Second)

	ok1 := bus.Emit(Event{EventType: "a"})
	ok2 := bus.Emit(Event{EventType: "b"})
	ok3 := bus.Emit(Event{EventType: "c"})

	assert.True(t, ok1)
	assert.True(t, ok2)
	assert.False(t, ok3, "third event should be dropped once the queue is full")
	assert.Len(t, bus.queue, 2)
}

func TestAsyncBus_StopDrainsQueueEvenIfNeverStarted(t *testing.T) {
	bus := NewAsyncBus(4, time.Second)
	var delivered int
	var mu sync.Mutex
	bus.Subscribe("*", func(Event) {
		mu.Lock()
		defer mu.Unlock()
		delivered++
	})

	bus.Emit(Event{EventType: "a"})
	bus.Emit(Event{EventType: "b"})

	bus.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, delivered)
}

func TestAsyncBus_StartDispatchesEnqueuedEvents(t *testing.T) {
	bus := NewAsyncBus(4, time.Second)
	done := make(chan struct{}, 1)
	bus.Subscribe("trust.verified", func(Event) {
		select {
		case done <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.Start(ctx)
	defer bus.Stop()

	require.True(t, bus.Emit(Event{EventType: "trust.verified"}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked within timeout")
	}
}

func TestAsyncBus_StartTwiceIsNoop(t *testing.T) {
	bus := NewAsyncBus(4, time.Second)
	ctx := context.Background()
	bus.Start(ctx)
	bus.Start(ctx)
	bus.Stop()
}

func TestPublish_WrapsPayloadIntoEvent(t *testing.T) {
	bus := NewSyncBus()
	var got Event
	bus.Subscribe("agent.registered", func(e Event) { got = e })

	err := bus.Publish(context.Background(), "agent.registered", map[string]interface{}{"did": "did:mesh:1"})
	require.NoError(t, err)

	assert.Equal(t, "agent.registered", got.EventType)
	assert.Equal(t, "did:mesh:1", got.Payload["did"])
}

func TestAnalyticsPlane_CountsEventsByType(t *testing.T) {
	mc, _ := newMeshCtx(time.Now())
	bus := NewSyncBus()
	ap := NewAnalyticsPlane(mc, bus)

	bus.Emit(Event{EventType: "handshake.completed", Timestamp: mc.Clock.Now()})
	bus.Emit(Event{EventType: "handshake.completed", Timestamp: mc.Clock.Now()})
	bus.Emit(Event{EventType: "policy.violated", Timestamp: mc.Clock.Now()})

	snap := ap.Snapshot()
	assert.Equal(t, 3, snap.TotalEvents)
	assert.Equal(t, 2, snap.EventsByType["handshake.completed"])
	assert.Equal(t, 1, snap.EventsByType["policy.violated"])
	assert.Equal(t, 2.0, snap.HandshakesPerMin1m)
	assert.Equal(t, 1.0, snap.ViolationsPerMin1m)
}

func TestAnalyticsPlane_AveragesTrustScoreFromVerifiedEvents(t *testing.T) {
	mc, _ := newMeshCtx(time.Now())
	bus := NewSyncBus()
	ap := NewAnalyticsPlane(mc, bus)

	bus.Emit(Event{EventType: "trust.verified", Timestamp: mc.Clock.Now(), Payload: map[string]interface{}{"trust_score": 0.8}})
	bus.Emit(Event{EventType: "trust.verified", Timestamp: mc.Clock.Now(), Payload: map[string]interface{}{"trust_score": 0.6}})

	snap := ap.Snapshot()
	assert.InDelta(t, 0.7, snap.AvgTrustScore1m, 0.0001)
}

func TestAnalyticsPlane_ExpiresOldEventsFromTheWindow(t *testing.T) {
	start := time.Now()
	mc, clock := newMeshCtx(start)
	bus := NewSyncBus()
	ap := NewAnalyticsPlane(mc, bus)

	bus.Emit(Event{EventType: "handshake.completed", Timestamp: mc.Clock.Now()})
	clock.Advance(2 * time.Minute)

	snap := ap.Snapshot()
	assert.Equal(t, 1, snap.TotalEvents, "lifetime total never decays")
	assert.Equal(t, 0.0, snap.HandshakesPerMin1m, "rate metrics only cover the trailing minute")
}

func TestAnalyticsPlane_ZeroedSnapshotWhenEmpty(t *testing.T) {
	mc, _ := newMeshCtx(time.Now())
	bus := NewSyncBus()
	ap := NewAnalyticsPlane(mc, bus)

	snap := ap.Snapshot()
	assert.Equal(t, 0, snap.TotalEvents)
	assert.Equal(t, 0.0, snap.AvgTrustScore1m)
	assert.Empty(t, snap.EventsByType)
}
