package eventbus

import (
	"sync"
	"time"

	"github.com/agentmesh/core/internal/meshctx"
)

// window bounds how far back AnalyticsPlane's rate metrics look.
const window = time.Minute

// Snapshot is a point-in-time read of the analytics plane's aggregates.
type Snapshot struct {
	TotalEvents        int
	HandshakesPerMin1m float64
	ViolationsPerMin1m float64
	AvgTrustScore1m    float64
	EventsByType       map[string]int
}

type recordedEvent struct {
	at         time.Time
	eventType  string
	trustScore float64
	hasScore   bool
}

// AnalyticsPlane subscribes to every event on a bus and maintains rolling
// one-minute rates alongside lifetime per-type counts, mirroring the
// source's analytics aggregator (handshakes/min, policy violations/min,
// average verified trust score).
type AnalyticsPlane struct {
	mu           sync.Mutex
	mc           *meshctx.MeshContext
	totalEvents  int
	eventsByType map[string]int
	recent       []recordedEvent
}

// Subscriber is satisfied by both SyncBus and AsyncBus.
type Subscriber interface {
	Subscribe(pattern string, handler Handler) *Subscription
}

// NewAnalyticsPlane builds an AnalyticsPlane and subscribes it to every
// event on bus.
func NewAnalyticsPlane(mc *meshctx.MeshContext, bus Subscriber) *AnalyticsPlane {
	ap := &AnalyticsPlane{mc: mc, eventsByType: make(map[string]int)}
	bus.Subscribe("*", ap.record)
	return ap
}

func (ap *AnalyticsPlane) record(e Event) {
	ap.mu.Lock()
	defer ap.mu.Unlock()

	ap.totalEvents++
	ap.eventsByType[e.EventType]++

	rec := recordedEvent{at: e.Timestamp, eventType: e.EventType}
	if e.EventType == "trust.verified" {
		if score, ok := numericPayloadField(e.Payload, "trust_score"); ok {
			rec.trustScore = score
			rec.hasScore = true
		}
	}
	ap.recent = append(ap.recent, rec)
}

func numericPayloadField(payload map[string]interface{}, field string) (float64, bool) {
	v, ok := payload[field]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// Snapshot returns the current aggregates, pruning any recorded events
// older than the one-minute window as it goes.
func (ap *AnalyticsPlane) Snapshot() Snapshot {
	ap.mu.Lock()
	defer ap.mu.Unlock()

	now := ap.mc.Clock.Now()
	cutoff := now.Add(-window)

	var handshakes, violations int
	var scoreSum float64
	var scoreCount int
	kept := ap.recent[:0:0]
	for _, r := range ap.recent {
		if r.at.Before(cutoff) {
			continue
		}
		kept = append(kept, r)
		switch r.eventType {
		case "handshake.completed":
			handshakes++
		case "policy.violated", "trust.failed":
			violations++
		}
		if r.hasScore {
			scoreSum += r.trustScore
			scoreCount++
		}
	}
	ap.recent = kept

	var avg float64
	if scoreCount > 0 {
		avg = scoreSum / float64(scoreCount)
	}

	byType := make(map[string]int, len(ap.eventsByType))
	for k, v := range ap.eventsByType {
		byType[k] = v
	}

	return Snapshot{
		TotalEvents:        ap.totalEvents,
		HandshakesPerMin1m: float64(handshakes),
		ViolationsPerMin1m: float64(violations),
		AvgTrustScore1m:    avg,
		EventsByType:       byType,
	}
}
