package eventbus

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"

	"github.com/agentmesh/core/internal/meshkind"
)

// NATSBroadcaster forwards published events onto a NATS subject as a
// non-authoritative secondary sink: it never gates delivery to local
// subscribers, and a broadcast failure is reported but never unwinds the
// local Publish call that triggered it.
type NATSBroadcaster struct {
	conn    *nats.Conn
	subject func(topic string) string
}

// NewNATSBroadcaster wires conn to broadcast every published event.
// subjectPrefix is prepended to the topic to form the NATS subject
// (e.g. "agentmesh.events.trust.verified" for prefix "agentmesh.events"
// and topic "trust.verified").
func NewNATSBroadcaster(conn *nats.Conn, subjectPrefix string) *NATSBroadcaster {
	return &NATSBroadcaster{
		conn: conn,
		subject: func(topic string) string {
			if subjectPrefix == "" {
				return topic
			}
			return subjectPrefix + "." + topic
		},
	}
}

type wireEvent struct {
	EventID   string                 `json:"event_id"`
	EventType string                 `json:"event_type"`
	Source    string                 `json:"source"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp string                 `json:"timestamp"`
}

// Broadcast publishes e to NATS under subjectPrefix.topic. Errors are
// wrapped in the shared transport error kind; callers that treat the
// broadcaster as best-effort may safely discard them.
func (n *NATSBroadcaster) Broadcast(_ context.Context, e Event) error {
	data, err := json.Marshal(wireEvent{
		EventID:   e.EventID,
		EventType: e.EventType,
		Source:    e.Source,
		Payload:   e.Payload,
		Timestamp: e.Timestamp.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"),
	})
	if err != nil {
		return meshkind.Wrap(meshkind.Transport, "marshal event for broadcast", err)
	}
	if err := n.conn.Publish(n.subject(e.EventType), data); err != nil {
		return meshkind.Wrap(meshkind.Transport, "nats publish failed", err)
	}
	return nil
}

// Forwarding wraps a bus's Subscribe so every locally delivered event is
// also broadcast, letting a NATSBroadcaster observe the same traffic
// on-process subscribers see.
func (n *NATSBroadcaster) Forwarding(bus Subscriber) {
	bus.Subscribe("*", func(e Event) {
		_ = n.Broadcast(context.Background(), e)
	})
}
