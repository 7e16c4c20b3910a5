package events

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// Publisher pushes committed domain events to external consumers
// (notification routing, dashboards). Publishing is fire-and-forget: a
// failure is the caller's to log, never a reason to fail the transition.
type Publisher interface {
	Publish(eventType, workorderID string, metadata map[string]any) error
	Close()
}

// NATSPublisher publishes to <prefix>.<eventType> subjects.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
}

func NewNATSPublisher(url, prefix string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url, nats.Name("riverops"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	if prefix == "" {
		prefix = "riverops"
	}
	return &NATSPublisher{conn: conn, prefix: prefix}, nil
}

func (p *NATSPublisher) Publish(eventType, workorderID string, metadata map[string]any) error {
	body := map[string]any{
		"type":         eventType,
		"workorder_id": workorderID,
	}
	for k, v := range metadata {
		body[k] = v
	}
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return p.conn.Publish(p.prefix+"."+eventType, data)
}

func (p *NATSPublisher) Close() {
	if p.conn != nil {
		p.conn.Drain()
	}
}

// NopPublisher is used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(string, string, map[string]any) error { return nil }
func (NopPublisher) Close()                                       {}
