package events

import (
	"fmt"
	"log"

	"github.com/nats-io/nats.go"
)

// NATS subjects for bridged world events.
const (
	SubjectDrones    = "utm.drones"
	SubjectConflicts = "utm.conflicts"
	SubjectCommands  = "utm.commands"
)

// NATSBridge republishes bus events onto NATS subjects so external
// consumers (dashboards, archival pipelines) can tap the world feed without
// holding a WebSocket.
type NATSBridge struct {
	conn   *nats.Conn
	cancel func()
}

// NewNATSBridge connects to the NATS server and starts forwarding.
func NewNATSBridge(url string, bus *Bus) (*NATSBridge, error) {
	conn, err := nats.Connect(url,
		nats.Name("utm-sector"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	ch, cancel := bus.Subscribe(Filter{}, DefaultBuffer)
	b := &NATSBridge{conn: conn, cancel: cancel}

	go func() {
		for ev := range ch {
			subject := ""
			switch ev.Type {
			case TypeDroneUpdate:
				subject = SubjectDrones
			case TypeConflicts:
				subject = SubjectConflicts
			case TypeCommand:
				subject = SubjectCommands
			default:
				continue
			}
			payload, err := MarshalEvent(ev)
			if err != nil {
				continue
			}
			if err := conn.Publish(subject, payload); err != nil {
				log.Printf("events: nats publish %s: %v", subject, err)
			}
		}
	}()

	return b, nil
}

// Close stops forwarding and drains the connection.
func (b *NATSBridge) Close() {
	b.cancel()
	if b.conn != nil {
		b.conn.Drain()
	}
}
