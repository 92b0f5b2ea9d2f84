// Package events fans world events (drone updates, conflict diffs, command
// pushes) out to in-process subscribers and, when configured, bridges them
// onto NATS subjects.
package events

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"utm_sector/internal/model"
)

// Event types carried on the bus.
const (
	TypeDroneUpdate = "drone_update"
	TypeConflicts   = "conflicts"
	TypeCommand     = "command"
	TypeError       = "error"
)

// DefaultBuffer is the per-subscriber queue depth. On overflow the oldest
// queued event is dropped and logged; dropped commands stay queryable via
// the pull endpoint.
const DefaultBuffer = 64

// Event is one bus message. Payload is the already-typed entity.
type Event struct {
	Type    string      `json:"type"`
	Time    time.Time   `json:"time"`
	Payload interface{} `json:"payload"`
}

// Filter narrows a subscription to one owner and/or drone. Zero values
// match everything.
type Filter struct {
	OwnerID string
	DroneID string
}

func (f Filter) matches(ev Event) bool {
	if f.OwnerID == "" && f.DroneID == "" {
		return true
	}
	switch p := ev.Payload.(type) {
	case model.DroneState:
		if f.DroneID != "" && p.DroneID != f.DroneID {
			return false
		}
		if f.OwnerID != "" && p.OwnerID != f.OwnerID {
			return false
		}
		return true
	case model.Command:
		if f.DroneID != "" && p.DroneID != f.DroneID {
			return false
		}
		return f.OwnerID == ""
	default:
		// Conflict lists and errors go to every subscriber.
		return true
	}
}

type subscriber struct {
	ch     chan Event
	filter Filter
}

// Bus is the in-process event fan-out.
type Bus struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*subscriber]struct{})}
}

// Subscribe registers a listener. The returned channel has a bounded buffer;
// call the cancel func to unsubscribe.
func (b *Bus) Subscribe(filter Filter, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	sub := &subscriber{ch: make(chan Event, buffer), filter: filter}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[sub]; ok {
			delete(b.subs, sub)
			close(sub.ch)
		}
		b.mu.Unlock()
	}
	return sub.ch, cancel
}

// Publish delivers an event to every matching subscriber. A full subscriber
// queue drops its oldest entry to make room for the new one.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs {
		if !sub.filter.matches(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			select {
			case dropped := <-sub.ch:
				log.Printf("events: subscriber queue full, dropped oldest %s event", dropped.Type)
			default:
			}
			select {
			case sub.ch <- ev:
			default:
			}
		}
	}
}

// PublishDrone publishes a drone state update.
func (b *Bus) PublishDrone(state model.DroneState) {
	b.Publish(Event{Type: TypeDroneUpdate, Time: time.Now().UTC(), Payload: state})
}

// PublishConflicts publishes the full current conflict list.
func (b *Bus) PublishConflicts(conflicts []model.Conflict) {
	b.Publish(Event{Type: TypeConflicts, Time: time.Now().UTC(), Payload: conflicts})
}

// PublishCommand publishes a newly enqueued command.
func (b *Bus) PublishCommand(cmd model.Command) {
	b.Publish(Event{Type: TypeCommand, Time: time.Now().UTC(), Payload: cmd})
}

// MarshalEvent renders an event for wire transports (WebSocket, NATS).
func MarshalEvent(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}
