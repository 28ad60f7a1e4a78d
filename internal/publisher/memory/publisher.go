// Package memory records archive event publishes in process, for tests and
// runs without a Pub/Sub project.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// ArchiveEvent is one recorded publish, with the payload marshaled the same
// way the Pub/Sub publisher puts it on the wire.
type ArchiveEvent struct {
	ID    string
	Topic string
	Data  []byte
}

// Publisher is an intel.Publisher that keeps events for inspection.
type Publisher struct {
	mu     sync.Mutex
	events []ArchiveEvent
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish marshals the payload to JSON and records the event.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	if topic == "" {
		return "", fmt.Errorf("topic is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	id := fmt.Sprintf("archive-event-%d", len(p.events)+1)
	p.events = append(p.events, ArchiveEvent{ID: id, Topic: topic, Data: data})
	return id, nil
}

// Events returns a copy of the recorded events in publish order.
func (p *Publisher) Events() []ArchiveEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ArchiveEvent, len(p.events))
	copy(out, p.events)
	return out
}
