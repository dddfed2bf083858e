// Package memory records outcome events in memory for development and tests.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/JakeFAU/relist/internal/listing"
)

// Publisher stores published payloads for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
	err      error
}

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	Topic   string
	Payload any
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// FailWith makes every later Publish return err. Pass nil to recover.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Publish records the message and returns a pseudo ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.messages = append(p.messages, PublishedMessage{Topic: topic, Payload: payload})
	return fmt.Sprintf("memory-%d", len(p.messages)), nil
}

// Messages returns a copy of the recorded publishes.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.messages)
}

// Events returns the listing events among the recorded payloads, optionally
// narrowed to the given types.
func (p *Publisher) Events(types ...listing.EventType) []listing.Event {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []listing.Event
	for _, m := range p.messages {
		ev, ok := m.Payload.(listing.Event)
		if !ok {
			continue
		}
		if len(types) > 0 && !slices.Contains(types, ev.Type) {
			continue
		}
		out = append(out, ev)
	}
	return out
}
