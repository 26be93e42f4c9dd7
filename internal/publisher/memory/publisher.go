// Package memory keeps published job events in process. It backs the
// "memory" events provider and the worker tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/postgrab/internal/grabber"
)

// Publisher records every publish call.
type Publisher struct {
	mu       sync.RWMutex
	messages []Message
}

// Message is one recorded publish.
type Message struct {
	ID      string
	Topic   string
	Payload any
}

var _ grabber.Publisher = (*Publisher)(nil)

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the payload and returns a sequential id.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := fmt.Sprintf("memory-%d", len(p.messages)+1)
	p.messages = append(p.messages, Message{ID: id, Topic: topic, Payload: payload})
	return id, nil
}

// Messages returns a copy of everything published so far.
func (p *Publisher) Messages() []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Message, len(p.messages))
	copy(out, p.messages)
	return out
}

// Events returns the job events published to topic, oldest first.
func (p *Publisher) Events(topic string) []grabber.JobEvent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []grabber.JobEvent
	for _, m := range p.messages {
		if m.Topic != topic {
			continue
		}
		if ev, ok := m.Payload.(grabber.JobEvent); ok {
			out = append(out, ev)
		}
	}
	return out
}

// Close is a no-op.
func (p *Publisher) Close() error {
	return nil
}
