package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// subscriberBuffer bounds how many undelivered payloads one subscriber may
// lag behind before new payloads are dropped for it.
const subscriberBuffer = 64

// MemoryPublisher is an in-process Publisher for tests and local
// development. Slow subscribers lose snapshots rather than block
// publishers, matching the fire-and-forget semantics of the bus backends.
type MemoryPublisher struct {
	mu     sync.Mutex
	topics map[string]map[*memorySubscription]struct{}
}

// NewMemoryPublisher returns an empty publisher.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{topics: make(map[string]map[*memorySubscription]struct{})}
}

// Publish JSON-encodes payload and delivers it to current subscribers.
func (p *MemoryPublisher) Publish(_ context.Context, namespace, id string, payload any) (int64, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("progress: encode payload: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var delivered int64
	for sub := range p.topics[Topic(namespace, id)] {
		select {
		case sub.events <- data:
			delivered++
		default:
		}
	}
	return delivered, nil
}

// Subscribe attaches a new subscriber to the topic.
func (p *MemoryPublisher) Subscribe(_ context.Context, namespace, id string) (Subscription, error) {
	sub := &memorySubscription{
		pub:    p,
		topic:  Topic(namespace, id),
		events: make(chan []byte, subscriberBuffer),
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	subs := p.topics[sub.topic]
	if subs == nil {
		subs = make(map[*memorySubscription]struct{})
		p.topics[sub.topic] = subs
	}
	subs[sub] = struct{}{}
	return sub, nil
}

// Close drops the topic and closes every subscriber's event channel.
func (p *MemoryPublisher) Close(_ context.Context, namespace, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	topic := Topic(namespace, id)
	for sub := range p.topics[topic] {
		close(sub.events)
		sub.closed = true
	}
	delete(p.topics, topic)
	return nil
}

type memorySubscription struct {
	pub    *MemoryPublisher
	topic  string
	events chan []byte
	closed bool
}

func (s *memorySubscription) Events() <-chan []byte { return s.events }

func (s *memorySubscription) Close(context.Context) error {
	s.pub.mu.Lock()
	defer s.pub.mu.Unlock()
	if s.closed {
		return nil
	}
	if subs := s.pub.topics[s.topic]; subs != nil {
		delete(subs, s)
		if len(subs) == 0 {
			delete(s.pub.topics, s.topic)
		}
	}
	close(s.events)
	s.closed = true
	return nil
}
