package remote

import (
	"sync"

	"github.com/seantiz/specrun/internal/protocol"
)

// subscriberBufferSize is the channel buffer for each push subscriber.
// Messages are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// Broker fans engine pushes out to subscribers, one topic per message kind.
// It is safe for concurrent use.
//
// Closed topics are kept as markers so that subscribers arriving after the
// controller has been disposed receive a closed channel instead of blocking
// forever.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topic
	closed bool
}

type topic struct {
	subs   map[int]chan protocol.Message
	nextID int
	closed bool
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		topics: make(map[string]*topic),
	}
}

// Subscribe returns a channel receiving pushes of the given kind and an
// unsubscribe function. If the topic is already closed the channel is closed.
func (b *Broker) Subscribe(kind string) (<-chan protocol.Message, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[kind]
	if !ok {
		t = &topic{subs: make(map[int]chan protocol.Message), closed: b.closed}
		b.topics[kind] = t
	}

	ch := make(chan protocol.Message, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(c)
		}
	}
}

// Publish delivers msg to every subscriber of msg.Kind. Subscribers whose
// buffers are full miss the message.
func (b *Broker) Publish(msg protocol.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[msg.Kind]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- msg:
		default:
			// Drop for slow subscribers; the engine reader must never block.
			droppedPushes.WithLabelValues(msg.Kind).Inc()
		}
	}
}

// Close closes every topic. Subscribe calls made afterwards return a closed
// channel.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, t := range b.topics {
		t.closed = true
		for id, ch := range t.subs {
			close(ch)
			delete(t.subs, id)
		}
	}
}
