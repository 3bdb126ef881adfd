package entdb

import (
	"sync"

	"github.com/google/uuid"
)

// Broker is the notification side channel used to wake up live streams.
// Messages are hints only: a lost message delays a stream until its next
// poll but never affects correctness.
type Broker interface {
	Publish(topic string, payload []byte)
	// Subscribe returns a channel of payloads and a function that cancels the
	// subscription. The channel is never closed.
	Subscribe(topic string) (<-chan []byte, func())
}

// LocalBroker is an in-process Broker. Delivery never blocks the publisher:
// a subscriber that has not consumed its previous message misses the next
// one.
type LocalBroker struct {
	mu   sync.Mutex
	subs map[string]map[uuid.UUID]chan []byte
}

func NewLocalBroker() *LocalBroker {
	return &LocalBroker{
		subs: make(map[string]map[uuid.UUID]chan []byte),
	}
}

func (b *LocalBroker) Publish(topic string, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[topic] {
		select {
		case ch <- payload:
		default:
		}
	}
}

func (b *LocalBroker) Subscribe(topic string) (<-chan []byte, func()) {
	id := uuid.New()
	ch := make(chan []byte, 1)

	b.mu.Lock()
	m := b.subs[topic]
	if m == nil {
		m = make(map[uuid.UUID]chan []byte)
		b.subs[topic] = m
	}
	m[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[topic], id)
			if len(b.subs[topic]) == 0 {
				delete(b.subs, topic)
			}
		})
	}
}

// SubscriberCount returns the number of active subscriptions to topic.
func (b *LocalBroker) SubscriberCount(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[topic])
}
