// Package eventbus provides a small broadcast event emitter used by the
// session manager and each blind device. Publishing never blocks: events
// addressed to a saturated or absent subscriber are dropped rather than
// stalling the producer, and a faulty subscriber can never propagate a
// failure back to the emitter.
package eventbus

import (
	"sync"

	"github.com/cskr/pubsub/v2"
)

// subscriberCapacity is the per-subscriber channel buffer.
const subscriberCapacity = 64

// ID identifies an event kind on a bus.
type ID uint

// Event is a tagged message delivered to subscribers.
type Event struct {
	ID   ID
	Data any
}

// Bus is a broadcast emitter for tagged events.
type Bus struct {
	ps *pubsub.PubSub[ID, Event]

	mu       sync.Mutex
	shutdown bool
}

// New returns a new event bus.
func New() *Bus {
	return &Bus{ps: pubsub.New[ID, Event](subscriberCapacity)}
}

// Publish emits an event to all current subscribers of id.
func (b *Bus) Publish(id ID, data any) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.shutdown {
		return
	}

	b.ps.TryPub(Event{ID: id, Data: data}, id)
}

// Subscribe registers interest in one or more event kinds.
func (b *Bus) Subscribe(ids ...ID) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.shutdown {
		ch := make(chan Event)
		close(ch)
		return &Subscription{C: ch}
	}

	ch := b.ps.Sub(ids...)
	return &Subscription{
		C: ch,
		unsub: func() {
			go b.ps.Unsub(ch, ids...)
		},
	}
}

// Shutdown closes the bus and all subscriber channels.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.shutdown {
		return
	}
	b.shutdown = true

	b.ps.Shutdown()
}

// Subscription is a handle to a single event subscription.
type Subscription struct {
	// C delivers events until the subscription is cancelled or the bus
	// shuts down.
	C chan Event

	unsub func()
	once  sync.Once
}

// Unsubscribe cancels the subscription. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		if s.unsub != nil {
			s.unsub()
		}
	})
}
