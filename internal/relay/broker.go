package relay

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

const subscriberBufSize = 256

// Event is one store change rendered for SSE and control-socket clients.
type Event struct {
	Feed    string
	Payload string
}

// Broker fans out events to every subscribed client.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[int64]chan Event
	nextID      atomic.Int64
	dropped     atomic.Int64
	closed      bool
}

func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[int64]chan Event),
	}
}

// Subscribe registers a new client. Returns the subscriber ID and a buffered
// channel of events; slow consumers have events dropped. The channel is
// closed on Unsubscribe or Close. Subscribing to a closed broker yields a
// closed channel.
func (b *Broker) Subscribe() (int64, <-chan Event) {
	id := b.nextID.Add(1)
	ch := make(chan Event, subscriberBufSize)
	b.mu.Lock()
	if b.closed {
		close(ch)
	} else {
		b.subscribers[id] = ch
	}
	b.mu.Unlock()
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broker) Unsubscribe(id int64) {
	b.mu.Lock()
	ch, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish sends an event to all subscribers without blocking.
func (b *Broker) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			n := b.dropped.Add(1)
			slog.Debug("event dropped for slow subscriber", "subscriber", id, "feed", evt.Feed, "dropped_total", n)
		}
	}
}

// Close ends every subscription so streaming handlers return.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subscribers {
		delete(b.subscribers, id)
		close(ch)
	}
}

func (b *Broker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Dropped is the number of events discarded because a subscriber was full.
func (b *Broker) Dropped() int64 {
	return b.dropped.Load()
}
