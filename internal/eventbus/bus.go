// Package eventbus fans out observability events to live subscribers and
// keeps the full history for late joiners.
package eventbus

import (
	"sync"
)

// DefaultQueueSize bounds each subscriber's pending events.
const DefaultQueueSize = 256

// Event is a single published record.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Option configures a Bus.
type Option func(*Bus)

// WithQueueSize sets the per-subscriber queue bound.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithDropHook is called once for every event evicted from a full queue.
func WithDropHook(fn func()) Option {
	return func(b *Bus) { b.onDrop = fn }
}

// Bus is safe for concurrent use. History grows for the life of the
// process; subscriber queues are bounded and drop their oldest entry when a
// new event arrives at a full queue.
type Bus struct {
	mu        sync.Mutex
	history   []Event
	subs      map[*Subscription]struct{}
	queueSize int
	onDrop    func()
}

func New(opts ...Option) *Bus {
	b := &Bus{
		subs:      make(map[*Subscription]struct{}),
		queueSize: DefaultQueueSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish appends e to the history and enqueues it to every subscriber.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = append(b.history, e)
	for s := range b.subs {
		s.deliver(e)
	}
}

// History returns a copy of every event published so far, in publish order.
func (b *Bus) History() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

func (b *Bus) snapshotLocked() []Event {
	out := make([]Event, len(b.history))
	copy(out, b.history)
	return out
}

// Subscribe registers a new queue that receives events published from now on.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscribeLocked()
}

// SubscribeWithHistory atomically snapshots the history and subscribes, so
// the caller sees every event exactly once.
func (b *Bus) SubscribeWithHistory() ([]Event, *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked(), b.subscribeLocked()
}

func (b *Bus) subscribeLocked() *Subscription {
	s := &Subscription{
		bus: b,
		ch:  make(chan Event, b.queueSize),
	}
	b.subs[s] = struct{}{}
	return s
}

// Subscribers reports the number of registered subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; !ok {
		return
	}
	delete(b.subs, s)
	close(s.ch)
}

// Subscription is a registered delivery queue.
type Subscription struct {
	bus  *Bus
	ch   chan Event
	once sync.Once
}

// C yields events in publish order. It is closed by Close.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Close unregisters the subscription. Calling it more than once is a no-op.
func (s *Subscription) Close() {
	s.once.Do(func() { s.bus.remove(s) })
}

// deliver runs with the bus lock held; it is the only sender on s.ch.
func (s *Subscription) deliver(e Event) {
	for {
		select {
		case s.ch <- e:
			return
		default:
		}
		select {
		case <-s.ch:
			if s.bus.onDrop != nil {
				s.bus.onDrop()
			}
		default:
		}
	}
}
