package progress

import (
	"sort"
	"sync"
	"time"

	"github.com/zhubert/canopy/internal/logger"
)

// Subscriber receives events. It is called synchronously and must not call
// Publish, Subscribe, or Forget on the same Bus.
type Subscriber func(Event)

type subscription struct {
	id int
	fn Subscriber
}

// Bus fans events out to subscribers in registration order and keeps the
// latest event per node for replay.
type Bus struct {
	// deliverMu serializes delivery so every subscriber sees events in the
	// same order, and a new subscriber's replay cannot interleave with a
	// live event.
	deliverMu sync.Mutex

	mu     sync.Mutex
	latest map[string]Event
	subs   []subscription
	nextID int
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{latest: make(map[string]Event)}
}

// Publish records e as the latest event for its node and delivers it to
// every current subscriber. A zero Timestamp is filled in.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.deliverMu.Lock()
	defer b.deliverMu.Unlock()

	b.mu.Lock()
	b.latest[e.NodeID] = e
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, s := range subs {
		b.deliver(s, e)
	}
}

// Update publishes a step change with the step's default percentage.
func (b *Bus) Update(nodeID string, step Step, message string) {
	b.Publish(NewEvent(nodeID, step, message))
}

func (b *Bus) deliver(s subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.WithComponent("progress").Error("subscriber panicked", "subscriber", s.id, "node", e.NodeID, "panic", r)
		}
	}()
	s.fn(e)
}

// Subscribe registers fn, replays the latest event of every tracked node to
// it (ordered by node ID), and returns a function that unregisters it.
func (b *Bus) Subscribe(fn Subscriber) (unsubscribe func()) {
	b.deliverMu.Lock()
	defer b.deliverMu.Unlock()

	b.mu.Lock()
	b.nextID++
	s := subscription{id: b.nextID, fn: fn}
	b.subs = append(b.subs, s)
	snapshot := b.snapshotLocked()
	b.mu.Unlock()

	for _, e := range snapshot {
		b.deliver(s, e)
	}

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(s.id) })
	}
}

func (b *Bus) remove(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// SubscribeChan adapts Subscribe to a channel with the given buffer. Events
// that do not fit are dropped and logged. The channel is closed by the
// returned unsubscribe function.
func (b *Bus) SubscribeChan(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	var mu sync.Mutex
	closed := false

	unsub := b.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- e:
		default:
			logger.WithComponent("progress").Warn("dropping event for slow subscriber", "node", e.NodeID, "step", e.Step)
		}
	})

	return ch, func() {
		unsub()
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			closed = true
			close(ch)
		}
	}
}

// Latest returns the most recent event for nodeID.
func (b *Bus) Latest(nodeID string) (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.latest[nodeID]
	return e, ok
}

// Snapshot returns the latest event of every tracked node, ordered by node ID.
func (b *Bus) Snapshot() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

func (b *Bus) snapshotLocked() []Event {
	events := make([]Event, 0, len(b.latest))
	for _, e := range b.latest {
		events = append(events, e)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].NodeID < events[j].NodeID })
	return events
}

// Forget drops the stored event for nodeID so it is no longer replayed.
func (b *Bus) Forget(nodeID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.latest, nodeID)
}

// SubscriberCount returns the number of registered subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
