// Package bus fans projector frames out to per-subscription queues with
// drop-oldest-on-overflow backpressure: the publisher never blocks, and a
// subscriber that falls far enough behind is disconnected.
package bus

import (
	"fmt"
	"sync"
	"sync/atomic"

	herrors "github.com/hypertekorg/hyperstack/internal/errors"
	"github.com/hypertekorg/hyperstack/internal/wire"
)

// DefaultQueueSize is the default per-subscriber bounded queue depth
// (spec §4.6/§6: "backpressure_queue_size", default 256).
const DefaultQueueSize = 256

// Subscription is one live tail of a view, optionally restricted to a
// single key.
type Subscription struct {
	ID   string
	View string
	Key  string // "" subscribes to every key on the view

	frames    chan wire.Frame
	closed    chan struct{}
	dropped   atomic.Uint64
	closeOnce sync.Once

	onBackpressure func(subID string, err *herrors.HyperstackError)
}

// Frames returns the channel the subscriber should range over to receive
// frames. It is closed when the subscription is disconnected.
func (s *Subscription) Frames() <-chan wire.Frame { return s.frames }

// Dropped reports how many frames this subscription has dropped to
// backpressure so far.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

func (s *Subscription) close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// enqueue pushes frame onto the subscription's queue, dropping the oldest
// queued frame first if the queue is full (never blocking the publisher).
// It reports whether a drop occurred.
func (s *Subscription) enqueue(frame wire.Frame) (dropped bool) {
	select {
	case s.frames <- frame:
		return false
	default:
	}
	select {
	case <-s.frames:
		dropped = true
	default:
	}
	select {
	case s.frames <- frame:
	default:
		// Lost a race with another drain; drop this frame too rather than
		// block.
		dropped = true
	}
	return dropped
}

// Bus is the per-view subscriber registry.
type Bus struct {
	mu                    sync.RWMutex
	queueSize             int
	backpressureThreshold uint64
	subsByView            map[string]map[string]*Subscription // view -> subID -> sub
	onDrop                func(view string)
	onSubscribe           func(view string, delta int)
}

// New builds a Bus. queueSize <= 0 uses DefaultQueueSize.
// backpressureThreshold is the cumulative dropped-frame count at which a
// subscriber is disconnected; 0 disables disconnection.
func New(queueSize int, backpressureThreshold uint64) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		queueSize:             queueSize,
		backpressureThreshold: backpressureThreshold,
		subsByView:            make(map[string]map[string]*Subscription),
	}
}

// OnDrop/OnSubscribe register observability hooks (the engine wires them
// to its *metrics.Metrics counters/gauges; Bus stays free of that
// dependency so it can be unit-tested standalone).
func (b *Bus) OnDrop(fn func(view string))                { b.onDrop = fn }
func (b *Bus) OnSubscribe(fn func(view string, delta int)) { b.onSubscribe = fn }

// Subscribe registers a new subscription and returns it.
func (b *Bus) Subscribe(id, view, key string) *Subscription {
	sub := &Subscription{
		ID: id, View: view, Key: key,
		frames: make(chan wire.Frame, b.queueSize),
		closed: make(chan struct{}),
	}

	b.mu.Lock()
	if b.subsByView[view] == nil {
		b.subsByView[view] = make(map[string]*Subscription)
	}
	b.subsByView[view][id] = sub
	b.mu.Unlock()

	if b.onSubscribe != nil {
		b.onSubscribe(view, 1)
	}
	return sub
}

// Unsubscribe removes and closes a subscription.
func (b *Bus) Unsubscribe(view, id string) {
	b.mu.Lock()
	subs := b.subsByView[view]
	sub, ok := subs[id]
	if ok {
		delete(subs, id)
	}
	b.mu.Unlock()

	if ok {
		sub.close()
		if b.onSubscribe != nil {
			b.onSubscribe(view, -1)
		}
	}
}

// Publish delivers frame to every subscription on its view matching its
// key (an empty subscription key matches all keys; a subscription pinned
// to one key only receives frames for that key).
func (b *Bus) Publish(frame wire.Frame) {
	b.mu.RLock()
	subs := b.subsByView[frame.Entity]
	matched := make([]*Subscription, 0, len(subs))
	for _, sub := range subs {
		if sub.Key == "" || sub.Key == frame.Key {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range matched {
		if sub.enqueue(frame) {
			dropped := sub.dropped.Add(1)
			if b.onDrop != nil {
				b.onDrop(frame.Entity)
			}
			if b.backpressureThreshold > 0 && dropped >= b.backpressureThreshold {
				b.disconnect(frame.Entity, sub)
			}
		}
	}
}

func (b *Bus) disconnect(view string, sub *Subscription) {
	b.Unsubscribe(view, sub.ID)
	if sub.onBackpressure != nil {
		sub.onBackpressure(sub.ID, herrors.BackpressureExceeded(fmt.Sprintf("subscription %s exceeded backpressure threshold", sub.ID)))
	}
}

// OnBackpressureExceeded registers a best-effort callback invoked when this
// subscription is disconnected for falling behind.
func (s *Subscription) OnBackpressureExceeded(fn func(subID string, err *herrors.HyperstackError)) {
	s.onBackpressure = fn
}

// SubscriberCount reports how many subscriptions a view currently has.
func (b *Bus) SubscriberCount(view string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subsByView[view])
}
