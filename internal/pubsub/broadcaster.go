// Package pubsub fans immutable values out to subscribers. Each subscriber
// runs on its own goroutine, so a listener may publish or unsubscribe from
// inside its callback without recursing into the publisher.
package pubsub

import "sync"

// Broadcaster delivers published values to every subscriber in publish
// order. A subscriber that falls behind loses its oldest undelivered values
// once its mailbox is full.
type Broadcaster[T any] struct {
	mu       sync.Mutex
	subs     map[uint64]*subscriber[T]
	next     uint64
	capacity int
	replay   bool
	latest   T
	has      bool
	closed   bool
	onDrop   func(T)
}

type subscriber[T any] struct {
	fn      func(T)
	mailbox chan T
	done    chan struct{}
	once    sync.Once
}

// New returns a broadcaster holding up to buffer undelivered values per
// subscriber. With replay set, a new subscriber first receives the most
// recently published value.
func New[T any](buffer int, replay bool) *Broadcaster[T] {
	if buffer < 1 {
		buffer = 1
	}
	return &Broadcaster[T]{subs: make(map[uint64]*subscriber[T]), capacity: buffer, replay: replay}
}

// NewLatest returns a broadcaster suited to state snapshots: each subscriber
// only ever sees the most recent value, and new subscribers immediately
// receive the current one.
func NewLatest[T any]() *Broadcaster[T] {
	return New[T](1, true)
}

// NewStream returns a broadcaster suited to discrete events. Nothing is
// replayed on subscribe.
func NewStream[T any](buffer int) *Broadcaster[T] {
	return New[T](buffer, false)
}

// Publish hands v to every subscriber without blocking.
func (b *Broadcaster[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.latest = v
	b.has = true
	for _, s := range b.subs {
		if old, dropped := deliver(s.mailbox, v); dropped && b.onDrop != nil {
			b.onDrop(old)
		}
	}
}

// OnDrop registers fn to receive every value discarded from a full mailbox.
// fn runs with the broadcaster locked and must not call back into it.
func (b *Broadcaster[T]) OnDrop(fn func(T)) {
	b.mu.Lock()
	b.onDrop = fn
	b.mu.Unlock()
}

// deliver must be called with the broadcaster lock held; it is the only
// sender on mailbox, so the send after dropping one value cannot block.
func deliver[T any](mailbox chan T, v T) (old T, dropped bool) {
	select {
	case mailbox <- v:
		return old, false
	default:
	}
	select {
	case old = <-mailbox:
		dropped = true
	default:
	}
	mailbox <- v
	return old, dropped
}

// Latest returns the last published value.
func (b *Broadcaster[T]) Latest() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latest, b.has
}

// Subscribe registers fn and returns a function that removes it. The
// returned function is safe to call more than once and from inside fn.
func (b *Broadcaster[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	s := &subscriber[T]{
		fn:      fn,
		mailbox: make(chan T, b.capacity),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = s
	if b.replay && b.has {
		deliver(s.mailbox, b.latest)
	}
	b.mu.Unlock()

	go s.run()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		s.stop()
	}
}

// Subscribers reports how many listeners are registered.
func (b *Broadcaster[T]) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close removes all subscribers. Later publishes are dropped.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[uint64]*subscriber[T])
	b.closed = true
	b.mu.Unlock()
	for _, s := range subs {
		s.stop()
	}
}

func (s *subscriber[T]) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *subscriber[T]) run() {
	for {
		select {
		case <-s.done:
			return
		case v := <-s.mailbox:
			select {
			case <-s.done:
				return
			default:
			}
			s.fn(v)
		}
	}
}
