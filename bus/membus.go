package bus

import (
	"slices"
	"sync"
)

// MemBusConfig configures an in-memory event bus.
type MemBusConfig struct {
	// SubscriberBufferSize is the channel buffer size per subscriber (default: 256).
	SubscriberBufferSize int
}

// MemBus is an in-memory event bus implementation.
type MemBus struct {
	mu         sync.RWMutex
	subs       map[Topic][]*memSub
	globalSubs []*memSub
	bufSize    int
	closed     bool
}

// NewMemBus creates a new in-memory event bus with the given configuration.
func NewMemBus(config MemBusConfig) *MemBus {
	bufSize := config.SubscriberBufferSize
	if bufSize <= 0 {
		bufSize = 256
	}
	return &MemBus{
		subs:    make(map[Topic][]*memSub),
		bufSize: bufSize,
	}
}

// Publish sends an event to all matching subscribers. Topic subscribers
// receive events of their topic and global subscribers receive everything.
// If the bus is closed, the event is silently dropped.
func (b *MemBus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, sub := range b.subs[event.Kind.Topic()] {
		sub.send(event)
	}
	for _, sub := range b.globalSubs {
		sub.send(event)
	}
}

// Subscribe registers a subscriber for one topic.
func (b *MemBus) Subscribe(topic Topic) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := newMemSub(b, topic, b.bufSize)
	if b.closed {
		sub.close()
		return sub
	}
	b.subs[topic] = append(b.subs[topic], sub)
	return sub
}

// SubscribeAll registers a subscriber that receives events from all topics.
func (b *MemBus) SubscribeAll() Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := newMemSub(b, "", b.bufSize)
	if b.closed {
		sub.close()
		return sub
	}
	b.globalSubs = append(b.globalSubs, sub)
	return sub
}

// Close shuts down the bus and all active subscriptions.
func (b *MemBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.close()
		}
	}
	for _, sub := range b.globalSubs {
		sub.close()
	}
	b.subs = make(map[Topic][]*memSub)
	b.globalSubs = nil
	return nil
}

func (b *MemBus) remove(target *memSub) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if target.topic == "" {
		b.globalSubs = slices.DeleteFunc(b.globalSubs, func(s *memSub) bool { return s == target })
		return
	}
	b.subs[target.topic] = slices.DeleteFunc(b.subs[target.topic], func(s *memSub) bool { return s == target })
}

// memSub is an in-memory subscription.
type memSub struct {
	bus    *MemBus
	topic  Topic
	ch     chan Event
	mu     sync.Mutex
	closed bool
}

func newMemSub(b *MemBus, topic Topic, bufSize int) *memSub {
	return &memSub{
		bus:   b,
		topic: topic,
		ch:    make(chan Event, bufSize),
	}
}

// Events returns a channel of events for this subscription.
func (s *memSub) Events() <-chan Event {
	return s.ch
}

// Close unsubscribes and releases resources.
func (s *memSub) Close() error {
	s.bus.remove(s)
	s.close()
	return nil
}

// close performs the actual channel close, guarded against double-close.
func (s *memSub) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// send delivers an event to the subscription's channel.
// If the channel is full or the subscription is closed, the event is dropped.
func (s *memSub) send(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	select {
	case s.ch <- event:
	default:
		// Drop if channel full.
	}
}

// Compile-time interface checks.
var _ EventBus = (*MemBus)(nil)
var _ Subscription = (*memSub)(nil)
