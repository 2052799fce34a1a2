package bus

import (
	"sync"
	"testing"
	"time"
)

func TestMemBus_PublishSubscribe(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	sub := b.Subscribe(TopicService)
	defer sub.Close()

	b.Publish(Event{Kind: EventServiceUpserted, Key: "fs", Revision: 1})

	select {
	case received := <-sub.Events():
		if received.Kind != EventServiceUpserted {
			t.Errorf("got kind %v, want %v", received.Kind, EventServiceUpserted)
		}
		if received.Key != "fs" {
			t.Errorf("got key %q, want %q", received.Key, "fs")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestMemBus_TopicIsolation(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	services := b.Subscribe(TopicService)
	defer services.Close()
	agents := b.Subscribe(TopicAgent)
	defer agents.Close()

	b.Publish(Event{Kind: EventAgentUpserted, Key: "planner"})

	select {
	case <-agents.Events():
	case <-time.After(time.Second):
		t.Fatal("agent subscriber should receive agent events")
	}

	select {
	case <-services.Events():
		t.Fatal("service subscriber should NOT receive agent events")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemBus_SubscribeAll(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	all := b.SubscribeAll()
	defer all.Close()

	b.Publish(Event{Kind: EventServiceRemoved, Key: "fs"})
	b.Publish(Event{Kind: EventAgentRemoved, Key: "planner"})

	for i := 0; i < 2; i++ {
		select {
		case <-all.Events():
		case <-time.After(time.Second):
			t.Fatalf("event %d: timed out", i)
		}
	}
}

func TestMemBus_DropsWhenSubscriberFull(t *testing.T) {
	b := NewMemBus(MemBusConfig{SubscriberBufferSize: 1})
	defer b.Close()

	sub := b.SubscribeAll()
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			b.Publish(Event{Kind: EventServiceUpserted, Key: "fs"})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	if got := len(sub.Events()); got != 1 {
		t.Fatalf("buffered events = %d, want 1", got)
	}
}

func TestMemBus_CloseClosesSubscriptions(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	sub := b.SubscribeAll()

	if err := b.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, ok := <-sub.Events(); ok {
		t.Fatal("subscription channel should be closed")
	}

	// Publishing after close is a no-op and must not panic.
	b.Publish(Event{Kind: EventServiceUpserted})
}

func TestMemBus_SubscriptionCloseIsIdempotent(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	sub := b.Subscribe(TopicAgent)
	if err := sub.Close(); err != nil {
		t.Fatalf("first Close() error = %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	b.Publish(Event{Kind: EventAgentUpserted})
}

func TestMemBus_ConcurrentPublish(t *testing.T) {
	b := NewMemBus(MemBusConfig{SubscriberBufferSize: 1000})
	defer b.Close()

	sub := b.SubscribeAll()
	defer sub.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				b.Publish(Event{Kind: EventServiceUpserted})
			}
		}()
	}
	wg.Wait()

	if got := len(sub.Events()); got != 500 {
		t.Fatalf("received %d events, want 500", got)
	}
}
