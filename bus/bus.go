// Package bus distributes registry change events to interested observers such
// as the daemon's event stream, loggers, and tests. Delivery is best effort:
// publishers never block on slow subscribers.
package bus

import (
	"time"

	"github.com/petal-labs/switchboard/catalog"
)

// Topic groups events by the registry table they describe.
type Topic string

const (
	TopicService Topic = "service"
	TopicAgent   Topic = "agent"
)

// EventKind identifies one registry mutation.
type EventKind string

const (
	EventServiceUpserted EventKind = "service.upserted"
	EventServiceRemoved  EventKind = "service.removed"
	EventAgentUpserted   EventKind = "agent.upserted"
	EventAgentRemoved    EventKind = "agent.removed"
)

// Topic returns the topic an event kind belongs to.
func (k EventKind) Topic() Topic {
	switch k {
	case EventAgentUpserted, EventAgentRemoved:
		return TopicAgent
	default:
		return TopicService
	}
}

// Event describes one completed registry mutation. Exactly one of Service or
// Agent is set for upserts; removals carry only the key.
type Event struct {
	Kind     EventKind      `json:"kind"`
	Key      string         `json:"key"`
	Revision uint64         `json:"revision"`
	Time     time.Time      `json:"time"`
	Service  *catalog.Entry `json:"service,omitempty"`
	Agent    *catalog.Agent `json:"agent,omitempty"`
}

// EventBus distributes events to subscribers.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(event Event)

	// Subscribe registers a subscriber for a single topic.
	// Returns a Subscription that must be closed when done.
	Subscribe(topic Topic) Subscription

	// SubscribeAll registers a subscriber that receives every event.
	// Returns a Subscription that must be closed when done.
	SubscribeAll() Subscription

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Subscription receives events.
type Subscription interface {
	// Events returns a channel of events for this subscription.
	Events() <-chan Event

	// Close unsubscribes and releases resources.
	Close() error
}
