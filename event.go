package hftbus

import (
	"github.com/rbaliyan/hftbus/channel"
)

// TypeTag identifies a concrete event type on the bus.
type TypeTag = channel.TypeTag

// Priority is the delivery tier of an envelope.
type Priority = channel.Priority

// Envelope is a published event plus its sequence, timestamp, priority and tag.
type Envelope[T any] = channel.Envelope[T]

// Subscription is a private read cursor on one event type.
type Subscription[T any] = channel.Subscription[T]

// StatsSnapshot is a point-in-time copy of one event type's counters.
type StatsSnapshot = channel.StatsSnapshot

// Priority tiers
const (
	PriorityNormal   = channel.Normal
	PriorityCritical = channel.Critical
)

// Well-known event type tags
const (
	TagMarketData     TypeTag = "market_data"
	TagAggregatedData TypeTag = "aggregated_data"
	TagOrderBook      TypeTag = "order_book"
	TagFeature        TypeTag = "feature"
	TagQuantumFeature TypeTag = "quantum"
	TagSignal         TypeTag = "signal"
	TagPrediction     TypeTag = "prediction"
	TagOrder          TypeTag = "order"
	TagFill           TypeTag = "fill"
	TagOrderUpdate    TypeTag = "order_update"
	TagMetrics        TypeTag = "metrics"
	TagPerformance    TypeTag = "performance"
	TagConfig         TypeTag = "config"
	TagHealth         TypeTag = "health"
	TagError          TypeTag = "error"
	TagResearch       TypeTag = "research"
)

// Event is implemented by every payload published on the bus. EventType must
// return the same tag for every value of a concrete type, including its zero
// value.
type Event interface {
	EventType() TypeTag
}

// Prioritized is implemented by events that choose their own delivery tier.
// Events that do not implement it are published as PriorityNormal unless a
// priority is given explicitly.
type Prioritized interface {
	Priority() Priority
}

// Handle is the type-independent view of a subscription.
type Handle interface {
	ID() string
	Tag() TypeTag
	Close() error
}

var _ Handle = (*Subscription[Event])(nil)

// TagOf returns the type tag of T, taken from its zero value. For pointer
// types EventType is called on a nil receiver.
func TagOf[T Event]() TypeTag {
	var zero T
	return zero.EventType()
}

// priorityOf returns the priority an event asks for.
func priorityOf(ev Event) Priority {
	if p, ok := ev.(Prioritized); ok {
		return p.Priority()
	}
	return PriorityNormal
}
