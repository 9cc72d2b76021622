package hftbus

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/rbaliyan/hftbus/channel"
	"github.com/rbaliyan/hftbus/recorder"
)

const (
	busRunning = 1
	busStopped = 0
)

// Bus distributes events to subscribers, one bounded channel per event type.
//
// A Bus is constructed once and shared by pointer among every publisher and
// subscriber. There is no global bus registry.
type Bus struct {
	status       int32
	id           string
	name         string
	registry     registry
	capacity     int
	typeCapacity map[TypeTag]int
	clock        func() int64
	ids          *channel.IDSource
	recorder     *recorder.Recorder
	logger       *slog.Logger
	metrics      *busMetrics
}

// NewBus creates a new event bus.
// Returns error if any option is invalid or if two fast-path declarations
// conflict. All configuration errors are reported together.
func NewBus(name string, opts ...BusOption) (*Bus, error) {
	o := newBusOptions(opts...)
	if o.err != nil {
		return nil, o.err
	}

	if name == "" {
		name = DefaultBusName
	}

	bus := &Bus{
		status:       busRunning,
		id:           uuid.NewString(),
		name:         name,
		capacity:     o.capacity,
		typeCapacity: o.typeCapacity,
		clock:        o.clock,
		ids:          &channel.IDSource{},
		logger:       o.logger.With("component", "bus>"+name),
	}

	if o.recording > 0 {
		rec, err := recorder.New(o.recording)
		if err != nil {
			return nil, err
		}
		bus.recorder = rec
	}

	for _, declare := range o.fastPath {
		if err := declare(bus); err != nil {
			bus.registry.close()
			return nil, err
		}
	}

	if o.metricsEnabled {
		m, err := newBusMetrics(bus, o.meterProvider)
		if err != nil {
			bus.registry.close()
			return nil, err
		}
		bus.metrics = m
	}

	bus.logger.Debug("bus created", "capacity", o.capacity, "recording", o.recording, "fast_path", len(o.fastPath))
	return bus, nil
}

// newChannel creates the channel for tag. A capacity of zero selects the
// configured capacity for the tag.
func newChannel[T any](b *Bus, tag TypeTag, capacity int) (*channel.Channel[T], error) {
	if capacity == 0 {
		capacity = b.capacity
		if n, ok := b.typeCapacity[tag]; ok {
			capacity = n
		}
	}
	opts := []channel.Option{
		channel.WithCapacity(capacity),
		channel.WithClock(b.clock),
		channel.WithIDSource(b.ids),
		channel.WithLogger(b.logger.With("type", string(tag))),
	}
	if b.recorder != nil {
		opts = append(opts, channel.WithRecorder(b.recorder))
	}
	return channel.New[T](tag, opts...)
}

// bind resolves the channel carrying T under tag, creating it on first use.
// capacity only applies when the channel is created.
func bind[T any](b *Bus, tag TypeTag, capacity int) (*binding[T], error) {
	return resolve(&b.registry, tag, func() (*channel.Channel[T], error) {
		b.logger.Debug("registering channel", "type", string(tag))
		return newChannel[T](b, tag, capacity)
	})
}

// ID returns the bus ID
func (b *Bus) ID() string {
	return b.id
}

// Name returns the bus name
func (b *Bus) Name() string {
	return b.name
}

// Running returns true if bus is running
func (b *Bus) Running() bool {
	return atomic.LoadInt32(&b.status) == busRunning
}

// Logger returns the bus logger
func (b *Bus) Logger() *slog.Logger {
	return b.logger
}

// Recorder returns the event recorder, or nil when recording is disabled.
func (b *Bus) Recorder() *recorder.Recorder {
	return b.recorder
}

// Publish sends ev to every subscriber of its type. The priority is taken
// from ev when it implements Prioritized.
//
// Publish never blocks. It fails with ErrClosed after Shutdown and with
// ErrTypeConflict when the type is declared on the typed fast path.
func (b *Bus) Publish(ev Event) error {
	if ev == nil {
		return ErrNilEvent
	}
	return b.publish(ev, priorityOf(ev), trace.SpanContext{})
}

// PublishWithPriority sends ev with an explicit priority.
func (b *Bus) PublishWithPriority(ev Event, p Priority) error {
	if ev == nil {
		return ErrNilEvent
	}
	return b.publish(ev, p, trace.SpanContext{})
}

// PublishContext sends ev carrying the span context found in ctx.
func (b *Bus) PublishContext(ctx context.Context, ev Event) error {
	if ev == nil {
		return ErrNilEvent
	}
	return b.publish(ev, priorityOf(ev), trace.SpanContextFromContext(ctx))
}

func (b *Bus) publish(ev Event, p Priority, span trace.SpanContext) error {
	if !b.Running() {
		return ErrClosed
	}
	ch, err := bind[Event](b, ev.EventType(), 0)
	if err != nil {
		return err
	}
	_, err = ch.Publish(ev, p, span)
	return err
}

// Republish sends a previously published envelope again with its priority
// and span context, on whichever path owns its tag: a recorded fast-path
// event goes back to its typed channel. A tag with no channel yet is
// published on the generic path. Sequence, ID and timestamp are assigned
// afresh.
func (b *Bus) Republish(env Envelope[Event]) error {
	if env.Payload == nil {
		return ErrNilEvent
	}
	if !b.Running() {
		return ErrClosed
	}
	if v, ok := b.registry.entries.Load(env.Payload.EventType()); ok {
		return v.(entry).publishErased(env.Payload, env.Priority, env.Span)
	}
	return b.publish(env.Payload, env.Priority, env.Span)
}

// Subscribe registers a generic subscription for tag. It observes only
// events published after it was created.
func (b *Bus) Subscribe(tag TypeTag) (*Subscription[Event], error) {
	if !b.Running() {
		return nil, ErrClosed
	}
	ch, err := bind[Event](b, tag, 0)
	if err != nil {
		return nil, err
	}
	sub, err := ch.Subscribe()
	if err != nil {
		return nil, err
	}
	b.logger.Debug("subscribed", "type", string(tag), "subscription", sub.ID())
	return sub, nil
}

// SubscribeMarketData subscribes to TagMarketData events.
func (b *Bus) SubscribeMarketData() (*Subscription[Event], error) {
	return b.Subscribe(TagMarketData)
}

// SubscribeFeatures subscribes to TagFeature events.
func (b *Bus) SubscribeFeatures() (*Subscription[Event], error) {
	return b.Subscribe(TagFeature)
}

// SubscribeSignals subscribes to TagSignal events.
func (b *Bus) SubscribeSignals() (*Subscription[Event], error) {
	return b.Subscribe(TagSignal)
}

// SubscribeOrders subscribes to TagOrder events.
func (b *Bus) SubscribeOrders() (*Subscription[Event], error) {
	return b.Subscribe(TagOrder)
}

// SubscribeFills subscribes to TagFill events.
func (b *Bus) SubscribeFills() (*Subscription[Event], error) {
	return b.Subscribe(TagFill)
}

// Unsubscribe releases a subscription of either path. Its cursor stops
// counting towards drops immediately.
func (b *Bus) Unsubscribe(h Handle) error {
	if h == nil {
		return nil
	}
	b.logger.Debug("unsubscribed", "type", string(h.Tag()), "subscription", h.ID())
	return h.Close()
}

// Stats returns a snapshot of the counters of every registered event type.
func (b *Bus) Stats() map[TypeTag]StatsSnapshot {
	stats := make(map[TypeTag]StatsSnapshot)
	b.registry.each(func(e entry) {
		stats[e.Tag()] = e.Stats()
	})
	return stats
}

// Capacity returns the ring size of the channel registered for tag, or zero
// if no channel exists for it yet.
func (b *Bus) Capacity(tag TypeTag) int {
	if v, ok := b.registry.entries.Load(tag); ok {
		return v.(entry).Capacity()
	}
	return 0
}

// Shutdown closes every channel. Blocked receives return ErrClosed and later
// publishes fail with ErrClosed. Shutdown is idempotent.
func (b *Bus) Shutdown() error {
	if !atomic.CompareAndSwapInt32(&b.status, busRunning, busStopped) {
		return nil
	}
	b.registry.close()

	var err error
	if b.metrics != nil {
		err = b.metrics.unregister()
	}
	b.logger.Info("bus shut down")
	return err
}
