package hftbus

import (
	"context"

	"go.opentelemetry.io/otel/trace"

	"github.com/rbaliyan/hftbus/channel"
)

// Typed is a fast-path handle on the channel carrying T. The payload is stored
// inline in the ring: publishing and receiving through a Typed do not box or
// allocate, unless T implements Prioritized, in which case each payload is
// boxed once to ask for its priority.
//
// Resolve a Typed once and keep it; each package-level Publish call repeats
// the registry lookup.
type Typed[T Event] struct {
	ch *binding[T]
}

// Register binds T to its tag on the typed path and returns the handle. The
// channel is created with the given capacity if it does not exist yet; zero
// selects the bus configuration. A later call with a different capacity gets
// the existing channel unchanged.
//
// Register fails with ErrTypeConflict if the tag is already bound to the
// generic path or to another Go type.
func Register[T Event](b *Bus, capacity int) (*Typed[T], error) {
	if !b.Running() {
		return nil, ErrClosed
	}
	ch, err := bind[T](b, TagOf[T](), capacity)
	if err != nil {
		return nil, err
	}
	return &Typed[T]{ch: ch}, nil
}

// Bind is Register with the configured capacity.
func Bind[T Event](b *Bus) (*Typed[T], error) {
	return Register[T](b, 0)
}

// Tag returns the type tag of T.
func (t *Typed[T]) Tag() TypeTag {
	return t.ch.Tag()
}

// Capacity returns the ring size.
func (t *Typed[T]) Capacity() int {
	return t.ch.Capacity()
}

// Stats returns the channel counters.
func (t *Typed[T]) Stats() StatsSnapshot {
	return t.ch.Stats()
}

// Channel returns the underlying channel.
func (t *Typed[T]) Channel() *channel.Channel[T] {
	return t.ch.Channel
}

// Publish sends ev to every subscriber of T.
func (t *Typed[T]) Publish(ev T) error {
	return t.publish(ev, t.priority(ev), trace.SpanContext{})
}

// PublishWithPriority sends ev with an explicit priority.
func (t *Typed[T]) PublishWithPriority(ev T, p Priority) error {
	return t.publish(ev, p, trace.SpanContext{})
}

// PublishContext sends ev carrying the span context found in ctx.
func (t *Typed[T]) PublishContext(ctx context.Context, ev T) error {
	return t.publishSpan(ctx, ev, t.priority(ev))
}

func (t *Typed[T]) publishSpan(ctx context.Context, ev T, p Priority) error {
	return t.publish(ev, p, trace.SpanContextFromContext(ctx))
}

func (t *Typed[T]) priority(ev T) Priority {
	if t.ch.prioritized {
		return any(ev).(Prioritized).Priority()
	}
	return PriorityNormal
}

func (t *Typed[T]) publish(ev T, p Priority, span trace.SpanContext) error {
	_, err := t.ch.Publish(ev, p, span)
	return err
}

// Subscribe registers a typed subscription on T.
func (t *Typed[T]) Subscribe() (*Subscription[T], error) {
	return t.ch.Subscribe()
}

// Publish sends ev on the typed path, binding T on first use.
func Publish[T Event](b *Bus, ev T) error {
	t, err := Bind[T](b)
	if err != nil {
		return err
	}
	return t.Publish(ev)
}

// PublishWithPriority sends ev on the typed path with an explicit priority.
func PublishWithPriority[T Event](b *Bus, ev T, p Priority) error {
	t, err := Bind[T](b)
	if err != nil {
		return err
	}
	return t.PublishWithPriority(ev, p)
}

// PublishContext sends ev on the typed path carrying the span context in ctx.
func PublishContext[T Event](ctx context.Context, b *Bus, ev T) error {
	t, err := Bind[T](b)
	if err != nil {
		return err
	}
	return t.PublishContext(ctx, ev)
}

// Subscribe registers a typed subscription on T, binding T on first use.
func Subscribe[T Event](b *Bus) (*Subscription[T], error) {
	t, err := Bind[T](b)
	if err != nil {
		return nil, err
	}
	sub, err := t.Subscribe()
	if err != nil {
		return nil, err
	}
	b.logger.Debug("subscribed", "type", string(t.Tag()), "subscription", sub.ID())
	return sub, nil
}
