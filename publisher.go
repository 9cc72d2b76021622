package hftbus

import (
	"context"
)

// Publisher publishes events of one type with a default priority. It holds a
// resolved fast-path channel, so it is suited to long-lived producers such as
// a market-data feed handler or an execution gateway.
type Publisher[T Event] struct {
	typed    *Typed[T]
	priority Priority
}

// NewPublisher binds T on the typed path and returns a publisher sending at
// priority p by default.
func NewPublisher[T Event](b *Bus, p Priority) (*Publisher[T], error) {
	t, err := Bind[T](b)
	if err != nil {
		return nil, err
	}
	return &Publisher[T]{typed: t, priority: p}, nil
}

// Priority returns the default priority of the publisher.
func (p *Publisher[T]) Priority() Priority {
	return p.priority
}

// Tag returns the type tag the publisher sends on.
func (p *Publisher[T]) Tag() TypeTag {
	return p.typed.Tag()
}

// Publish sends ev at the default priority.
func (p *Publisher[T]) Publish(ev T) error {
	return p.typed.PublishWithPriority(ev, p.priority)
}

// PublishCritical sends ev as PriorityCritical regardless of the default.
func (p *Publisher[T]) PublishCritical(ev T) error {
	return p.typed.PublishWithPriority(ev, PriorityCritical)
}

// PublishContext sends ev at the default priority carrying the span context
// found in ctx.
func (p *Publisher[T]) PublishContext(ctx context.Context, ev T) error {
	return p.typed.publishSpan(ctx, ev, p.priority)
}
