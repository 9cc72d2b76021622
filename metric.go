package hftbus

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/multierr"
)

// busMetrics exports the channel counters as observable instruments. The
// counters are read at collection time only, so publishing pays nothing for
// metrics.
type busMetrics struct {
	registration metric.Registration
}

func newBusMetrics(b *Bus, mp metric.MeterProvider) (*busMetrics, error) {
	meter := mp.Meter("hftbus")

	published, errPublished := meter.Int64ObservableCounter("hftbus.published",
		metric.WithDescription("Total number of events published"),
		metric.WithUnit("{event}"))
	received, errReceived := meter.Int64ObservableCounter("hftbus.received",
		metric.WithDescription("Total number of events received by subscribers"),
		metric.WithUnit("{event}"))
	dropped, errDropped := meter.Int64ObservableCounter("hftbus.dropped",
		metric.WithDescription("Total number of events overwritten before a subscriber read them"),
		metric.WithUnit("{event}"))
	subscribers, errSubscribers := meter.Int64ObservableGauge("hftbus.subscribers",
		metric.WithDescription("Number of live subscriptions"),
		metric.WithUnit("{subscription}"))
	if err := multierr.Combine(errPublished, errReceived, errDropped, errSubscribers); err != nil {
		return nil, err
	}

	busAttr := attribute.String("bus", b.name)
	reg, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for tag, s := range b.Stats() {
			attrs := metric.WithAttributes(busAttr, attribute.String("type", string(tag)))
			o.ObserveInt64(published, int64(s.Published), attrs)
			o.ObserveInt64(received, int64(s.Received), attrs)
			o.ObserveInt64(dropped, int64(s.Dropped), attrs)
			o.ObserveInt64(subscribers, int64(s.Subscribers), attrs)
		}
		return nil
	}, published, received, dropped, subscribers)
	if err != nil {
		return nil, err
	}
	return &busMetrics{registration: reg}, nil
}

func (m *busMetrics) unregister() error {
	return m.registration.Unregister()
}
