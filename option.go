package hftbus

import (
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/multierr"

	"github.com/rbaliyan/hftbus/channel"
)

// DefaultBusName is the name used when NewBus is given an empty name.
var DefaultBusName = "hftbus"

// DefaultCapacity is the per-type ring size used when WithCapacity is not set.
const DefaultCapacity = 10_000

// busOptions holds configuration for bus (unexported)
type busOptions struct {
	capacity       int
	typeCapacity   map[TypeTag]int
	recording      int
	fastPath       []func(*Bus) error
	logger         *slog.Logger
	metricsEnabled bool
	meterProvider  metric.MeterProvider
	clock          func() int64
	err            error
}

// BusOption option function for bus configuration
type BusOption func(*busOptions)

// WithCapacity sets the default ring size for every event type.
func WithCapacity(n int) BusOption {
	return func(o *busOptions) {
		if n <= 0 {
			o.err = multierr.Append(o.err, fmt.Errorf("%w: default capacity %d", ErrInvalidCapacity, n))
			return
		}
		o.capacity = n
	}
}

// WithTypeCapacity sets the ring size for one event type, overriding the
// default capacity.
func WithTypeCapacity(tag TypeTag, n int) BusOption {
	return func(o *busOptions) {
		if n <= 0 {
			o.err = multierr.Append(o.err, fmt.Errorf("%w: capacity %d for %q", ErrInvalidCapacity, n, tag))
			return
		}
		o.typeCapacity[tag] = n
	}
}

// WithRecording enables the recorder with room for n envelopes across all
// types. Recording cannot be enabled after construction.
func WithRecording(n int) BusOption {
	return func(o *busOptions) {
		if n <= 0 {
			o.err = multierr.Append(o.err, fmt.Errorf("%w: recorder capacity %d", ErrInvalidCapacity, n))
			return
		}
		o.recording = n
	}
}

// WithFastPath declares T as a typed fast-path event. Its channel is created
// when the bus is constructed, storing T inline in the ring. Publishing T or
// subscribing to its tag on the generic path fails with ErrTypeConflict.
func WithFastPath[T Event]() BusOption {
	return func(o *busOptions) {
		o.fastPath = append(o.fastPath, func(b *Bus) error {
			_, err := bind[T](b, TagOf[T](), 0)
			return err
		})
	}
}

// WithLogger sets a custom logger for the bus
func WithLogger(l *slog.Logger) BusOption {
	return func(o *busOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics enables/disables OpenTelemetry metrics for the bus
func WithMetrics(enabled bool) BusOption {
	return func(o *busOptions) {
		o.metricsEnabled = enabled
	}
}

// WithMeterProvider sets the meter provider used for bus metrics.
// The global provider is used by default.
func WithMeterProvider(mp metric.MeterProvider) BusOption {
	return func(o *busOptions) {
		if mp != nil {
			o.meterProvider = mp
		}
	}
}

// WithClock sets the envelope timestamp source. It must be monotonic.
func WithClock(fn func() int64) BusOption {
	return func(o *busOptions) {
		if fn != nil {
			o.clock = fn
		}
	}
}

// newBusOptions creates options with defaults and applies provided options
func newBusOptions(opts ...BusOption) *busOptions {
	o := &busOptions{
		capacity:       DefaultCapacity,
		typeCapacity:   make(map[TypeTag]int),
		logger:         slog.Default(),
		metricsEnabled: true,
		meterProvider:  otel.GetMeterProvider(),
		clock:          channel.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
