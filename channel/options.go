package channel

import (
	"log/slog"
)

// DefaultCapacity is the ring size used when WithCapacity is not set.
const DefaultCapacity = 10_000

// Recorder receives a type-erased copy of every envelope published on a
// channel it is attached to. Record must not block.
type Recorder interface {
	Record(env Envelope[any])
}

// options holds configuration for a channel (unexported)
type options struct {
	capacity int
	clock    func() int64
	ids      *IDSource
	recorder Recorder
	logger   *slog.Logger
}

// Option configures a channel
type Option func(*options)

// WithCapacity sets the ring size. The capacity is fixed for the lifetime of
// the channel.
func WithCapacity(n int) Option {
	return func(o *options) {
		o.capacity = n
	}
}

// WithClock sets the timestamp source for envelopes.
func WithClock(fn func() int64) Option {
	return func(o *options) {
		if fn != nil {
			o.clock = fn
		}
	}
}

// WithIDSource shares an ID counter between channels.
func WithIDSource(s *IDSource) Option {
	return func(o *options) {
		if s != nil {
			o.ids = s
		}
	}
}

// WithRecorder attaches a recorder that observes every published envelope.
func WithRecorder(r Recorder) Option {
	return func(o *options) {
		o.recorder = r
	}
}

// WithLogger sets the logger for the channel
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// newOptions creates options with defaults and applies provided options
func newOptions(tag TypeTag, opts ...Option) *options {
	o := &options{
		capacity: DefaultCapacity,
		clock:    Now,
		logger:   slog.Default().With("component", "channel>"+string(tag)),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.ids == nil {
		o.ids = &IDSource{}
	}
	return o
}
