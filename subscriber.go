package hftbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// Span attribute keys
const (
	spanKeyEventType = "event.type"
	spanKeyEventSeq  = "event.seq"
	spanKeyEventID   = "event.id"
)

// Handler processes one envelope. A returned error is reported to the error
// handler and logged; it does not stop the subscriber.
type Handler[T any] func(ctx context.Context, env Envelope[T]) error

// subscriberOptions holds configuration for a subscriber (unexported)
type subscriberOptions struct {
	logger          *slog.Logger
	lagLogInterval  time.Duration
	tracingEnabled  bool
	recoveryEnabled bool
	onError         func(error)
}

// SubscriberOption configures a Subscriber
type SubscriberOption func(*subscriberOptions)

// WithSubscriberLogger sets the logger for the subscriber
func WithSubscriberLogger(l *slog.Logger) SubscriberOption {
	return func(o *subscriberOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithLagLogInterval limits lag warnings to one per interval. Skipped counts
// are accumulated between warnings. Zero logs every lag signal.
func WithLagLogInterval(d time.Duration) SubscriberOption {
	return func(o *subscriberOptions) {
		if d >= 0 {
			o.lagLogInterval = d
		}
	}
}

// WithTracing enables/disables a consumer span per handled envelope
func WithTracing(enabled bool) SubscriberOption {
	return func(o *subscriberOptions) {
		o.tracingEnabled = enabled
	}
}

// WithRecovery enables/disables panic recovery in handlers
func WithRecovery(enabled bool) SubscriberOption {
	return func(o *subscriberOptions) {
		o.recoveryEnabled = enabled
	}
}

// WithErrorHandler sets a callback for handler errors and recovered panics
func WithErrorHandler(fn func(error)) SubscriberOption {
	return func(o *subscriberOptions) {
		if fn != nil {
			o.onError = fn
		}
	}
}

func newSubscriberOptions(opts ...SubscriberOption) *subscriberOptions {
	o := &subscriberOptions{
		logger:          slog.Default(),
		lagLogInterval:  time.Second,
		recoveryEnabled: true,
		onError:         func(error) {},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Subscriber is a consumer loop over a subscription. Lag signals are counted
// and logged instead of being returned to the caller.
type Subscriber[T any] struct {
	sub     *Subscription[T]
	logger  *slog.Logger
	limiter *rate.Limiter
	tracer  trace.Tracer
	opts    *subscriberOptions

	lagged atomic.Uint64
	// skipped since the last lag warning, owned by the consuming goroutine
	unlogged uint64
}

// NewSubscriber wraps sub. The subscriber takes ownership of the
// subscription and closes it on Close.
func NewSubscriber[T any](sub *Subscription[T], opts ...SubscriberOption) *Subscriber[T] {
	o := newSubscriberOptions(opts...)
	limit := rate.Inf
	if o.lagLogInterval > 0 {
		limit = rate.Every(o.lagLogInterval)
	}
	s := &Subscriber[T]{
		sub:     sub,
		logger:  o.logger.With("component", "subscriber>"+string(sub.Tag()), "subscription", sub.ID()),
		limiter: rate.NewLimiter(limit, 1),
		opts:    o,
	}
	if o.tracingEnabled {
		s.tracer = otel.Tracer("hftbus")
	}
	return s
}

// Subscription returns the wrapped subscription.
func (s *Subscriber[T]) Subscription() *Subscription[T] {
	return s.sub
}

// Lagged returns the total number of events this subscriber skipped.
func (s *Subscriber[T]) Lagged() uint64 {
	return s.lagged.Load()
}

// Next blocks for the next envelope. It returns ErrClosed after shutdown or
// unsubscribe and ctx.Err() when ctx is done.
func (s *Subscriber[T]) Next(ctx context.Context) (Envelope[T], error) {
	for {
		env, err := s.sub.Recv(ctx)
		if n, ok := IsLagged(err); ok {
			s.lag(n)
			continue
		}
		return env, err
	}
}

// TryNext returns the next envelope without blocking, or ErrWouldBlock.
func (s *Subscriber[T]) TryNext() (Envelope[T], error) {
	for {
		env, err := s.sub.TryRecv()
		if n, ok := IsLagged(err); ok {
			s.lag(n)
			continue
		}
		return env, err
	}
}

// Run delivers envelopes to h until the bus shuts down, the subscription is
// closed or ctx is done. It returns nil on shutdown and ctx.Err() on
// cancellation.
func (s *Subscriber[T]) Run(ctx context.Context, h Handler[T]) error {
	for {
		env, err := s.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) {
				return nil
			}
			return err
		}
		if err := s.handle(ctx, h, env); err != nil {
			s.logger.Error("handler failed", "seq", env.Seq, "error", err)
			s.opts.onError(err)
		}
	}
}

func (s *Subscriber[T]) handle(ctx context.Context, h Handler[T], env Envelope[T]) (err error) {
	if s.opts.recoveryEnabled {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("handler panic recovered",
					"seq", env.Seq,
					"error", r,
					"stack", string(debug.Stack()),
				)
				err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
			}
		}()
	}

	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.Start(trace.ContextWithRemoteSpanContext(ctx, env.Span),
			fmt.Sprintf("%s.receive", env.Type),
			trace.WithAttributes(
				attribute.String(spanKeyEventType, string(env.Type)),
				attribute.Int64(spanKeyEventSeq, int64(env.Seq)),
				attribute.String(spanKeyEventID, env.ID.String())),
			trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()
	}

	return h(ctx, env)
}

func (s *Subscriber[T]) lag(n uint64) {
	total := s.lagged.Add(n)
	s.unlogged += n
	if s.limiter.Allow() {
		s.logger.Warn("subscriber lagged", "skipped", s.unlogged, "total", total)
		s.unlogged = 0
	}
}

// Close unsubscribes. Close is idempotent.
func (s *Subscriber[T]) Close() error {
	return s.sub.Close()
}
