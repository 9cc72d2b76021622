// Package replay re-publishes historical envelopes through a bus for
// backtests and research. Strategies subscribe to the bus as usual and cannot
// tell replayed events from live ones.
//
// Events are replayed in timestamp order as fast as the bus accepts them,
// optionally capped to a fixed throughput. Original inter-event timing is not
// reproduced.
package replay

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/time/rate"

	"github.com/rbaliyan/hftbus"
	"github.com/rbaliyan/hftbus/recorder"
)

// DefaultProgressInterval is the number of events between progress callbacks.
const DefaultProgressInterval = 10_000

// ErrNotEvent is returned by LoadRecorder for a record whose payload does not
// implement hftbus.Event.
var ErrNotEvent = errors.New("recorded payload is not an event")

// Publisher is the bus surface used by the replayer. Republish must route an
// envelope to whichever path owns its tag, so recordings of fast-path types
// replay onto their typed channels.
type Publisher interface {
	Republish(env hftbus.Envelope[hftbus.Event]) error
}

var _ Publisher = (*hftbus.Bus)(nil)

// Stats summarises one run.
type Stats struct {
	EventsReplayed  int           `json:"events_replayed"`
	Failed          int           `json:"failed"`
	WallTime        time.Duration `json:"wall_time"`
	VirtualSpan     time.Duration `json:"virtual_span"`
	EventsPerSecond float64       `json:"events_per_second"`
	// EffectiveSpeed is virtual time covered per unit of wall time.
	EffectiveSpeed float64 `json:"effective_speed"`
}

// options holds configuration for a replayer (unexported)
type options struct {
	limiter          *rate.Limiter
	onEvent          func(i int, env hftbus.Envelope[hftbus.Event])
	onProgress       func(progress float64, i int)
	progressInterval int
	logger           *slog.Logger
}

// Option configures a Replayer
type Option func(*options)

// WithRate caps replay throughput to eventsPerSecond with the given burst.
func WithRate(eventsPerSecond float64, burst int) Option {
	return func(o *options) {
		if eventsPerSecond > 0 {
			o.limiter = rate.NewLimiter(rate.Limit(eventsPerSecond), max(burst, 1))
		}
	}
}

// WithOnEvent sets a callback run after each event is published.
func WithOnEvent(fn func(i int, env hftbus.Envelope[hftbus.Event])) Option {
	return func(o *options) {
		o.onEvent = fn
	}
}

// WithOnProgress sets a callback run every interval events with the virtual
// clock progress in [0, 1].
func WithOnProgress(interval int, fn func(progress float64, i int)) Option {
	return func(o *options) {
		if interval > 0 {
			o.progressInterval = interval
		}
		o.onProgress = fn
	}
}

// WithLogger sets the logger for the replayer
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// Replayer publishes loaded envelopes in timestamp order. A Replayer is not
// safe for concurrent use.
type Replayer struct {
	pub    Publisher
	events []hftbus.Envelope[hftbus.Event]
	clock  VirtualClock
	opts   *options
	logger *slog.Logger
}

// New creates a replayer publishing to pub.
func New(pub Publisher, opts ...Option) *Replayer {
	o := &options{
		progressInterval: DefaultProgressInterval,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return &Replayer{
		pub:    pub,
		opts:   o,
		logger: o.logger.With("component", "replay"),
	}
}

// Load replaces the loaded events. They are sorted by timestamp; envelopes
// with equal timestamps keep their relative order.
func (r *Replayer) Load(events []hftbus.Envelope[hftbus.Event]) {
	r.events = slices.Clone(events)
	slices.SortStableFunc(r.events, func(a, b hftbus.Envelope[hftbus.Event]) int {
		return cmp.Compare(a.Timestamp, b.Timestamp)
	})
	if n := len(r.events); n > 0 {
		r.clock.SetBounds(r.events[0].Timestamp, r.events[n-1].Timestamp)
	} else {
		r.clock.SetBounds(0, 0)
	}
}

// LoadRecorder loads the current contents of a recorder.
func (r *Replayer) LoadRecorder(rec *recorder.Recorder) error {
	records := rec.Events()
	events := make([]hftbus.Envelope[hftbus.Event], 0, len(records))
	for _, record := range records {
		ev, ok := record.Payload.(hftbus.Event)
		if !ok {
			return fmt.Errorf("%w: record %d of type %q holds %T", ErrNotEvent, record.Index, record.Type, record.Payload)
		}
		events = append(events, hftbus.Envelope[hftbus.Event]{
			ID:        record.ID,
			Seq:       record.Seq,
			Timestamp: record.Timestamp,
			Priority:  record.Priority,
			Type:      record.Type,
			Span:      record.Span,
			Payload:   ev,
		})
	}
	r.Load(events)
	return nil
}

// Len returns the number of loaded events.
func (r *Replayer) Len() int {
	return len(r.events)
}

// Clock returns the virtual clock.
func (r *Replayer) Clock() *VirtualClock {
	return &r.clock
}

// Run publishes every loaded event with its original priority and span
// context. Publish failures other than ErrClosed are counted and logged at debug level; ErrClosed stops the run. Run
// returns ctx.Err() if ctx is done before all events are published.
func (r *Replayer) Run(ctx context.Context) (Stats, error) {
	return r.run(ctx, r.events)
}

// RunUntil publishes the loaded events with a timestamp at or before endNs.
func (r *Replayer) RunUntil(ctx context.Context, endNs int64) (Stats, error) {
	cutoff, _ := slices.BinarySearchFunc(r.events, endNs, func(env hftbus.Envelope[hftbus.Event], t int64) int {
		if env.Timestamp <= t {
			return -1
		}
		return 1
	})
	return r.run(ctx, r.events[:cutoff])
}

func (r *Replayer) run(ctx context.Context, events []hftbus.Envelope[hftbus.Event]) (Stats, error) {
	var stats Stats
	if len(events) == 0 {
		return stats, nil
	}

	first, last := events[0].Timestamp, events[len(events)-1].Timestamp
	stats.VirtualSpan = time.Duration(last - first)
	r.logger.Info("replay started", "events", len(events), "virtual_span", stats.VirtualSpan)

	start := time.Now()
	var runErr error
	for i, env := range events {
		if r.opts.limiter != nil {
			if err := r.opts.limiter.Wait(ctx); err != nil {
				runErr = err
				break
			}
		} else if err := ctx.Err(); err != nil {
			runErr = err
			break
		}

		r.clock.AdvanceTo(env.Timestamp)

		if err := r.pub.Republish(env); err != nil {
			if errors.Is(err, hftbus.ErrClosed) {
				runErr = err
				break
			}
			stats.Failed++
			r.logger.Debug("replay publish failed", "index", i, "type", string(env.Type), "error", err)
		} else {
			stats.EventsReplayed++
		}

		if r.opts.onEvent != nil {
			r.opts.onEvent(i, env)
		}
		if r.opts.onProgress != nil && i > 0 && i%r.opts.progressInterval == 0 {
			r.opts.onProgress(r.clock.Progress(), i)
		}
	}

	stats.WallTime = time.Since(start)
	if secs := stats.WallTime.Seconds(); secs > 0 {
		stats.EventsPerSecond = float64(stats.EventsReplayed) / secs
	}
	if stats.EventsReplayed > 0 && stats.WallTime > 0 && stats.VirtualSpan > 0 {
		stats.EffectiveSpeed = float64(stats.VirtualSpan) / float64(stats.WallTime)
	}

	r.logger.Info("replay complete",
		"events", stats.EventsReplayed,
		"failed", stats.Failed,
		"wall_time", stats.WallTime,
		"events_per_second", stats.EventsPerSecond,
		"effective_speed", stats.EffectiveSpeed,
	)
	return stats, runErr
}
