// Package stream provides periodic sampling of bus statistics for live
// dashboards.
package stream

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rbaliyan/hftbus"
)

// DefaultPollInterval is the default interval for sampling the bus.
const DefaultPollInterval = time.Second

// Source is the bus surface sampled by the broadcaster.
type Source interface {
	Name() string
	Stats() map[hftbus.TypeTag]hftbus.StatsSnapshot
}

var _ Source = (*hftbus.Bus)(nil)

// TypeSample is the state of one event type at sample time.
type TypeSample struct {
	hftbus.StatsSnapshot
	// PublishedRate is events published per second since the previous sample.
	PublishedRate float64 `json:"published_rate" msgpack:"published_rate"`
	// DroppedDelta is events dropped since the previous sample.
	DroppedDelta uint64 `json:"dropped_delta" msgpack:"dropped_delta"`
}

// Sample is one reading of every event type on a bus.
type Sample struct {
	Time  time.Time                     `json:"time" msgpack:"time"`
	Bus   string                        `json:"bus" msgpack:"bus"`
	Types map[hftbus.TypeTag]TypeSample `json:"types" msgpack:"types"`
}

// Filter selects the types a subscriber receives.
type Filter struct {
	// Types limits samples to these tags. Empty means every type.
	Types []hftbus.TypeTag
	// DroppingOnly limits samples to types that dropped events since the
	// previous sample.
	DroppingOnly bool
}

// Subscriber represents a subscriber to samples.
type Subscriber struct {
	id      string
	filter  Filter
	samples chan Sample
	done    chan struct{}
	closed  bool
	mu      sync.Mutex
}

// ID returns the subscriber ID.
func (s *Subscriber) ID() string {
	return s.id
}

// Samples returns the channel for receiving samples.
func (s *Subscriber) Samples() <-chan Sample {
	return s.samples
}

// Done is closed when the subscriber is closed.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

// Close closes the subscriber.
func (s *Subscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}

// Broadcaster samples bus statistics on an interval and distributes the
// samples to subscribers. A subscriber that falls behind misses samples.
type Broadcaster struct {
	src          Source
	pollInterval time.Duration
	subscribers  map[string]*Subscriber
	mu           sync.RWMutex
	done         chan struct{}
	wg           sync.WaitGroup
	started      bool
	stopped      bool
	last         map[hftbus.TypeTag]hftbus.StatsSnapshot
	lastCheck    time.Time
}

// NewBroadcaster creates a new Broadcaster sampling src.
func NewBroadcaster(src Source, pollInterval time.Duration) *Broadcaster {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	return &Broadcaster{
		src:          src,
		pollInterval: pollInterval,
		subscribers:  make(map[string]*Subscriber),
		done:         make(chan struct{}),
	}
}

// Start begins sampling.
func (b *Broadcaster) Start(ctx context.Context) {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()

	b.wg.Add(1)
	go b.pollLoop(ctx)
}

// Stop stops the broadcaster and closes every subscriber.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	if !b.started || b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	b.mu.Unlock()

	close(b.done)
	b.wg.Wait()

	b.mu.Lock()
	for _, sub := range b.subscribers {
		sub.Close()
	}
	b.mu.Unlock()
}

// Subscribe creates a new subscriber with the given filter.
func (b *Broadcaster) Subscribe(filter Filter) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscriber{
		id:      uuid.NewString(),
		filter:  filter,
		samples: make(chan Sample, 16),
		done:    make(chan struct{}),
	}

	b.subscribers[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscriber.
func (b *Broadcaster) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub.id]; ok {
		sub.Close()
		delete(b.subscribers, sub.id)
	}
}

func (b *Broadcaster) pollLoop(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	b.poll(time.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		case now := <-ticker.C:
			b.poll(now)
		}
	}
}

// poll takes one sample. The first sample has no rates.
func (b *Broadcaster) poll(now time.Time) {
	stats := b.src.Stats()
	sample := Sample{
		Time:  now,
		Bus:   b.src.Name(),
		Types: make(map[hftbus.TypeTag]TypeSample, len(stats)),
	}

	elapsed := now.Sub(b.lastCheck).Seconds()
	for tag, s := range stats {
		ts := TypeSample{StatsSnapshot: s}
		if prev, ok := b.last[tag]; ok {
			ts.DroppedDelta = s.Dropped - prev.Dropped
			if elapsed > 0 {
				ts.PublishedRate = float64(s.Published-prev.Published) / elapsed
			}
		}
		sample.Types[tag] = ts
	}
	b.last = stats
	b.lastCheck = now

	b.broadcast(sample)
}

func (b *Broadcaster) broadcast(sample Sample) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		filtered, ok := applyFilter(sample, sub.filter)
		if !ok {
			continue
		}
		select {
		case sub.samples <- filtered:
		default:
			// subscriber behind, skip sample
		}
	}
}

// applyFilter returns the part of sample selected by filter and false when
// nothing is selected.
func applyFilter(sample Sample, filter Filter) (Sample, bool) {
	if len(filter.Types) == 0 && !filter.DroppingOnly {
		return sample, true
	}

	out := Sample{
		Time:  sample.Time,
		Bus:   sample.Bus,
		Types: make(map[hftbus.TypeTag]TypeSample),
	}
	for tag, ts := range sample.Types {
		if len(filter.Types) > 0 && !slices.Contains(filter.Types, tag) {
			continue
		}
		if filter.DroppingOnly && ts.DroppedDelta == 0 {
			continue
		}
		out.Types[tag] = ts
	}
	return out, len(out.Types) > 0
}
