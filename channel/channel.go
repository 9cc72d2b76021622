// Package channel provides the bounded fan-out ring buffer that carries one
// event type.
//
// A Channel is written by any number of publishers and read by any number of
// subscriptions, each with a private cursor. Publishing never blocks:
//
//   - The ring holds a fixed number of envelopes
//   - When full, the oldest envelope is overwritten
//   - Every cursor still positioned on an overwritten envelope is moved past it
//     and the drop is counted once per cursor
//   - The next receive on a moved cursor reports the gap as a LaggedError
//
// Slow subscribers lose data. Publishers are never slowed down by them.
package channel

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/trace"
)

// slot holds one envelope. seq is the sequence number of the stored envelope,
// zero while the slot has never been written.
type slot[T any] struct {
	mu  sync.RWMutex
	seq uint64
	env Envelope[T]
}

// store writes env unless a newer envelope already occupies the slot.
func (s *slot[T]) store(env *Envelope[T]) {
	s.mu.Lock()
	if env.Seq > s.seq {
		s.env = *env
		s.seq = env.Seq
	}
	s.mu.Unlock()
}

// load copies the stored envelope and returns its sequence number.
func (s *slot[T]) load(env *Envelope[T]) uint64 {
	s.mu.RLock()
	seq := s.seq
	if seq != 0 {
		*env = s.env
	}
	s.mu.RUnlock()
	return seq
}

// cursor is a read position registered with a channel.
// pos is the zero-based ring position of the next envelope to read.
type cursor struct {
	pos    atomic.Uint64
	_      cacheLinePad
	missed atomic.Uint64
	parked atomic.Bool
	live   atomic.Bool
	signal chan struct{}
}

// Channel is a bounded multi-reader ring buffer for envelopes of type T.
type Channel[T any] struct {
	tail   atomic.Uint64
	_      cacheLinePad
	parked atomic.Int32
	closed atomic.Bool

	tag      TypeTag
	capacity uint64
	slots    []slot[T]

	subMu sync.Mutex
	subs  atomic.Pointer[[]*cursor]

	done      chan struct{}
	closeOnce sync.Once

	stats    Stats
	clock    func() int64
	ids      *IDSource
	recorder Recorder
	logger   *slog.Logger
}

// New creates a channel for the given tag.
func New[T any](tag TypeTag, opts ...Option) (*Channel[T], error) {
	o := newOptions(tag, opts...)
	if o.capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	c := &Channel[T]{
		tag:      tag,
		capacity: uint64(o.capacity),
		slots:    make([]slot[T], o.capacity),
		done:     make(chan struct{}),
		clock:    o.clock,
		ids:      o.ids,
		recorder: o.recorder,
		logger:   o.logger,
	}
	c.subs.Store(&[]*cursor{})
	c.logger.Debug("channel created", "capacity", o.capacity)
	return c, nil
}

// Tag returns the type tag of the channel.
func (c *Channel[T]) Tag() TypeTag {
	return c.tag
}

// Capacity returns the fixed ring size.
func (c *Channel[T]) Capacity() int {
	return int(c.capacity)
}

// Len returns the number of envelopes currently held by the ring.
func (c *Channel[T]) Len() int {
	return int(min(c.tail.Load(), c.capacity))
}

// Stats returns a snapshot of the channel counters.
func (c *Channel[T]) Stats() StatsSnapshot {
	s := c.stats.Snapshot()
	s.Subscribers = len(*c.subs.Load())
	return s
}

// Subscribers returns the number of live subscriptions.
func (c *Channel[T]) Subscribers() int {
	return len(*c.subs.Load())
}

// Closed reports whether the channel has been closed.
func (c *Channel[T]) Closed() bool {
	return c.closed.Load()
}

// Publish stores payload under the next sequence number and returns it.
// Publish never blocks; it fails only with ErrClosed.
func (c *Channel[T]) Publish(payload T, p Priority, span trace.SpanContext) (uint64, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}

	pos := c.tail.Add(1) - 1
	env := Envelope[T]{
		ID:        c.ids.Next(),
		Seq:       pos + 1,
		Timestamp: c.clock(),
		Priority:  p,
		Type:      c.tag,
		Span:      span,
		Payload:   payload,
	}

	if pos >= c.capacity {
		c.evict(pos - c.capacity)
	}
	c.slots[pos%c.capacity].store(&env)
	c.stats.published.Add(1)

	if c.recorder != nil {
		c.recorder.Record(env.Erase())
	}
	if c.parked.Load() > 0 {
		c.wake()
	}
	return env.Seq, nil
}

// evict moves every cursor still positioned at or behind old past it.
func (c *Channel[T]) evict(old uint64) {
	for _, cur := range *c.subs.Load() {
		c.advance(cur, old+1)
	}
}

// advance moves cur forward to target, counting the skipped envelopes.
// It never moves a cursor backwards.
func (c *Channel[T]) advance(cur *cursor, target uint64) {
	if !cur.live.Load() {
		return
	}
	for {
		p := cur.pos.Load()
		if p >= target {
			return
		}
		if cur.pos.CompareAndSwap(p, target) {
			n := target - p
			cur.missed.Add(n)
			c.stats.dropped.Add(n)
			return
		}
	}
}

// wake signals parked cursors.
func (c *Channel[T]) wake() {
	for _, cur := range *c.subs.Load() {
		if cur.parked.Load() {
			notify(cur)
		}
	}
}

func notify(cur *cursor) {
	select {
	case cur.signal <- struct{}{}:
	default:
	}
}

// ready reports whether cur has something to receive.
func (c *Channel[T]) ready(cur *cursor) bool {
	if cur.missed.Load() > 0 {
		return true
	}
	p := cur.pos.Load()
	if p >= c.tail.Load() {
		return false
	}
	s := &c.slots[p%c.capacity]
	s.mu.RLock()
	seq := s.seq
	s.mu.RUnlock()
	return seq >= p+1
}

// Subscribe registers a new cursor positioned at the current write position.
// The subscription only observes envelopes published after it was created.
func (c *Channel[T]) Subscribe() (*Subscription[T], error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	cur := &cursor{signal: make(chan struct{}, 1)}
	cur.live.Store(true)

	c.subMu.Lock()
	cur.pos.Store(c.tail.Load())
	old := *c.subs.Load()
	subs := make([]*cursor, len(old), len(old)+1)
	copy(subs, old)
	subs = append(subs, cur)
	c.subs.Store(&subs)
	c.subMu.Unlock()

	return newSubscription(c, cur), nil
}

// remove unregisters cur. The cursor stops counting towards drops at once.
func (c *Channel[T]) remove(cur *cursor) {
	cur.live.Store(false)

	c.subMu.Lock()
	old := *c.subs.Load()
	subs := make([]*cursor, 0, len(old))
	for _, s := range old {
		if s != cur {
			subs = append(subs, s)
		}
	}
	c.subs.Store(&subs)
	c.subMu.Unlock()

	notify(cur)
}

// Close closes the channel. Blocked receives wake with ErrClosed and later
// publishes fail with ErrClosed. Close is idempotent.
func (c *Channel[T]) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		c.logger.Debug("channel closed", "published", c.stats.published.Load())
	})
	return nil
}
