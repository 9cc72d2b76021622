package channel

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
)

// initialPending is the starting size of each per-tier pending queue.
const initialPending = 16

// Subscription is a private read cursor on a Channel.
//
// A subscription is owned by a single consumer goroutine: TryRecv and Recv
// must not be called concurrently on the same subscription. Close may be
// called from any goroutine.
type Subscription[T any] struct {
	id     string
	ch     *Channel[T]
	cur    *cursor
	closed atomic.Bool

	// envelopes claimed from the ring but not yet delivered, split by tier
	critical queue[Envelope[T]]
	normal   queue[Envelope[T]]
}

func newSubscription[T any](c *Channel[T], cur *cursor) *Subscription[T] {
	size := min(initialPending, int(c.capacity))
	return &Subscription[T]{
		id:       uuid.NewString(),
		ch:       c,
		cur:      cur,
		critical: newQueue[Envelope[T]](size),
		normal:   newQueue[Envelope[T]](size),
	}
}

// ID returns the subscription identifier.
func (s *Subscription[T]) ID() string {
	return s.id
}

// Tag returns the type tag of the subscribed channel.
func (s *Subscription[T]) Tag() TypeTag {
	return s.ch.tag
}

// Channel returns the subscribed channel.
func (s *Subscription[T]) Channel() *Channel[T] {
	return s.ch
}

// Pending returns the number of envelopes claimed from the ring but not yet
// returned by a receive.
func (s *Subscription[T]) Pending() int {
	return s.critical.len() + s.normal.len()
}

// TryRecv returns the next envelope without blocking.
//
// It returns ErrWouldBlock when nothing is available, ErrClosed once the
// subscription or channel is closed, and a *LaggedError when envelopes were
// overwritten before this subscription could read them. Critical envelopes
// are returned before older Normal envelopes; each tier is FIFO.
func (s *Subscription[T]) TryRecv() (Envelope[T], error) {
	var zero Envelope[T]
	if s.closed.Load() || s.ch.closed.Load() {
		return zero, ErrClosed
	}

	s.prune()
	s.drain()
	s.prune()
	if n := s.cur.missed.Swap(0); n > 0 {
		return zero, &LaggedError{Skipped: n}
	}

	if env, ok := s.critical.pop(); ok {
		s.ch.stats.received.Add(1)
		return env, nil
	}
	if env, ok := s.normal.pop(); ok {
		s.ch.stats.received.Add(1)
		return env, nil
	}
	return zero, ErrWouldBlock
}

// Recv returns the next envelope, blocking until one is published, the
// channel is closed or ctx is done.
func (s *Subscription[T]) Recv(ctx context.Context) (Envelope[T], error) {
	for {
		env, err := s.TryRecv()
		if err != ErrWouldBlock {
			return env, err
		}
		if err := s.park(ctx); err != nil {
			return env, err
		}
	}
}

// drain claims committed envelopes from the ring into the pending queues.
// At most capacity envelopes are held pending; the rest stay in the ring and
// remain subject to overwrite.
func (s *Subscription[T]) drain() {
	c, cur := s.ch, s.cur
	var env Envelope[T]
	for s.Pending() < int(c.capacity) {
		p := cur.pos.Load()
		if p >= c.tail.Load() {
			return
		}
		seq := c.slots[p%c.capacity].load(&env)
		if seq < p+1 {
			// claimed by a publisher that has not stored it yet
			return
		}
		if seq > p+1 {
			// lapped
			c.advance(cur, seq-c.capacity)
			continue
		}
		if !cur.pos.CompareAndSwap(p, p+1) {
			continue
		}
		if env.Priority == Critical {
			s.critical.push(env)
		} else {
			s.normal.push(env)
		}
	}
}

// prune discards pending envelopes whose ring slot has since been
// overwritten. They count as dropped exactly like envelopes skipped in the
// ring, so a pending envelope is never older than the ring's capacity.
func (s *Subscription[T]) prune() {
	c := s.ch
	tail := c.tail.Load()
	if tail <= c.capacity {
		return
	}
	floor := tail - c.capacity
	n := discardStale(&s.critical, floor) + discardStale(&s.normal, floor)
	if n > 0 {
		s.cur.missed.Add(n)
		c.stats.dropped.Add(n)
	}
}

// discardStale pops envelopes with a sequence number at or below floor.
func discardStale[T any](q *queue[Envelope[T]], floor uint64) uint64 {
	var n uint64
	for env := q.front(); env != nil && env.Seq <= floor; env = q.front() {
		q.pop()
		n++
	}
	return n
}

// park waits for the next publish on the channel.
func (s *Subscription[T]) park(ctx context.Context) error {
	c, cur := s.ch, s.cur
	cur.parked.Store(true)
	c.parked.Add(1)
	defer func() {
		cur.parked.Store(false)
		c.parked.Add(-1)
	}()

	if c.ready(cur) || c.closed.Load() || s.closed.Load() {
		return nil
	}
	select {
	case <-cur.signal:
		return nil
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close unregisters the subscription. Pending envelopes are abandoned and a
// blocked Recv returns ErrClosed. Close is idempotent.
func (s *Subscription[T]) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.ch.remove(s.cur)
	}
	return nil
}
