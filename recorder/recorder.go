// Package recorder keeps a bounded, in-memory log of published envelopes for
// inspection and replay.
//
// A Recorder is attached to every channel of a bus as an implicit subscriber
// that never lags: it is fed synchronously on publish. When full it evicts its
// own oldest record and never affects subscriber cursors or statistics.
package recorder

import (
	"iter"
	"sync/atomic"

	"github.com/rbaliyan/hftbus/channel"
)

// Record is one recorded envelope. Index is the recording-insertion order
// across all event types, starting at zero.
type Record struct {
	Index uint64
	channel.Envelope[any]
}

// Recorder is a fixed-capacity circular log. Record is lock-free and safe for
// concurrent use by all publishers.
type Recorder struct {
	capacity uint64
	slots    []atomic.Pointer[Record]
	next     atomic.Uint64
	floor    atomic.Uint64
}

var _ channel.Recorder = (*Recorder)(nil)

// New creates a recorder holding at most capacity records.
func New(capacity int) (*Recorder, error) {
	if capacity <= 0 {
		return nil, channel.ErrInvalidCapacity
	}
	return &Recorder{
		capacity: uint64(capacity),
		slots:    make([]atomic.Pointer[Record], capacity),
	}, nil
}

// Record appends env, evicting the oldest record when full.
func (r *Recorder) Record(env channel.Envelope[any]) {
	i := r.next.Add(1) - 1
	rec := &Record{Index: i, Envelope: env}
	slot := &r.slots[i%r.capacity]
	for {
		old := slot.Load()
		if old != nil && old.Index > i {
			// a later record already took the slot
			return
		}
		if slot.CompareAndSwap(old, rec) {
			return
		}
	}
}

// bounds returns the index range currently held.
func (r *Recorder) bounds() (start, end uint64) {
	end = r.next.Load()
	if end > r.capacity {
		start = end - r.capacity
	}
	start = max(start, r.floor.Load())
	if start > end {
		start = end
	}
	return start, end
}

// Events returns the recorded envelopes of all types, ordered by insertion.
func (r *Recorder) Events() []Record {
	start, end := r.bounds()
	out := make([]Record, 0, end-start)
	for i := start; i < end; i++ {
		if rec := r.slots[i%r.capacity].Load(); rec != nil && rec.Index == i {
			out = append(out, *rec)
		}
	}
	return out
}

// Replay returns a finite sequence over a snapshot of the log taken when
// Replay is called. Ranging over it again yields the same snapshot; nothing is
// re-published.
func (r *Recorder) Replay() iter.Seq[Record] {
	snapshot := r.Events()
	return func(yield func(Record) bool) {
		for _, rec := range snapshot {
			if !yield(rec) {
				return
			}
		}
	}
}

// EventsInRange returns the records whose timestamp lies in [startNs, endNs],
// ordered by insertion.
func (r *Recorder) EventsInRange(startNs, endNs int64) []Record {
	var out []Record
	for _, rec := range r.Events() {
		if rec.Timestamp >= startNs && rec.Timestamp <= endNs {
			out = append(out, rec)
		}
	}
	return out
}

// EventsOfType returns the records with the given tag, ordered by insertion.
func (r *Recorder) EventsOfType(tag channel.TypeTag) []Record {
	var out []Record
	for _, rec := range r.Events() {
		if rec.Type == tag {
			out = append(out, rec)
		}
	}
	return out
}

// Len returns the number of records held.
func (r *Recorder) Len() int {
	start, end := r.bounds()
	return int(end - start)
}

// Capacity returns the maximum number of records held.
func (r *Recorder) Capacity() int {
	return int(r.capacity)
}

// Total returns the number of envelopes recorded since creation, including
// evicted and cleared ones.
func (r *Recorder) Total() uint64 {
	return r.next.Load()
}

// Clear drops every record currently held.
func (r *Recorder) Clear() {
	for {
		floor := r.floor.Load()
		next := r.next.Load()
		if next <= floor || r.floor.CompareAndSwap(floor, next) {
			return
		}
	}
}
