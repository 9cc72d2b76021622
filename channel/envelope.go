package channel

import (
	"context"
	"encoding/binary"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// TypeTag identifies a concrete event type. Exactly one Channel exists per tag
// for the lifetime of a bus.
type TypeTag string

// Priority classifies an envelope into a delivery tier.
type Priority uint8

const (
	// Normal is the default tier.
	Normal Priority = iota
	// Critical envelopes are delivered before any older pending Normal envelope.
	Critical
)

// String returns a string representation of the priority.
func (p Priority) String() string {
	switch p {
	case Normal:
		return "normal"
	case Critical:
		return "critical"
	default:
		return "unknown"
	}
}

// Envelope is the unit of distribution: a payload plus the metadata assigned
// at publish time. Envelopes are immutable once published and are copied to
// each reader.
type Envelope[T any] struct {
	// ID is unique across all channels sharing an IDSource.
	ID uuid.UUID
	// Seq is the per-channel sequence number, starting at 1.
	Seq uint64
	// Timestamp is monotonic nanoseconds anchored at the Unix epoch.
	Timestamp int64
	// Priority is the delivery tier.
	Priority Priority
	// Type is the tag of the channel the envelope was published on.
	Type TypeTag
	// Span is the publisher's span context, if any.
	Span trace.SpanContext
	// Payload is the event value.
	Payload T
}

// Context returns a context carrying the publisher's span context (if available)
func (e Envelope[T]) Context() context.Context {
	return trace.ContextWithRemoteSpanContext(context.Background(), e.Span)
}

// Erase returns a copy of the envelope with a type-erased payload.
func (e Envelope[T]) Erase() Envelope[any] {
	return Envelope[any]{
		ID:        e.ID,
		Seq:       e.Seq,
		Timestamp: e.Timestamp,
		Priority:  e.Priority,
		Type:      e.Type,
		Span:      e.Span,
		Payload:   e.Payload,
	}
}

// IDSource hands out envelope IDs from a monotonic counter. The counter
// occupies the low 8 bytes of the UUID.
type IDSource struct {
	n atomic.Uint64
}

// Next returns the next ID.
func (s *IDSource) Next() uuid.UUID {
	var id uuid.UUID
	binary.BigEndian.PutUint64(id[8:], s.n.Add(1))
	return id
}

var (
	epochWall = time.Now()
	epochUnix = epochWall.UnixNano()
)

// Now returns monotonic nanoseconds anchored at the Unix epoch of process start.
func Now() int64 {
	return epochUnix + int64(time.Since(epochWall))
}
