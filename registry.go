package hftbus

import (
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/rbaliyan/hftbus/channel"
)

// entry is the type-independent view of a registered channel.
type entry interface {
	Tag() TypeTag
	Capacity() int
	Stats() StatsSnapshot
	Close() error
	path() string
	publishErased(ev Event, p Priority, span trace.SpanContext) error
}

// binding is a registered channel. The generic path binds Channel[Event];
// the typed path binds Channel[T] for the concrete payload type.
type binding[T any] struct {
	*channel.Channel[T]
	// prioritized is set when T implements Prioritized and a concrete
	// payload has to be asked for its priority.
	prioritized bool
}

// path names the path that owns the channel: "generic path" for
// Channel[Event], the Go type otherwise.
func (b *binding[T]) path() string {
	if _, ok := any((*T)(nil)).(*Event); ok {
		return "generic path"
	}
	return fmt.Sprintf("%T", (*T)(nil))[1:]
}

// publishErased publishes an event whose concrete type is only known at
// runtime, on whichever path owns the channel.
func (b *binding[T]) publishErased(ev Event, p Priority, span trace.SpanContext) error {
	payload, ok := ev.(T)
	if !ok {
		return fmt.Errorf("%w: %q is bound to %s, got %T", ErrTypeConflict, b.Tag(), b.path(), ev)
	}
	_, err := b.Publish(payload, p, span)
	return err
}

// registry maps type tags to channels. Lookups are lock-free; mu is held only
// while creating a channel for a tag seen for the first time.
type registry struct {
	entries sync.Map // map[TypeTag]entry
	mu      sync.Mutex
	closed  bool
}

// lookup returns the channel bound to tag as a Channel[T].
func lookup[T any](r *registry, tag TypeTag) (*binding[T], bool, error) {
	v, ok := r.entries.Load(tag)
	if !ok {
		return nil, false, nil
	}
	b, err := cast[T](v.(entry), tag)
	return b, true, err
}

// resolve returns the channel bound to tag, creating it with create the first
// time. Concurrent callers all observe the single winning channel.
func resolve[T any](r *registry, tag TypeTag, create func() (*channel.Channel[T], error)) (*binding[T], error) {
	if b, ok, err := lookup[T](r, tag); ok {
		return b, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok, err := lookup[T](r, tag); ok {
		return b, err
	}
	if r.closed {
		return nil, ErrClosed
	}

	ch, err := create()
	if err != nil {
		return nil, err
	}
	var zero T
	_, prioritized := any(zero).(Prioritized)
	b := &binding[T]{Channel: ch, prioritized: prioritized}
	r.entries.Store(tag, b)
	return b, nil
}

func cast[T any](e entry, tag TypeTag) (*binding[T], error) {
	if b, ok := e.(*binding[T]); ok {
		return b, nil
	}
	want := (&binding[T]{}).path()
	return nil, fmt.Errorf("%w: %q is bound to %s, requested %s", ErrTypeConflict, tag, e.path(), want)
}

// each calls fn for every registered channel.
func (r *registry) each(fn func(entry)) {
	r.entries.Range(func(_, v any) bool {
		fn(v.(entry))
		return true
	})
}

// close marks the registry closed and closes every channel.
func (r *registry) close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.each(func(e entry) {
		e.Close()
	})
}
