package hftbus

import (
	"errors"

	"github.com/rbaliyan/hftbus/channel"
)

// Bus errors
var (
	// ErrClosed is returned by publish and receive once the bus is shut down.
	ErrClosed = channel.ErrClosed

	// ErrWouldBlock is returned by a non-blocking receive with nothing to read.
	ErrWouldBlock = channel.ErrWouldBlock

	// ErrInvalidCapacity is returned for a channel or recorder capacity below one.
	ErrInvalidCapacity = channel.ErrInvalidCapacity

	// ErrTypeConflict is returned when a type tag is requested on both the
	// generic and the typed path, or by two different Go types.
	ErrTypeConflict = errors.New("event type conflict")

	// ErrNilEvent is returned when publishing a nil event on the generic path.
	ErrNilEvent = errors.New("event is nil")

	// ErrHandlerPanic wraps a panic recovered from a subscriber handler.
	ErrHandlerPanic = errors.New("handler panic")
)

// LaggedError reports events skipped because a subscription fell more than
// the channel capacity behind. It is a monitoring signal, not a failure.
type LaggedError = channel.LaggedError

// IsLagged reports whether err is a lag signal and returns the skipped count.
func IsLagged(err error) (uint64, bool) {
	return channel.IsLagged(err)
}

// IsTypeConflict returns true if err is a type conflict error.
func IsTypeConflict(err error) bool {
	return errors.Is(err, ErrTypeConflict)
}
