package channel

import (
	"errors"
	"fmt"
)

// Channel errors
var (
	ErrClosed          = errors.New("channel closed")
	ErrWouldBlock      = errors.New("no envelope available")
	ErrInvalidCapacity = errors.New("capacity must be greater than zero")
)

// LaggedError is returned by a receive when the subscription fell behind by
// more than the channel capacity. The cursor has already been moved to the
// oldest available envelope; subsequent receives continue normally.
type LaggedError struct {
	Skipped uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("subscriber lagged: %d events skipped", e.Skipped)
}

// IsLagged reports whether err is a lag signal and returns the number of
// skipped events.
func IsLagged(err error) (uint64, bool) {
	var lagged *LaggedError
	if errors.As(err, &lagged) {
		return lagged.Skipped, true
	}
	return 0, false
}
