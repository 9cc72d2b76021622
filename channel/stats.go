package channel

import (
	"sync/atomic"
	"unsafe"
)

type cacheLinePad struct {
	_ [128 - unsafe.Sizeof(uint64(0))%128]byte
}

// Stats holds the per-channel counters. Publishers and readers touch
// different fields, so each lives on its own cache line.
type Stats struct {
	published atomic.Uint64
	_         cacheLinePad
	received  atomic.Uint64
	_         cacheLinePad
	dropped   atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of a channel's counters. Each field is
// loaded independently; the fields are not mutually consistent at one instant.
type StatsSnapshot struct {
	// Published counts successful publish calls.
	Published uint64 `json:"published" msgpack:"published"`
	// Received counts successful (non-lagged) reads across all subscribers.
	Received uint64 `json:"received" msgpack:"received"`
	// Dropped counts (envelope, subscriber) pairs evicted before being read.
	Dropped uint64 `json:"dropped" msgpack:"dropped"`
	// Subscribers is the number of live subscriptions.
	Subscribers int `json:"subscribers" msgpack:"subscribers"`
}

// Snapshot loads the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Published: s.published.Load(),
		Received:  s.received.Load(),
		Dropped:   s.dropped.Load(),
	}
}
