package replay

// VirtualClock tracks replay time in nanoseconds between the first and last
// loaded timestamps.
type VirtualClock struct {
	current int64
	start   int64
	end     int64
}

// SetBounds sets the replay window and rewinds to its start.
func (c *VirtualClock) SetBounds(startNs, endNs int64) {
	c.start = startNs
	c.end = endNs
	c.current = startNs
}

// AdvanceTo moves the clock to ts.
func (c *VirtualClock) AdvanceTo(ts int64) {
	c.current = ts
}

// Current returns the current virtual time.
func (c *VirtualClock) Current() int64 {
	return c.current
}

// Progress returns the fraction of the window covered, 1 for an empty window.
func (c *VirtualClock) Progress() float64 {
	if c.end <= c.start {
		return 1
	}
	return float64(c.current-c.start) / float64(c.end-c.start)
}
