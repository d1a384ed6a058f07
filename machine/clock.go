package machine

import "time"

// Modeled latencies. The absolute values matter less than their ratios: a
// snooped invalidation keeps a read-back within the probe budget, a chipset
// that dumps its cache on every master cycle does not.
const (
	costCacheHitPerLine  = 10 * time.Nanosecond
	costCacheMissPerLine = 200 * time.Nanosecond
	costMemPerLine       = 150 * time.Nanosecond
	costDevicePerLine    = 120 * time.Nanosecond
	costFullFlush        = 250 * time.Microsecond
	costFence            = 50 * time.Nanosecond
)

// VirtualClock is the simulated machine's notion of elapsed time. Every
// modeled operation advances it; nothing in the simulation consults the wall
// clock, which keeps timing-sensitive probes deterministic.
type VirtualClock struct {
	now time.Duration
}

// NewVirtualClock returns a clock at zero.
func NewVirtualClock() *VirtualClock {
	return &VirtualClock{}
}

// Now returns the accumulated virtual time.
func (c *VirtualClock) Now() time.Duration {
	return c.now
}

// Sleep advances the clock without doing work, standing in for a bounded
// settle delay.
func (c *VirtualClock) Sleep(d time.Duration) {
	if d > 0 {
		c.now += d
	}
}

// Advance adds the cost of a modeled operation.
func (c *VirtualClock) Advance(d time.Duration) {
	if d > 0 {
		c.now += d
	}
}
