package cacheops

import (
	"time"

	"github.com/jfabienke/3com-packet-driver-sub008/coherency"
)

// TierStats aggregates executor calls that ran at one tier.
type TierStats struct {
	Calls    uint64
	Overhead time.Duration
}

// Avg returns the mean overhead of one call at this tier.
func (s TierStats) Avg() time.Duration {
	if s.Calls == 0 {
		return 0
	}
	return s.Overhead / time.Duration(s.Calls)
}

type metrics struct {
	byTier     map[coherency.Tier]TierStats
	fallbacks  uint64
	guardSkips uint64
}

func (m *metrics) record(s OpSample) {
	if m.byTier == nil {
		m.byTier = make(map[coherency.Tier]TierStats)
	}

	stats := m.byTier[s.Tier]
	stats.Calls++
	stats.Overhead += s.Overhead
	m.byTier[s.Tier] = stats

	if s.FellBack {
		m.fallbacks++
	}
	if s.Skipped {
		m.guardSkips++
	}
}

// A Snapshot is a copy of the executor's counters, safe to hold across
// later calls. Operators read it to judge whether the tier choice imposes
// unacceptable overhead; acting on that means re-running the coherency
// engine, never adjusting the tier in place.
type Snapshot struct {
	ByTier     map[coherency.Tier]TierStats
	Fallbacks  uint64
	GuardSkips uint64
}

// TotalCalls sums calls across tiers.
func (s Snapshot) TotalCalls() uint64 {
	var n uint64
	for _, st := range s.ByTier {
		n += st.Calls
	}
	return n
}

// TotalOverhead sums overhead across tiers.
func (s Snapshot) TotalOverhead() time.Duration {
	var d time.Duration
	for _, st := range s.ByTier {
		d += st.Overhead
	}
	return d
}

// AvgOverhead returns the mean overhead of one executor call.
func (s Snapshot) AvgOverhead() time.Duration {
	calls := s.TotalCalls()
	if calls == 0 {
		return 0
	}
	return s.TotalOverhead() / time.Duration(calls)
}

// Metrics returns a snapshot of the executor's counters.
func (x *Executor) Metrics() Snapshot {
	out := Snapshot{
		ByTier:     make(map[coherency.Tier]TierStats, len(x.metrics.byTier)),
		Fallbacks:  x.metrics.fallbacks,
		GuardSkips: x.metrics.guardSkips,
	}
	for tier, stats := range x.metrics.byTier {
		out.ByTier[tier] = stats
	}
	return out
}
