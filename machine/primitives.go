package machine

import (
	"errors"
	"fmt"

	"github.com/jfabienke/3com-packet-driver-sub008/cpu"
)

// ErrFaulted reports a privileged instruction that cannot be issued in the
// current execution mode.
var ErrFaulted = errors.New("machine: privileged instruction faulted")

// Primitives exposes the machine's cache-management instructions. It is the
// hardware half of the cache executor: the executor decides what to flush,
// Primitives models what issuing the instruction does and costs.
type Primitives struct {
	m *Machine
}

// Primitives returns the machine's cache-management instruction set.
func (m *Machine) Primitives() *Primitives {
	return &Primitives{m: m}
}

// LineSize returns the cache line size in bytes.
func (p *Primitives) LineSize() int { return p.m.LineSize() }

// HasLineFlush reports whether a line-granular flush instruction exists.
func (p *Primitives) HasLineFlush() bool {
	return p.m.cpuInfo.Has(cpu.FeatureCLFLUSH)
}

// HasFullFlush reports whether a whole-cache writeback+invalidate exists.
func (p *Primitives) HasFullFlush() bool {
	return p.m.cpuInfo.Has(cpu.FeatureWBINVD)
}

// FlushLines writes back and invalidates the lines covering the region.
func (p *Primitives) FlushLines(addr uint64, n int) error {
	if !p.HasLineFlush() {
		return fmt.Errorf("machine: %s has no line flush instruction",
			p.m.cpuInfo.Model)
	}
	return p.m.cache.flushRegion(addr, n)
}

// FullFlush writes back and invalidates the whole cache. The instruction is
// privileged; under a virtualizing memory manager it faults instead of
// executing.
func (p *Primitives) FullFlush() error {
	if !p.HasFullFlush() {
		return fmt.Errorf("machine: %s has no full flush instruction",
			p.m.cpuInfo.Model)
	}
	if p.m.env.Virtualized {
		return fmt.Errorf("%w: full cache flush under %s",
			ErrFaulted, p.m.env.MemoryManager)
	}

	p.m.clock.Advance(costFullFlush)

	return p.m.cache.flushAll()
}

// Touch forces the region's lines out of the cache and reloads them. This
// models the only technique that works without flush instructions: reading
// conflicting addresses until the lines evict. Dirty lines are written back
// on the way out, stale lines come back fresh.
func (p *Primitives) Touch(addr uint64, n int) error {
	if err := p.m.cache.flushRegion(addr, n); err != nil {
		return err
	}
	return p.m.Touch(addr, n)
}

// Fence orders prior stores before subsequent loads.
func (p *Primitives) Fence() {
	p.m.clock.Advance(costFence)
}
