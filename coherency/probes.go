package coherency

import (
	"bytes"
	"time"
)

const (
	// probeBufferSize is the region the coherency sub-tests exercise.
	// Small on purpose: partial-snoop chipsets must not be penalized in
	// the stage that only asks "is coherency achievable at all".
	probeBufferSize = 64

	// probeBaseBudget is the fixed part of the snoop probe time budget.
	probeBaseBudget = 5 * time.Microsecond

	// pageSize is the x86 page granularity the cross-page probe straddles.
	pageSize = 4096

	oldFill = 0x11
	newFill = 0xEE
)

// runCoherencyStage decides whether the write-back cache actually corrupts
// transfers. Caches that update memory on every store are coherent by
// construction, so the stage reports Ok for them without probing.
func (e *Engine) runCoherencyStage(a *Analysis) {
	start := e.clock.Now()

	if !a.WriteBackCache {
		a.Coherency = CoherencyOk
		e.stageDone(a, "coherency", 0, 0, "ok (not write-back)",
			e.clock.Now()-start)
		return
	}

	buf, err := e.mem.AllocAligned(probeBufferSize*2, e.mem.LineSize())
	if err != nil {
		e.log.Printf("coherency: probe buffer allocation failed: %v", err)
		a.Coherency = CoherencyUnknown
		e.stageDone(a, "coherency", 0, 0, a.Coherency.String(),
			e.clock.Now()-start)
		return
	}

	// Two offsets per sub-test: line-aligned and straddling a line
	// boundary, since partial-line transfers are where chipsets cheat.
	offsets := []uint64{0, uint64(e.mem.LineSize() / 2)}

	passed, total := 0, 0
	for _, off := range offsets {
		total++
		if ok, err := e.dirtyLinesReachDevice(buf + off); err == nil && ok {
			passed++
		} else {
			a.TxHazard = true
		}

		total++
		if ok, err := e.deviceWritesReachCPU(buf + off); err == nil && ok {
			passed++
		} else {
			a.RxHazard = true
		}
	}

	if passed == total {
		a.Coherency = CoherencyOk
	} else {
		a.Coherency = CoherencyProblem
	}

	e.stageDone(a, "coherency", passed, total, a.Coherency.String(),
		e.clock.Now()-start)
}

// dirtyLinesReachDevice is the write-back detection sub-test: data living
// only in dirty cache lines must still be what the device reads, or every
// transmit is a corruption risk.
func (e *Engine) dirtyLinesReachDevice(addr uint64) (bool, error) {
	old := bytes.Repeat([]byte{oldFill}, probeBufferSize)
	fresh := bytes.Repeat([]byte{newFill}, probeBufferSize)

	if err := e.mem.CPUWrite(addr, old); err != nil {
		return false, err
	}
	e.sanitize(addr, probeBufferSize)

	// No flush after this store: the point is to catch the cache holding
	// data hostage.
	if err := e.mem.CPUWrite(addr, fresh); err != nil {
		return false, err
	}

	got, err := e.dev.DMAFromHost(addr, probeBufferSize)
	if err != nil {
		return false, err
	}

	return bytes.Equal(got, fresh), nil
}

// deviceWritesReachCPU is the invalidation detection sub-test: lines warmed
// into the cache must not shadow a later device write.
func (e *Engine) deviceWritesReachCPU(addr uint64) (bool, error) {
	old := bytes.Repeat([]byte{oldFill}, probeBufferSize)
	fresh := bytes.Repeat([]byte{newFill}, probeBufferSize)

	if err := e.mem.CPUWrite(addr, old); err != nil {
		return false, err
	}
	e.sanitize(addr, probeBufferSize)

	// Warm the cache with the old contents, clean.
	if _, err := e.mem.CPURead(addr, probeBufferSize); err != nil {
		return false, err
	}

	if err := e.dev.DMAToHost(addr, fresh); err != nil {
		return false, err
	}

	got, err := e.mem.CPURead(addr, probeBufferSize)
	if err != nil {
		return false, err
	}

	return bytes.Equal(got, fresh), nil
}

// A snoopProbe is one timed working set.
type snoopProbe struct {
	name      string
	size      int
	crossPage bool
}

func (e *Engine) snoopProbes() []snoopProbe {
	line := e.mem.LineSize()
	return []snoopProbe{
		{"one-line", line, false},
		{"few-lines", 4 * line, false},
		{"large-transfer", 1024, false},
		{"cross-page", 128, true},
	}
}

// runSnoopStage measures whether observed coherency is the chipset actively
// snooping, or luck. A probe passes only when the CPU sees the device's
// bytes AND the whole transfer-plus-read fits a microsecond-scale budget;
// coherency that arrives late is not snooping worth relying on.
func (e *Engine) runSnoopStage(a *Analysis) {
	start := e.clock.Now()

	passed, total := 0, 0
	for _, p := range e.snoopProbes() {
		addr, err := e.allocProbe(p)
		if err != nil {
			// One missing probe leaves the classification unsound, so
			// the whole stage resolves to unknown.
			e.log.Printf("coherency: snoop probe %s allocation failed: %v",
				p.name, err)
			a.Snooping = SnoopUnknown
			e.stageDone(a, "snooping", passed, total, a.Snooping.String(),
				e.clock.Now()-start)
			return
		}

		total++
		if e.timedProbe(addr, p.size) {
			passed++
		}
	}

	switch {
	case passed == total:
		a.Snooping = SnoopFull
	case passed > 0:
		a.Snooping = SnoopPartial
	default:
		a.Snooping = SnoopNone
	}

	e.stageDone(a, "snooping", passed, total, a.Snooping.String(),
		e.clock.Now()-start)
}

func (e *Engine) allocProbe(p snoopProbe) (uint64, error) {
	if !p.crossPage {
		return e.mem.AllocAligned(p.size, e.mem.LineSize())
	}

	// Land the region across a page boundary: allocate two pages and
	// center the probe on the seam.
	base, err := e.mem.AllocAligned(2*pageSize, pageSize)
	if err != nil {
		return 0, err
	}
	return base + pageSize - uint64(p.size/2), nil
}

func (e *Engine) timedProbe(addr uint64, size int) bool {
	old := bytes.Repeat([]byte{oldFill}, size)
	fresh := bytes.Repeat([]byte{newFill}, size)

	if err := e.mem.CPUWrite(addr, old); err != nil {
		return false
	}
	e.sanitize(addr, size)
	if _, err := e.mem.CPURead(addr, size); err != nil {
		return false
	}

	begin := e.clock.Now()

	if err := e.dev.DMAToHost(addr, fresh); err != nil {
		return false
	}
	got, err := e.mem.CPURead(addr, size)
	if err != nil {
		return false
	}

	elapsed := e.clock.Now() - begin

	return bytes.Equal(got, fresh) && elapsed <= e.probeBudget(size)
}

// probeBudget scales with the working set: a fixed base plus a per-line
// allowance of 64 CPU cycles, floored at a microsecond per line for the
// slowest parts this driver supports.
func (e *Engine) probeBudget(size int) time.Duration {
	lines := size/e.mem.LineSize() + 2

	perLine := e.cpu.Freq().NCycles(64)
	if perLine < time.Microsecond {
		perLine = time.Microsecond
	}

	return probeBaseBudget + time.Duration(lines)*perLine
}
