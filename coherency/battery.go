package coherency

import (
	"bytes"
	"time"
)

const (
	// batteryBufferSize is the scratch region each battery trial moves.
	batteryBufferSize = 512

	// batteryRounds repeats every pattern/direction pair.
	batteryRounds = 2

	// readyBudget bounds every wait for the adapter between transfers.
	readyBudget = 100 * time.Microsecond
)

// A pattern is one battery fill. The generator is a pure function of the
// byte index so trials are reproducible.
type pattern struct {
	name string
	fill func(i int) byte
}

func batteryPatterns() []pattern {
	return []pattern{
		{"all-zero", func(int) byte { return 0x00 }},
		{"all-one", func(int) byte { return 0xFF }},
		{"alternating-55", func(int) byte { return 0x55 }},
		{"alternating-aa", func(int) byte { return 0xAA }},
		{"nibble-0f", func(int) byte { return 0x0F }},
		{"nibble-f0", func(int) byte { return 0xF0 }},
		{"stripe-33", func(int) byte { return 0x33 }},
		{"stripe-cc", func(int) byte { return 0xCC }},
		{"walking-one", func(i int) byte { return 1 << (i % 8) }},
		{"walking-zero", func(i int) byte { return ^byte(1 << (i % 8)) }},
		{"address-tag", func(i int) byte { return byte(i) }},
		{"address-tag-inv", func(i int) byte { return ^byte(i) }},
		{"scramble-a", func(i int) byte { return byte((uint32(i)*2654435761 + 0x9E37) >> 16) }},
		{"scramble-b", func(i int) byte { return byte((uint32(i)*40503 + 0x79B9) >> 8) }},
	}
}

func renderPattern(p pattern, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = p.fill(i)
	}
	return out
}

func complement(data []byte) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = ^b
	}
	return out
}

// runBatteryStage measures raw bus-master function: every pattern crosses
// the bus in both directions, twice, and anything short of a perfect score
// is degraded accordingly. Cache effects are flushed out between steps so
// the verdict blames the bus alone.
func (e *Engine) runBatteryStage(a *Analysis) {
	start := e.clock.Now()

	buf, err := e.mem.AllocAligned(batteryBufferSize, e.mem.LineSize())
	if err != nil {
		e.log.Printf("coherency: battery buffer allocation failed: %v", err)
		a.BusMaster = BusMasterBroken
		e.stageDone(a, "bus-master", 0, 0, a.BusMaster.String(),
			e.clock.Now()-start)
		return
	}

	passed, total := 0, 0
	for _, p := range batteryPatterns() {
		for round := 0; round < batteryRounds; round++ {
			total++
			if e.deviceWritesHostVerifies(buf, p) {
				passed++
			}

			total++
			if e.hostWritesDeviceVerifies(buf, p) {
				passed++
			}
		}
	}

	switch {
	case passed == total:
		a.BusMaster = BusMasterOk
	case passed*2 > total:
		a.BusMaster = BusMasterPartial
	default:
		a.BusMaster = BusMasterBroken
	}

	e.stageDone(a, "bus-master", passed, total, a.BusMaster.String(),
		e.clock.Now()-start)
}

// deviceWritesHostVerifies checks the device-to-memory direction: the CPU
// pre-fills the buffer with the complement, the device masters the pattern
// in, and the CPU verifies what landed.
func (e *Engine) deviceWritesHostVerifies(addr uint64, p pattern) bool {
	want := renderPattern(p, batteryBufferSize)

	if err := e.mem.CPUWrite(addr, complement(want)); err != nil {
		return false
	}
	e.sanitize(addr, batteryBufferSize)

	if err := e.dev.DMAToHost(addr, want); err != nil {
		return false
	}
	if err := e.dev.WaitReady(readyBudget); err != nil {
		return false
	}

	e.sanitize(addr, batteryBufferSize)
	got, err := e.mem.CPURead(addr, batteryBufferSize)
	if err != nil {
		return false
	}

	return bytes.Equal(got, want)
}

// hostWritesDeviceVerifies checks the memory-to-device direction: the CPU
// writes the pattern, publishes it, and the device masters it out.
func (e *Engine) hostWritesDeviceVerifies(addr uint64, p pattern) bool {
	want := renderPattern(p, batteryBufferSize)

	if err := e.mem.CPUWrite(addr, want); err != nil {
		return false
	}
	e.sanitize(addr, batteryBufferSize)

	got, err := e.dev.DMAFromHost(addr, batteryBufferSize)
	if err != nil {
		return false
	}
	if err := e.dev.WaitReady(readyBudget); err != nil {
		return false
	}

	return bytes.Equal(got, want)
}
