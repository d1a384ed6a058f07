// Package coherency measures whether the live machine's cache, chipset, and
// bus-master path can corrupt DMA buffers, and selects the cheapest cache
// management tier that the measurements prove safe. Nothing here consults a
// hardware table: every verdict comes from moving real bytes and watching
// what arrives.
package coherency

import (
	"log"
	"time"

	"github.com/jfabienke/3com-packet-driver-sub008/cpu"
	"github.com/jfabienke/3com-packet-driver-sub008/hooking"
)

// Hook positions for the engine.
var (
	// HookPosStageDone fires after each stage with a StageResult item.
	HookPosStageDone = &hooking.HookPos{Name: "CoherencyStageDone"}

	// HookPosRunDone fires once per run with the finished *Analysis.
	HookPosRunDone = &hooking.HookPos{Name: "CoherencyRunDone"}
)

// Memory is the CPU-visible side of the buffers under test.
type Memory interface {
	AllocAligned(size, align int) (uint64, error)
	CPURead(addr uint64, n int) ([]byte, error)
	CPUWrite(addr uint64, data []byte) error
	CacheEnabled() bool
	WriteBack() bool
	LineSize() int
}

// Master is the device-visible side: a NIC able to run test transfers
// before its rings are armed.
type Master interface {
	Name() string
	BusMaster() bool
	DMAToHost(addr uint64, data []byte) error
	DMAFromHost(addr uint64, n int) ([]byte, error)
	WaitReady(budget time.Duration) error
}

// Flusher provides the cache-management primitives the engine uses as test
// hygiene between probes, so one stage's cache state never leaks into the
// next measurement.
type Flusher interface {
	HasLineFlush() bool
	HasFullFlush() bool
	FlushLines(addr uint64, n int) error
	FullFlush() error
	Touch(addr uint64, n int) error
	Fence()
}

// Clock is the time source probes measure against.
type Clock interface {
	Now() time.Duration
	Sleep(d time.Duration)
}

// An Engine runs the three-stage measurement and produces an Analysis. It
// runs exactly once per boot, strictly before the interrupt path is armed,
// so it is written as plain single-threaded code.
type Engine struct {
	hooking.HookableBase

	name  string
	mem   Memory
	dev   Master
	flush Flusher
	clock Clock
	cpu   cpu.Info
	log   *log.Logger
}

// EngineBuilder can build coherency engines.
type EngineBuilder struct {
	mem   Memory
	dev   Master
	flush Flusher
	clock Clock
	cpu   cpu.Info
	log   *log.Logger
}

// MakeEngineBuilder returns a builder with default parameters.
func MakeEngineBuilder() EngineBuilder {
	return EngineBuilder{log: log.Default()}
}

// WithMemory sets the CPU-visible memory under test.
func (b EngineBuilder) WithMemory(mem Memory) EngineBuilder {
	b.mem = mem
	return b
}

// WithDevice sets the adapter that performs device-side transfers.
func (b EngineBuilder) WithDevice(dev Master) EngineBuilder {
	b.dev = dev
	return b
}

// WithFlusher sets the cache primitives used as test hygiene.
func (b EngineBuilder) WithFlusher(f Flusher) EngineBuilder {
	b.flush = f
	return b
}

// WithClock sets the time source probes measure against.
func (b EngineBuilder) WithClock(c Clock) EngineBuilder {
	b.clock = c
	return b
}

// WithCPU sets the processor identity used for tier selection.
func (b EngineBuilder) WithCPU(info cpu.Info) EngineBuilder {
	b.cpu = info
	return b
}

// WithLogger sets the diagnostic logger.
func (b EngineBuilder) WithLogger(l *log.Logger) EngineBuilder {
	b.log = l
	return b
}

// Build builds an engine with the given name.
func (b EngineBuilder) Build(name string) *Engine {
	if b.mem == nil {
		log.Panic("memory is not given")
	}
	if b.dev == nil {
		log.Panic("device is not given")
	}
	if b.flush == nil {
		log.Panic("flusher is not given")
	}
	if b.clock == nil {
		log.Panic("clock is not given")
	}

	return &Engine{
		name:  name,
		mem:   b.mem,
		dev:   b.dev,
		flush: b.flush,
		clock: b.clock,
		cpu:   b.cpu,
		log:   b.log,
	}
}

// Run executes the full measurement and returns the analysis. Inconclusive
// measurements resolve to their most conservative classification; Run never
// fails outright.
func (e *Engine) Run() *Analysis {
	start := e.clock.Now()

	a := &Analysis{
		Coherency:    CoherencyUnknown,
		Snooping:     SnoopUnknown,
		CacheEnabled: e.mem.CacheEnabled(),
		CPU:          e.cpu,
	}
	a.WriteBackCache = a.CacheEnabled && e.mem.WriteBack()

	e.runBatteryStage(a)
	if a.BusMaster == BusMasterBroken {
		e.finish(a, start)
		return a
	}

	e.runCoherencyStage(a)
	if a.Coherency == CoherencyOk && a.WriteBackCache {
		e.runSnoopStage(a)
	}

	e.finish(a, start)

	return a
}

func (e *Engine) finish(a *Analysis, start time.Duration) {
	a.SelectedTier, a.Confidence, a.Explanation = SelectTier(
		a.BusMaster, a.Coherency, a.Snooping, a.WriteBackCache,
		a.CPU.Features)
	if len(a.Explanation) > maxExplanation {
		a.Explanation = a.Explanation[:maxExplanation]
	}
	a.Elapsed = e.clock.Now() - start

	e.log.Printf("coherency: %s: %s", e.dev.Name(), a)
	e.InvokeHook(hooking.HookCtx{Domain: e, Pos: HookPosRunDone, Item: a})
}

func (e *Engine) stageDone(a *Analysis, name string, passed, total int,
	verdict string, elapsed time.Duration) {
	a.Probes += total
	a.Failures += total - passed

	e.log.Printf("coherency: stage %s: %d/%d passed, verdict %s",
		name, passed, total, verdict)
	e.InvokeHook(hooking.HookCtx{
		Domain: e,
		Pos:    HookPosStageDone,
		Item: StageResult{
			Stage:   name,
			Passed:  passed,
			Total:   total,
			Verdict: verdict,
			Elapsed: elapsed,
		},
	})
}

// sanitize forces the region's cache state to agree with memory using the
// strongest primitive on hand, so a probe measures the bus rather than
// leftovers from the previous one.
func (e *Engine) sanitize(addr uint64, n int) {
	if e.flush.HasLineFlush() && e.flush.FlushLines(addr, n) == nil {
		e.flush.Fence()
		return
	}
	if e.flush.HasFullFlush() && e.flush.FullFlush() == nil {
		e.flush.Fence()
		return
	}

	_ = e.flush.Touch(addr, n)
	e.flush.Fence()
}
