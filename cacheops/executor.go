// Package cacheops executes the cache management a selected tier prescribes
// around DMA transfers. The executor never decides anything: the coherency
// engine picked the tier, this package just performs it fast, counts what it
// costs, and degrades per call when an instruction cannot be issued.
package cacheops

import (
	"log"
	"time"

	"github.com/jfabienke/3com-packet-driver-sub008/coherency"
	"github.com/jfabienke/3com-packet-driver-sub008/hooking"
)

// HookPosOpDone fires after every executor call with an OpSample item.
var HookPosOpDone = &hooking.HookPos{Name: "CacheOpDone"}

// A Region is the buffer span one DMA transfer covers.
type Region struct {
	Addr uint64
	Len  int
}

// Direction tells the executor which way the transfer moves.
type Direction int

// Transfer directions.
const (
	// DirRx is device-to-memory.
	DirRx Direction = iota

	// DirTx is memory-to-device.
	DirTx
)

func (d Direction) String() string {
	if d == DirRx {
		return "rx"
	}
	return "tx"
}

// Primitives is the instruction set the executor drives. The machine
// package provides the simulated implementation.
type Primitives interface {
	LineSize() int
	HasLineFlush() bool
	HasFullFlush() bool
	FlushLines(addr uint64, n int) error
	FullFlush() error
	Touch(addr uint64, n int) error
	Fence()
}

// Clock is the executor's time source, for overhead accounting and settle
// delays.
type Clock interface {
	Now() time.Duration
	Sleep(d time.Duration)
}

const (
	// wbinvdGuardWindow and wbinvdGuardLimit bound how often the full
	// flush may fire back-to-back. Past the limit inside the window the
	// flush is skipped: a precision-for-throughput trade, since each
	// full flush costs more than the transfer it protects.
	wbinvdGuardWindow = time.Millisecond
	wbinvdGuardLimit  = 4

	// Settle delays. The bus needs longer after a transfer than before
	// one, so the barrier tier is cheaper pre-DMA than post-DMA.
	barrierPreSettle  = 2 * time.Microsecond
	barrierPostSettle = 10 * time.Microsecond
	fenceOnlySettle   = time.Microsecond
)

// An OpSample describes one executor call for instrumentation.
type OpSample struct {
	Dir      Direction
	Tier     coherency.Tier
	Pre      bool
	Region   Region
	Overhead time.Duration
	FellBack bool
	Skipped  bool
}

// An Executor performs pre- and post-DMA cache management at fixed tiers.
// It is mainline-only code: the interrupt path never calls it.
type Executor struct {
	hooking.HookableBase

	name  string
	prim  Primitives
	clock Clock
	log   *log.Logger

	rxTier coherency.Tier
	txTier coherency.Tier

	lastWbinvd   time.Duration
	wbinvdStreak int

	metrics metrics
}

// ExecutorBuilder can build executors.
type ExecutorBuilder struct {
	prim   Primitives
	clock  Clock
	log    *log.Logger
	rxTier coherency.Tier
	txTier coherency.Tier
}

// MakeExecutorBuilder returns a builder with default parameters.
func MakeExecutorBuilder() ExecutorBuilder {
	return ExecutorBuilder{
		log:    log.Default(),
		rxTier: coherency.TierSoftwareBarrier,
		txTier: coherency.TierSoftwareBarrier,
	}
}

// WithPrimitives sets the cache instruction set.
func (b ExecutorBuilder) WithPrimitives(p Primitives) ExecutorBuilder {
	b.prim = p
	return b
}

// WithClock sets the time source.
func (b ExecutorBuilder) WithClock(c Clock) ExecutorBuilder {
	b.clock = c
	return b
}

// WithLogger sets the diagnostic logger.
func (b ExecutorBuilder) WithLogger(l *log.Logger) ExecutorBuilder {
	b.log = l
	return b
}

// WithTier sets the same tier for both directions.
func (b ExecutorBuilder) WithTier(t coherency.Tier) ExecutorBuilder {
	b.rxTier = t
	b.txTier = t
	return b
}

// WithDirectionTiers sets per-direction tiers, usually from an enhanced
// analysis.
func (b ExecutorBuilder) WithDirectionTiers(rx, tx coherency.Tier) ExecutorBuilder {
	b.rxTier = rx
	b.txTier = tx
	return b
}

// Build builds an executor with the given name.
func (b ExecutorBuilder) Build(name string) *Executor {
	if b.prim == nil {
		log.Panic("primitives are not given")
	}
	if b.clock == nil {
		log.Panic("clock is not given")
	}
	if b.rxTier == coherency.TierBusMasterDisabled ||
		b.txTier == coherency.TierBusMasterDisabled {
		log.Panic("bus-master-disabled is a policy verdict, not an executor tier")
	}

	return &Executor{
		name:   name,
		prim:   b.prim,
		clock:  b.clock,
		log:    b.log,
		rxTier: b.rxTier,
		txTier: b.txTier,
	}
}

// RxTier returns the tier used for device-to-memory transfers.
func (x *Executor) RxTier() coherency.Tier { return x.rxTier }

// TxTier returns the tier used for memory-to-device transfers.
func (x *Executor) TxTier() coherency.Tier { return x.txTier }

func (x *Executor) tierFor(dir Direction) coherency.Tier {
	if dir == DirRx {
		return x.rxTier
	}
	return x.txTier
}

// PreDMA prepares the region before the device touches it.
func (x *Executor) PreDMA(dir Direction, r Region) {
	x.run(dir, r, true)
}

// PostDMA completes cache management after the device is done.
func (x *Executor) PostDMA(dir Direction, r Region) {
	x.run(dir, r, false)
}

func (x *Executor) run(dir Direction, r Region, pre bool) {
	tier := x.tierFor(dir)
	start := x.clock.Now()
	sample := OpSample{Dir: dir, Tier: tier, Pre: pre, Region: r}

	switch tier {
	case coherency.TierClflushSurgical:
		x.surgical(r, &sample)
	case coherency.TierWbinvdFull:
		x.fullFlush(r, &sample)
	case coherency.TierSoftwareBarrier:
		x.barrier(r, pre)
	case coherency.TierNoManagement:
		x.prim.Fence()
		x.clock.Sleep(fenceOnlySettle)
	default:
		log.Panicf("tier %s must never reach the executor", tier)
	}

	sample.Overhead = x.clock.Now() - start
	x.metrics.record(sample)
	x.InvokeHook(hooking.HookCtx{Domain: x, Pos: HookPosOpDone, Item: sample})
}

// surgical flushes exactly the lines the region spans. Identical before and
// after a transfer; the flush-then-fence pair is idempotent either way.
func (x *Executor) surgical(r Region, sample *OpSample) {
	addr, n := alignRegion(r, x.prim.LineSize())
	if err := x.prim.FlushLines(addr, n); err != nil {
		x.log.Printf("cacheops: line flush failed, degrading this call: %v", err)
		sample.FellBack = true
		x.barrier(r, sample.Pre)
		return
	}
	x.prim.Fence()
}

// fullFlush runs the whole-cache writeback+invalidate between fences. A
// streak of calls inside the guard window skips the flush; the caller keeps
// its fence ordering either way.
func (x *Executor) fullFlush(r Region, sample *OpSample) {
	now := x.clock.Now()
	if now-x.lastWbinvd <= wbinvdGuardWindow {
		x.wbinvdStreak++
	} else {
		x.wbinvdStreak = 1
	}
	x.lastWbinvd = now

	if x.wbinvdStreak > wbinvdGuardLimit {
		sample.Skipped = true
		x.prim.Fence()
		return
	}

	x.prim.Fence()
	if err := x.prim.FullFlush(); err != nil {
		x.log.Printf("cacheops: full flush failed, degrading this call: %v", err)
		sample.FellBack = true
		x.barrier(r, sample.Pre)
		return
	}
	x.prim.Fence()
}

// barrier forces the region through the cache with ordinary load traffic,
// then lets the bus settle.
func (x *Executor) barrier(r Region, pre bool) {
	if err := x.prim.Touch(r.Addr, r.Len); err != nil {
		x.log.Printf("cacheops: touch failed: %v", err)
	}
	x.prim.Fence()

	if pre {
		x.clock.Sleep(barrierPreSettle)
	} else {
		x.clock.Sleep(barrierPostSettle)
	}
}

// alignRegion widens a region to cache-line boundaries.
func alignRegion(r Region, lineSize int) (uint64, int) {
	line := uint64(lineSize)
	start := r.Addr &^ (line - 1)
	end := (r.Addr + uint64(r.Len) + line - 1) &^ (line - 1)
	return start, int(end - start)
}
