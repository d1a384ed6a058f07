package dmapolicy

import (
	"time"

	"github.com/jfabienke/3com-packet-driver-sub008/coherency"
	"github.com/jfabienke/3com-packet-driver-sub008/cpu"
)

// Params tunes the data path for one CPU generation and cache tier.
//
// CopyBreak is the frame size at or below which the driver copies into a
// pre-validated bounce buffer instead of setting up DMA on caller memory.
// Batch is how many queued work items the deferred worker drains per pass.
type Params struct {
	CopyBreak int
	Batch     int
}

// costlyOverhead is the average per-transfer cache-management cost past
// which copying beats flushing for another size class.
const costlyOverhead = 50 * time.Microsecond

var batchByGen = map[cpu.Generation]int{
	cpu.Gen286:     2,
	cpu.Gen386:     4,
	cpu.Gen486:     8,
	cpu.GenPentium: 16,
	cpu.GenP6:      24,
	cpu.GenP4:      32,
}

// ParamsFor derives the data-path tuning from the CPU generation, the
// selected cache tier, and the observed management overhead. Without DMA the
// copy-break boundary is meaningless (everything is copied) and batches
// shrink, since each PIO item holds the worker longer.
func ParamsFor(gen cpu.Generation, tier coherency.Tier, snoop coherency.SnoopResult,
	dmaAllowed bool, avgOverhead time.Duration) Params {

	batch, ok := batchByGen[gen]
	if !ok {
		batch = batchByGen[cpu.Gen486]
	}

	if !dmaAllowed {
		batch /= 2
		if batch < 1 {
			batch = 1
		}
		return Params{CopyBreak: 0, Batch: batch}
	}

	threshold := coherency.CopyThresholdFor(gen, tier, snoop)
	if avgOverhead > costlyOverhead {
		threshold *= 2
	}

	if tier == coherency.TierWbinvdFull {
		batch *= 2
	}

	return Params{CopyBreak: threshold, Batch: batch}
}
