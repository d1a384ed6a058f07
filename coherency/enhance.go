package coherency

import (
	"github.com/jfabienke/3com-packet-driver-sub008/cpu"
	"github.com/jfabienke/3com-packet-driver-sub008/hostenv"
)

// Copy-break baselines by generation. Slow CPUs copy expensively, so they
// hand frames to DMA earlier.
var copyBreakBaseline = map[cpu.Generation]int{
	cpu.Gen286:     0,
	cpu.Gen386:     128,
	cpu.Gen486:     256,
	cpu.GenPentium: 512,
	cpu.GenP6:      640,
	cpu.GenP4:      768,
}

// CopyThresholdFor returns the copy-break boundary in bytes: frames at or
// under it are copied into pre-validated buffers, larger ones DMA directly.
// Expensive tiers push the boundary up (copying dodges per-transfer flush
// cost); confirmed snooping pulls it down (DMA is nearly free).
func CopyThresholdFor(gen cpu.Generation, tier Tier, snoop SnoopResult) int {
	threshold, ok := copyBreakBaseline[gen]
	if !ok {
		threshold = copyBreakBaseline[cpu.Gen486]
	}

	switch tier {
	case TierWbinvdFull:
		threshold *= 3
	case TierClflushSurgical, TierSoftwareBarrier:
		threshold *= 2
	}

	if snoop == SnoopFull {
		threshold /= 2
	}

	return threshold
}

// Enhance layers the execution environment over a finished analysis: VDS
// relaxation, per-direction tiers, staging needs, and the copy-break hint.
// The environment only ever relaxes the tier choice, never tightens it;
// tightening is the measurement's job.
func Enhance(a *Analysis, env hostenv.Environment,
	busLimit, memoryCeiling uint64) *EnhancedAnalysis {
	e := &EnhancedAnalysis{
		Analysis:      *a,
		VDSPresent:    env.VDSPresent(),
		Virtualized:   env.Virtualized,
		MemoryManager: env.MemoryManager,
		RxTier:        a.SelectedTier,
		TxTier:        a.SelectedTier,
	}

	// The probes track the two hazards separately; a direction that
	// measured clean can run on the barrier tier even when the other
	// direction needs hardware flushes.
	if a.Coherency == CoherencyProblem && a.SelectedTier.ManagesCache() {
		if !a.TxHazard && a.RxHazard {
			e.TxTier = TierSoftwareBarrier
		}
		if !a.RxHazard && a.TxHazard {
			e.RxTier = TierSoftwareBarrier
		}
	}

	if env.VDSPresent() && env.VDS.GuaranteesCoherency() {
		e.VDSCoherent = true
		if e.RxTier == TierWbinvdFull || e.RxTier == TierClflushSurgical {
			e.RxTier = TierSoftwareBarrier
		}
		if e.TxTier == TierWbinvdFull || e.TxTier == TierClflushSurgical {
			e.TxTier = TierSoftwareBarrier
		}
	}

	if busLimit > 0 && busLimit < memoryCeiling {
		e.StagingRequired = true
	}

	e.CopyThreshold = CopyThresholdFor(a.CPU.Generation, a.SelectedTier,
		a.Snooping)

	return e
}
