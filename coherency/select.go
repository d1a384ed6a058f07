package coherency

import "github.com/jfabienke/3com-packet-driver-sub008/cpu"

// SelectTier maps the three stage results, the cache write policy, and the
// CPU feature set to a management tier and a confidence percentage. It is a
// pure function: identical inputs always produce identical answers, and the
// answer errs toward more management whenever the inputs were inconclusive.
func SelectTier(bus BusMasterResult, coh CoherencyResult, snoop SnoopResult,
	writeBack bool, features cpu.Feature) (Tier, int, string) {
	if bus == BusMasterBroken {
		return TierBusMasterDisabled, 100,
			"bus master failed its functional battery; DMA disabled"
	}

	if coh == CoherencyProblem {
		switch {
		case features.Has(cpu.FeatureCLFLUSH):
			return TierClflushSurgical, 100,
				"cache corrupts DMA; surgical line flush available"
		case features.Has(cpu.FeatureWBINVD):
			return TierWbinvdFull, 100,
				"cache corrupts DMA; only whole-cache flush available"
		default:
			return TierSoftwareBarrier, 100,
				"cache corrupts DMA; no flush instructions, software barrier forced"
		}
	}

	if coh == CoherencyOk && writeBack {
		switch snoop {
		case SnoopFull:
			return TierNoManagement, 95,
				"chipset snoops every master transfer"
		case SnoopPartial:
			return TierWbinvdFull, 80,
				"chipset snooping is incomplete; flushing the whole cache to cover the gaps"
		case SnoopNone:
			// Coherent reads with no snooping evidence usually mean the
			// write path behaves as write-through. A heuristic, kept for
			// its long field record, not a proven property.
			return TierNoManagement, 90,
				"coherent without measurable snooping; write path behaves as write-through"
		default:
			return TierSoftwareBarrier, 70,
				"snooping unmeasured; software barrier as a hedge"
		}
	}

	if !writeBack {
		return TierNoManagement, 95,
			"write-through or disabled cache is coherent by construction"
	}

	// Write-back cache with an unmeasured coherency stage. Manage every
	// transfer with the strongest primitive on hand.
	switch {
	case features.Has(cpu.FeatureCLFLUSH):
		return TierClflushSurgical, 60,
			"coherency unmeasured on a write-back cache; flushing lines on every transfer"
	case features.Has(cpu.FeatureWBINVD):
		return TierWbinvdFull, 60,
			"coherency unmeasured on a write-back cache; flushing on every transfer"
	default:
		return TierSoftwareBarrier, 60,
			"coherency unmeasured on a write-back cache; software barrier on every transfer"
	}
}
