package coherency

import (
	"fmt"
	"time"

	"github.com/jfabienke/3com-packet-driver-sub008/cpu"
)

// BusMasterResult classifies the bus-master battery outcome.
type BusMasterResult int

// Bus master results.
const (
	BusMasterOk BusMasterResult = iota
	BusMasterPartial
	BusMasterBroken
)

func (r BusMasterResult) String() string {
	switch r {
	case BusMasterOk:
		return "ok"
	case BusMasterPartial:
		return "partial"
	case BusMasterBroken:
		return "broken"
	}
	return "unknown"
}

// CoherencyResult classifies the write-back probe outcome.
type CoherencyResult int

// Coherency results.
const (
	CoherencyOk CoherencyResult = iota
	CoherencyProblem
	CoherencyUnknown
)

func (r CoherencyResult) String() string {
	switch r {
	case CoherencyOk:
		return "ok"
	case CoherencyProblem:
		return "problem"
	case CoherencyUnknown:
		return "unknown"
	}
	return "invalid"
}

// SnoopResult classifies how much of the timed probe set the chipset passed.
type SnoopResult int

// Snoop results.
const (
	SnoopUnknown SnoopResult = iota
	SnoopNone
	SnoopPartial
	SnoopFull
)

func (r SnoopResult) String() string {
	switch r {
	case SnoopFull:
		return "full"
	case SnoopPartial:
		return "partial"
	case SnoopNone:
		return "none"
	case SnoopUnknown:
		return "unknown"
	}
	return "invalid"
}

// maxExplanation bounds the explanation text carried in an analysis.
const maxExplanation = 160

// An Analysis is the product of one empirical coherency run. It is built
// once during bring-up and never mutated afterwards; everything downstream
// (executor, policy, fast path, export) reads from it.
type Analysis struct {
	BusMaster BusMasterResult
	Coherency CoherencyResult
	Snooping  SnoopResult

	CacheEnabled   bool
	WriteBackCache bool

	CPU cpu.Info

	SelectedTier Tier
	Confidence   int
	Explanation  string

	// TxHazard is set when data in dirty cache lines failed to reach the
	// device; RxHazard when device writes failed to reach the CPU. Both
	// are sub-findings of the coherency stage.
	TxHazard bool
	RxHazard bool

	// Probes counts every individual trial the run performed; Failures
	// counts the ones that failed.
	Probes   int
	Failures int

	// Elapsed is virtual time consumed by the whole run.
	Elapsed time.Duration
}

// DMAViable reports whether the analysis permits bus mastering at all.
func (a *Analysis) DMAViable() bool {
	return a.SelectedTier != TierBusMasterDisabled
}

func (a *Analysis) String() string {
	return fmt.Sprintf("bus=%s coherency=%s snoop=%s tier=%s confidence=%d",
		a.BusMaster, a.Coherency, a.Snooping, a.SelectedTier, a.Confidence)
}

// A StageResult reports one engine stage for instrumentation and export.
type StageResult struct {
	Stage   string
	Passed  int
	Total   int
	Verdict string
	Elapsed time.Duration
}

// An EnhancedAnalysis layers the execution environment over a raw analysis:
// VDS availability, memory-manager identity, per-direction tier choices, and
// buffer staging requirements. It is derived, never independently mutated.
type EnhancedAnalysis struct {
	Analysis

	VDSPresent    bool
	VDSCoherent   bool
	Virtualized   bool
	MemoryManager string

	// RxTier and TxTier may be cheaper than SelectedTier when the
	// environment guarantees coherency on that direction.
	RxTier Tier
	TxTier Tier

	// StagingRequired is set when device-reachable memory ends below the
	// machine's physical range, so transfers need a bounce buffer.
	StagingRequired bool

	// CopyThreshold is the copy-break boundary in bytes: frames at or
	// under it are copied into pre-validated buffers, larger frames DMA
	// directly from caller memory.
	CopyThreshold int
}
