package coherency

// A Tier is one cache-management strategy, ordered by aggressiveness. The
// engine always selects the cheapest tier that is still safe on the machine
// it measured. Values are persisted byte-for-byte; never reorder them.
type Tier uint8

// Cache management tiers.
const (
	// TierNoManagement means the platform keeps DMA buffers coherent on
	// its own; the executor only fences.
	TierNoManagement Tier = iota

	// TierSoftwareBarrier forces lines through the cache with ordinary
	// load traffic. The only option without flush instructions.
	TierSoftwareBarrier

	// TierWbinvdFull flushes the entire cache around every transfer.
	TierWbinvdFull

	// TierClflushSurgical flushes exactly the lines a buffer spans.
	TierClflushSurgical

	// TierBusMasterDisabled is not a cache strategy but a verdict: DMA is
	// not to be attempted at all.
	TierBusMasterDisabled
)

var tierNames = map[Tier]string{
	TierNoManagement:      "no-management-needed",
	TierSoftwareBarrier:   "software-barrier",
	TierWbinvdFull:        "wbinvd-full",
	TierClflushSurgical:   "clflush-surgical",
	TierBusMasterDisabled: "bus-master-disabled",
}

func (t Tier) String() string {
	if name, ok := tierNames[t]; ok {
		return name
	}
	return "invalid"
}

// Valid reports whether t is one of the defined tiers.
func (t Tier) Valid() bool {
	_, ok := tierNames[t]
	return ok
}

// ManagesCache reports whether the tier performs any cache operation.
func (t Tier) ManagesCache() bool {
	return t == TierSoftwareBarrier || t == TierWbinvdFull || t == TierClflushSurgical
}
