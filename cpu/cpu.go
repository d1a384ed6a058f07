// Package cpu describes the processor the driver is running on: vendor,
// generation, clock speed, cache geometry, and the instruction features the
// cache-management tiers depend on.
package cpu

// Vendor identifies the CPU manufacturer as reported by CPUID (or a
// best-effort equivalent on pre-CPUID parts).
type Vendor string

// Known vendor strings.
const (
	VendorIntel   Vendor = "GenuineIntel"
	VendorAMD     Vendor = "AuthenticAMD"
	VendorCyrix   Vendor = "CyrixInstead"
	VendorUnknown Vendor = "Unknown"
)

// Generation orders the x86 families this driver distinguishes. Values are
// comparable: a later generation is strictly greater.
type Generation uint8

// Generations, oldest first.
const (
	Gen286 Generation = iota + 1
	Gen386
	Gen486
	GenPentium
	GenP6
	GenP4
)

var generationNames = map[Generation]string{
	Gen286:     "80286",
	Gen386:     "80386",
	Gen486:     "80486",
	GenPentium: "Pentium",
	GenP6:      "P6",
	GenP4:      "Pentium 4",
}

func (g Generation) String() string {
	if n, ok := generationNames[g]; ok {
		return n
	}
	return "UnknownGen"
}

// AtLeast reports whether g is the given generation or newer.
func (g Generation) AtLeast(min Generation) bool {
	return g >= min
}

// Feature is a bitmask of instruction capabilities relevant to cache
// management and timing.
type Feature uint32

// Feature bits.
const (
	// FeatureCPUID means the CPUID instruction is usable (486DX and later).
	FeatureCPUID Feature = 1 << iota

	// FeatureWBINVD means the whole-cache writeback+invalidate instruction
	// exists (486 and later).
	FeatureWBINVD

	// FeatureCLFLUSH means single-line flushes are available (SSE2 parts).
	FeatureCLFLUSH

	// FeatureTSC means the timestamp counter can time short probes.
	FeatureTSC
)

// Has reports whether all bits in f are set.
func (f Feature) Has(want Feature) bool {
	return f&want == want
}

// Info is the opaque CPU identity consumed by the coherency engine, the DMA
// policy, and the fast-path planner. It is constructed once and never
// mutated.
type Info struct {
	Vendor        Vendor
	Generation    Generation
	Model         string
	SpeedMHz      int
	CacheLineSize int
	Features      Feature
}

// Has reports whether the CPU offers the given features.
func (i Info) Has(f Feature) bool {
	return i.Features.Has(f)
}

// Freq returns the core clock as a Freq for budget math. A zero or negative
// SpeedMHz falls back to a conservative 8 MHz floor so budgets never divide
// by zero.
func (i Info) Freq() Freq {
	if i.SpeedMHz <= 0 {
		return 8 * MHz
	}
	return Freq(i.SpeedMHz) * MHz
}

// String formats the identity the way the benchmark export expects it.
func (i Info) String() string {
	return string(i.Vendor) + " " + i.Generation.String() +
		" (" + i.Model + ")"
}

// Detect returns a best-effort identity for the host. The portable build
// cannot interrogate a real legacy part, so it reports a fully featured
// modern identity; tests and the simulated machine construct Info directly.
func Detect() Info {
	return Info{
		Vendor:        VendorIntel,
		Generation:    GenP4,
		Model:         "portable",
		SpeedMHz:      1000,
		CacheLineSize: 64,
		Features:      FeatureCPUID | FeatureWBINVD | FeatureCLFLUSH | FeatureTSC,
	}
}
