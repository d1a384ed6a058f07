package cpu

// Preset486 returns the identity of a desktop 486DX2. WBINVD exists on the
// 486 but CPUID, TSC, and CLFLUSH do not.
func Preset486() Info {
	return Info{
		Vendor:        VendorIntel,
		Generation:    Gen486,
		Model:         "486DX2-66",
		SpeedMHz:      66,
		CacheLineSize: 16,
		Features:      FeatureWBINVD,
	}
}

// PresetPentium returns the identity of a first-generation Pentium.
func PresetPentium() Info {
	return Info{
		Vendor:        VendorIntel,
		Generation:    GenPentium,
		Model:         "Pentium 100",
		SpeedMHz:      100,
		CacheLineSize: 32,
		Features:      FeatureCPUID | FeatureWBINVD | FeatureTSC,
	}
}

// PresetP4 returns the identity of a Pentium 4, the first generation with a
// line-granular flush instruction.
func PresetP4() Info {
	return Info{
		Vendor:        VendorIntel,
		Generation:    GenP4,
		Model:         "Pentium 4",
		SpeedMHz:      1500,
		CacheLineSize: 64,
		Features:      FeatureCPUID | FeatureWBINVD | FeatureCLFLUSH | FeatureTSC,
	}
}
