package machine

import (
	"log"
	"time"

	"github.com/jfabienke/3com-packet-driver-sub008/cpu"
	"github.com/jfabienke/3com-packet-driver-sub008/hostenv"
)

// isaBusLimit is the 24-bit ISA bus-master reach.
const isaBusLimit = 1 << 24

// Builder can build simulated machines. Fields left unset fall back to a
// plain 486 desktop with 16 MB of memory and a write-back cache.
type Builder struct {
	cpuInfo         cpu.Info
	env             hostenv.Environment
	memBytes        uint64
	cacheMode       CacheMode
	lineSize        int
	snoop           SnoopConfig
	busHealth       BusMasterHealth
	flakyPeriod     int
	busAddressLimit uint64
}

// MakeBuilder returns a builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		cpuInfo:         cpu.Preset486(),
		memBytes:        16 << 20,
		cacheMode:       CacheWriteBack,
		busAddressLimit: isaBusLimit,
	}
}

// WithCPU sets the processor identity.
func (b Builder) WithCPU(info cpu.Info) Builder {
	b.cpuInfo = info
	return b
}

// WithEnvironment sets the software environment the machine reports.
func (b Builder) WithEnvironment(env hostenv.Environment) Builder {
	b.env = env
	return b
}

// WithMemory sets the installed memory size in bytes.
func (b Builder) WithMemory(bytes uint64) Builder {
	b.memBytes = bytes
	return b
}

// WithCacheMode sets the cache write policy.
func (b Builder) WithCacheMode(mode CacheMode) Builder {
	b.cacheMode = mode
	return b
}

// WithLineSize overrides the cache line size reported by the CPU preset.
func (b Builder) WithLineSize(bytes int) Builder {
	b.lineSize = bytes
	return b
}

// WithSnoop sets the chipset snoop behavior.
func (b Builder) WithSnoop(cfg SnoopConfig) Builder {
	b.snoop = cfg
	return b
}

// WithBusMasterHealth sets the fault model for device transfers. The period
// only matters for BusFlaky and corrupts one transfer in every period.
func (b Builder) WithBusMasterHealth(h BusMasterHealth, period int) Builder {
	b.busHealth = h
	b.flakyPeriod = period
	return b
}

// WithBusAddressLimit sets the first address bus masters cannot reach.
func (b Builder) WithBusAddressLimit(limit uint64) Builder {
	b.busAddressLimit = limit
	return b
}

// Build builds a machine with the given name.
func (b Builder) Build(name string) *Machine {
	lineSize := b.lineSize
	if lineSize == 0 {
		lineSize = b.cpuInfo.CacheLineSize
	}
	if lineSize <= 0 || lineSize&(lineSize-1) != 0 {
		log.Panicf("cache line size %d is not a power of two", lineSize)
	}
	if b.memBytes == 0 {
		log.Panic("memory size is not given")
	}

	arena := NewArena(b.memBytes)
	clock := NewVirtualClock()

	m := &Machine{
		name:            name,
		cpuInfo:         b.cpuInfo,
		env:             b.env,
		arena:           arena,
		cache:           newCache(b.cacheMode, lineSize, arena, clock),
		clock:           clock,
		snoop:           b.snoop,
		busHealth:       b.busHealth,
		flakyPeriod:     b.flakyPeriod,
		busAddressLimit: b.busAddressLimit,
	}

	// Keep the zero page out of circulation so a zero address can mean
	// "unset" everywhere else.
	m.nextAlloc = uint64(lineSize)

	return m
}

// Desktop486 is a 486DX2 with a write-back cache and a chipset that does not
// snoop bus-master writes. The classic worst case for third-party DMA.
func Desktop486() Builder {
	return MakeBuilder()
}

// WriteThrough486 is a 486 whose cache is configured write-through, which
// keeps memory current on every CPU store.
func WriteThrough486() Builder {
	return MakeBuilder().WithCacheMode(CacheWriteThrough)
}

// PentiumSnooping is a Pentium on a chipset that invalidates cached lines
// on every inbound master write.
func PentiumSnooping() Builder {
	return MakeBuilder().
		WithCPU(cpu.PresetPentium()).
		WithMemory(32 << 20).
		WithSnoop(SnoopConfig{Invalidate: true})
}

// PentiumPartialSnoop is a Pentium chipset that only snoops transfers up to
// 256 bytes; larger master writes slip past the cache unnoticed.
func PentiumPartialSnoop() Builder {
	return MakeBuilder().
		WithCPU(cpu.PresetPentium()).
		WithMemory(32 << 20).
		WithSnoop(SnoopConfig{Invalidate: true, MaxBytes: 256})
}

// PentiumLaggySnoop is a chipset that keeps the cache coherent but stalls
// the bus long enough on every master write that snooping is useless as a
// performance feature.
func PentiumLaggySnoop() Builder {
	return MakeBuilder().
		WithCPU(cpu.PresetPentium()).
		WithMemory(32 << 20).
		WithSnoop(SnoopConfig{Invalidate: true, Lag: 40 * time.Microsecond})
}

// BrokenBusMaster is a machine whose DMA controller drops transfers
// outright. Data never arrives; only PIO works.
func BrokenBusMaster() Builder {
	return MakeBuilder().
		WithCPU(cpu.PresetPentium()).
		WithBusMasterHealth(BusDead, 0)
}

// FlakyBusMaster corrupts one transfer in every three.
func FlakyBusMaster() Builder {
	return MakeBuilder().
		WithCPU(cpu.PresetPentium()).
		WithBusMasterHealth(BusFlaky, 3)
}

// V86EMM386 is a 486 running under EMM386 with VDS services available. The
// full cache flush faults in virtual-8086 mode, so only the software
// barrier path works there.
func V86EMM386() Builder {
	vds := NewSimVDS().WithCoherencyGuarantee(true)
	return MakeBuilder().
		WithEnvironment(hostenv.Environment{
			VDS:           vds,
			Virtualized:   true,
			MemoryManager: "EMM386",
			EMSPresent:    true,
			XMSPresent:    true,
		})
}
