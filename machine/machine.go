// Package machine provides a deterministic model of a legacy x86 host: a
// paged memory arena, a line-granular CPU cache with selectable write
// policy, chipset snoop behavior, bus-master fault injection, and a virtual
// clock. The coherency engine and the cache executor run against it exactly
// as they would against real hardware shims, which is what makes the
// timing-sensitive probes testable.
package machine

import (
	"errors"
	"fmt"
	"time"

	"github.com/jfabienke/3com-packet-driver-sub008/cpu"
	"github.com/jfabienke/3com-packet-driver-sub008/hostenv"
)

// ErrOutOfMemory reports a failed aligned allocation.
var ErrOutOfMemory = errors.New("machine: arena exhausted")

// SnoopConfig describes how the chipset reacts to bus-master writes.
type SnoopConfig struct {
	// Invalidate is set when the chipset invalidates cached lines a master
	// write overlaps.
	Invalidate bool

	// MaxBytes limits snooping to transfers of at most this size; zero means
	// unlimited. Models chipsets that only watch single-cycle transfers.
	MaxBytes int

	// Lag is extra latency added to every snooped write, standing in for
	// chipsets that stall the bus (or dump the whole cache) to stay
	// coherent.
	Lag time.Duration
}

func (s SnoopConfig) applies(size int) bool {
	if !s.Invalidate {
		return false
	}
	return s.MaxBytes == 0 || size <= s.MaxBytes
}

// BusMasterHealth selects the fault model for device-initiated transfers.
type BusMasterHealth int

// Bus master health levels.
const (
	// BusPerfect transfers are never corrupted.
	BusPerfect BusMasterHealth = iota

	// BusFlaky corrupts one transfer out of every flaky period.
	BusFlaky

	// BusDead silently drops device writes and returns garbage on reads.
	BusDead
)

// A Machine is one simulated host. It is not safe for concurrent use; the
// driver core runs its probes strictly single-threaded during bring-up.
type Machine struct {
	name string

	cpuInfo cpu.Info
	env     hostenv.Environment

	arena *Arena
	cache *cache
	clock *VirtualClock

	snoop           SnoopConfig
	busHealth       BusMasterHealth
	flakyPeriod     int
	busAddressLimit uint64

	nextAlloc     uint64
	transferCount uint64
}

// Name returns the machine name.
func (m *Machine) Name() string { return m.name }

// CPU returns the processor identity of this machine.
func (m *Machine) CPU() cpu.Info { return m.cpuInfo }

// Environment returns the probed software environment.
func (m *Machine) Environment() hostenv.Environment { return m.env }

// Clock returns the machine's virtual clock.
func (m *Machine) Clock() *VirtualClock { return m.clock }

// CacheMode returns the cache write policy.
func (m *Machine) CacheMode() CacheMode { return m.cache.mode }

// CacheEnabled reports whether the CPU cache is on at all.
func (m *Machine) CacheEnabled() bool { return m.cache.mode != CacheDisabled }

// WriteBack reports whether the cache defers memory updates until eviction.
func (m *Machine) WriteBack() bool { return m.cache.mode == CacheWriteBack }

// LineSize returns the cache line size in bytes.
func (m *Machine) LineSize() int { return int(m.cache.lineSize) }

// BusAddressLimit returns the first address bus masters cannot reach.
func (m *Machine) BusAddressLimit() uint64 { return m.busAddressLimit }

// MemoryCeiling returns the top of installed physical memory.
func (m *Machine) MemoryCeiling() uint64 { return m.arena.Capacity() }

// AllocAligned reserves size bytes aligned to align and returns the base
// address. Allocations live for the driver lifetime; there is no free list.
func (m *Machine) AllocAligned(size, align int) (uint64, error) {
	if size <= 0 {
		return 0, fmt.Errorf("machine: invalid allocation size %d", size)
	}
	if align <= 0 {
		align = 1
	}

	addr := m.nextAlloc
	if rem := addr % uint64(align); rem != 0 {
		addr += uint64(align) - rem
	}
	if addr+uint64(size) > m.arena.Capacity() {
		return 0, ErrOutOfMemory
	}

	m.nextAlloc = addr + uint64(size)

	return addr, nil
}

// CPURead reads memory the way the processor would, through the cache.
func (m *Machine) CPURead(addr uint64, n int) ([]byte, error) {
	return m.cache.cpuRead(addr, n)
}

// CPUWrite writes memory the way the processor would, through the cache.
func (m *Machine) CPUWrite(addr uint64, data []byte) error {
	return m.cache.cpuWrite(addr, data)
}

// Touch reads every byte of the region, forcing each line into the cache.
func (m *Machine) Touch(addr uint64, n int) error {
	lineSize := int(m.cache.lineSize)
	for off := 0; off < n; off += lineSize {
		chunk := lineSize
		if off+chunk > n {
			chunk = n - off
		}
		if _, err := m.cache.cpuRead(addr+uint64(off), chunk); err != nil {
			return err
		}
	}
	return nil
}

func (m *Machine) corruptThisTransfer() bool {
	m.transferCount++

	switch m.busHealth {
	case BusDead:
		return true
	case BusFlaky:
		return m.flakyPeriod > 0 && m.transferCount%uint64(m.flakyPeriod) == 0
	}
	return false
}

// DeviceWrite is a bus-master write into memory. Write-through and disabled
// caches observe it by construction; a write-back cache only stays coherent
// when the chipset snoops the transfer.
func (m *Machine) DeviceWrite(addr uint64, data []byte) error {
	lines := time.Duration(linesSpanned(addr, len(data), m.cache.lineSize))
	m.clock.Advance(costDevicePerLine * lines)

	if m.corruptThisTransfer() {
		if m.busHealth == BusDead {
			// The cycle never reaches memory.
			return nil
		}
		mangled := make([]byte, len(data))
		copy(mangled, data)
		mangled[0] ^= 0xFF
		data = mangled
	}

	if err := m.arena.Write(addr, data); err != nil {
		return err
	}

	if m.cache.mode != CacheWriteBack {
		m.cache.snoopInvalidate(addr, len(data))
		return nil
	}

	if m.snoop.applies(len(data)) {
		m.cache.snoopInvalidate(addr, len(data))
		m.clock.Advance(m.snoop.Lag)
	}

	return nil
}

// DeviceRead is a bus-master read from memory. On a snooping chipset dirty
// lines are supplied to the bus first; otherwise the master sees whatever
// memory holds, dirty cache lines included by their absence.
func (m *Machine) DeviceRead(addr uint64, n int) ([]byte, error) {
	lines := time.Duration(linesSpanned(addr, n, m.cache.lineSize))
	m.clock.Advance(costDevicePerLine * lines)

	if m.cache.mode == CacheWriteBack && m.snoop.applies(n) {
		if err := m.cache.interveneRead(addr, n); err != nil {
			return nil, err
		}
		m.clock.Advance(m.snoop.Lag)
	}

	data, err := m.arena.Read(addr, n)
	if err != nil {
		return nil, err
	}

	if m.corruptThisTransfer() && len(data) > 0 {
		data[0] ^= 0xFF
	}

	return data, nil
}
