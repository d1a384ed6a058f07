package machine

import "fmt"

const arenaUnitSize = 4096

// An Arena is the backing physical memory of a simulated machine. It manages
// the address space in fixed units and allocates a unit only when it is first
// touched, so large sparse address spaces stay cheap.
type Arena struct {
	capacity uint64
	units    map[uint64][]byte
}

// NewArena creates an arena covering addresses [0, capacity).
func NewArena(capacity uint64) *Arena {
	return &Arena{
		capacity: capacity,
		units:    make(map[uint64][]byte),
	}
}

// Capacity returns the highest usable address plus one.
func (a *Arena) Capacity() uint64 {
	return a.capacity
}

func (a *Arena) unitFor(addr uint64) ([]byte, error) {
	if addr >= a.capacity {
		return nil, fmt.Errorf("machine: address %#x beyond arena capacity %#x",
			addr, a.capacity)
	}

	base := addr - addr%arenaUnitSize
	unit, ok := a.units[base]
	if !ok {
		unit = make([]byte, arenaUnitSize)
		a.units[base] = unit
	}

	return unit, nil
}

// Read copies n bytes starting at addr.
func (a *Arena) Read(addr uint64, n int) ([]byte, error) {
	out := make([]byte, n)
	offset := 0

	for offset < n {
		unit, err := a.unitFor(addr)
		if err != nil {
			return nil, err
		}

		inUnit := addr % arenaUnitSize
		chunk := arenaUnitSize - inUnit
		if remaining := uint64(n - offset); chunk > remaining {
			chunk = remaining
		}

		copy(out[offset:], unit[inUnit:inUnit+chunk])
		addr += chunk
		offset += int(chunk)
	}

	return out, nil
}

// Write copies data into the arena starting at addr.
func (a *Arena) Write(addr uint64, data []byte) error {
	offset := 0

	for offset < len(data) {
		unit, err := a.unitFor(addr)
		if err != nil {
			return err
		}

		inUnit := addr % arenaUnitSize
		chunk := arenaUnitSize - inUnit
		if remaining := uint64(len(data) - offset); chunk > remaining {
			chunk = remaining
		}

		copy(unit[inUnit:inUnit+chunk], data[offset:offset+int(chunk)])
		addr += chunk
		offset += int(chunk)
	}

	return nil
}
