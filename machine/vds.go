package machine

import (
	"fmt"

	"github.com/jfabienke/3com-packet-driver-sub008/hostenv"
)

// SimVDS is a Virtual DMA Services provider for simulated machines. It hands
// out lock handles and can optionally remap bus addresses or refuse locks,
// the two behaviors real memory managers differ on.
type SimVDS struct {
	coherent   bool
	refuse     bool
	remap      uint64
	nextHandle uint32
	locks      map[uint32]hostenv.Lock
}

// NewSimVDS returns a VDS provider that grants every lock at identity
// mapping and makes no coherency promise.
func NewSimVDS() *SimVDS {
	return &SimVDS{
		nextHandle: 1,
		locks:      make(map[uint32]hostenv.Lock),
	}
}

// WithCoherencyGuarantee makes the provider claim DMA-coherent buffers.
func (v *SimVDS) WithCoherencyGuarantee(on bool) *SimVDS {
	v.coherent = on
	return v
}

// WithRemapOffset makes locked regions report a bus address shifted by off.
func (v *SimVDS) WithRemapOffset(off uint64) *SimVDS {
	v.remap = off
	return v
}

// WithLockRefusal makes every Lock call fail.
func (v *SimVDS) WithLockRefusal(on bool) *SimVDS {
	v.refuse = on
	return v
}

// Version returns the VDS specification level the provider implements.
func (v *SimVDS) Version() (major, minor uint8) { return 1, 0 }

// Lock pins a region and returns its bus mapping.
func (v *SimVDS) Lock(addr uint64, size int) (hostenv.Lock, error) {
	if v.refuse {
		return hostenv.Lock{}, hostenv.ErrLockFailed
	}

	l := hostenv.Lock{
		Handle:  v.nextHandle,
		BusAddr: addr + v.remap,
		Size:    size,
	}
	v.locks[l.Handle] = l
	v.nextHandle++

	return l, nil
}

// Unlock releases a previously granted lock.
func (v *SimVDS) Unlock(l hostenv.Lock) error {
	if _, ok := v.locks[l.Handle]; !ok {
		return fmt.Errorf("machine: unlock of unknown VDS handle %d", l.Handle)
	}
	delete(v.locks, l.Handle)
	return nil
}

// GuaranteesCoherency reports whether locked buffers are DMA-coherent
// without driver-side cache management.
func (v *SimVDS) GuaranteesCoherency() bool { return v.coherent }

// ActiveLocks returns the number of locks currently held.
func (v *SimVDS) ActiveLocks() int { return len(v.locks) }
