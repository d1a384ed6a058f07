// Package hostenv probes the execution environment the driver was loaded
// into: DMA virtualization services, virtualized (V86-style) execution, and
// resident memory managers. The probe result only ever relaxes cache-tier
// requirements downstream; it never tightens them.
package hostenv

import "errors"

// ErrLockFailed reports a VDS region lock that did not complete.
var ErrLockFailed = errors.New("hostenv: vds lock failed")

// A Lock is the result of a successful VDS region lock. BusAddr is the
// device-visible address of the region for the lifetime of the lock.
type Lock struct {
	Handle  uint32
	BusAddr uint64
	Size    int
}

// VDS is a DMA virtualization service. When present, all bus addresses used
// for device transfers must come from Lock rather than from raw buffer
// addresses.
type VDS interface {
	// Version returns the service major/minor version.
	Version() (major, minor uint8)

	// Lock pins a memory region and returns its bus-visible address.
	Lock(addr uint64, size int) (Lock, error)

	// Unlock releases a previously locked region.
	Unlock(l Lock) error

	// GuaranteesCoherency reports whether the service promises that locked
	// regions are kept coherent with device accesses, which lets transfers
	// run on the software-barrier tier instead of a hardware flush tier.
	GuaranteesCoherency() bool
}

// Environment is the one-time probe result.
type Environment struct {
	// VDS is nil when no DMA virtualization service responded.
	VDS VDS

	// Virtualized is set when the CPU is executing in a virtualized mode in
	// which privileged cache instructions may fault.
	Virtualized bool

	// MemoryManager names the resident memory manager, or "" for none. The
	// name participates in the persisted hardware signature.
	MemoryManager string

	EMSPresent bool
	XMSPresent bool
}

// VDSPresent reports whether a DMA virtualization service responded.
func (e Environment) VDSPresent() bool {
	return e.VDS != nil
}

// Probe inspects the host. The portable build runs on a flat-memory host
// with no resident services, so it reports an empty environment; the
// simulated machine supplies richer ones.
func Probe() Environment {
	return Environment{}
}
