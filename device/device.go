// Package device models the two adapters the driver supports: the 3C509B,
// a PIO-only ISA card, and the 3C515-TX, an ISA bus master. Both move data
// through a simulated machine, so every transfer exhibits the cache and bus
// behavior of the host it runs on.
package device

import (
	"errors"
	"time"
)

// Errors reported by adapter operations.
var (
	// ErrTimeout reports a ready wait that exhausted its budget.
	ErrTimeout = errors.New("device: ready wait timed out")

	// ErrNotSupported reports an operation the adapter cannot perform.
	ErrNotSupported = errors.New("device: operation not supported")

	// ErrStopped reports an operation on an adapter that is not started.
	ErrStopped = errors.New("device: adapter not started")

	// ErrNoBuffer reports a receive with no posted buffer to land in.
	ErrNoBuffer = errors.New("device: no receive buffer posted")

	// ErrRingFull reports a buffer post onto a full descriptor ring.
	ErrRingFull = errors.New("device: descriptor ring full")
)

// EventKind identifies what an adapter interrupt reports.
type EventKind int

// Event kinds.
const (
	// EventRx reports a received frame.
	EventRx EventKind = iota

	// EventTxDone reports a completed transmit.
	EventTxDone

	// EventFault reports an adapter-level failure.
	EventFault
)

func (k EventKind) String() string {
	switch k {
	case EventRx:
		return "rx"
	case EventTxDone:
		return "tx-done"
	case EventFault:
		return "fault"
	}
	return "unknown"
}

// An Event is what the adapter's interrupt line delivers. Addr and Len
// locate the frame for DMA completions; PIO receives carry only Len and the
// frame stays in the adapter FIFO until drained.
type Event struct {
	Kind EventKind
	Addr uint64
	Len  int
	Err  error
}

// A Device is one network adapter. Implementations are not safe for
// concurrent use; the driver serializes access through its work queue.
type Device interface {
	Name() string

	// BusMaster reports whether the adapter can initiate DMA at all.
	BusMaster() bool

	// BusAddressLimit returns the first host address the adapter cannot
	// reach as a bus master; zero for PIO-only adapters.
	BusAddressLimit() uint64

	// DescriptorAlignment returns the alignment DMA buffers must satisfy.
	DescriptorAlignment() int

	Start() error
	Stop() error

	// SetEventHandler installs the interrupt handler. The handler runs on
	// the adapter's delivery path and must stay short.
	SetEventHandler(fn func(Event))

	// ProvideRxBuffer posts a host buffer for the next inbound frame.
	ProvideRxBuffer(addr uint64, size int) error

	// Transmit starts a bus-master read of n bytes at addr and sends them.
	Transmit(addr uint64, n int) error

	// DMAToHost and DMAFromHost are raw single transfers, used by the
	// self-test battery before the adapter is brought up.
	DMAToHost(addr uint64, data []byte) error
	DMAFromHost(addr uint64, n int) ([]byte, error)

	// CopyFromFIFO drains up to n bytes of the pending received frame into
	// host memory through processor stores. CopyToFIFO pushes a frame to
	// the wire through processor loads. Both are the PIO path.
	CopyFromFIFO(dst uint64, n int) (int, error)
	CopyToFIFO(src uint64, n int) error

	// WaitReady polls until the adapter can accept the next command,
	// giving up after the budget elapses.
	WaitReady(budget time.Duration) error
}
