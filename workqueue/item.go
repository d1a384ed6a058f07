// Package workqueue moves captured device events from the interrupt context
// to the deferred worker. The ring is single-producer single-consumer: the
// interrupt handler enqueues, the worker dequeues, and neither ever blocks,
// allocates, or overwrites a slot the other side still owns.
package workqueue

// Kind tags a WorkItem variant.
type Kind uint8

const (
	// KindRxPacket is a received frame awaiting deferred processing.
	KindRxPacket Kind = iota + 1

	// KindTxComplete reports a finished transmit descriptor.
	KindTxComplete

	// KindError carries a device fault code out of the interrupt context.
	KindError

	// KindStats asks the worker to refresh its statistics snapshot.
	KindStats
)

var kindNames = map[Kind]string{
	KindRxPacket:   "RxPacket",
	KindTxComplete: "TxComplete",
	KindError:      "Error",
	KindStats:      "Stats",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "Unknown"
}

// A WorkItem is one captured event. It is a fixed-size value: created by the
// interrupt handler, copied into the ring, consumed exactly once by the
// worker, never mutated in place.
type WorkItem struct {
	Kind Kind

	// Addr is the buffer bus address for RxPacket, or auxiliary data for
	// Error.
	Addr uint64

	// Len is the frame length for RxPacket.
	Len int

	// Desc is the descriptor id for TxComplete.
	Desc int

	// Code is the device fault code for Error.
	Code uint32
}

// RxItem captures a received frame.
func RxItem(addr uint64, length int) WorkItem {
	return WorkItem{Kind: KindRxPacket, Addr: addr, Len: length}
}

// TxCompleteItem captures a finished transmit descriptor.
func TxCompleteItem(desc int) WorkItem {
	return WorkItem{Kind: KindTxComplete, Desc: desc}
}

// ErrorItem captures a device fault.
func ErrorItem(code uint32, data uint64) WorkItem {
	return WorkItem{Kind: KindError, Code: code, Addr: data}
}

// StatsItem asks the worker for a statistics pass.
func StatsItem() WorkItem {
	return WorkItem{Kind: KindStats}
}
