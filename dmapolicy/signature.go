package dmapolicy

import (
	"encoding/binary"
	"hash/fnv"

	"github.com/jfabienke/3com-packet-driver-sub008/cpu"
)

// Identity names the hardware and software combination a policy record was
// validated on. Change any part of it and the old validation evidence no
// longer applies.
type Identity struct {
	Generation    cpu.Generation
	MemoryManager string
	IOBase        uint16
	IRQ           uint8
}

// Signature collapses the identity into the 32-bit value stored in the
// policy record.
func (id Identity) Signature() uint32 {
	h := fnv.New32a()

	var fixed [4]byte
	fixed[0] = byte(id.Generation)
	binary.LittleEndian.PutUint16(fixed[1:3], id.IOBase)
	fixed[3] = id.IRQ
	h.Write(fixed[:])
	h.Write([]byte(id.MemoryManager))

	return h.Sum32()
}
