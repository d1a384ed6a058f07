// Package dmapolicy decides whether DMA may be used at all. The decision is
// a conjunction of three separately-owned gates: an operator toggle, the
// most recent capability validation, and a durable trust flag that survives
// reboots and is only revoked by repeated live failures. The whole state
// fits one small persisted record; everything else is derived.
package dmapolicy

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/jfabienke/3com-packet-driver-sub008/coherency"
)

// recordVersion is the persisted layout version.
const recordVersion = 1

// RecordSize is the exact on-disk size of a policy record.
const RecordSize = 16

// Decode errors. All of them mean "no usable history", never a hard fault.
var (
	ErrNoHistory   = errors.New("dmapolicy: no prior policy history")
	ErrBadLength   = fmt.Errorf("%w: truncated record", ErrNoHistory)
	ErrBadVersion  = fmt.Errorf("%w: unknown record version", ErrNoHistory)
	ErrBadChecksum = fmt.Errorf("%w: checksum mismatch", ErrNoHistory)
)

// A Record is the persisted policy state. The on-disk form is exactly 16
// little-endian bytes:
//
//	[0]     version
//	[1:3]   crc16 over bytes [3:16]
//	[3]     runtime_enable
//	[4]     validation_passed
//	[5]     last_known_safe
//	[6]     failure_count
//	[7:11]  hardware_signature
//	[11]    cache_tier
//	[12]    vds_present
//	[13]    ems_present
//	[14]    xms_present
//	[15]    reserved
type Record struct {
	RuntimeEnable    bool
	ValidationPassed bool
	LastKnownSafe    bool
	FailureCount     uint8
	Signature        uint32
	CacheTier        coherency.Tier
	VDSPresent       bool
	EMSPresent       bool
	XMSPresent       bool
}

// CanUseDMA reports the three-gate conjunction. Nothing else in the driver
// may decide this differently.
func (r Record) CanUseDMA() bool {
	return r.RuntimeEnable && r.ValidationPassed && r.LastKnownSafe
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// Encode renders the record in its on-disk form.
func (r Record) Encode() []byte {
	out := make([]byte, RecordSize)
	out[0] = recordVersion
	out[3] = boolByte(r.RuntimeEnable)
	out[4] = boolByte(r.ValidationPassed)
	out[5] = boolByte(r.LastKnownSafe)
	out[6] = r.FailureCount
	binary.LittleEndian.PutUint32(out[7:11], r.Signature)
	out[11] = byte(r.CacheTier)
	out[12] = boolByte(r.VDSPresent)
	out[13] = boolByte(r.EMSPresent)
	out[14] = boolByte(r.XMSPresent)

	binary.LittleEndian.PutUint16(out[1:3], crc16(out[3:]))

	return out
}

// DecodeRecord parses an on-disk record, rejecting anything whose length,
// version, or checksum is off. Rejection is "no history", not an error the
// caller should escalate.
func DecodeRecord(data []byte) (Record, error) {
	if len(data) != RecordSize {
		return Record{}, ErrBadLength
	}
	if data[0] != recordVersion {
		return Record{}, ErrBadVersion
	}
	if binary.LittleEndian.Uint16(data[1:3]) != crc16(data[3:]) {
		return Record{}, ErrBadChecksum
	}

	return Record{
		RuntimeEnable:    data[3] != 0,
		ValidationPassed: data[4] != 0,
		LastKnownSafe:    data[5] != 0,
		FailureCount:     data[6],
		Signature:        binary.LittleEndian.Uint32(data[7:11]),
		CacheTier:        coherency.Tier(data[11]),
		VDSPresent:       data[12] != 0,
		EMSPresent:       data[13] != 0,
		XMSPresent:       data[14] != 0,
	}, nil
}

// crc16 is CRC-16/CCITT (polynomial 0x1021, initial value 0xFFFF), the
// checksum the record format has always used.
func crc16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
