package dmapolicy

import (
	"fmt"

	"github.com/jfabienke/3com-packet-driver-sub008/coherency"
	"github.com/jfabienke/3com-packet-driver-sub008/cpu"
	"github.com/jfabienke/3com-packet-driver-sub008/hostenv"
)

// dmaGenerationFloor is the oldest CPU generation the bus-master path
// supports. The descriptor engine assumes 32-bit addressing.
const dmaGenerationFloor = cpu.Gen386

// Nic is the slice of the device surface the gate battery inspects.
type Nic interface {
	Name() string
	BusMaster() bool
	BusAddressLimit() uint64
}

// RingWindow is one descriptor ring's span in host memory.
type RingWindow struct {
	Base uint64
	Size int
}

// GateInputs carries the evidence the capability battery examines. The
// battery itself measures nothing new; every input was gathered beforehand.
type GateInputs struct {
	Nic       Nic
	ForcePIO  bool
	CPU       cpu.Info
	BusMaster coherency.BusMasterResult
	Env       hostenv.Environment
	Rings     []RingWindow
}

// GateCheck records one gate's outcome.
type GateCheck struct {
	Name    string
	Passed  bool
	Skipped bool
	Reason  string
}

// Decision is the battery verdict. A Forbid is an expected outcome, not a
// fault; the caller falls back to CPU-mediated transfer.
type Decision struct {
	Allowed bool
	Checks  []GateCheck
}

// Reason describes the verdict in one line.
func (d Decision) Reason() string {
	if d.Allowed {
		return "all capability gates passed"
	}
	for _, c := range d.Checks {
		if !c.Passed {
			return c.Name + ": " + c.Reason
		}
	}
	return "no gates evaluated"
}

func (d Decision) String() string {
	if d.Allowed {
		return fmt.Sprintf("Allow(%d gates)", len(d.Checks))
	}
	return "Forbid(" + d.Reason() + ")"
}

// RunGates evaluates the capability gates in their fixed order, stopping at
// the first failure. Order matters: each gate assumes everything before it
// held, so a VDS probe never runs against a NIC that cannot master the bus.
func RunGates(in GateInputs) Decision {
	d := Decision{Allowed: true}

	pass := func(name, reason string) {
		d.Checks = append(d.Checks, GateCheck{Name: name, Passed: true, Reason: reason})
	}
	skip := func(name, reason string) {
		d.Checks = append(d.Checks, GateCheck{Name: name, Passed: true, Skipped: true, Reason: reason})
	}
	fail := func(name, reason string) Decision {
		d.Checks = append(d.Checks, GateCheck{Name: name, Reason: reason})
		d.Allowed = false
		return d
	}

	if !in.Nic.BusMaster() {
		return fail("nic-type", in.Nic.Name()+" has no bus-master engine")
	}
	pass("nic-type", in.Nic.Name()+" supports bus mastering")

	if in.ForcePIO {
		return fail("forced-pio", "configuration forces programmed I/O")
	}
	pass("forced-pio", "no override")

	if !in.CPU.Generation.AtLeast(dmaGenerationFloor) {
		return fail("cpu-floor", fmt.Sprintf("%s below %s requirement",
			in.CPU.Generation, dmaGenerationFloor))
	}
	pass("cpu-floor", in.CPU.Generation.String())

	if in.BusMaster != coherency.BusMasterOk {
		return fail("bus-master", "live transfer test: "+in.BusMaster.String())
	}
	pass("bus-master", "live transfer test passed")

	limit := in.Nic.BusAddressLimit()

	if !in.Env.VDSPresent() {
		skip("vds-roundtrip", "no virtualization service; direct physical addressing")
	} else {
		if len(in.Rings) == 0 {
			return fail("vds-roundtrip", "no descriptor window to probe")
		}
		w := in.Rings[0]
		lk, err := in.Env.VDS.Lock(w.Base, w.Size)
		if err != nil {
			return fail("vds-roundtrip", "lock: "+err.Error())
		}
		reachable := reaches(lk.BusAddr, w.Size, limit)
		if err := in.Env.VDS.Unlock(lk); err != nil {
			return fail("vds-roundtrip", "unlock: "+err.Error())
		}
		if !reachable {
			return fail("vds-roundtrip",
				fmt.Sprintf("locked address %#x outside bus window", lk.BusAddr))
		}
		pass("vds-roundtrip", "lock/unlock round-trip ok")
	}

	if len(in.Rings) == 0 {
		return fail("descriptor-range", "no descriptor windows supplied")
	}
	for i, w := range in.Rings {
		if w.Size <= 0 {
			return fail("descriptor-range", fmt.Sprintf("ring %d has no extent", i))
		}
		base := w.Base
		if in.Env.VDSPresent() {
			lk, err := in.Env.VDS.Lock(w.Base, w.Size)
			if err != nil {
				return fail("descriptor-range", fmt.Sprintf("ring %d lock: %v", i, err))
			}
			base = lk.BusAddr
			if err := in.Env.VDS.Unlock(lk); err != nil {
				return fail("descriptor-range", fmt.Sprintf("ring %d unlock: %v", i, err))
			}
		}
		if !reaches(base, w.Size, limit) {
			return fail("descriptor-range",
				fmt.Sprintf("ring %d at %#x+%d beyond %#x", i, base, w.Size, limit))
		}
	}
	pass("descriptor-range", fmt.Sprintf("%d rings within bus window", len(in.Rings)))

	return d
}

// reaches reports whether [base, base+size) fits under the bus address
// limit. A zero limit means the bus imposes none.
func reaches(base uint64, size int, limit uint64) bool {
	if limit == 0 {
		return true
	}
	return base+uint64(size) <= limit
}
