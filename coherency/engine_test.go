package coherency_test

import (
	"io"
	"log"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/jfabienke/3com-packet-driver-sub008/coherency"
	"github.com/jfabienke/3com-packet-driver-sub008/cpu"
	"github.com/jfabienke/3com-packet-driver-sub008/device"
	"github.com/jfabienke/3com-packet-driver-sub008/hooking"
	"github.com/jfabienke/3com-packet-driver-sub008/machine"
)

func engineFor(m *machine.Machine) (*coherency.Engine, *device.Model3C515TX) {
	nic := device.Make3C515TXBuilder().WithMachine(m).Build("eth0")
	e := coherency.MakeEngineBuilder().
		WithMemory(m).
		WithDevice(nic).
		WithFlusher(m.Primitives()).
		WithClock(m.Clock()).
		WithCPU(m.CPU()).
		WithLogger(log.New(io.Discard, "", 0)).
		Build("engine")
	return e, nic
}

var _ = Describe("Engine", func() {
	It("should clear a snooping chipset for unmanaged DMA", func() {
		m := machine.PentiumSnooping().Build("host")
		e, _ := engineFor(m)

		a := e.Run()

		Expect(a.BusMaster).To(Equal(coherency.BusMasterOk))
		Expect(a.Coherency).To(Equal(coherency.CoherencyOk))
		Expect(a.Snooping).To(Equal(coherency.SnoopFull))
		Expect(a.WriteBackCache).To(BeTrue())
		Expect(a.SelectedTier).To(Equal(coherency.TierNoManagement))
		Expect(a.Confidence).To(Equal(95))
	})

	It("should prescribe full flushes for a non-snooping write-back host", func() {
		m := machine.Desktop486().Build("host")
		e, _ := engineFor(m)

		a := e.Run()

		Expect(a.BusMaster).To(Equal(coherency.BusMasterOk))
		Expect(a.Coherency).To(Equal(coherency.CoherencyProblem))
		Expect(a.TxHazard).To(BeTrue())
		Expect(a.RxHazard).To(BeTrue())
		Expect(a.SelectedTier).To(Equal(coherency.TierWbinvdFull))
		Expect(a.Confidence).To(Equal(100))
	})

	It("should prescribe surgical flushes when the CPU has them", func() {
		m := machine.MakeBuilder().WithCPU(cpu.PresetP4()).Build("host")
		e, _ := engineFor(m)

		a := e.Run()

		Expect(a.Coherency).To(Equal(coherency.CoherencyProblem))
		Expect(a.SelectedTier).To(Equal(coherency.TierClflushSurgical))
		Expect(a.Confidence).To(Equal(100))
	})

	It("should disable DMA outright on a dead bus master", func() {
		m := machine.BrokenBusMaster().Build("host")
		e, _ := engineFor(m)

		a := e.Run()

		Expect(a.BusMaster).To(Equal(coherency.BusMasterBroken))
		Expect(a.SelectedTier).To(Equal(coherency.TierBusMasterDisabled))
		Expect(a.Confidence).To(Equal(100))
		Expect(a.DMAViable()).To(BeFalse())

		// Broken short-circuits the later stages entirely.
		Expect(a.Coherency).To(Equal(coherency.CoherencyUnknown))
		Expect(a.Snooping).To(Equal(coherency.SnoopUnknown))
	})

	It("should degrade a flaky bus master to partial", func() {
		m := machine.FlakyBusMaster().Build("host")
		e, _ := engineFor(m)

		a := e.Run()

		Expect(a.BusMaster).To(Equal(coherency.BusMasterPartial))
		Expect(a.DMAViable()).To(BeTrue())
	})

	It("should wave write-through caches past the coherency probes", func() {
		m := machine.WriteThrough486().Build("host")
		e, _ := engineFor(m)

		a := e.Run()

		Expect(a.BusMaster).To(Equal(coherency.BusMasterOk))
		Expect(a.Coherency).To(Equal(coherency.CoherencyOk))
		Expect(a.WriteBackCache).To(BeFalse())
		Expect(a.Snooping).To(Equal(coherency.SnoopUnknown))
		Expect(a.SelectedTier).To(Equal(coherency.TierNoManagement))
		Expect(a.Confidence).To(Equal(95))
	})

	It("should call out chipsets that only snoop short transfers", func() {
		m := machine.PentiumPartialSnoop().Build("host")
		e, _ := engineFor(m)

		a := e.Run()

		Expect(a.Coherency).To(Equal(coherency.CoherencyOk))
		Expect(a.Snooping).To(Equal(coherency.SnoopPartial))
		Expect(a.SelectedTier).To(Equal(coherency.TierWbinvdFull))
		Expect(a.Confidence).To(Equal(80))
	})

	It("should treat slow coherency as no snooping at all", func() {
		m := machine.PentiumLaggySnoop().Build("host")
		e, _ := engineFor(m)

		a := e.Run()

		Expect(a.Coherency).To(Equal(coherency.CoherencyOk))
		Expect(a.Snooping).To(Equal(coherency.SnoopNone))
		Expect(a.SelectedTier).To(Equal(coherency.TierNoManagement))
		Expect(a.Confidence).To(Equal(90))
	})

	It("should classify a PIO-only adapter as broken for DMA", func() {
		m := machine.Desktop486().Build("host")
		nic := device.Make3C509BBuilder().WithMachine(m).Build("eth0")
		e := coherency.MakeEngineBuilder().
			WithMemory(m).
			WithDevice(nic).
			WithFlusher(m.Primitives()).
			WithClock(m.Clock()).
			WithCPU(m.CPU()).
			WithLogger(log.New(io.Discard, "", 0)).
			Build("engine")

		a := e.Run()

		Expect(a.BusMaster).To(Equal(coherency.BusMasterBroken))
		Expect(a.SelectedTier).To(Equal(coherency.TierBusMasterDisabled))
	})

	It("should fire stage and run hooks", func() {
		m := machine.PentiumSnooping().Build("host")
		e, _ := engineFor(m)

		var stages []coherency.StageResult
		var runs int
		e.AcceptHook(hooking.HookFunc(func(ctx hooking.HookCtx) {
			switch ctx.Pos {
			case coherency.HookPosStageDone:
				stages = append(stages, ctx.Item.(coherency.StageResult))
			case coherency.HookPosRunDone:
				runs++
			}
		}))

		a := e.Run()

		Expect(a).NotTo(BeNil())
		Expect(runs).To(Equal(1))
		Expect(stages).To(HaveLen(3))
		Expect(stages[0].Stage).To(Equal("bus-master"))
		Expect(stages[1].Stage).To(Equal("coherency"))
		Expect(stages[2].Stage).To(Equal("snooping"))
	})

	It("should produce identical analyses on identical hosts", func() {
		m1 := machine.Desktop486().Build("host")
		e1, _ := engineFor(m1)
		m2 := machine.Desktop486().Build("host")
		e2, _ := engineFor(m2)

		a1 := e1.Run()
		a2 := e2.Run()

		Expect(a1.BusMaster).To(Equal(a2.BusMaster))
		Expect(a1.Coherency).To(Equal(a2.Coherency))
		Expect(a1.Snooping).To(Equal(a2.Snooping))
		Expect(a1.SelectedTier).To(Equal(a2.SelectedTier))
		Expect(a1.Confidence).To(Equal(a2.Confidence))
	})

	It("should count probes and failures", func() {
		m := machine.Desktop486().Build("host")
		e, _ := engineFor(m)

		a := e.Run()

		// 14 patterns, 2 rounds, 2 directions, plus 4 coherency probes.
		Expect(a.Probes).To(Equal(14*2*2 + 4))
		Expect(a.Failures).To(Equal(4))
	})
})

var _ = Describe("Enhance", func() {
	It("should relax hardware flush tiers under a coherent VDS", func() {
		m := machine.V86EMM386().Build("host")
		e, _ := engineFor(m)

		a := e.Run()
		Expect(a.SelectedTier).To(Equal(coherency.TierWbinvdFull))

		enhanced := coherency.Enhance(a, m.Environment(),
			1<<24, m.MemoryCeiling())

		Expect(enhanced.VDSPresent).To(BeTrue())
		Expect(enhanced.VDSCoherent).To(BeTrue())
		Expect(enhanced.Virtualized).To(BeTrue())
		Expect(enhanced.MemoryManager).To(Equal("EMM386"))
		Expect(enhanced.RxTier).To(Equal(coherency.TierSoftwareBarrier))
		Expect(enhanced.TxTier).To(Equal(coherency.TierSoftwareBarrier))

		// The raw analysis stays what was measured.
		Expect(enhanced.SelectedTier).To(Equal(coherency.TierWbinvdFull))
	})

	It("should keep measured tiers without a VDS guarantee", func() {
		m := machine.Desktop486().Build("host")
		e, _ := engineFor(m)

		a := e.Run()
		enhanced := coherency.Enhance(a, m.Environment(),
			1<<24, m.MemoryCeiling())

		Expect(enhanced.VDSPresent).To(BeFalse())
		Expect(enhanced.RxTier).To(Equal(a.SelectedTier))
		Expect(enhanced.TxTier).To(Equal(a.SelectedTier))
	})

	It("should require staging when memory outruns the bus", func() {
		m := machine.MakeBuilder().WithMemory(32 << 20).Build("host")
		e, _ := engineFor(m)

		a := e.Run()
		enhanced := coherency.Enhance(a, m.Environment(),
			1<<24, m.MemoryCeiling())

		Expect(enhanced.StagingRequired).To(BeTrue())
	})

	It("should not require staging when the bus reaches everything", func() {
		m := machine.Desktop486().Build("host")
		e, _ := engineFor(m)

		a := e.Run()
		enhanced := coherency.Enhance(a, m.Environment(),
			1<<24, m.MemoryCeiling())

		Expect(enhanced.StagingRequired).To(BeFalse())
	})
})

var _ = Describe("CopyThresholdFor", func() {
	It("should scale the baseline with generation", func() {
		t486 := coherency.CopyThresholdFor(cpu.Gen486,
			coherency.TierNoManagement, coherency.SnoopUnknown)
		tP5 := coherency.CopyThresholdFor(cpu.GenPentium,
			coherency.TierNoManagement, coherency.SnoopUnknown)
		Expect(tP5).To(BeNumerically(">", t486))
	})

	It("should push the boundary up for expensive tiers", func() {
		plain := coherency.CopyThresholdFor(cpu.Gen486,
			coherency.TierNoManagement, coherency.SnoopUnknown)
		flushy := coherency.CopyThresholdFor(cpu.Gen486,
			coherency.TierWbinvdFull, coherency.SnoopUnknown)
		Expect(flushy).To(BeNumerically(">", plain))
	})

	It("should pull the boundary down under confirmed snooping", func() {
		unknown := coherency.CopyThresholdFor(cpu.GenPentium,
			coherency.TierNoManagement, coherency.SnoopUnknown)
		snooped := coherency.CopyThresholdFor(cpu.GenPentium,
			coherency.TierNoManagement, coherency.SnoopFull)
		Expect(snooped).To(BeNumerically("<", unknown))
	})
})
