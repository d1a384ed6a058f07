package cacheops_test

import (
	"io"
	"log"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/jfabienke/3com-packet-driver-sub008/cacheops"
	"github.com/jfabienke/3com-packet-driver-sub008/coherency"
	"github.com/jfabienke/3com-packet-driver-sub008/cpu"
	"github.com/jfabienke/3com-packet-driver-sub008/hooking"
	"github.com/jfabienke/3com-packet-driver-sub008/machine"
)

func executorOn(m *machine.Machine, tier coherency.Tier) *cacheops.Executor {
	return cacheops.MakeExecutorBuilder().
		WithPrimitives(m.Primitives()).
		WithClock(m.Clock()).
		WithLogger(log.New(io.Discard, "", 0)).
		WithTier(tier).
		Build("executor")
}

var _ = Describe("Executor", func() {
	Context("surgical tier", func() {
		var (
			m *machine.Machine
			x *cacheops.Executor
		)

		BeforeEach(func() {
			m = machine.MakeBuilder().WithCPU(cpu.PresetP4()).Build("host")
			x = executorOn(m, coherency.TierClflushSurgical)
		})

		It("should publish dirty lines before a transmit", func() {
			addr, _ := m.AllocAligned(256, 64)
			Expect(m.CPUWrite(addr, []byte{0xAB, 0xCD})).To(Succeed())

			x.PreDMA(cacheops.DirTx, cacheops.Region{Addr: addr, Len: 2})

			mem, err := m.DeviceRead(addr, 2)
			Expect(err).To(BeNil())
			Expect(mem).To(Equal([]byte{0xAB, 0xCD}))
		})

		It("should drop stale lines after a receive", func() {
			addr, _ := m.AllocAligned(256, 64)
			_, err := m.CPURead(addr, 64)
			Expect(err).To(BeNil())

			Expect(m.DeviceWrite(addr, []byte{0x42})).To(Succeed())
			x.PostDMA(cacheops.DirRx, cacheops.Region{Addr: addr, Len: 1})

			got, err := m.CPURead(addr, 1)
			Expect(err).To(BeNil())
			Expect(got[0]).To(Equal(byte(0x42)))
		})

		It("should widen unaligned regions to whole lines", func() {
			addr, _ := m.AllocAligned(256, 64)
			Expect(m.CPUWrite(addr+10, []byte{0x77})).To(Succeed())

			x.PreDMA(cacheops.DirTx, cacheops.Region{Addr: addr + 10, Len: 1})

			mem, err := m.DeviceRead(addr+10, 1)
			Expect(err).To(BeNil())
			Expect(mem[0]).To(Equal(byte(0x77)))
		})
	})

	Context("full flush tier", func() {
		var (
			m *machine.Machine
			x *cacheops.Executor
		)

		BeforeEach(func() {
			m = machine.Desktop486().Build("host")
			x = executorOn(m, coherency.TierWbinvdFull)
		})

		It("should publish dirty lines before a transmit", func() {
			addr, _ := m.AllocAligned(64, 16)
			Expect(m.CPUWrite(addr, []byte{0x11, 0x22})).To(Succeed())

			x.PreDMA(cacheops.DirTx, cacheops.Region{Addr: addr, Len: 2})

			mem, err := m.DeviceRead(addr, 2)
			Expect(err).To(BeNil())
			Expect(mem).To(Equal([]byte{0x11, 0x22}))
		})

		It("should skip flushes past the guard limit, then recover", func() {
			addr, _ := m.AllocAligned(64, 16)
			r := cacheops.Region{Addr: addr, Len: 64}

			for i := 0; i < 6; i++ {
				x.PreDMA(cacheops.DirTx, r)
			}
			Expect(x.Metrics().GuardSkips).To(Equal(uint64(2)))

			// A skipped flush really skips: dirty data stays hidden.
			Expect(m.CPUWrite(addr, []byte{0x55})).To(Succeed())
			x.PreDMA(cacheops.DirTx, r)
			Expect(x.Metrics().GuardSkips).To(Equal(uint64(3)))

			mem, err := m.DeviceRead(addr, 1)
			Expect(err).To(BeNil())
			Expect(mem[0]).NotTo(Equal(byte(0x55)))

			// After the window passes, flushing resumes.
			m.Clock().Sleep(2 * time.Millisecond)
			x.PreDMA(cacheops.DirTx, r)
			Expect(x.Metrics().GuardSkips).To(Equal(uint64(3)))

			mem, err = m.DeviceRead(addr, 1)
			Expect(err).To(BeNil())
			Expect(mem[0]).To(Equal(byte(0x55)))
		})

		It("should degrade to the barrier when the flush faults", func() {
			vm := machine.V86EMM386().Build("host")
			vx := executorOn(vm, coherency.TierWbinvdFull)

			addr, _ := vm.AllocAligned(64, 16)
			Expect(vm.CPUWrite(addr, []byte{0x99})).To(Succeed())

			vx.PreDMA(cacheops.DirTx, cacheops.Region{Addr: addr, Len: 1})

			Expect(vx.Metrics().Fallbacks).To(Equal(uint64(1)))

			// The barrier still made the data visible.
			mem, err := vm.DeviceRead(addr, 1)
			Expect(err).To(BeNil())
			Expect(mem[0]).To(Equal(byte(0x99)))
		})
	})

	Context("software barrier tier", func() {
		var (
			m *machine.Machine
			x *cacheops.Executor
		)

		BeforeEach(func() {
			m = machine.Desktop486().Build("host")
			x = executorOn(m, coherency.TierSoftwareBarrier)
		})

		It("should publish dirty lines before a transmit", func() {
			addr, _ := m.AllocAligned(64, 16)
			Expect(m.CPUWrite(addr, []byte{0x33})).To(Succeed())

			x.PreDMA(cacheops.DirTx, cacheops.Region{Addr: addr, Len: 1})

			mem, err := m.DeviceRead(addr, 1)
			Expect(err).To(BeNil())
			Expect(mem[0]).To(Equal(byte(0x33)))
		})

		It("should reload stale lines after a receive", func() {
			addr, _ := m.AllocAligned(64, 16)
			_, err := m.CPURead(addr, 16)
			Expect(err).To(BeNil())

			Expect(m.DeviceWrite(addr, []byte{0x66})).To(Succeed())
			x.PostDMA(cacheops.DirRx, cacheops.Region{Addr: addr, Len: 16})

			got, err := m.CPURead(addr, 1)
			Expect(err).To(BeNil())
			Expect(got[0]).To(Equal(byte(0x66)))
		})

		It("should cost less before a transfer than after", func() {
			addr, _ := m.AllocAligned(64, 16)
			r := cacheops.Region{Addr: addr, Len: 16}

			var samples []cacheops.OpSample
			x.AcceptHook(hooking.HookFunc(func(ctx hooking.HookCtx) {
				samples = append(samples, ctx.Item.(cacheops.OpSample))
			}))

			x.PreDMA(cacheops.DirTx, r)
			x.PostDMA(cacheops.DirTx, r)

			Expect(samples).To(HaveLen(2))
			Expect(samples[0].Overhead).To(BeNumerically("<", samples[1].Overhead))
		})
	})

	Context("no-management tier", func() {
		It("should fence without touching the cache", func() {
			m := machine.Desktop486().Build("host")
			x := executorOn(m, coherency.TierNoManagement)

			addr, _ := m.AllocAligned(64, 16)
			Expect(m.CPUWrite(addr, []byte{0x44})).To(Succeed())

			x.PreDMA(cacheops.DirTx, cacheops.Region{Addr: addr, Len: 1})

			// No flush happened, so the device still sees old memory.
			mem, err := m.DeviceRead(addr, 1)
			Expect(err).To(BeNil())
			Expect(mem[0]).To(Equal(byte(0x00)))
		})
	})

	It("should refuse to build with the disabled verdict as a tier", func() {
		m := machine.Desktop486().Build("host")

		Expect(func() {
			cacheops.MakeExecutorBuilder().
				WithPrimitives(m.Primitives()).
				WithClock(m.Clock()).
				WithTier(coherency.TierBusMasterDisabled).
				Build("executor")
		}).To(Panic())
	})

	It("should run different tiers per direction", func() {
		m := machine.Desktop486().Build("host")
		x := cacheops.MakeExecutorBuilder().
			WithPrimitives(m.Primitives()).
			WithClock(m.Clock()).
			WithLogger(log.New(io.Discard, "", 0)).
			WithDirectionTiers(coherency.TierSoftwareBarrier, coherency.TierWbinvdFull).
			Build("executor")

		Expect(x.RxTier()).To(Equal(coherency.TierSoftwareBarrier))
		Expect(x.TxTier()).To(Equal(coherency.TierWbinvdFull))

		addr, _ := m.AllocAligned(64, 16)
		x.PreDMA(cacheops.DirRx, cacheops.Region{Addr: addr, Len: 16})
		x.PreDMA(cacheops.DirTx, cacheops.Region{Addr: addr, Len: 16})

		snap := x.Metrics()
		Expect(snap.ByTier[coherency.TierSoftwareBarrier].Calls).To(Equal(uint64(1)))
		Expect(snap.ByTier[coherency.TierWbinvdFull].Calls).To(Equal(uint64(1)))
	})

	It("should account every call with nonzero overhead", func() {
		m := machine.Desktop486().Build("host")
		x := executorOn(m, coherency.TierSoftwareBarrier)

		addr, _ := m.AllocAligned(64, 16)
		for i := 0; i < 5; i++ {
			x.PreDMA(cacheops.DirTx, cacheops.Region{Addr: addr, Len: 16})
		}

		snap := x.Metrics()
		Expect(snap.TotalCalls()).To(Equal(uint64(5)))
		Expect(snap.AvgOverhead()).To(BeNumerically(">", 0))
		Expect(snap.ByTier[coherency.TierSoftwareBarrier].Avg()).
			To(BeNumerically(">", 0))
	})
})
