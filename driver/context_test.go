package driver_test

import (
	"log"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/jfabienke/3com-packet-driver-sub008/coherency"
	"github.com/jfabienke/3com-packet-driver-sub008/config"
	"github.com/jfabienke/3com-packet-driver-sub008/device"
	"github.com/jfabienke/3com-packet-driver-sub008/driver"
	"github.com/jfabienke/3com-packet-driver-sub008/machine"
)

func testConfig() config.Config {
	return config.Config{
		StateDir: GinkgoT().TempDir(),
		QueueCap: 16,
	}
}

func quietLogger() *log.Logger {
	return log.New(GinkgoWriter, "", 0)
}

var _ = Describe("Context", func() {
	Context("on a snooping Pentium with a bus-master adapter", func() {
		var (
			m   *machine.Machine
			dev *device.Model3C515TX
			drv *driver.Context
		)

		BeforeEach(func() {
			m = machine.PentiumSnooping().Build("host")
			dev = device.Make3C515TXBuilder().WithMachine(m).Build("eth0")
			drv = driver.MakeContextBuilder().
				WithMachine(m).
				WithDevice(dev).
				WithConfig(testConfig()).
				WithLogger(quietLogger()).
				Build("drv")

			Expect(drv.Boot()).To(Succeed())
		})

		AfterEach(func() {
			drv.Shutdown()
		})

		It("should come up with DMA enabled", func() {
			Expect(drv.CanUseDMA()).To(BeTrue())
			Expect(drv.Analysis().SelectedTier).
				To(Equal(coherency.TierNoManagement))
			Expect(drv.Analysis().Confidence).To(Equal(95))
		})

		It("should specialize the transfer sites", func() {
			report := drv.PatchReport()
			Expect(report.Failed).To(BeEmpty())
			Expect(report.Patched).NotTo(BeEmpty())
		})

		It("should refuse a second boot", func() {
			Expect(drv.Boot()).To(MatchError(driver.ErrAlreadyBooted))
		})

		It("should transmit through the bus master", func() {
			frame := []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x08, 0x00}
			Expect(drv.Send(frame)).To(Succeed())
			Expect(dev.LastTransmitted()).To(Equal(frame))
			Expect(drv.Counters().TxFrames).To(Equal(uint64(1)))
		})

		It("should refuse oversized frames", func() {
			Expect(drv.Send(make([]byte, 4096))).To(HaveOccurred())
			Expect(drv.Send(nil)).To(HaveOccurred())
		})

		It("should deliver received frames through the worker", func() {
			var got [][]byte
			drv.SetFrameHandler(func(frame []byte) {
				got = append(got, append([]byte(nil), frame...))
			})

			frame := []byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01}
			Expect(dev.InjectFrame(frame)).To(Succeed())
			Expect(drv.ProcessPending(0)).To(Equal(1))

			Expect(got).To(HaveLen(1))
			Expect(got[0]).To(Equal(frame))
			Expect(drv.Counters().RxFrames).To(Equal(uint64(1)))
			Expect(drv.Counters().RxBytes).To(Equal(uint64(len(frame))))
		})

		It("should keep delivering in arrival order", func() {
			var got [][]byte
			drv.SetFrameHandler(func(frame []byte) {
				got = append(got, append([]byte(nil), frame...))
			})

			for i := 0; i < 4; i++ {
				Expect(dev.InjectFrame([]byte{byte(i), 0xaa})).To(Succeed())
			}
			Expect(drv.ProcessPending(8)).To(Equal(4))

			for i, frame := range got {
				Expect(frame[0]).To(Equal(byte(i)))
			}
		})

		It("should revoke DMA after three reported failures", func() {
			drv.ReportDMAFailure()
			drv.ReportDMAFailure()
			Expect(drv.CanUseDMA()).To(BeTrue())

			drv.ReportDMAFailure()
			Expect(drv.CanUseDMA()).To(BeFalse())
			Expect(drv.PolicyState().LastKnownSafe).To(BeFalse())
		})

		It("should keep moving frames on PIO after a revocation", func() {
			drv.ReportDMAFailure()
			drv.ReportDMAFailure()
			drv.ReportDMAFailure()
			Expect(drv.CanUseDMA()).To(BeFalse())

			frame := []byte{0x01, 0x02, 0x03, 0x04}
			Expect(drv.Send(frame)).To(Succeed())
			Expect(dev.LastTransmitted()).To(Equal(frame))
		})
	})

	Context("on a PIO-only adapter", func() {
		var (
			m   *machine.Machine
			dev *device.Model3C509B
			drv *driver.Context
		)

		BeforeEach(func() {
			m = machine.PentiumSnooping().Build("host")
			dev = device.Make3C509BBuilder().WithMachine(m).Build("eth0")
			drv = driver.MakeContextBuilder().
				WithMachine(m).
				WithDevice(dev).
				WithConfig(testConfig()).
				WithLogger(quietLogger()).
				Build("drv")

			Expect(drv.Boot()).To(Succeed())
		})

		AfterEach(func() {
			drv.Shutdown()
		})

		It("should come up on programmed IO", func() {
			Expect(drv.CanUseDMA()).To(BeFalse())
			Expect(drv.PolicyState().ValidationPassed).To(BeFalse())
		})

		It("should transmit through the FIFO", func() {
			frame := []byte{0x00, 0xa0, 0x24, 0x01, 0x02, 0x03}
			Expect(drv.Send(frame)).To(Succeed())
			Expect(dev.LastTransmitted()).To(Equal(frame))
		})

		It("should drain received frames from the FIFO", func() {
			var got [][]byte
			drv.SetFrameHandler(func(frame []byte) {
				got = append(got, append([]byte(nil), frame...))
			})

			frame := []byte{0xca, 0xfe, 0x00, 0x42}
			Expect(dev.InjectFrame(frame)).To(Succeed())
			Expect(drv.ProcessPending(0)).To(Equal(1))

			Expect(got).To(HaveLen(1))
			Expect(got[0]).To(Equal(frame))
		})
	})

	Context("with the forced-PIO override", func() {
		It("should never enable DMA even when the hardware is safe", func() {
			m := machine.PentiumSnooping().Build("host")
			dev := device.Make3C515TXBuilder().WithMachine(m).Build("eth0")

			cfg := testConfig()
			cfg.ForcePIO = true
			drv := driver.MakeContextBuilder().
				WithMachine(m).
				WithDevice(dev).
				WithConfig(cfg).
				WithLogger(quietLogger()).
				Build("drv")

			Expect(drv.Boot()).To(Succeed())
			defer drv.Shutdown()

			Expect(drv.CanUseDMA()).To(BeFalse())
			Expect(drv.Analysis().DMAViable()).To(BeTrue())
		})
	})

	Context("when no transfer mode is safe", func() {
		It("should refuse to come up", func() {
			m := machine.BrokenBusMaster().Build("host")
			dev := device.Make3C515TXBuilder().WithMachine(m).Build("eth0")
			dev.JamFIFO(true)

			drv := driver.MakeContextBuilder().
				WithMachine(m).
				WithDevice(dev).
				WithConfig(testConfig()).
				WithLogger(quietLogger()).
				Build("drv")

			Expect(drv.Boot()).To(MatchError(driver.ErrNoTransferMode))
		})
	})

	Context("on a broken bus master with a working FIFO", func() {
		It("should come up on programmed IO with the bus master disabled", func() {
			m := machine.BrokenBusMaster().Build("host")
			dev := device.Make3C515TXBuilder().WithMachine(m).Build("eth0")

			drv := driver.MakeContextBuilder().
				WithMachine(m).
				WithDevice(dev).
				WithConfig(testConfig()).
				WithLogger(quietLogger()).
				Build("drv")

			Expect(drv.Boot()).To(Succeed())
			defer drv.Shutdown()

			Expect(drv.CanUseDMA()).To(BeFalse())
			Expect(drv.Analysis().SelectedTier).
				To(Equal(coherency.TierBusMasterDisabled))
			Expect(drv.Analysis().Confidence).To(Equal(100))

			frame := []byte{0x10, 0x20, 0x30}
			Expect(drv.Send(frame)).To(Succeed())
			Expect(dev.LastTransmitted()).To(Equal(frame))
		})
	})

	Context("across boots on the same state directory", func() {
		It("should carry the durable safety flag forward", func() {
			cfg := testConfig()

			m := machine.PentiumSnooping().Build("host")
			dev := device.Make3C515TXBuilder().WithMachine(m).Build("eth0")
			first := driver.MakeContextBuilder().
				WithMachine(m).
				WithDevice(dev).
				WithConfig(cfg).
				WithLogger(quietLogger()).
				Build("drv")
			Expect(first.Boot()).To(Succeed())
			sig := first.PolicyState().Signature
			first.Shutdown()

			m2 := machine.PentiumSnooping().Build("host")
			dev2 := device.Make3C515TXBuilder().WithMachine(m2).Build("eth0")
			second := driver.MakeContextBuilder().
				WithMachine(m2).
				WithDevice(dev2).
				WithConfig(cfg).
				WithLogger(quietLogger()).
				Build("drv")
			Expect(second.Boot()).To(Succeed())
			defer second.Shutdown()

			Expect(second.PolicyState().Signature).To(Equal(sig))
			Expect(second.CanUseDMA()).To(BeTrue())
		})
	})
})
