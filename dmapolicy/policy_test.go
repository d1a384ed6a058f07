package dmapolicy_test

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/jfabienke/3com-packet-driver-sub008/coherency"
	"github.com/jfabienke/3com-packet-driver-sub008/cpu"
	"github.com/jfabienke/3com-packet-driver-sub008/dmapolicy"
	"github.com/jfabienke/3com-packet-driver-sub008/hooking"
	"github.com/jfabienke/3com-packet-driver-sub008/hostenv"
)

type transitionRecorder struct {
	items []any
}

func (r *transitionRecorder) Func(ctx hooking.HookCtx) {
	r.items = append(r.items, ctx.Item)
}

var _ = Describe("Policy", func() {
	var (
		dir      string
		mockCtrl *gomock.Controller
		nic      *MockNic
		id       dmapolicy.Identity
		pol      *dmapolicy.Policy
	)

	quiet := log.New(io.Discard, "", 0)
	noWait := func(time.Duration) {}

	newStore := func() *dmapolicy.Store {
		return dmapolicy.NewStore(filepath.Join(dir, "policy.bin")).
			WithLogger(quiet).
			WithSleep(noWait)
	}

	goodInputs := func() dmapolicy.GateInputs {
		return dmapolicy.GateInputs{
			Nic:       nic,
			CPU:       cpu.PresetPentium(),
			BusMaster: coherency.BusMasterOk,
			Rings:     []dmapolicy.RingWindow{{Base: 0x2000, Size: 256}},
		}
	}

	BeforeEach(func() {
		os.Unsetenv(dmapolicy.EnvKey)
		dir = GinkgoT().TempDir()

		mockCtrl = gomock.NewController(GinkgoT())
		nic = NewMockNic(mockCtrl)
		nic.EXPECT().Name().Return("3C515-TX").AnyTimes()
		nic.EXPECT().BusMaster().Return(true).AnyTimes()
		nic.EXPECT().BusAddressLimit().Return(uint64(1) << 24).AnyTimes()

		id = dmapolicy.Identity{Generation: cpu.GenPentium, IOBase: 0x300, IRQ: 10}
		pol = dmapolicy.MakePolicyBuilder().
			WithStore(newStore()).
			WithIdentity(id).
			WithLogger(quiet).
			Build("Policy")
		pol.Load()
	})

	AfterEach(func() {
		os.Unsetenv(dmapolicy.EnvKey)
	})

	It("starts with DMA forbidden", func() {
		Expect(pol.CanUseDMA()).To(BeFalse())
	})

	It("earns durable safety on the first passing validation", func() {
		d := pol.Validate(goodInputs())

		Expect(d.Allowed).To(BeTrue())
		Expect(pol.State().ValidationPassed).To(BeTrue())
		Expect(pol.State().LastKnownSafe).To(BeTrue())
		Expect(pol.CanUseDMA()).To(BeFalse())

		pol.SetRuntimeEnable(true)
		Expect(pol.CanUseDMA()).To(BeTrue())
	})

	It("records a failed battery without earning safety", func() {
		in := goodInputs()
		in.ForcePIO = true

		d := pol.Validate(in)

		Expect(d.Allowed).To(BeFalse())
		Expect(pol.State().ValidationPassed).To(BeFalse())
		Expect(pol.State().LastKnownSafe).To(BeFalse())
	})

	It("keeps trust across boots but never the runtime enable", func() {
		pol.Validate(goodInputs())
		pol.SetRuntimeEnable(true)

		next := dmapolicy.MakePolicyBuilder().
			WithStore(newStore()).
			WithIdentity(id).
			WithLogger(quiet).
			Build("Policy")
		next.Load()

		Expect(next.State().ValidationPassed).To(BeTrue())
		Expect(next.State().LastKnownSafe).To(BeTrue())
		Expect(next.State().RuntimeEnable).To(BeFalse())
		Expect(next.CanUseDMA()).To(BeFalse())
	})

	It("clears trust when the hardware signature changes", func() {
		pol.NoteAnalysis(coherency.TierWbinvdFull, hostenv.Environment{EMSPresent: true})
		pol.Validate(goodInputs())

		moved := dmapolicy.MakePolicyBuilder().
			WithStore(newStore()).
			WithIdentity(dmapolicy.Identity{Generation: cpu.GenPentium, IOBase: 0x320, IRQ: 10}).
			WithLogger(quiet).
			Build("Policy")
		moved.Load()

		Expect(moved.State().ValidationPassed).To(BeFalse())
		Expect(moved.State().LastKnownSafe).To(BeFalse())
		Expect(moved.State().CacheTier).To(Equal(coherency.TierWbinvdFull))
		Expect(moved.State().FailureCount).To(BeZero())
	})

	It("revokes durable safety on the third consecutive failure", func() {
		pol.Validate(goodInputs())
		pol.SetRuntimeEnable(true)

		pol.ReportFailure()
		pol.ReportFailure()
		Expect(pol.CanUseDMA()).To(BeTrue())
		Expect(pol.State().FailureCount).To(Equal(uint8(2)))

		pol.ReportFailure()
		Expect(pol.State().LastKnownSafe).To(BeFalse())
		Expect(pol.CanUseDMA()).To(BeFalse())

		next := dmapolicy.MakePolicyBuilder().
			WithStore(newStore()).
			WithIdentity(id).
			WithLogger(quiet).
			Build("Policy")
		next.Load()
		Expect(next.State().LastKnownSafe).To(BeFalse())
	})

	It("resets the streak on success without touching safety", func() {
		pol.Validate(goodInputs())
		pol.SetRuntimeEnable(true)

		pol.ReportFailure()
		pol.ReportFailure()
		pol.ReportSuccess()
		Expect(pol.State().FailureCount).To(BeZero())

		pol.ReportFailure()
		pol.ReportFailure()
		Expect(pol.CanUseDMA()).To(BeTrue())
	})

	It("re-earns trust only through a fresh validation", func() {
		pol.Validate(goodInputs())
		pol.SetRuntimeEnable(true)
		pol.ReportFailure()
		pol.ReportFailure()
		pol.ReportFailure()
		Expect(pol.CanUseDMA()).To(BeFalse())

		pol.ReportSuccess()
		Expect(pol.CanUseDMA()).To(BeFalse())

		pol.Validate(goodInputs())
		Expect(pol.CanUseDMA()).To(BeTrue())
	})

	It("recovers the degraded safety bit from the environment", func() {
		os.Setenv(dmapolicy.EnvKey, "1")

		fresh := dmapolicy.MakePolicyBuilder().
			WithStore(dmapolicy.NewStore(filepath.Join(dir, "absent.bin")).
				WithLogger(quiet).WithSleep(noWait)).
			WithIdentity(id).
			WithLogger(quiet).
			Build("Policy")
		fresh.Load()

		Expect(fresh.State().LastKnownSafe).To(BeTrue())
		Expect(fresh.State().ValidationPassed).To(BeFalse())
		Expect(fresh.CanUseDMA()).To(BeFalse())
	})

	It("fires a transition hook on every persisted change", func() {
		rec := &transitionRecorder{}
		pol.AcceptHook(rec)

		pol.Validate(goodInputs())
		pol.SetRuntimeEnable(true)
		pol.SetRuntimeEnable(true)
		pol.ReportFailure()

		Expect(rec.items).To(HaveLen(3))
		whats := []string{}
		for _, item := range rec.items {
			whats = append(whats, item.(dmapolicy.Transition).What)
		}
		Expect(whats).To(Equal([]string{"validate", "runtime-enable", "runtime-failure"}))
	})

	Context("counter monotonicity", func() {
		It("accepts monotonic counters", func() {
			pol.ReportCounters(100, 0)
			pol.ReportCounters(200, 1)

			Expect(pol.Regressions()).To(BeZero())
		})

		It("flags a regression no wrap can explain", func() {
			rec := &transitionRecorder{}
			pol.AcceptHook(rec)

			pol.ReportCounters(200, 1)
			pol.ReportCounters(150, 1)

			Expect(pol.Regressions()).To(Equal(uint64(1)))
			Expect(rec.items).To(HaveLen(1))
			Expect(rec.items[0]).To(Equal(dmapolicy.CounterRegression{
				Name: "throughput",
				From: 200,
				To:   150,
			}))
		})

		It("tolerates a 32-bit wrap", func() {
			pol.ReportCounters(0xFFFFFFF0, 0)
			pol.ReportCounters(16, 0)

			Expect(pol.Regressions()).To(BeZero())
		})

		It("watches the violation counter too", func() {
			pol.ReportCounters(100, 50)
			pol.ReportCounters(100, 10)

			Expect(pol.Regressions()).To(Equal(uint64(1)))
		})
	})
})
