package dmapolicy_test

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/jfabienke/3com-packet-driver-sub008/coherency"
	"github.com/jfabienke/3com-packet-driver-sub008/dmapolicy"
)

var _ = Describe("Store", func() {
	var (
		dir   string
		store *dmapolicy.Store
	)

	quiet := log.New(io.Discard, "", 0)
	noWait := func(time.Duration) {}

	rec := dmapolicy.Record{
		RuntimeEnable:    true,
		ValidationPassed: true,
		LastKnownSafe:    true,
		FailureCount:     1,
		Signature:        0x1234ABCD,
		CacheTier:        coherency.TierWbinvdFull,
		VDSPresent:       true,
	}

	BeforeEach(func() {
		os.Unsetenv(dmapolicy.EnvKey)
		dir = GinkgoT().TempDir()
		store = dmapolicy.NewStore(filepath.Join(dir, "policy.bin")).
			WithLogger(quiet).
			WithSleep(noWait)
	})

	AfterEach(func() {
		os.Unsetenv(dmapolicy.EnvKey)
	})

	It("round-trips a record, clearing only the runtime enable", func() {
		Expect(store.Save(rec)).To(Succeed())

		loaded, err := store.Load()

		Expect(err).ToNot(HaveOccurred())
		want := rec
		want.RuntimeEnable = false
		Expect(loaded).To(Equal(want))
	})

	It("reports no history for a missing file", func() {
		_, err := store.Load()

		Expect(err).To(MatchError(dmapolicy.ErrNoHistory))
	})

	It("reports no history for a corrupt file", func() {
		data := rec.Encode()
		data[7] ^= 0x01
		Expect(os.WriteFile(store.Path(), data, 0o644)).To(Succeed())

		_, err := store.Load()

		Expect(err).To(MatchError(dmapolicy.ErrNoHistory))
	})

	It("leaves the previous record intact when asked to load garbage", func() {
		Expect(store.Save(rec)).To(Succeed())
		Expect(os.WriteFile(store.Path(), []byte("not a record"), 0o644)).To(Succeed())

		_, err := store.Load()

		Expect(err).To(MatchError(dmapolicy.ErrNoHistory))
	})

	Context("when the policy file is unwritable", func() {
		var envFile string

		BeforeEach(func() {
			envFile = filepath.Join(dir, "fallback.env")
			store = dmapolicy.NewStore(filepath.Join(dir, "missing", "policy.bin")).
				WithEnvFile(envFile).
				WithLogger(quiet).
				WithSleep(noWait)
		})

		It("degrades the safety bit to the environment", func() {
			Expect(store.Save(rec)).ToNot(Succeed())

			Expect(os.Getenv(dmapolicy.EnvKey)).To(Equal("1"))
			safe, ok := store.LoadEnvFallback()
			Expect(ok).To(BeTrue())
			Expect(safe).To(BeTrue())
		})

		It("mirrors the bit into the env file for the next process", func() {
			unsafe := rec
			unsafe.LastKnownSafe = false
			Expect(store.Save(unsafe)).ToNot(Succeed())

			os.Unsetenv(dmapolicy.EnvKey)

			safe, ok := store.LoadEnvFallback()
			Expect(ok).To(BeTrue())
			Expect(safe).To(BeFalse())
		})
	})

	It("finds no fallback when neither env nor file carry one", func() {
		_, ok := store.LoadEnvFallback()

		Expect(ok).To(BeFalse())
	})
})
