package workqueue_test

import (
	"runtime"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/jfabienke/3com-packet-driver-sub008/workqueue"
)

var _ = Describe("Ring", func() {
	var ring *workqueue.Ring

	BeforeEach(func() {
		ring = workqueue.MakeRingBuilder().
			WithCapacity(8).
			Build("RxRing")
	})

	It("panics on a capacity that is not a power of two", func() {
		Expect(func() {
			workqueue.MakeRingBuilder().WithCapacity(12).Build("Bad")
		}).To(Panic())
	})

	It("delivers exactly capacity items, in order, when overrun", func() {
		accepted := 0
		for i := 0; i < 20; i++ {
			if ring.Enqueue(workqueue.TxCompleteItem(i)) {
				accepted++
			}
		}
		Expect(accepted).To(Equal(8))
		Expect(ring.Stats().Overruns).To(Equal(uint64(12)))

		for i := 0; i < 8; i++ {
			item, ok := ring.Dequeue()
			Expect(ok).To(BeTrue())
			Expect(item.Kind).To(Equal(workqueue.KindTxComplete))
			Expect(item.Desc).To(Equal(i))
		}

		_, ok := ring.Dequeue()
		Expect(ok).To(BeFalse())
	})

	It("never corrupts a delivered item's fields", func() {
		Expect(ring.Enqueue(workqueue.RxItem(0xABCD00, 1514))).To(BeTrue())
		Expect(ring.Enqueue(workqueue.ErrorItem(0x07, 0xFEED))).To(BeTrue())
		Expect(ring.Enqueue(workqueue.StatsItem())).To(BeTrue())

		rx, ok := ring.Dequeue()
		Expect(ok).To(BeTrue())
		Expect(rx).To(Equal(workqueue.WorkItem{
			Kind: workqueue.KindRxPacket,
			Addr: 0xABCD00,
			Len:  1514,
		}))

		errItem, ok := ring.Dequeue()
		Expect(ok).To(BeTrue())
		Expect(errItem.Kind).To(Equal(workqueue.KindError))
		Expect(errItem.Code).To(Equal(uint32(0x07)))
		Expect(errItem.Addr).To(Equal(uint64(0xFEED)))

		stats, ok := ring.Dequeue()
		Expect(ok).To(BeTrue())
		Expect(stats.Kind).To(Equal(workqueue.KindStats))
	})

	It("keeps order across many wrap-arounds", func() {
		for i := 0; i < 100; i++ {
			Expect(ring.Enqueue(workqueue.TxCompleteItem(i))).To(BeTrue())

			item, ok := ring.Dequeue()
			Expect(ok).To(BeTrue())
			Expect(item.Desc).To(Equal(i))
		}
		Expect(ring.Stats().Overruns).To(BeZero())
	})

	It("tracks the pending flag across the drain cycle", func() {
		Expect(ring.Pending()).To(BeFalse())

		ring.Enqueue(workqueue.StatsItem())
		Expect(ring.Pending()).To(BeTrue())

		_, ok := ring.Dequeue()
		Expect(ok).To(BeTrue())
		Expect(ring.Pending()).To(BeTrue())

		_, ok = ring.Dequeue()
		Expect(ok).To(BeFalse())
		Expect(ring.Pending()).To(BeFalse())
		Expect(ring.Stats().Spurious).To(Equal(uint64(1)))
	})

	It("drains in policy-sized batches", func() {
		ring = workqueue.MakeRingBuilder().WithCapacity(16).Build("RxRing")
		for i := 0; i < 10; i++ {
			ring.Enqueue(workqueue.TxCompleteItem(i))
		}

		var order []int
		take := func(item workqueue.WorkItem) { order = append(order, item.Desc) }

		Expect(ring.DrainBatch(take, 4)).To(Equal(4))
		Expect(ring.Pending()).To(BeTrue())
		Expect(ring.Stats().Spurious).To(BeZero())

		Expect(ring.DrainBatch(take, 100)).To(Equal(6))
		Expect(ring.Pending()).To(BeFalse())
		Expect(order).To(Equal([]int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}))
	})

	Describe("health grading", func() {
		It("reports healthy when keeping up", func() {
			ring.Enqueue(workqueue.StatsItem())
			Expect(ring.Health()).To(Equal(workqueue.Healthy))
		})

		It("reports backlogged near full", func() {
			for i := 0; i < 6; i++ {
				ring.Enqueue(workqueue.TxCompleteItem(i))
			}
			Expect(ring.Health()).To(Equal(workqueue.Backlogged))
		})

		It("reports undersized after heavy rejection", func() {
			for i := 0; i < 16; i++ {
				ring.Enqueue(workqueue.TxCompleteItem(i))
			}
			ring.DrainBatch(func(workqueue.WorkItem) {}, 100)

			Expect(ring.Health()).To(Equal(workqueue.Undersized))
		})
	})

	It("never reports a negative depth to a racing observer", func() {
		const total = 5000

		var wg sync.WaitGroup
		wg.Add(2)
		done := make(chan struct{})

		go func() {
			defer wg.Done()
			for i := 0; i < total; i++ {
				for !ring.Enqueue(workqueue.TxCompleteItem(i)) {
					runtime.Gosched()
				}
			}
		}()

		go func() {
			defer wg.Done()
			drained := 0
			for drained < total {
				if _, ok := ring.Dequeue(); ok {
					drained++
				} else {
					runtime.Gosched()
				}
			}
		}()

		go func() {
			wg.Wait()
			close(done)
		}()

		for {
			select {
			case <-done:
				Expect(ring.Depth()).To(BeZero())
				return
			default:
				d := ring.Depth()
				Expect(d).To(BeNumerically(">=", 0))
				Expect(d).To(BeNumerically("<=", 8))

				u := ring.Utilization()
				Expect(u).To(BeNumerically(">=", 0.0))
				Expect(u).To(BeNumerically("<=", 1.0))
			}
		}
	})

	It("moves items intact between two goroutines", func() {
		const total = 10000

		var wg sync.WaitGroup
		wg.Add(2)

		go func() {
			defer wg.Done()
			for i := 0; i < total; i++ {
				for !ring.Enqueue(workqueue.TxCompleteItem(i)) {
					runtime.Gosched()
				}
			}
		}()

		received := make([]int, 0, total)
		go func() {
			defer wg.Done()
			for len(received) < total {
				item, ok := ring.Dequeue()
				if !ok {
					runtime.Gosched()
					continue
				}
				received = append(received, item.Desc)
			}
		}()

		wg.Wait()

		Expect(received).To(HaveLen(total))
		for i, desc := range received {
			Expect(desc).To(Equal(i))
		}
		Expect(ring.Stats().Dequeued).To(Equal(uint64(total)))
	})
})
