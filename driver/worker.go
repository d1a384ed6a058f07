package driver

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/jfabienke/3com-packet-driver-sub008/cacheops"
	"github.com/jfabienke/3com-packet-driver-sub008/device"
	"github.com/jfabienke/3com-packet-driver-sub008/dmapolicy"
	"github.com/jfabienke/3com-packet-driver-sub008/workqueue"
)

// Fault codes carried in work items. The interrupt bridge cannot carry an
// error value through the fixed-size ring, only a code.
const (
	faultGeneric uint32 = iota + 1
	faultNoBuffer
)

// idlePoll paces RunWorker between empty drains.
const idlePoll = 200 * time.Microsecond

func faultCode(err error) uint32 {
	if errors.Is(err, device.ErrNoBuffer) {
		return faultNoBuffer
	}
	return faultGeneric
}

// interrupt is the bridge out of interrupt context. It does exactly one
// thing: capture the event as a fixed-size WorkItem and enqueue it. No
// logging, no allocation, no policy; a full ring drops the item and the
// ring itself counts the overrun.
func (c *Context) interrupt(ev device.Event) {
	var item workqueue.WorkItem

	switch ev.Kind {
	case device.EventRx:
		item = workqueue.RxItem(ev.Addr, ev.Len)
	case device.EventTxDone:
		item = workqueue.TxCompleteItem(int(ev.Addr))
	case device.EventFault:
		item = workqueue.ErrorItem(faultCode(ev.Err), ev.Addr)
	default:
		return
	}

	c.queue.Enqueue(item)
}

// ProcessPending drains up to max queued events on the worker side and
// returns how many ran. A max of zero or less uses the policy batch size.
func (c *Context) ProcessPending(max int) int {
	if !c.booted {
		log.Panic("driver is not booted")
	}
	if c.queue == nil {
		return 0
	}
	if max <= 0 {
		max = c.params.Batch
	}

	return c.queue.DrainBatch(c.handle, max)
}

// RunWorker polls the queue until ctx is canceled, draining with the policy
// batch size. It owns the machine while it runs; mainline code must not
// drive the data path concurrently.
func (c *Context) RunWorker(ctx context.Context) {
	for {
		if c.ProcessPending(0) > 0 {
			select {
			case <-ctx.Done():
				return
			default:
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(idlePoll):
		}
	}
}

// Shutdown stops the adapter, finishes what the queue still holds, publishes
// the final counters and logs the totals. Later calls do nothing.
func (c *Context) Shutdown() {
	if !c.up {
		return
	}
	c.up = false

	if err := c.dev.Stop(); err != nil {
		c.log.Printf("driver %s: stop: %v", c.name, err)
	}
	for c.queue.DrainBatch(c.handle, c.cfg.QueueCap) > 0 {
	}
	c.publishCounters()

	snap := c.Counters()
	c.log.Printf("driver %s: down after %d rx / %d tx frames, %d faults",
		c.name, snap.RxFrames, snap.TxFrames, snap.Faults)
}

// RequestStats asks the worker for a counter publication on its next drain.
// Mainline only: it shares the producer side of the ring with the bridge,
// which is quiet exactly when mainline runs.
func (c *Context) RequestStats() {
	c.queue.Enqueue(workqueue.StatsItem())
}

func (c *Context) handle(item workqueue.WorkItem) {
	switch item.Kind {
	case workqueue.KindRxPacket:
		c.handleRx(item)
	case workqueue.KindTxComplete:
		if c.dmaBit.Load() {
			c.policy.ReportSuccess()
		}
	case workqueue.KindError:
		c.handleFault(item)
	case workqueue.KindStats:
		c.publishCounters()
	}
}

// handleRx finishes one received frame: post-transfer cache work, the
// specialized receive routine, then delivery. FIFO events carry no address
// and land in the staging buffer; ring events carry the buffer the master
// filled.
func (c *Context) handleRx(item workqueue.WorkItem) {
	dst := item.Addr
	if dst == 0 {
		dst = c.rxStage
	}

	d := c.patches.Dispatch()
	d.PostDMA(cacheops.Region{Addr: dst, Len: item.Len})

	n, err := d.Receive(dst, item.Len)
	if err != nil {
		c.tally.rxErrors.Add(1)
		c.log.Printf("driver %s: receive %d bytes at %#x: %v", c.name, item.Len, dst, err)
		return
	}

	frame, err := c.mach.CPURead(dst, n)
	if err != nil {
		c.tally.rxErrors.Add(1)
		c.log.Printf("driver %s: read frame at %#x: %v", c.name, dst, err)
		return
	}

	c.tally.rxFrames.Add(1)
	c.tally.rxBytes.Add(uint64(n))
	if c.onFrame != nil {
		c.onFrame(frame)
	}

	if item.Addr != 0 {
		c.repostRx(item.Addr, n)
	}
}

// repostRx returns a slot to the receive ring. Frames at or under the
// copy-break boundary were cheap copies, so the same buffer goes back;
// larger frames hand their buffer up and the slot gets a fresh one.
func (c *Context) repostRx(addr uint64, n int) {
	if !c.dmaBit.Load() {
		return
	}

	next := addr
	if c.params.CopyBreak > 0 && n > c.params.CopyBreak {
		fresh, err := c.mach.AllocAligned(frameCapacity, c.dev.DescriptorAlignment())
		if err == nil {
			next = fresh
		}
		// Exhausted memory recycles in place; the ring must not shrink.
	}

	c.prepareRx(next)
	if err := c.dev.ProvideRxBuffer(next, frameCapacity); err != nil {
		c.log.Printf("driver %s: rx repost: %v", c.name, err)
	}
}

func (c *Context) handleFault(item workqueue.WorkItem) {
	c.tally.faults.Add(1)

	switch item.Code {
	case faultNoBuffer:
		c.log.Printf("driver %s: rx overrun, no posted buffer", c.name)
	default:
		c.log.Printf("driver %s: device fault near %#x", c.name, item.Addr)
		if c.dmaBit.Load() {
			c.policy.ReportFailure()
		}
	}
}

// publishCounters feeds the totals through the policy's monotonicity watch
// and re-derives the data-path tuning from the measured cache-management
// overhead. The tier itself never changes here; that would take a retest.
func (c *Context) publishCounters() {
	snap := c.Counters()
	c.policy.ReportCounters(uint32(snap.RxFrames+snap.TxFrames), uint32(snap.Faults))

	if c.exec != nil {
		c.params = dmapolicy.ParamsFor(c.mach.CPU().Generation,
			c.analysis.SelectedTier, c.analysis.Snooping,
			c.dmaBit.Load(), c.exec.Metrics().AvgOverhead())
	}
}
