package recording

import (
	"time"

	"github.com/rs/xid"

	"github.com/jfabienke/3com-packet-driver-sub008/cacheops"
	"github.com/jfabienke/3com-packet-driver-sub008/coherency"
	"github.com/jfabienke/3com-packet-driver-sub008/dmapolicy"
	"github.com/jfabienke/3com-packet-driver-sub008/hooking"
	"github.com/jfabienke/3com-packet-driver-sub008/workqueue"
)

// Clock supplies timestamps for recorded rows. The machine's virtual clock
// satisfies it.
type Clock interface {
	Now() time.Duration
}

// An ExecutorHook records every cache-management call. Register it on the
// executor.
type ExecutorHook struct {
	rec   Recorder
	clock Clock
}

// NewExecutorHook creates the hook and its table.
func NewExecutorHook(rec Recorder, clock Clock) *ExecutorHook {
	rec.CreateTable(ExecutorTable, ExecutorSample{})
	return &ExecutorHook{rec: rec, clock: clock}
}

// Func records one executor op sample.
func (h *ExecutorHook) Func(ctx hooking.HookCtx) {
	if ctx.Pos != cacheops.HookPosOpDone {
		return
	}
	s, ok := ctx.Item.(cacheops.OpSample)
	if !ok {
		return
	}

	h.rec.InsertData(ExecutorTable, ExecutorSample{
		ID:         xid.New().String(),
		AtNs:       int64(h.clock.Now()),
		Direction:  s.Dir.String(),
		Tier:       s.Tier.String(),
		Pre:        s.Pre,
		Addr:       s.Region.Addr,
		Len:        s.Region.Len,
		OverheadNs: int64(s.Overhead),
		FellBack:   s.FellBack,
		Skipped:    s.Skipped,
	})
}

// An EngineHook records coherency stage results and run summaries. Register
// it on the engine.
type EngineHook struct {
	rec   Recorder
	clock Clock
}

// NewEngineHook creates the hook and its tables.
func NewEngineHook(rec Recorder, clock Clock) *EngineHook {
	rec.CreateTable(StageTable, StageRow{})
	rec.CreateTable(RunTable, RunRow{})
	return &EngineHook{rec: rec, clock: clock}
}

// Func records a stage or run completion.
func (h *EngineHook) Func(ctx hooking.HookCtx) {
	switch ctx.Pos {
	case coherency.HookPosStageDone:
		s, ok := ctx.Item.(coherency.StageResult)
		if !ok {
			return
		}
		h.rec.InsertData(StageTable, StageRow{
			ID:        xid.New().String(),
			AtNs:      int64(h.clock.Now()),
			Stage:     s.Stage,
			Passed:    s.Passed,
			Total:     s.Total,
			Verdict:   s.Verdict,
			ElapsedNs: int64(s.Elapsed),
		})

	case coherency.HookPosRunDone:
		a, ok := ctx.Item.(*coherency.Analysis)
		if !ok {
			return
		}
		h.rec.InsertData(RunTable, RunRow{
			ID:          xid.New().String(),
			AtNs:        int64(h.clock.Now()),
			BusMaster:   a.BusMaster.String(),
			Coherency:   a.Coherency.String(),
			Snooping:    a.Snooping.String(),
			WriteBack:   a.WriteBackCache,
			Tier:        a.SelectedTier.String(),
			Confidence:  a.Confidence,
			Probes:      a.Probes,
			Failures:    a.Failures,
			ElapsedNs:   int64(a.Elapsed),
			Explanation: a.Explanation,
		})
	}
}

// A PolicyHook records policy transitions and counter regressions. Register
// it on the policy.
type PolicyHook struct {
	rec   Recorder
	clock Clock
}

// NewPolicyHook creates the hook and its tables.
func NewPolicyHook(rec Recorder, clock Clock) *PolicyHook {
	rec.CreateTable(TransitionTable, TransitionRow{})
	rec.CreateTable(RegressionTable, RegressionRow{})
	return &PolicyHook{rec: rec, clock: clock}
}

// Func records a transition or a regression.
func (h *PolicyHook) Func(ctx hooking.HookCtx) {
	switch ctx.Pos {
	case dmapolicy.HookPosTransition:
		t, ok := ctx.Item.(dmapolicy.Transition)
		if !ok {
			return
		}
		h.rec.InsertData(TransitionTable, TransitionRow{
			ID:               xid.New().String(),
			AtNs:             int64(h.clock.Now()),
			What:             t.What,
			RuntimeEnable:    t.State.RuntimeEnable,
			ValidationPassed: t.State.ValidationPassed,
			LastKnownSafe:    t.State.LastKnownSafe,
			FailureCount:     t.State.FailureCount,
			Tier:             t.State.CacheTier.String(),
		})

	case dmapolicy.HookPosCounterRegression:
		r, ok := ctx.Item.(dmapolicy.CounterRegression)
		if !ok {
			return
		}
		h.rec.InsertData(RegressionTable, RegressionRow{
			ID:       xid.New().String(),
			AtNs:     int64(h.clock.Now()),
			Counter:  r.Name,
			OldValue: r.From,
			NewValue: r.To,
		})
	}
}

// A QueueSampler snapshots ring health on demand. The worker calls Sample
// between batches; the ring itself carries no hooks because its producer
// side runs in interrupt context.
type QueueSampler struct {
	rec   Recorder
	clock Clock
}

// NewQueueSampler creates the sampler and its table.
func NewQueueSampler(rec Recorder, clock Clock) *QueueSampler {
	rec.CreateTable(QueueTable, QueueRow{})
	return &QueueSampler{rec: rec, clock: clock}
}

// Sample records one health snapshot of the ring.
func (q *QueueSampler) Sample(ring *workqueue.Ring) {
	st := ring.Stats()
	q.rec.InsertData(QueueTable, QueueRow{
		ID:          xid.New().String(),
		AtNs:        int64(q.clock.Now()),
		Ring:        ring.Name(),
		Depth:       st.Depth,
		Capacity:    st.Capacity,
		Utilization: ring.Utilization(),
		Enqueued:    st.Enqueued,
		Dequeued:    st.Dequeued,
		Overruns:    st.Overruns,
		Spurious:    st.Spurious,
		Health:      ring.Health().String(),
	})
}
