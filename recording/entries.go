package recording

// Table names used by the hook adapters.
const (
	ExecutorTable   = "executor_ops"
	StageTable      = "coherency_stages"
	RunTable        = "coherency_runs"
	TransitionTable = "policy_transitions"
	RegressionTable = "counter_regressions"
	QueueTable      = "queue_health"
)

// An ExecutorSample is one pre- or post-DMA cache management call.
type ExecutorSample struct {
	ID         string
	AtNs       int64
	Direction  string
	Tier       string
	Pre        bool
	Addr       uint64
	Len        int
	OverheadNs int64
	FellBack   bool
	Skipped    bool
}

// A StageRow is one coherency test stage outcome.
type StageRow struct {
	ID        string
	AtNs      int64
	Stage     string
	Passed    int
	Total     int
	Verdict   string
	ElapsedNs int64
}

// A RunRow summarizes one full coherency engine run.
type RunRow struct {
	ID          string
	AtNs        int64
	BusMaster   string
	Coherency   string
	Snooping    string
	WriteBack   bool
	Tier        string
	Confidence  int
	Probes      int
	Failures    int
	ElapsedNs   int64
	Explanation string
}

// A TransitionRow is one persisted policy state change.
type TransitionRow struct {
	ID               string
	AtNs             int64
	What             string
	RuntimeEnable    bool
	ValidationPassed bool
	LastKnownSafe    bool
	FailureCount     uint8
	Tier             string
}

// A RegressionRow is one non-wrap counter regression.
type RegressionRow struct {
	ID       string
	AtNs     int64
	Counter  string
	OldValue uint32
	NewValue uint32
}

// A QueueRow is one work queue health snapshot.
type QueueRow struct {
	ID          string
	AtNs        int64
	Ring        string
	Depth       int
	Capacity    int
	Utilization float64
	Enqueued    uint64
	Dequeued    uint64
	Overruns    uint64
	Spurious    uint64
	Health      string
}
