// Package monitoring serves the driver's diagnostic state over HTTP: the
// coherency verdict, the policy record, queue health, executor overhead,
// process resources, and on-demand CPU profiles. Nothing served here is
// load-bearing; the driver runs the same with the monitor off.
package monitoring

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"runtime/pprof"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/shirou/gopsutil/process"
	"github.com/syifan/goseth"

	"github.com/jfabienke/3com-packet-driver-sub008/cacheops"
	"github.com/jfabienke/3com-packet-driver-sub008/coherency"
	"github.com/jfabienke/3com-packet-driver-sub008/dmapolicy"
	"github.com/jfabienke/3com-packet-driver-sub008/fastpath"
	"github.com/jfabienke/3com-packet-driver-sub008/workqueue"
)

// A Driver is the driver-side surface the monitor reads. The driver
// context implements it.
type Driver interface {
	Name() string
	Analysis() *coherency.EnhancedAnalysis
	PolicyState() dmapolicy.Record
	CanUseDMA() bool
	PatchReport() fastpath.Report
}

// A Component is anything named the monitor may introspect.
type Component interface {
	Name() string
}

// Monitor turns a running driver into a diagnostic server.
type Monitor struct {
	drv        Driver
	queues     []*workqueue.Ring
	executor   *cacheops.Executor
	components []Component
	portNumber int
	log        *log.Logger
}

// NewMonitor creates a new Monitor.
func NewMonitor() *Monitor {
	return &Monitor{log: log.Default()}
}

// WithPortNumber sets the port number of the monitor. Privileged ports are
// refused; zero picks an ephemeral one.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber != 0 && portNumber < 1024 {
		m.log.Printf(
			"warn: monitor: port %d is privileged, using a random port instead",
			portNumber)
		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// WithLogger sets the diagnostic logger.
func (m *Monitor) WithLogger(l *log.Logger) *Monitor {
	m.log = l
	return m
}

// RegisterDriver registers the driver context to serve.
func (m *Monitor) RegisterDriver(c Driver) {
	m.drv = c
	m.components = append(m.components, c)
}

// RegisterQueue registers a work ring to be monitored.
func (m *Monitor) RegisterQueue(r *workqueue.Ring) {
	m.queues = append(m.queues, r)
}

// RegisterExecutor registers the cache executor to be monitored.
func (m *Monitor) RegisterExecutor(x *cacheops.Executor) {
	m.executor = x
}

// RegisterComponent registers a component for introspection.
func (m *Monitor) RegisterComponent(c Component) {
	m.components = append(m.components, c)
}

func (m *Monitor) router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/api/status", m.status)
	r.HandleFunc("/api/analysis", m.analysis)
	r.HandleFunc("/api/policy", m.policy)
	r.HandleFunc("/api/queues", m.listQueues)
	r.HandleFunc("/api/queue/{name}", m.queueDetails)
	r.HandleFunc("/api/executor", m.executorMetrics)
	r.HandleFunc("/api/resource", m.listResources)
	r.HandleFunc("/api/component/{name}", m.listComponentDetails)
	r.HandleFunc("/api/field/{json}", m.listFieldValue)
	r.HandleFunc("/api/profile", m.collectProfile)
	r.HandleFunc("/", m.index)

	return r
}

// StartServer starts the monitor as a web server and returns the address it
// listens on.
func (m *Monitor) StartServer() (string, error) {
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(m.portNumber))
	if err != nil {
		return "", fmt.Errorf("monitor not started: %w", err)
	}

	addr := fmt.Sprintf("http://localhost:%d",
		listener.Addr().(*net.TCPAddr).Port)
	m.log.Printf("monitor: serving driver diagnostics at %s", addr)

	go func() {
		if err := http.Serve(listener, m.router()); err != nil {
			m.log.Printf("warn: monitor: server stopped: %v", err)
		}
	}()

	return addr, nil
}

func (m *Monitor) index(w http.ResponseWriter, _ *http.Request) {
	fmt.Fprint(w, strings.Join([]string{
		"/api/status",
		"/api/analysis",
		"/api/policy",
		"/api/queues",
		"/api/queue/{name}",
		"/api/executor",
		"/api/resource",
		"/api/component/{name}",
		"/api/field/{json}",
		"/api/profile",
	}, "\n"))
}

type statusRsp struct {
	Name         string            `json:"name"`
	CanUseDMA    bool              `json:"can_use_dma"`
	Tier         string            `json:"tier"`
	Confidence   int               `json:"confidence"`
	QueueHealth  map[string]string `json:"queue_health"`
	PatchedSites []string          `json:"patched_sites"`
	FailedSites  []string          `json:"failed_sites"`
}

func siteNames(kinds []fastpath.SiteKind) []string {
	names := make([]string, 0, len(kinds))
	for _, k := range kinds {
		names = append(names, k.String())
	}
	return names
}

func (m *Monitor) status(w http.ResponseWriter, _ *http.Request) {
	if m.drv == nil {
		http.Error(w, "no driver context registered", http.StatusNotFound)
		return
	}

	rsp := statusRsp{
		Name:        m.drv.Name(),
		CanUseDMA:   m.drv.CanUseDMA(),
		QueueHealth: make(map[string]string, len(m.queues)),
	}
	if a := m.drv.Analysis(); a != nil {
		rsp.Tier = a.SelectedTier.String()
		rsp.Confidence = a.Confidence
	}
	for _, q := range m.queues {
		rsp.QueueHealth[q.Name()] = q.Health().String()
	}
	rep := m.drv.PatchReport()
	rsp.PatchedSites = siteNames(rep.Patched)
	rsp.FailedSites = siteNames(rep.Failed)

	writeJSON(w, rsp)
}

type analysisRsp struct {
	BusMaster      string `json:"bus_master"`
	Coherency      string `json:"coherency"`
	Snooping       string `json:"snooping"`
	CacheEnabled   bool   `json:"cache_enabled"`
	WriteBackCache bool   `json:"write_back_cache"`
	CPU            string `json:"cpu"`
	SelectedTier   string `json:"selected_tier"`
	RxTier         string `json:"rx_tier"`
	TxTier         string `json:"tx_tier"`
	Confidence     int    `json:"confidence"`
	Explanation    string `json:"explanation"`
	Probes         int    `json:"probes"`
	Failures       int    `json:"failures"`
	VDSPresent     bool   `json:"vds_present"`
	MemoryManager  string `json:"memory_manager"`
	CopyThreshold  int    `json:"copy_threshold"`
}

func (m *Monitor) analysis(w http.ResponseWriter, _ *http.Request) {
	if m.drv == nil || m.drv.Analysis() == nil {
		http.Error(w, "no analysis available", http.StatusNotFound)
		return
	}

	a := m.drv.Analysis()
	writeJSON(w, analysisRsp{
		BusMaster:      a.BusMaster.String(),
		Coherency:      a.Coherency.String(),
		Snooping:       a.Snooping.String(),
		CacheEnabled:   a.CacheEnabled,
		WriteBackCache: a.WriteBackCache,
		CPU:            a.CPU.String(),
		SelectedTier:   a.SelectedTier.String(),
		RxTier:         a.RxTier.String(),
		TxTier:         a.TxTier.String(),
		Confidence:     a.Confidence,
		Explanation:    a.Explanation,
		Probes:         a.Probes,
		Failures:       a.Failures,
		VDSPresent:     a.VDSPresent,
		MemoryManager:  a.MemoryManager,
		CopyThreshold:  a.CopyThreshold,
	})
}

type policyRsp struct {
	RuntimeEnable    bool   `json:"runtime_enable"`
	ValidationPassed bool   `json:"validation_passed"`
	LastKnownSafe    bool   `json:"last_known_safe"`
	FailureCount     uint8  `json:"failure_count"`
	CacheTier        string `json:"cache_tier"`
	VDSPresent       bool   `json:"vds_present"`
	EMSPresent       bool   `json:"ems_present"`
	XMSPresent       bool   `json:"xms_present"`
	CanUseDMA        bool   `json:"can_use_dma"`
}

func (m *Monitor) policy(w http.ResponseWriter, _ *http.Request) {
	if m.drv == nil {
		http.Error(w, "no driver context registered", http.StatusNotFound)
		return
	}

	rec := m.drv.PolicyState()
	writeJSON(w, policyRsp{
		RuntimeEnable:    rec.RuntimeEnable,
		ValidationPassed: rec.ValidationPassed,
		LastKnownSafe:    rec.LastKnownSafe,
		FailureCount:     rec.FailureCount,
		CacheTier:        rec.CacheTier.String(),
		VDSPresent:       rec.VDSPresent,
		EMSPresent:       rec.EMSPresent,
		XMSPresent:       rec.XMSPresent,
		CanUseDMA:        rec.CanUseDMA(),
	})
}

func (m *Monitor) listQueues(w http.ResponseWriter, _ *http.Request) {
	names := make([]string, 0, len(m.queues))
	for _, q := range m.queues {
		names = append(names, q.Name())
	}
	writeJSON(w, names)
}

type queueRsp struct {
	Name        string  `json:"name"`
	Capacity    int     `json:"capacity"`
	Depth       int     `json:"depth"`
	Utilization float64 `json:"utilization"`
	Enqueued    uint64  `json:"enqueued"`
	Dequeued    uint64  `json:"dequeued"`
	Overruns    uint64  `json:"overruns"`
	Spurious    uint64  `json:"spurious"`
	Health      string  `json:"health"`
}

func (m *Monitor) queueDetails(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	ring := m.findQueueOr404(w, name)
	if ring == nil {
		return
	}

	st := ring.Stats()
	writeJSON(w, queueRsp{
		Name:        ring.Name(),
		Capacity:    st.Capacity,
		Depth:       st.Depth,
		Utilization: ring.Utilization(),
		Enqueued:    st.Enqueued,
		Dequeued:    st.Dequeued,
		Overruns:    st.Overruns,
		Spurious:    st.Spurious,
		Health:      ring.Health().String(),
	})
}

func (m *Monitor) findQueueOr404(
	w http.ResponseWriter,
	name string,
) *workqueue.Ring {
	for _, q := range m.queues {
		if q.Name() == name {
			return q
		}
	}

	http.Error(w, "queue not found", http.StatusNotFound)

	return nil
}

type tierRsp struct {
	Tier          string `json:"tier"`
	Calls         uint64 `json:"calls"`
	AvgOverheadNs int64  `json:"avg_overhead_ns"`
	OverheadNs    int64  `json:"total_overhead_ns"`
}

type executorRsp struct {
	RxTier        string    `json:"rx_tier"`
	TxTier        string    `json:"tx_tier"`
	Tiers         []tierRsp `json:"tiers"`
	Fallbacks     uint64    `json:"fallbacks"`
	GuardSkips    uint64    `json:"guard_skips"`
	AvgOverheadNs int64     `json:"avg_overhead_ns"`
}

func (m *Monitor) executorMetrics(w http.ResponseWriter, _ *http.Request) {
	if m.executor == nil {
		http.Error(w, "no executor registered", http.StatusNotFound)
		return
	}

	snap := m.executor.Metrics()

	tiers := make([]coherency.Tier, 0, len(snap.ByTier))
	for t := range snap.ByTier {
		tiers = append(tiers, t)
	}
	sort.Slice(tiers, func(i, j int) bool { return tiers[i] < tiers[j] })

	rsp := executorRsp{
		RxTier:        m.executor.RxTier().String(),
		TxTier:        m.executor.TxTier().String(),
		Fallbacks:     snap.Fallbacks,
		GuardSkips:    snap.GuardSkips,
		AvgOverheadNs: snap.AvgOverhead().Nanoseconds(),
	}
	for _, t := range tiers {
		st := snap.ByTier[t]
		rsp.Tiers = append(rsp.Tiers, tierRsp{
			Tier:          t.String(),
			Calls:         st.Calls,
			AvgOverheadNs: st.Avg().Nanoseconds(),
			OverheadNs:    st.Overhead.Nanoseconds(),
		})
	}

	writeJSON(w, rsp)
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	pid := os.Getpid()
	proc, err := process.NewProcess(int32(pid))
	dieOnErr(err)

	cpuPercent, err := proc.CPUPercent()
	dieOnErr(err)

	memorySize, err := proc.MemoryInfo()
	dieOnErr(err)

	writeJSON(w, resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: memorySize.RSS,
	})
}

func (m *Monitor) listComponentDetails(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	component := m.findComponentOr404(w, name)
	if component == nil {
		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(component)
	serializer.SetMaxDepth(1)
	err := serializer.Serialize(w)

	dieOnErr(err)
}

type fieldReq struct {
	CompName  string `json:"comp_name,omitempty"`
	FieldName string `json:"field_name,omitempty"`
}

func (m *Monitor) listFieldValue(w http.ResponseWriter, r *http.Request) {
	jsonString := mux.Vars(r)["json"]
	req := fieldReq{}

	err := json.Unmarshal([]byte(jsonString), &req)
	if err != nil {
		http.Error(w, "malformed field request", http.StatusBadRequest)
		return
	}

	component := m.findComponentOr404(w, req.CompName)
	if component == nil {
		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(component)
	serializer.SetMaxDepth(1)

	err = serializer.SetEntryPoint(strings.Split(req.FieldName, "."))
	dieOnErr(err)

	err = serializer.Serialize(w)
	dieOnErr(err)
}

func (m *Monitor) findComponentOr404(
	w http.ResponseWriter,
	name string,
) Component {
	for _, c := range m.components {
		if c.Name() == name {
			return c
		}
	}

	http.Error(w, "component not found", http.StatusNotFound)

	return nil
}

func (m *Monitor) collectProfile(w http.ResponseWriter, _ *http.Request) {
	buf := bytes.NewBuffer(nil)

	err := pprof.StartCPUProfile(buf)
	dieOnErr(err)

	time.Sleep(time.Second)

	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	dieOnErr(err)

	writeJSON(w, prof)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")

	data, err := json.Marshal(v)
	dieOnErr(err)

	_, err = w.Write(data)
	dieOnErr(err)
}

func dieOnErr(err error) {
	if err != nil {
		log.Panic(err)
	}
}
