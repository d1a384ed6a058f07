// Package driver owns the boot flow that turns raw hardware into a safe
// packet path: probe the environment, measure cache coherency against the
// adapter, run the persisted DMA policy through its gates, build the cache
// executor, specialize the hot path, and only then arm the interrupt bridge.
// After boot the split is strict: the bridge captures events, the deferred
// worker processes them, and nothing on either side ever revisits a boot
// decision except the policy's own runtime-failure retreat.
package driver

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/xid"

	"github.com/jfabienke/3com-packet-driver-sub008/cacheops"
	"github.com/jfabienke/3com-packet-driver-sub008/coherency"
	"github.com/jfabienke/3com-packet-driver-sub008/config"
	"github.com/jfabienke/3com-packet-driver-sub008/device"
	"github.com/jfabienke/3com-packet-driver-sub008/dmapolicy"
	"github.com/jfabienke/3com-packet-driver-sub008/fastpath"
	"github.com/jfabienke/3com-packet-driver-sub008/hooking"
	"github.com/jfabienke/3com-packet-driver-sub008/hostenv"
	"github.com/jfabienke/3com-packet-driver-sub008/machine"
	"github.com/jfabienke/3com-packet-driver-sub008/workqueue"
)

// ErrNoTransferMode is the one hard boot failure: bus mastering cannot be
// trusted and the programmed-IO fallback is unusable too. The driver cannot
// move a single byte safely, so it refuses to come up.
var ErrNoTransferMode = errors.New(
	"driver: no safe transfer mode: bus mastering untrusted and programmed IO unusable")

// ErrAlreadyBooted reports a second Boot call. The boot flow runs exactly
// once per driver instance.
var ErrAlreadyBooted = errors.New("driver: boot already ran")

const (
	// frameCapacity sizes every rx/tx buffer: a maximal Ethernet frame
	// with slack, matching the adapter FIFO sizing.
	frameCapacity = 1536

	// rxRingDepth is how many receive buffers are posted on a bus-master
	// adapter.
	rxRingDepth = 8

	// readyBudget bounds the boot-time adapter readiness wait.
	readyBudget = 100 * time.Microsecond

	defaultIOBase = 0x300
	defaultIRQ    = 10
)

// Counters is a snapshot of the data-path totals.
type Counters struct {
	RxFrames uint64
	RxBytes  uint64
	TxFrames uint64
	RxErrors uint64
	TxErrors uint64
	Faults   uint64
}

// tally carries the live totals. The worker goroutine writes while mainline
// snapshots, so each field is atomic.
type tally struct {
	rxFrames atomic.Uint64
	rxBytes  atomic.Uint64
	txFrames atomic.Uint64
	rxErrors atomic.Uint64
	txErrors atomic.Uint64
	faults   atomic.Uint64
}

// A Context is one running driver instance: the boot-time verdicts plus the
// components they configured. Boot, Send, ProcessPending and Shutdown are
// mainline-only; the interrupt bridge and the cached DMA bit are the only
// pieces shared with interrupt context.
type Context struct {
	name   string
	id     xid.ID
	log    *log.Logger
	cfg    config.Config
	ioBase uint16
	irq    uint8

	mach  *machine.Machine
	dev   device.Device
	hooks []hooking.Hook

	booted bool
	up     bool
	pioOK  bool

	analysis *coherency.EnhancedAnalysis
	policy   *dmapolicy.Policy
	exec     *cacheops.Executor
	patches  *fastpath.Framework
	queue    *workqueue.Ring
	params   dmapolicy.Params

	// dmaBit is the cached three-gate conjunction the hot path reads
	// instead of recomputing policy. The transition hook refreshes it.
	dmaBit atomic.Bool

	txBuf   uint64
	rxStage uint64
	rxRing  []uint64

	onFrame func(frame []byte)
	tally   tally
}

// ContextBuilder can build driver contexts.
type ContextBuilder struct {
	mach   *machine.Machine
	dev    device.Device
	cfg    config.Config
	log    *log.Logger
	hooks  []hooking.Hook
	ioBase uint16
	irq    uint8
}

// MakeContextBuilder returns a builder with default parameters.
func MakeContextBuilder() ContextBuilder {
	return ContextBuilder{
		log:    log.Default(),
		ioBase: defaultIOBase,
		irq:    defaultIRQ,
	}
}

// WithMachine sets the host the driver runs on.
func (b ContextBuilder) WithMachine(m *machine.Machine) ContextBuilder {
	b.mach = m
	return b
}

// WithDevice sets the adapter the driver manages.
func (b ContextBuilder) WithDevice(d device.Device) ContextBuilder {
	b.dev = d
	return b
}

// WithConfig sets the loaded configuration.
func (b ContextBuilder) WithConfig(cfg config.Config) ContextBuilder {
	b.cfg = cfg
	return b
}

// WithLogger sets the diagnostic logger.
func (b ContextBuilder) WithLogger(l *log.Logger) ContextBuilder {
	b.log = l
	return b
}

// WithHook registers a hook that Boot hands to every hookable component it
// creates: the coherency engine, the policy, and the cache executor. Hooks
// discriminate by position, so one recorder hook can watch them all.
func (b ContextBuilder) WithHook(h hooking.Hook) ContextBuilder {
	b.hooks = append(b.hooks, h)
	return b
}

// WithIOBase sets the adapter I/O base that enters the hardware signature.
func (b ContextBuilder) WithIOBase(port uint16) ContextBuilder {
	b.ioBase = port
	return b
}

// WithIRQ sets the adapter IRQ that enters the hardware signature.
func (b ContextBuilder) WithIRQ(irq uint8) ContextBuilder {
	b.irq = irq
	return b
}

// Build builds an unbooted context with the given name.
func (b ContextBuilder) Build(name string) *Context {
	if b.mach == nil {
		log.Panic("machine is not given")
	}
	if b.dev == nil {
		log.Panic("device is not given")
	}

	cfg := b.cfg
	if cfg.StateDir == "" {
		cfg.StateDir = config.DefaultStateDir
	}
	if cfg.QueueCap == 0 {
		cfg.QueueCap = config.DefaultQueueCap
	}

	return &Context{
		name:   name,
		id:     xid.New(),
		log:    b.log,
		cfg:    cfg,
		ioBase: b.ioBase,
		irq:    b.irq,
		mach:   b.mach,
		dev:    b.dev,
		hooks:  b.hooks,
	}
}

// Boot runs the one-time initialization: buffers, programmed-IO probe,
// coherency measurement, policy gates, executor, fast-path specialization,
// queue arming. It is plain single-threaded code and must finish before any
// traffic. The only error that survives degradation is ErrNoTransferMode.
func (c *Context) Boot() error {
	if c.booted {
		return ErrAlreadyBooted
	}
	c.booted = true

	env := c.mach.Environment()

	if err := c.allocBuffers(); err != nil {
		return fmt.Errorf("driver %s: %w", c.name, err)
	}

	if err := c.probePIO(); err != nil {
		c.log.Printf("driver %s: programmed IO unusable: %v", c.name, err)
	} else {
		c.pioOK = true
	}

	analysis := c.measure()
	c.analysis = coherency.Enhance(analysis, env,
		c.dev.BusAddressLimit(), c.mach.MemoryCeiling())

	c.buildPolicy(env)
	if !c.cfg.ForcePIO {
		c.policy.SetRuntimeEnable(true)
	}
	decision := c.policy.Validate(c.gateInputs(env))
	c.log.Printf("driver %s: %s", c.name, decision)

	if !c.pioOK && !c.policy.CanUseDMA() {
		return ErrNoTransferMode
	}

	c.buildExecutor()
	if err := c.specialize(); err != nil {
		return fmt.Errorf("driver %s: %w", c.name, err)
	}

	c.params = dmapolicy.ParamsFor(c.mach.CPU().Generation,
		c.analysis.SelectedTier, c.analysis.Snooping, c.dmaBit.Load(), 0)

	c.queue = workqueue.MakeRingBuilder().
		WithCapacity(c.cfg.QueueCap).
		Build(c.name + ".queue")
	c.dev.SetEventHandler(c.interrupt)

	if c.dmaBit.Load() {
		c.armRx()
	}
	if err := c.dev.Start(); err != nil {
		return fmt.Errorf("driver %s: %w", c.name, err)
	}
	c.up = true

	mode := "programmed IO"
	if c.dmaBit.Load() {
		mode = "bus master"
	}
	c.log.Printf("driver %s (instance %s): up on %s, tier %v, rx %v tx %v, batch %d, copy-break %d",
		c.name, c.id, mode, c.analysis.SelectedTier, c.analysis.RxTier,
		c.analysis.TxTier, c.params.Batch, c.params.CopyBreak)

	return nil
}

func (c *Context) allocBuffers() error {
	align := c.dev.DescriptorAlignment()

	var err error
	if c.txBuf, err = c.mach.AllocAligned(frameCapacity, align); err != nil {
		return err
	}
	if c.rxStage, err = c.mach.AllocAligned(frameCapacity, align); err != nil {
		return err
	}
	for i := 0; i < rxRingDepth; i++ {
		addr, err := c.mach.AllocAligned(frameCapacity, align)
		if err != nil {
			return err
		}
		c.rxRing = append(c.rxRing, addr)
	}

	return nil
}

// probePIO checks the fallback path end to end before anything counts on
// it: adapter readiness, then a two-byte FIFO push.
func (c *Context) probePIO() error {
	if err := c.dev.WaitReady(readyBudget); err != nil {
		return err
	}
	if err := c.mach.CPUWrite(c.txBuf, []byte{0x55, 0xaa}); err != nil {
		return err
	}
	return c.dev.CopyToFIFO(c.txBuf, 2)
}

func (c *Context) measure() *coherency.Analysis {
	engine := coherency.MakeEngineBuilder().
		WithMemory(c.mach).
		WithDevice(c.dev).
		WithFlusher(c.mach.Primitives()).
		WithClock(c.mach.Clock()).
		WithCPU(c.mach.CPU()).
		WithLogger(c.log).
		Build(c.name + ".coherency")
	for _, h := range c.hooks {
		engine.AcceptHook(h)
	}

	return engine.Run()
}

func (c *Context) buildPolicy(env hostenv.Environment) {
	// A missing state dir is degraded persistence, not a boot failure;
	// the store falls back to the environment encoding.
	if err := os.MkdirAll(c.cfg.StateDir, 0o755); err != nil {
		c.log.Printf("driver %s: state dir: %v", c.name, err)
	}

	store := dmapolicy.NewStore(c.cfg.PolicyPath()).
		WithEnvFile(c.cfg.EnvFallbackPath()).
		WithLogger(c.log)
	id := dmapolicy.Identity{
		Generation:    c.mach.CPU().Generation,
		MemoryManager: env.MemoryManager,
		IOBase:        c.ioBase,
		IRQ:           c.irq,
	}

	c.policy = dmapolicy.MakePolicyBuilder().
		WithStore(store).
		WithIdentity(id).
		WithLogger(c.log).
		Build(c.name + ".policy")
	c.policy.AcceptHook(hooking.HookFunc(c.onTransition))
	for _, h := range c.hooks {
		c.policy.AcceptHook(h)
	}

	c.policy.Load()
	c.policy.NoteAnalysis(c.analysis.SelectedTier, env)
}

// onTransition tracks every policy transition, keeping the cached DMA bit
// the interrupt path reads in step with the record. A live revocation also
// retreats the packet path to the baseline.
func (c *Context) onTransition(ctx hooking.HookCtx) {
	if ctx.Pos != dmapolicy.HookPosTransition {
		return
	}
	t, ok := ctx.Item.(dmapolicy.Transition)
	if !ok {
		return
	}

	was := c.dmaBit.Load()
	now := t.State.CanUseDMA()
	c.dmaBit.Store(now)

	if was && !now && c.patches != nil {
		c.patches.Retreat()
		c.log.Printf("driver %s: DMA revoked on %s; packet path back on programmed IO",
			c.name, t.What)
	}
}

func (c *Context) gateInputs(env hostenv.Environment) dmapolicy.GateInputs {
	rings := []dmapolicy.RingWindow{{Base: c.txBuf, Size: frameCapacity}}
	for _, addr := range c.rxRing {
		rings = append(rings, dmapolicy.RingWindow{Base: addr, Size: frameCapacity})
	}

	return dmapolicy.GateInputs{
		Nic:       c.dev,
		ForcePIO:  c.cfg.ForcePIO,
		CPU:       c.mach.CPU(),
		BusMaster: c.analysis.BusMaster,
		Env:       env,
		Rings:     rings,
	}
}

func (c *Context) buildExecutor() {
	if c.analysis.SelectedTier == coherency.TierBusMasterDisabled {
		return
	}

	c.exec = cacheops.MakeExecutorBuilder().
		WithPrimitives(c.mach.Primitives()).
		WithClock(c.mach.Clock()).
		WithLogger(c.log).
		WithDirectionTiers(c.analysis.RxTier, c.analysis.TxTier).
		Build(c.name + ".cacheops")
	for _, h := range c.hooks {
		c.exec.AcceptHook(h)
	}
}

func (c *Context) specialize() error {
	bind := fastpath.Bindings{
		PIOSend:    c.dev.CopyToFIFO,
		PIOReceive: c.dev.CopyFromFIFO,
		DMASend:    c.dev.Transmit,
		// The master already placed the frame; claiming it is free.
		DMAReceive: func(addr uint64, n int) (int, error) { return n, nil },
		FlushPre:   func(r cacheops.Region) {},
		FlushPost:  func(r cacheops.Region) {},
	}
	if c.exec != nil {
		bind.FlushPre = func(r cacheops.Region) { c.exec.PreDMA(cacheops.DirTx, r) }
		bind.FlushPost = func(r cacheops.Region) { c.exec.PostDMA(cacheops.DirRx, r) }
	}

	table := fastpath.NewTable(bind)
	c.patches = fastpath.MakeFrameworkBuilder().
		WithTable(table).
		WithLogger(c.log).
		Build(c.name + ".fastpath")

	_, err := c.patches.Apply(table.Plan(c.analysis, c.policy.State()))
	return err
}

func (c *Context) armRx() {
	for _, addr := range c.rxRing {
		c.prepareRx(addr)
		if err := c.dev.ProvideRxBuffer(addr, frameCapacity); err != nil {
			c.log.Printf("driver %s: rx buffer %#x not posted: %v", c.name, addr, err)
		}
	}
}

func (c *Context) prepareRx(addr uint64) {
	if c.exec != nil {
		c.exec.PreDMA(cacheops.DirRx, cacheops.Region{Addr: addr, Len: frameCapacity})
	}
}

// Send stages one frame in the bounce buffer and pushes it through the
// specialized path. The transfer routine and any cache work were chosen at
// boot; nothing here consults the policy.
func (c *Context) Send(frame []byte) error {
	if !c.up {
		if c.booted {
			return fmt.Errorf("driver %s: %w", c.name, device.ErrStopped)
		}
		log.Panic("driver is not booted")
	}
	if len(frame) == 0 || len(frame) > frameCapacity {
		return fmt.Errorf("driver %s: frame size %d outside 1..%d",
			c.name, len(frame), frameCapacity)
	}

	if err := c.mach.CPUWrite(c.txBuf, frame); err != nil {
		return fmt.Errorf("driver %s: stage frame: %w", c.name, err)
	}

	d := c.patches.Dispatch()
	d.PreDMA(cacheops.Region{Addr: c.txBuf, Len: len(frame)})
	if err := d.Send(c.txBuf, len(frame)); err != nil {
		c.tally.txErrors.Add(1)
		return fmt.Errorf("driver %s: transmit: %w", c.name, err)
	}
	c.tally.txFrames.Add(1)

	return nil
}

// SetFrameHandler installs the receiver for delivered frames. Install it
// before traffic; the worker invokes it with a copy of each frame.
func (c *Context) SetFrameHandler(fn func(frame []byte)) {
	c.onFrame = fn
}

// Name returns the driver name.
func (c *Context) Name() string {
	return c.name
}

// ID returns the per-boot instance identifier.
func (c *Context) ID() string {
	return c.id.String()
}

// Analysis returns the enhanced coherency analysis, or nil before boot.
func (c *Context) Analysis() *coherency.EnhancedAnalysis {
	return c.analysis
}

// PolicyState returns a copy of the current policy record.
func (c *Context) PolicyState() dmapolicy.Record {
	if c.policy == nil {
		return dmapolicy.Record{}
	}
	return c.policy.State()
}

// CanUseDMA reads the cached three-gate conjunction. This is the same bit
// the interrupt path sees; it never recomputes policy.
func (c *Context) CanUseDMA() bool {
	return c.dmaBit.Load()
}

// PatchReport returns what the one-time specialization did to the sites.
func (c *Context) PatchReport() fastpath.Report {
	if c.patches == nil {
		return fastpath.Report{}
	}
	return c.patches.Report()
}

// Queue returns the interrupt-to-worker ring, or nil before boot.
func (c *Context) Queue() *workqueue.Ring {
	return c.queue
}

// Executor returns the cache executor, or nil when the boot verdict
// disabled the bus master.
func (c *Context) Executor() *cacheops.Executor {
	return c.exec
}

// Params returns the data-path tuning derived at boot and refreshed on
// counter publications.
func (c *Context) Params() dmapolicy.Params {
	return c.params
}

// Counters returns a snapshot of the data-path totals.
func (c *Context) Counters() Counters {
	return Counters{
		RxFrames: c.tally.rxFrames.Load(),
		RxBytes:  c.tally.rxBytes.Load(),
		TxFrames: c.tally.txFrames.Load(),
		RxErrors: c.tally.rxErrors.Load(),
		TxErrors: c.tally.txErrors.Load(),
		Faults:   c.tally.faults.Load(),
	}
}

// ReportDMAFailure feeds one externally observed DMA failure into the
// policy, from mainline only. The stack calls this when payload integrity
// checks implicate a transfer; three in a row revoke the durable safety
// flag and retreat the packet path.
func (c *Context) ReportDMAFailure() {
	if c.dmaBit.Load() {
		c.policy.ReportFailure()
	}
}
