package dmapolicy

import (
	"log"

	"github.com/jfabienke/3com-packet-driver-sub008/coherency"
	"github.com/jfabienke/3com-packet-driver-sub008/hooking"
	"github.com/jfabienke/3com-packet-driver-sub008/hostenv"
)

// failureLimit is the three-strikes bound: this many consecutive runtime
// DMA failures revoke the durable safety flag.
const failureLimit = 3

// HookPosTransition marks a persisted policy state change. The hook item is
// a Transition.
var HookPosTransition = &hooking.HookPos{Name: "PolicyTransition"}

// HookPosCounterRegression marks a non-wrap counter regression. The hook
// item is a CounterRegression.
var HookPosCounterRegression = &hooking.HookPos{Name: "CounterRegression"}

// A Transition is one safety-relevant state change and the state after it.
type Transition struct {
	What  string
	State Record
}

// Policy owns the DMA enablement state. It runs on the mainline only; the
// interrupt path reads a cached bit the driver refreshes after every
// transition instead of calling in here.
type Policy struct {
	hooking.HookableBase

	name  string
	store *Store
	sig   uint32
	log   *log.Logger

	state    Record
	counters counterWatch
}

// PolicyBuilder assembles a Policy.
type PolicyBuilder struct {
	store *Store
	id    Identity
	log   *log.Logger
}

// MakePolicyBuilder returns a builder with no defaults filled.
func MakePolicyBuilder() PolicyBuilder {
	return PolicyBuilder{log: log.Default()}
}

// WithStore sets the persistence backend.
func (b PolicyBuilder) WithStore(s *Store) PolicyBuilder {
	b.store = s
	return b
}

// WithIdentity sets the hardware identity the record binds to.
func (b PolicyBuilder) WithIdentity(id Identity) PolicyBuilder {
	b.id = id
	return b
}

// WithLogger sets the diagnostic logger.
func (b PolicyBuilder) WithLogger(l *log.Logger) PolicyBuilder {
	b.log = l
	return b
}

// Build creates the policy with everything disabled until history is loaded
// and validation runs.
func (b PolicyBuilder) Build(name string) *Policy {
	if b.store == nil {
		log.Panic("store is not given")
	}

	return &Policy{
		name:  name,
		store: b.store,
		sig:   b.id.Signature(),
		log:   b.log,
	}
}

// Name returns the name of the policy.
func (p *Policy) Name() string {
	return p.name
}

// Load adopts persisted history. Missing or corrupt history is a fresh
// start, not an error. A hardware signature mismatch keeps the stored tier
// as a hint but clears both trust flags: the hardware changed, so testing
// must be redone.
func (p *Policy) Load() {
	rec, err := p.store.Load()
	if err != nil {
		if safe, ok := p.store.LoadEnvFallback(); ok {
			p.state.LastKnownSafe = safe
			p.log.Printf("policy %s: %v; safety bit recovered from environment", p.name, err)
			return
		}
		p.log.Printf("policy %s: %v; starting fresh", p.name, err)
		return
	}

	if rec.Signature != p.sig {
		rec.ValidationPassed = false
		rec.LastKnownSafe = false
		rec.FailureCount = 0
		p.log.Printf("policy %s: hardware signature %#x does not match live %#x; trust cleared",
			p.name, rec.Signature, p.sig)
	}
	p.state = rec
}

// NoteAnalysis records the coherency outcome the persisted record carries
// for later boots and exports. Informational; persisted with the next
// safety-relevant transition.
func (p *Policy) NoteAnalysis(tier coherency.Tier, env hostenv.Environment) {
	p.state.CacheTier = tier
	p.state.VDSPresent = env.VDSPresent()
	p.state.EMSPresent = env.EMSPresent
	p.state.XMSPresent = env.XMSPresent
}

// Validate runs the capability gate battery and records its verdict. A
// passing battery also earns the durable safety flag and clears any stale
// failure streak, since a full retest supersedes old runtime evidence.
func (p *Policy) Validate(in GateInputs) Decision {
	d := RunGates(in)

	p.state.ValidationPassed = d.Allowed
	if d.Allowed {
		p.state.LastKnownSafe = true
		p.state.FailureCount = 0
	} else {
		p.log.Printf("policy %s: %s", p.name, d.Reason())
	}
	p.persist("validate")

	return d
}

// SetRuntimeEnable flips the operator gate. Takes effect immediately, no
// retest involved.
func (p *Policy) SetRuntimeEnable(on bool) {
	if p.state.RuntimeEnable == on {
		return
	}
	p.state.RuntimeEnable = on
	p.persist("runtime-enable")
}

// ReportFailure accumulates one runtime DMA failure. The third consecutive
// failure revokes the durable safety flag and persists the revocation.
func (p *Policy) ReportFailure() {
	if p.state.FailureCount < 255 {
		p.state.FailureCount++
	}
	if p.state.FailureCount >= failureLimit && p.state.LastKnownSafe {
		p.state.LastKnownSafe = false
		p.log.Printf("policy %s: %d consecutive DMA failures; durable safety revoked",
			p.name, p.state.FailureCount)
	}
	p.persist("runtime-failure")
}

// ReportSuccess clears the failure streak. One success after one or two
// failures resets the counter without touching the safety flag.
func (p *Policy) ReportSuccess() {
	if p.state.FailureCount == 0 {
		return
	}
	p.state.FailureCount = 0
	p.persist("runtime-success")
}

// ReportCounters feeds the live data-path counters through the
// monotonicity check. A regression that is not a 32-bit wrap is evidence of
// instability: it is logged, hooked, and counted, never ignored.
func (p *Policy) ReportCounters(throughput, violations uint32) {
	for _, reg := range p.counters.observe(throughput, violations) {
		p.log.Printf("policy %s: %s counter regressed %d -> %d", p.name, reg.Name, reg.From, reg.To)
		p.InvokeHook(hooking.HookCtx{Domain: p, Pos: HookPosCounterRegression, Item: reg})
	}
}

// Regressions returns how many non-wrap counter regressions were seen.
func (p *Policy) Regressions() uint64 {
	return p.counters.regressions
}

// CanUseDMA reports the three-gate conjunction on the current state.
func (p *Policy) CanUseDMA() bool {
	return p.state.CanUseDMA()
}

// State returns a copy of the current record.
func (p *Policy) State() Record {
	return p.state
}

func (p *Policy) persist(what string) {
	p.state.Signature = p.sig
	if err := p.store.Save(p.state); err != nil {
		p.log.Printf("policy %s: %v", p.name, err)
	}
	p.InvokeHook(hooking.HookCtx{
		Domain: p,
		Pos:    HookPosTransition,
		Item:   Transition{What: what, State: p.state},
	})
}
