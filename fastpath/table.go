package fastpath

import (
	"encoding/binary"
	"log"
	"strings"

	"github.com/jfabienke/3com-packet-driver-sub008/cacheops"
	"github.com/jfabienke/3com-packet-driver-sub008/coherency"
	"github.com/jfabienke/3com-packet-driver-sub008/cpu"
	"github.com/jfabienke/3com-packet-driver-sub008/dmapolicy"
)

// Condition is the safety finding a variant is built for. Transfer sites
// choose between the two DMA conditions; cache sites choose between the two
// flush conditions.
type Condition int

const (
	// CondPIOForced selects the processor-mediated transfer routine.
	CondPIOForced Condition = iota

	// CondDMASafe selects the bus-master transfer routine.
	CondDMASafe

	// CondFlushNeeded selects the tier's cache management routine.
	CondFlushNeeded

	// CondFlushNotNeeded leaves the site on its placeholder.
	CondFlushNotNeeded
)

var conditionNames = map[Condition]string{
	CondPIOForced:      "pio-forced",
	CondDMASafe:        "dma-safe",
	CondFlushNeeded:    "flush-needed",
	CondFlushNotNeeded: "flush-not-needed",
}

func (c Condition) String() string {
	if s, ok := conditionNames[c]; ok {
		return s
	}
	return "unknown"
}

// A SendFunc moves one outbound frame of n bytes at addr to the adapter.
type SendFunc func(addr uint64, n int) error

// A ReceiveFunc lands one inbound frame of up to n bytes at addr and
// returns how many bytes arrived.
type ReceiveFunc func(addr uint64, n int) (int, error)

// A CacheFunc performs cache management around one DMA transfer.
type CacheFunc func(r cacheops.Region)

// Dispatch is the branch-free packet path: four function values resolved
// once at boot. The interrupt-driven code calls through these and never
// consults the analysis or the policy again.
type Dispatch struct {
	Send    SendFunc
	Receive ReceiveFunc
	PreDMA  CacheFunc
	PostDMA CacheFunc
}

// Bindings supplies the routines variants resolve to. The driver fills it
// from the adapter and the cache executor.
type Bindings struct {
	PIOSend    SendFunc
	PIOReceive ReceiveFunc
	DMASend    SendFunc
	DMAReceive ReceiveFunc
	FlushPre   CacheFunc
	FlushPost  CacheFunc
}

// A Variant is one pre-built replacement: the bytes that go into the site
// and the routine the dispatch entry resolves to.
type Variant struct {
	Bytes [PlaceholderSize]byte

	bind func(*Dispatch)
}

type variantKey struct {
	kind SiteKind
	gen  cpu.Generation
	cond Condition
}

// Table holds one variant per (site, CPU generation, condition)
// combination. It is immutable after construction.
type Table struct {
	bindings Bindings
	variants map[variantKey]Variant
}

// Synthetic resident-image layout. Sites sit at fixed offsets on the hot
// path; each generation's specialized routine sits at its own offset, so a
// variant's call displacement identifies exactly which routine it targets.
const (
	opcodeCallNear = 0xE8

	siteBase    = 0x0100
	siteStride  = 0x20
	routineBase = 0x2000
	kindStride  = 0x0400
	condStride  = 0x0100
	genStride   = 0x40
)

func siteOffset(k SiteKind) uint32 {
	return siteBase + uint32(k)*siteStride
}

func routineOffset(k SiteKind, g cpu.Generation, c Condition) uint32 {
	return routineBase + uint32(k)*kindStride + uint32(c)*condStride +
		uint32(g)*genStride
}

// callTo encodes a near call from the site to the routine.
func callTo(k SiteKind, g cpu.Generation, c Condition) [PlaceholderSize]byte {
	var b [PlaceholderSize]byte
	b[0] = opcodeCallNear
	rel := routineOffset(k, g, c) - (siteOffset(k) + PlaceholderSize)
	binary.LittleEndian.PutUint32(b[1:], rel)
	return b
}

var tableGenerations = []cpu.Generation{
	cpu.Gen286, cpu.Gen386, cpu.Gen486,
	cpu.GenPentium, cpu.GenP6, cpu.GenP4,
}

func knownGeneration(g cpu.Generation) bool {
	for _, known := range tableGenerations {
		if g == known {
			return true
		}
	}
	return false
}

// NewTable builds the full variant table over the given bindings. Every
// binding must be present.
func NewTable(b Bindings) *Table {
	if b.PIOSend == nil || b.PIOReceive == nil {
		log.Panic("pio bindings are not given")
	}
	if b.DMASend == nil || b.DMAReceive == nil {
		log.Panic("dma bindings are not given")
	}
	if b.FlushPre == nil || b.FlushPost == nil {
		log.Panic("flush bindings are not given")
	}

	t := &Table{
		bindings: b,
		variants: make(map[variantKey]Variant),
	}

	type siteCond struct {
		kind SiteKind
		cond Condition
	}
	binds := map[siteCond]func(*Dispatch){
		{SiteSend, CondPIOForced}:      func(d *Dispatch) { d.Send = b.PIOSend },
		{SiteSend, CondDMASafe}:        func(d *Dispatch) { d.Send = b.DMASend },
		{SiteReceive, CondPIOForced}:   func(d *Dispatch) { d.Receive = b.PIOReceive },
		{SiteReceive, CondDMASafe}:     func(d *Dispatch) { d.Receive = b.DMAReceive },
		{SitePreDMA, CondFlushNeeded}:  func(d *Dispatch) { d.PreDMA = b.FlushPre },
		{SitePostDMA, CondFlushNeeded}: func(d *Dispatch) { d.PostDMA = b.FlushPost },
	}

	for _, g := range tableGenerations {
		for sc, bind := range binds {
			t.variants[variantKey{sc.kind, g, sc.cond}] = Variant{
				Bytes: callTo(sc.kind, g, sc.cond),
				bind:  bind,
			}
		}

		// The not-needed condition is the placeholder itself: the site
		// stays untouched and the baseline no-op serves the dispatch.
		for _, k := range []SiteKind{SitePreDMA, SitePostDMA} {
			t.variants[variantKey{k, g, CondFlushNotNeeded}] = Variant{
				Bytes: canonicalPlaceholder,
			}
		}
	}

	return t
}

// Baseline returns the dispatch the unpatched placeholders fall through to:
// processor-mediated transfers and no extra cache work.
func (t *Table) Baseline() Dispatch {
	return Dispatch{
		Send:    t.bindings.PIOSend,
		Receive: t.bindings.PIOReceive,
		PreDMA:  func(cacheops.Region) {},
		PostDMA: func(cacheops.Region) {},
	}
}

func (t *Table) variant(k SiteKind, g cpu.Generation, c Condition) Variant {
	v, ok := t.variants[variantKey{k, g, c}]
	if !ok {
		log.Panicf("no variant for site %s, generation %s, condition %s",
			k, g, c)
	}
	return v
}

// A Choice is one site's planned condition.
type Choice struct {
	Site SiteKind
	Cond Condition
}

// A Plan fixes the variant selection for every site. It is a pure function
// of the analysis and the policy record; planning never runs a test.
type Plan struct {
	Generation cpu.Generation
	Choices    []Choice
}

func (p Plan) String() string {
	parts := make([]string, 0, len(p.Choices))
	for _, c := range p.Choices {
		parts = append(parts, c.Site.String()+"="+c.Cond.String())
	}
	return strings.Join(parts, " ")
}

// Plan selects one condition per site from the boot-time findings. Transfer
// sites specialize either way; cache sites are only worth patching when DMA
// is in play and the direction's tier demands management.
func (t *Table) Plan(a *coherency.EnhancedAnalysis, rec dmapolicy.Record) Plan {
	dmaOn := rec.CanUseDMA() &&
		a.SelectedTier != coherency.TierBusMasterDisabled

	transfer := CondPIOForced
	if dmaOn {
		transfer = CondDMASafe
	}

	pre := CondFlushNotNeeded
	if dmaOn && a.TxTier.ManagesCache() {
		pre = CondFlushNeeded
	}
	post := CondFlushNotNeeded
	if dmaOn && a.RxTier.ManagesCache() {
		post = CondFlushNeeded
	}

	// An unrecognized part plans as a 486, the conservative middle of
	// the family.
	gen := a.CPU.Generation
	if !knownGeneration(gen) {
		gen = cpu.Gen486
	}

	return Plan{
		Generation: gen,
		Choices: []Choice{
			{SiteSend, transfer},
			{SiteReceive, transfer},
			{SitePreDMA, pre},
			{SitePostDMA, post},
		},
	}
}
