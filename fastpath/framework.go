// Package fastpath turns the one-time tier and policy decision into a
// branch-free packet path. Each patchable site starts as a canonical
// placeholder; applying a plan verifies the placeholder, writes the chosen
// variant's bytes, and binds the matching routine into a dispatch table
// published with a single atomic store. Nothing here runs after the
// interrupt path is armed.
package fastpath

import (
	"errors"
	"log"
	"sync/atomic"
)

// ErrAlreadyApplied reports a second specialization attempt. The packet
// path is patched exactly once per boot.
var ErrAlreadyApplied = errors.New("fastpath: plan already applied")

// A Report tallies what one application did to the sites.
type Report struct {
	// Patched sites were rewritten with a variant.
	Patched []SiteKind

	// Untouched sites kept their placeholder because the plan found no
	// work for them.
	Untouched []SiteKind

	// Failed sites did not hold the canonical placeholder. They were
	// left byte-for-byte as found and their dispatch entries stay on the
	// baseline path.
	Failed []SiteKind
}

// Framework owns the sites and the published dispatch. It runs once,
// synchronously, during initialization, strictly before the interrupt path
// is armed.
type Framework struct {
	name  string
	log   *log.Logger
	table *Table
	sites map[SiteKind]*Site

	dispatch atomic.Pointer[Dispatch]
	applied  bool
	report   Report
}

// FrameworkBuilder assembles a Framework.
type FrameworkBuilder struct {
	table *Table
	log   *log.Logger
	sites map[SiteKind]*Site
}

// MakeFrameworkBuilder returns a builder that creates placeholder sites for
// every kind unless told otherwise.
func MakeFrameworkBuilder() FrameworkBuilder {
	return FrameworkBuilder{
		log:   log.Default(),
		sites: make(map[SiteKind]*Site),
	}
}

// WithTable sets the variant table.
func (b FrameworkBuilder) WithTable(t *Table) FrameworkBuilder {
	b.table = t
	return b
}

// WithLogger sets the diagnostic logger.
func (b FrameworkBuilder) WithLogger(l *log.Logger) FrameworkBuilder {
	b.log = l
	return b
}

// WithSite replaces the default placeholder site of the same kind.
func (b FrameworkBuilder) WithSite(s *Site) FrameworkBuilder {
	b.sites[s.Kind()] = s
	return b
}

// Build creates the framework. Until a plan is applied the dispatch serves
// the baseline path.
func (b FrameworkBuilder) Build(name string) *Framework {
	if b.table == nil {
		log.Panic("table is not given")
	}

	f := &Framework{
		name:  name,
		log:   b.log,
		table: b.table,
		sites: make(map[SiteKind]*Site),
	}
	for k := SiteKind(0); k < numSiteKinds; k++ {
		if s, ok := b.sites[k]; ok {
			f.sites[k] = s
		} else {
			f.sites[k] = NewSite(k)
		}
	}

	baseline := b.table.Baseline()
	f.dispatch.Store(&baseline)

	return f
}

// Name returns the name of the framework.
func (f *Framework) Name() string {
	return f.name
}

// Site returns the site of the given kind.
func (f *Framework) Site(k SiteKind) *Site {
	return f.sites[k]
}

// Dispatch returns the current packet path. Before Apply it is the
// baseline; afterwards it is the specialized table. The pointer swap is the
// publication step: a reader sees the old table or the new one, never a mix.
func (f *Framework) Dispatch() *Dispatch {
	return f.dispatch.Load()
}

// Report returns what the application did. It is zero until Apply runs.
func (f *Framework) Report() Report {
	return f.report
}

// Apply specializes the packet path per the plan. Every site is verified to
// hold the canonical placeholder before it is written; a mismatched site is
// logged, counted, and left exactly as found, with its dispatch entry on the
// baseline path. The new dispatch becomes visible in one atomic store after
// all sites are settled.
func (f *Framework) Apply(p Plan) (Report, error) {
	if f.applied {
		return Report{}, ErrAlreadyApplied
	}
	f.applied = true

	d := f.table.Baseline()
	var rep Report

	for _, c := range p.Choices {
		site := f.sites[c.Site]
		v := f.table.variant(c.Site, p.Generation, c.Cond)

		if v.Bytes == canonicalPlaceholder {
			rep.Untouched = append(rep.Untouched, c.Site)
			continue
		}

		if !site.HoldsPlaceholder() {
			f.log.Printf(
				"fastpath %s: site %s holds % x, want placeholder, keeping baseline path",
				f.name, c.Site, site.Bytes())
			rep.Failed = append(rep.Failed, c.Site)
			continue
		}

		site.write(v.Bytes)
		v.bind(&d)
		rep.Patched = append(rep.Patched, c.Site)
	}

	f.dispatch.Store(&d)
	f.report = rep

	f.log.Printf("fastpath %s: applied %s (%d patched, %d untouched, %d failed)",
		f.name, p, len(rep.Patched), len(rep.Untouched), len(rep.Failed))

	return rep, nil
}

// Retreat republishes the baseline dispatch, putting the packet path back on
// PIO transfers with no cache management. The driver calls it when runtime
// evidence revokes the DMA verdict after the boot-time specialization; the
// site bytes stay as applied, only the published table changes. In-flight
// readers finish on the table they loaded.
func (f *Framework) Retreat() {
	baseline := f.table.Baseline()
	f.dispatch.Store(&baseline)
	f.log.Printf("fastpath %s: retreated to the baseline path", f.name)
}
