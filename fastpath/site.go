package fastpath

// PlaceholderSize is the width of every patchable site. Five bytes fits one
// near call with a 32-bit displacement, which is what every variant encodes.
const PlaceholderSize = 5

// canonicalPlaceholder is the byte pattern every site is born with: a run of
// single-byte no-ops that falls through to the baseline transfer path.
var canonicalPlaceholder = [PlaceholderSize]byte{0x90, 0x90, 0x90, 0x90, 0x90}

// Placeholder returns the canonical no-op pattern a site must hold before it
// may be rewritten.
func Placeholder() [PlaceholderSize]byte {
	return canonicalPlaceholder
}

// SiteKind names the patchable locations on the packet path.
type SiteKind int

const (
	// SiteSend is the outbound transfer entry.
	SiteSend SiteKind = iota

	// SiteReceive is the inbound transfer entry.
	SiteReceive

	// SitePreDMA is the cache management slot ahead of a transmit.
	SitePreDMA

	// SitePostDMA is the cache management slot after a receive lands.
	SitePostDMA

	numSiteKinds
)

var siteNames = map[SiteKind]string{
	SiteSend:    "send",
	SiteReceive: "receive",
	SitePreDMA:  "pre-dma",
	SitePostDMA: "post-dma",
}

func (k SiteKind) String() string {
	if s, ok := siteNames[k]; ok {
		return s
	}
	return "unknown"
}

// A Site is one fixed-width patchable location. The driver owns its sites
// and fills them with the canonical placeholder at build time; the framework
// is the only writer afterwards, and it writes at most once.
type Site struct {
	kind  SiteKind
	bytes [PlaceholderSize]byte
}

// NewSite returns a site of the given kind holding the canonical
// placeholder.
func NewSite(kind SiteKind) *Site {
	return &Site{kind: kind, bytes: canonicalPlaceholder}
}

// NewSiteHolding returns a site pre-loaded with arbitrary bytes. It models a
// location something else already wrote to; the framework will refuse to
// patch it.
func NewSiteHolding(kind SiteKind, b [PlaceholderSize]byte) *Site {
	return &Site{kind: kind, bytes: b}
}

// Kind returns the location this site specializes.
func (s *Site) Kind() SiteKind { return s.kind }

// Bytes returns the bytes currently at the site.
func (s *Site) Bytes() [PlaceholderSize]byte { return s.bytes }

// HoldsPlaceholder reports whether the site still carries the canonical
// pattern and is therefore safe to rewrite.
func (s *Site) HoldsPlaceholder() bool {
	return s.bytes == canonicalPlaceholder
}

func (s *Site) write(b [PlaceholderSize]byte) {
	s.bytes = b
}
