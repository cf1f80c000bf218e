// Package classify implements the IP Infrastructure Classifier (C3): a
// priority-ordered matcher cascade over reference sets that are swapped
// atomically on refresh (spec.md §4.G).
package classify

import (
	"net/netip"
	"regexp"
	"time"

	"go4.org/netipx"
)

// Result is what the classifier returns for one IP.
type Result struct {
	IPType       string
	Provider     string
	Confidence   float64
	Source       string
	ClassifiedAt time.Time
}

const (
	TypeTOR         = "TOR"
	TypeCloud       = "CLOUD"
	TypeDatacenter  = "DATACENTER"
	TypeResidential = "RESIDENTIAL"
	TypeUnknown     = "UNKNOWN"
)

// datacenterExclusionPatterns match AS names that disqualify an IP from
// being residential even though it didn't land in a known datacenter
// CIDR tree; residentialInclusionPatterns are checked only once none of
// the exclusion patterns match (spec.md §4.G step 4).
var datacenterExclusionPatterns = compileAll([]string{
	`(?i)hosting`, `(?i)datacenter`, `(?i)data center`, `(?i)colo(cation)?`,
	`(?i)\bvps\b`, `(?i)server`, `(?i)cloud`, `(?i)dedicated`,
})

var residentialInclusionPatterns = compileAll([]string{
	`(?i)telecom`, `(?i)broadband`, `(?i)mobile`, `(?i)wireless`,
	`(?i)cable`, `(?i)\bdsl\b`, `(?i)fiber`, `(?i)internet service`, `(?i)\bisp\b`,
})

func compileAll(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(p)
	}
	return out
}

// refSets is one atomically-swappable snapshot of every matcher's
// reference data; readers always see either a fully old or fully new
// set, never a partial one (spec.md §5 shared-resource policy).
type refSets struct {
	torExits   map[netip.Addr]struct{}
	cloud      map[string]*netipx.IPSet // provider -> set
	datacenter *netipx.IPSet
}

func emptyRefSets() *refSets {
	return &refSets{
		torExits: make(map[netip.Addr]struct{}),
		cloud:    make(map[string]*netipx.IPSet),
	}
}

// Classifier holds the current reference sets behind an atomic pointer
// and exposes Classify as a pure function of (ip, asn, as_name) plus
// whatever set is current at call time; Classify itself performs no I/O
// (spec.md §4.G).
type Classifier struct {
	current atomicRefSets
}

func NewClassifier() *Classifier {
	c := &Classifier{}
	c.current.Store(emptyRefSets())
	return c
}

// Classify runs the priority cascade: TOR -> cloud -> datacenter ->
// residential heuristic -> UNKNOWN. Confidences and ordering are fixed by
// spec.md §4.G; ties are impossible because each matcher is disjoint at
// its decision point.
func (c *Classifier) Classify(ip netip.Addr, asn uint, asName string) Result {
	sets := c.current.Load()
	now := time.Now().UTC()

	if _, ok := sets.torExits[ip]; ok {
		return Result{IPType: TypeTOR, Confidence: 0.95, Source: "tor_exit_set", ClassifiedAt: now}
	}

	for provider, set := range sets.cloud {
		if set != nil && set.Contains(ip) {
			return Result{IPType: TypeCloud, Provider: provider, Confidence: 0.99, Source: "cloud_cidr", ClassifiedAt: now}
		}
	}

	if sets.datacenter != nil && sets.datacenter.Contains(ip) {
		return Result{IPType: TypeDatacenter, Confidence: 0.75, Source: "datacenter_cidr", ClassifiedAt: now}
	}

	if asName != "" {
		excluded := false
		for _, re := range datacenterExclusionPatterns {
			if re.MatchString(asName) {
				excluded = true
				break
			}
		}
		if !excluded {
			for _, re := range residentialInclusionPatterns {
				if re.MatchString(asName) {
					return Result{IPType: TypeResidential, Confidence: 0.70, Source: "as_name_heuristic", ClassifiedAt: now}
				}
			}
		}
	}

	return Result{IPType: TypeUnknown, Confidence: 0.0, Source: "fallback", ClassifiedAt: now}
}

// SnapshotPriority maps the spec's fixed IP-type priority order
// (VPN > TOR > PROXY > DATACENTER > RESIDENTIAL > MOBILE) used by the
// Snapshot Writer (§4.I step 3) to pick one type out of a multi-valued
// ip_types list.
var SnapshotPriority = []string{"VPN", "TOR", "PROXY", "DATACENTER", "RESIDENTIAL", "MOBILE"}

// FirstByPriority returns the first entry in ipTypes that appears in
// SnapshotPriority order, or "" if none match.
func FirstByPriority(ipTypes []string) string {
	present := make(map[string]bool, len(ipTypes))
	for _, t := range ipTypes {
		present[t] = true
	}
	for _, t := range SnapshotPriority {
		if present[t] {
			return t
		}
	}
	return ""
}
