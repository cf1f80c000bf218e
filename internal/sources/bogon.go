package sources

import "net"

// privateBlocks is the RFC1918 + link-local + loopback + CGNAT set used to
// short-circuit enrichment before any external source is invoked (spec.md
// §4.H step 1).
var privateBlocks = mustParseCIDRs([]string{
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"100.64.0.0/10",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
})

func mustParseCIDRs(cidrs []string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic("sources: invalid bogon cidr literal " + c)
		}
		out = append(out, n)
	}
	return out
}

// IsBogon reports whether ip is private, loopback, link-local, or CGNAT —
// any of which means it can never be internet-routable infrastructure
// worth enriching.
func IsBogon(ip net.IP) bool {
	if ip == nil {
		return true
	}
	for _, n := range privateBlocks {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
