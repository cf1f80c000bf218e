package classify

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/netip"
	"strings"
)

// httpGetLines fetches url and returns its body split into trimmed,
// non-empty, non-comment lines — the lowest-common-denominator format for
// TOR exit lists and CIDR feeds alike.
func httpGetLines(ctx context.Context, client *http.Client, url string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}

	var out []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out, scanner.Err()
}

// NewHTTPTORExitFetcher builds a TORExitFetcher over a plaintext exit-node
// list (one IP per line, e.g. the Tor Project's published exit list).
func NewHTTPTORExitFetcher(client *http.Client, url string) TORExitFetcher {
	return func(ctx context.Context) ([]netip.Addr, error) {
		lines, err := httpGetLines(ctx, client, url)
		if err != nil {
			return nil, err
		}
		addrs := make([]netip.Addr, 0, len(lines))
		for _, l := range lines {
			if addr, err := netip.ParseAddr(l); err == nil {
				addrs = append(addrs, addr)
			}
		}
		return addrs, nil
	}
}

// NewHTTPCIDRFetcher builds a CIDRFetcher over a plaintext CIDR list (one
// prefix per line, e.g. a cloud provider's published IP range file).
func NewHTTPCIDRFetcher(client *http.Client, url string) CIDRFetcher {
	return func(ctx context.Context) ([]string, error) {
		return httpGetLines(ctx, client, url)
	}
}
