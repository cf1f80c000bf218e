package sources

import (
	"context"
	"testing"
)

func TestParseBulkASNLine(t *testing.T) {
	cases := []struct {
		name string
		line string
		want BulkASNResult
		ok   bool
	}{
		{
			name: "full record",
			line: "64500 | 198.51.100.7 | US | arin | 2010-01-01 | EXAMPLE-AS, US",
			want: BulkASNResult{IP: "198.51.100.7", ASN: 64500, Country: "US", ASName: "EXAMPLE-AS, US"},
			ok:   true,
		},
		{
			name: "missing as name",
			line: "64500 | 198.51.100.7 | US",
			want: BulkASNResult{IP: "198.51.100.7", ASN: 64500, Country: "US"},
			ok:   true,
		},
		{
			name: "not announced",
			line: "NA | 198.51.100.8 | NA",
			ok:   false,
		},
		{
			name: "too few fields",
			line: "64500",
			ok:   false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := parseBulkASNLine(tc.line)
			if ok != tc.ok {
				t.Fatalf("ok = %v, want %v", ok, tc.ok)
			}
			if ok && got != tc.want {
				t.Fatalf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestBulkASNClient_LookupContinuesPastFailedChunks(t *testing.T) {
	ips := make([]string, MaxBulkASNBatch+50)
	for i := range ips {
		ips[i] = "198.51.100.1"
	}

	c := NewBulkASNClient("127.0.0.1:0")
	// No listener at that address: every chunk dial fails and is skipped,
	// but Lookup itself must not error out — it should return an empty,
	// not-erroring result per the graceful-continue contract.
	res, err := c.Lookup(context.Background(), ips)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res) != 0 {
		t.Fatalf("expected no results against an unreachable host, got %d", len(res))
	}
}
