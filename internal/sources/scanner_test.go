package sources

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestScannerClient_BudgetExhaustion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]bool{"isVpn": false})
	}))
	defer srv.Close()

	clk := clockwork.NewFakeClock()
	c := NewScannerClient(srv.URL, "key", 2, rate.Inf, WithScannerClock(clk))

	ctx := context.Background()
	_, err := c.Lookup(ctx, "198.51.100.1")
	require.NoError(t, err)
	_, err = c.Lookup(ctx, "198.51.100.2")
	require.NoError(t, err)

	_, err = c.Lookup(ctx, "198.51.100.3")
	require.ErrorIs(t, err, ErrQuotaExhausted)
}

func TestScannerClient_BudgetResetsOnUTCRollover(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]bool{"isVpn": false})
	}))
	defer srv.Close()

	clk := clockwork.NewFakeClock()
	c := NewScannerClient(srv.URL, "key", 1, rate.Inf, WithScannerClock(clk))

	ctx := context.Background()
	_, err := c.Lookup(ctx, "198.51.100.1")
	require.NoError(t, err)
	_, err = c.Lookup(ctx, "198.51.100.2")
	require.ErrorIs(t, err, ErrQuotaExhausted)

	clk.Advance(25 * time.Hour)
	require.Equal(t, 1, c.RemainingBudget())

	_, err = c.Lookup(ctx, "198.51.100.3")
	require.NoError(t, err)
}

func TestScannerClient_ClassifiesByPriority(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]bool{"isVpn": true, "isTor": true})
	}))
	defer srv.Close()

	c := NewScannerClient(srv.URL, "key", 10, rate.Inf)
	got, err := c.Lookup(context.Background(), "198.51.100.1")
	require.NoError(t, err)
	require.Equal(t, "VPN", got.IPType)
}

func TestPassesActivityFilter(t *testing.T) {
	cases := []struct {
		name string
		a    SessionActivity
		want bool
	}{
		{"idle", SessionActivity{}, false},
		{"many commands", SessionActivity{CommandCount: 10}, true},
		{"file downloads", SessionActivity{FileDownloads: 5}, true},
		{"vt flagged", SessionActivity{VTFlagged: true}, true},
		{"long duration", SessionActivity{DurationSeconds: 300}, true},
		{"just under thresholds", SessionActivity{CommandCount: 9, FileDownloads: 4, DurationSeconds: 299}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, PassesActivityFilter(tc.a))
		})
	}
}
