package enrich

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/coldpot-sec/coldpot/internal/classify"
	"github.com/coldpot-sec/coldpot/internal/sources"
	"github.com/stretchr/testify/require"
)

func TestEnrichIP_BogonShortCircuit(t *testing.T) {
	e := New(nil, nil, nil, nil, nil)
	got := e.EnrichIP(context.Background(), "10.0.0.5", nil)
	require.True(t, got.Validation.IsBogon)
	require.Empty(t, got.Meta.SourcesAttempted, "bogon short-circuit must skip the whole cascade")
}

func TestEnrichIP_FallsBackToBulkASNWhenOfflineHasNoASN(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"isVpn":false,"isTor":false,"isProxy":false,"isDatacenter":false}`))
	}))
	defer srv.Close()

	bulk := sources.NewBulkASNClient("127.0.0.1:0") // unreachable on purpose; Lookup skips the failed chunk, so bulk_asn yields no record

	e := New(nil, bulk, nil, classify.NewClassifier(), nil)
	got := e.EnrichIP(context.Background(), "8.8.8.8", nil)

	require.Contains(t, got.Meta.SourcesAttempted, "bulk_asn")
	require.NotContains(t, got.Meta.SourcesSucceeded, "offline", "offline was never configured, so it can't succeed")
}

func TestEnrichIP_ScannerSkippedWithoutActivity(t *testing.T) {
	scanner := sources.NewScannerClient("http://unused", "key", 100, 10)
	e := New(nil, nil, scanner, classify.NewClassifier(), nil)

	got := e.EnrichIP(context.Background(), "1.2.3.4", nil)
	require.Contains(t, got.Meta.SourcesSkipped, "scanner")
	require.Equal(t, "activity_filter", got.Meta.SkipReasons["scanner"])
}

func TestEnrichIP_ScannerRunsWhenActivityFilterPasses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"isVpn":true,"isTor":false,"isProxy":false,"isDatacenter":false}`))
	}))
	defer srv.Close()

	scanner := sources.NewScannerClient(srv.URL, "key", 100, 1000)
	e := New(nil, nil, scanner, classify.NewClassifier(), nil)

	active := &SessionContext{CommandCount: 20}
	got := e.EnrichIP(context.Background(), "9.9.9.9", active)

	require.Contains(t, got.Meta.SourcesSucceeded, "scanner")
	require.NotNil(t, got.IPClassification)
	require.Equal(t, "VPN", got.IPClassification.IPType)
}

func TestEnrichIP_ScannerQuotaExhaustedIsSkipNotFailure(t *testing.T) {
	scanner := sources.NewScannerClient("http://unused", "key", 0, 10)
	e := New(nil, nil, scanner, classify.NewClassifier(), nil)

	active := &SessionContext{VTFlagged: true}
	got := e.EnrichIP(context.Background(), "9.9.9.9", active)

	require.Contains(t, got.Meta.SourcesSkipped, "scanner")
	require.Equal(t, "quota_exhausted", got.Meta.SkipReasons["scanner"])
	require.NotContains(t, got.Meta.SourcesFailed, "scanner")
}

func TestNeedsReenrichment(t *testing.T) {
	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)

	require.True(t, NeedsReenrichment(nil, false, now))

	recent := now.Add(-time.Hour)
	require.False(t, NeedsReenrichment(&recent, true, now))

	oldScanner := now.Add(-8 * 24 * time.Hour)
	require.True(t, NeedsReenrichment(&oldScanner, true, now))
	require.False(t, NeedsReenrichment(&oldScanner, false, now))

	veryOld := now.Add(-91 * 24 * time.Hour)
	require.True(t, NeedsReenrichment(&veryOld, false, now))
}

func TestPoolSize(t *testing.T) {
	require.Equal(t, 1, poolSize(1, 1000))
	require.LessOrEqual(t, poolSize(64, 50), 64)
	require.Equal(t, 1, poolSize(0, -1))
}

func TestClassifyIntegration(t *testing.T) {
	cls := classify.NewClassifier()
	e := New(nil, nil, nil, cls, nil)
	got := e.EnrichIP(context.Background(), "203.0.113.5", nil)
	require.NotNil(t, got.IPClassification)
	addr := netip.MustParseAddr("203.0.113.5")
	direct := cls.Classify(addr, 0, "")
	require.Equal(t, direct.IPType, got.IPClassification.IPType)
}
