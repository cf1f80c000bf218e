package classify

import (
	"context"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifier_PriorityCascade(t *testing.T) {
	cls := NewClassifier()
	sched := NewRefreshScheduler(cls)

	torIP := netip.MustParseAddr("198.51.100.1")
	cloudIP := netip.MustParseAddr("203.0.113.10")
	dcIP := netip.MustParseAddr("192.0.2.50")

	sched.SetTORFetcher(func(ctx context.Context) ([]netip.Addr, error) {
		return []netip.Addr{torIP}, nil
	})
	sched.SetCloudFetcher("aws", func(ctx context.Context) ([]string, error) {
		return []string{"203.0.113.0/24"}, nil
	})
	sched.SetDatacenterFetcher(func(ctx context.Context) ([]string, error) {
		return []string{"192.0.2.0/24"}, nil
	})
	require.NoError(t, sched.RefreshAll(context.Background()))

	// TOR wins even though the same IP might also sit in a cloud range.
	got := cls.Classify(torIP, 0, "")
	require.Equal(t, TypeTOR, got.IPType)
	require.Equal(t, 0.95, got.Confidence)

	got = cls.Classify(cloudIP, 0, "")
	require.Equal(t, TypeCloud, got.IPType)
	require.Equal(t, "aws", got.Provider)

	got = cls.Classify(dcIP, 0, "")
	require.Equal(t, TypeDatacenter, got.IPType)

	got = cls.Classify(netip.MustParseAddr("203.0.113.200"), 0, "Example Broadband Cable ISP")
	require.Equal(t, TypeResidential, got.IPType)

	got = cls.Classify(netip.MustParseAddr("203.0.113.201"), 0, "Example Hosting Datacenter LLC")
	require.Equal(t, TypeUnknown, got.IPType, "datacenter-exclusion pattern should block the residential match")

	got = cls.Classify(netip.MustParseAddr("203.0.113.202"), 0, "")
	require.Equal(t, TypeUnknown, got.IPType)
	require.Equal(t, 0.0, got.Confidence)
}

func TestClassifier_StaleSetSurvivesFailedRefresh(t *testing.T) {
	cls := NewClassifier()
	sched := NewRefreshScheduler(cls)

	ip := netip.MustParseAddr("198.51.100.5")
	calls := 0
	sched.SetTORFetcher(func(ctx context.Context) ([]netip.Addr, error) {
		calls++
		return []netip.Addr{ip}, nil
	})
	require.NoError(t, sched.RefreshAll(context.Background()))
	require.Equal(t, TypeTOR, cls.Classify(ip, 0, "").IPType)

	sched.SetTORFetcher(func(ctx context.Context) ([]netip.Addr, error) {
		return nil, context.DeadlineExceeded
	})
	require.NoError(t, sched.RefreshAll(context.Background()))
	require.Equal(t, TypeTOR, cls.Classify(ip, 0, "").IPType, "a failed refresh must keep serving the last-good set")
}

func TestFirstByPriority(t *testing.T) {
	require.Equal(t, "TOR", FirstByPriority([]string{"DATACENTER", "TOR"}))
	require.Equal(t, "VPN", FirstByPriority([]string{"MOBILE", "VPN", "RESIDENTIAL"}))
	require.Equal(t, "", FirstByPriority(nil))
}
