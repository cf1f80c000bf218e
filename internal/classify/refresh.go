package classify

import (
	"context"
	"log/slog"
	"net/netip"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go4.org/netipx"
)

// TORExitFetcher fetches the current TOR exit node list, one IP per
// returned entry.
type TORExitFetcher func(ctx context.Context) ([]netip.Addr, error)

// CIDRFetcher fetches a named provider's (or the datacenter tree's) CIDR
// list, returned as CIDR strings.
type CIDRFetcher func(ctx context.Context) ([]string, error)

// RefreshOption configures RefreshScheduler.
type RefreshOption func(*RefreshScheduler)

func WithRefreshLogger(log *slog.Logger) RefreshOption {
	return func(r *RefreshScheduler) { r.log = log }
}

// RefreshScheduler rebuilds the Classifier's reference sets and atomically
// swaps the new snapshot in. It records a per-matcher interval (TOR hourly,
// cloud providers daily, datacenter weekly) but does not act on it: every
// RefreshAll call refreshes every configured matcher, so the cadence is the
// one the caller invokes RefreshAll at. A stale set keeps serving reads
// while a refresh and its inline retries run, and stays in place when the
// refresh fails — "old data > no data" (spec.md §4.G).
type RefreshScheduler struct {
	log *slog.Logger
	cls *Classifier

	torFetch    TORExitFetcher
	cloudFetch  map[string]CIDRFetcher
	dcFetch     CIDRFetcher

	torInterval   time.Duration
	cloudInterval time.Duration
	dcInterval    time.Duration
}

func NewRefreshScheduler(cls *Classifier, opts ...RefreshOption) *RefreshScheduler {
	r := &RefreshScheduler{
		log:           slog.Default(),
		cls:           cls,
		cloudFetch:    make(map[string]CIDRFetcher),
		torInterval:   time.Hour,
		cloudInterval: 24 * time.Hour,
		dcInterval:    7 * 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RefreshScheduler) SetTORFetcher(f TORExitFetcher)               { r.torFetch = f }
func (r *RefreshScheduler) SetCloudFetcher(provider string, f CIDRFetcher) { r.cloudFetch[provider] = f }
func (r *RefreshScheduler) SetDatacenterFetcher(f CIDRFetcher)            { r.dcFetch = f }

// RefreshAll performs one immediate refresh attempt of every configured
// matcher, merging successes into a new snapshot built from the current
// one (so an unconfigured or failing matcher keeps its last-good data)
// and swapping it in atomically.
func (r *RefreshScheduler) RefreshAll(ctx context.Context) error {
	prev := r.cls.current.Load()
	next := &refSets{
		torExits: prev.torExits,
		cloud:    prev.cloud,
		datacenter: prev.datacenter,
	}

	if r.torFetch != nil {
		if ips, err := withRetry(ctx, func() ([]netip.Addr, error) { return r.torFetch(ctx) }); err != nil {
			r.log.Warn("tor exit set refresh failed, keeping stale set", "error", err)
		} else {
			set := make(map[netip.Addr]struct{}, len(ips))
			for _, ip := range ips {
				set[ip] = struct{}{}
			}
			next.torExits = set
		}
	}

	if r.dcFetch != nil {
		if cidrs, err := withRetry(ctx, func() ([]string, error) { return r.dcFetch(ctx) }); err != nil {
			r.log.Warn("datacenter cidr refresh failed, keeping stale set", "error", err)
		} else if set, err := buildIPSet(cidrs); err != nil {
			r.log.Warn("datacenter cidr set build failed, keeping stale set", "error", err)
		} else {
			next.datacenter = set
		}
	}

	newCloud := make(map[string]*netipx.IPSet, len(prev.cloud))
	for k, v := range prev.cloud {
		newCloud[k] = v
	}
	for provider, fetch := range r.cloudFetch {
		cidrs, err := withRetry(ctx, func() ([]string, error) { return fetch(ctx) })
		if err != nil {
			r.log.Warn("cloud cidr refresh failed, keeping stale set", "provider", provider, "error", err)
			continue
		}
		set, err := buildIPSet(cidrs)
		if err != nil {
			r.log.Warn("cloud cidr set build failed, keeping stale set", "provider", provider, "error", err)
			continue
		}
		newCloud[provider] = set
	}
	next.cloud = newCloud

	r.cls.current.Store(next)
	return nil
}

// withRetry wraps one fetch in an exponential backoff, bounded so a
// single refresh pass never hangs indefinitely on an unreachable source.
func withRetry[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var result T
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	err := backoff.Retry(func() error {
		v, err := fn()
		if err != nil {
			return err
		}
		result = v
		return nil
	}, b)
	return result, err
}

func buildIPSet(cidrs []string) (*netipx.IPSet, error) {
	var b netipx.IPSetBuilder
	for _, c := range cidrs {
		prefix, err := netip.ParsePrefix(c)
		if err != nil {
			continue
		}
		b.AddPrefix(prefix)
	}
	return b.IPSet()
}
