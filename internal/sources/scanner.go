package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// SessionActivity is the subset of a SessionAggregate the scanner's
// activity filter needs (spec.md §4.F F3): the client spends its daily
// budget on manual attackers, not broad scanners.
type SessionActivity struct {
	CommandCount   int
	FileDownloads  int
	VTFlagged      bool
	DurationSeconds float64
}

// PassesActivityFilter reports whether a is active enough to warrant a
// scanner lookup for the IP it surfaced.
func PassesActivityFilter(a SessionActivity) bool {
	return a.CommandCount >= 10 ||
		a.FileDownloads >= 5 ||
		a.VTFlagged ||
		a.DurationSeconds >= 300
}

// ScannerResult is F3's contribution to an Enrichment.
type ScannerResult struct {
	IPType      string
	Confidence  float64
	LastSeenAt  time.Time
}

// ErrQuotaExhausted is returned (wrapped) when the daily token budget has
// been spent; callers should treat this as a skip, not a failure.
var ErrQuotaExhausted = fmt.Errorf("scanner quota exhausted")

type ScannerOption func(*ScannerClient)

func WithScannerLogger(log *slog.Logger) ScannerOption {
	return func(c *ScannerClient) { c.log = log }
}

func WithScannerClock(clk clockwork.Clock) ScannerOption {
	return func(c *ScannerClient) { c.clock = clk }
}

func WithScannerHTTPClient(h *http.Client) ScannerOption {
	return func(c *ScannerClient) { c.http = h }
}

// ScannerClient is the Selective Scanner Lookup client (F3): a network
// client with a daily token budget reset at a UTC boundary and a
// per-second rate limit, per spec.md §4.F F3.
type ScannerClient struct {
	log   *slog.Logger
	clock clockwork.Clock
	http  *http.Client

	baseURL   string
	apiKey    string
	dailyCap  int
	limiter   *rate.Limiter

	mu           sync.Mutex
	budgetDay    time.Time
	remaining    int
}

func NewScannerClient(baseURL, apiKey string, dailyCap int, perSecond rate.Limit, opts ...ScannerOption) *ScannerClient {
	c := &ScannerClient{
		log:      slog.Default(),
		clock:    clockwork.NewRealClock(),
		http:     &http.Client{Timeout: 10 * time.Second},
		baseURL:  baseURL,
		apiKey:   apiKey,
		dailyCap: dailyCap,
		limiter:  rate.NewLimiter(perSecond, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.resetBudgetLocked()
	return c
}

func (c *ScannerClient) resetBudgetLocked() {
	c.budgetDay = c.clock.Now().UTC().Truncate(24 * time.Hour)
	c.remaining = c.dailyCap
}

// RemainingBudget reports today's remaining token count, resetting first
// if the UTC day has rolled over.
func (c *ScannerClient) RemainingBudget() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maybeRollLocked()
	return c.remaining
}

func (c *ScannerClient) maybeRollLocked() {
	today := c.clock.Now().UTC().Truncate(24 * time.Hour)
	if today.After(c.budgetDay) {
		c.resetBudgetLocked()
	}
}

// Lookup classifies ip via the HTTP scanner API. Returns ErrQuotaExhausted
// if the daily budget is spent; callers must treat this as "skipped:
// quota_exhausted", not a source failure (spec.md §4.F F3).
func (c *ScannerClient) Lookup(ctx context.Context, ip string) (*ScannerResult, error) {
	c.mu.Lock()
	c.maybeRollLocked()
	if c.remaining <= 0 {
		c.mu.Unlock()
		return nil, ErrQuotaExhausted
	}
	c.remaining--
	c.mu.Unlock()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	url := fmt.Sprintf("%s/api/v3/ip-address?ipAddress=%s", c.baseURL, ip)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("scanner request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("scanner returned status %d", resp.StatusCode)
	}

	var body struct {
		IsVPN       bool `json:"isVpn"`
		IsTor       bool `json:"isTor"`
		IsProxy     bool `json:"isProxy"`
		IsDatacenter bool `json:"isDatacenter"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	res := &ScannerResult{LastSeenAt: c.clock.Now(), Confidence: 0.85}
	switch {
	case body.IsVPN:
		res.IPType = "VPN"
	case body.IsTor:
		res.IPType = "TOR"
	case body.IsProxy:
		res.IPType = "PROXY"
	case body.IsDatacenter:
		res.IPType = "DATACENTER"
	default:
		res.IPType = "UNKNOWN"
		res.Confidence = 0.5
	}
	return res, nil
}
