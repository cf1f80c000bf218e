// Command coldpot-enrich runs the Cascade Enricher (H) over IPs pending
// enrichment: no prior ip_inventory row, or one older than the staleness
// policy (spec.md §4.H).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/coldpot-sec/coldpot/internal/cache"
	"github.com/coldpot-sec/coldpot/internal/classify"
	"github.com/coldpot-sec/coldpot/internal/enrich"
	"github.com/coldpot-sec/coldpot/internal/logging"
	"github.com/coldpot-sec/coldpot/internal/metrics"
	"github.com/coldpot-sec/coldpot/internal/sources"
	"github.com/coldpot-sec/coldpot/internal/store"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	dsn             string
	metricsAddr     string
	logFormat       string
	logLevel        string
	batchLimit      int
	workerCap       int
	cacheRoot       string
	geoCityDBPath   string
	geoASNDBPath    string
	bulkASNAddr     string
	scannerBaseURL  string
	scannerAPIKey   string
	scannerDailyCap int
	torExitListURL  string
	datacenterURL   string
	staleAfter      time.Duration
	interval        time.Duration
)

func main() {
	root := &cobra.Command{
		Use:          "coldpot-enrich",
		Short:        "Run the cascade IP enricher over pending inventory rows",
		SilenceUsage: true,
		RunE:         runEnrich,
	}
	f := root.Flags()
	f.StringVar(&dsn, "dsn", os.Getenv("COLDPOT_DSN"), "postgres DSN (env: COLDPOT_DSN)")
	f.StringVar(&metricsAddr, "metrics-addr", ":9091", "address to serve /metrics on")
	f.StringVar(&logFormat, "log-format", "console", "console|json")
	f.StringVar(&logLevel, "log-level", "info", "debug|info|warn|error")
	f.IntVar(&batchLimit, "batch-limit", 500, "max IPs pulled per pass")
	f.IntVar(&workerCap, "worker-cap", 16, "configured worker pool cap")
	f.StringVar(&cacheRoot, "cache-root", "", "L3 disk cache root (empty disables L3)")
	f.StringVar(&geoCityDBPath, "geo-city-db", "", "path to the offline city mmdb")
	f.StringVar(&geoASNDBPath, "geo-asn-db", "", "path to the offline ASN mmdb")
	f.StringVar(&bulkASNAddr, "bulk-asn-addr", "", "bulk ASN port-43 service address (empty disables F2)")
	f.StringVar(&scannerBaseURL, "scanner-base-url", "", "selective scanner API base URL (empty disables F3)")
	f.StringVar(&scannerAPIKey, "scanner-api-key", os.Getenv("COLDPOT_SCANNER_API_KEY"), "scanner API key (env: COLDPOT_SCANNER_API_KEY)")
	f.IntVar(&scannerDailyCap, "scanner-daily-cap", 1000, "scanner daily token budget")
	f.StringVar(&torExitListURL, "tor-exit-list-url", "", "plaintext TOR exit IP list URL (empty disables the TOR matcher)")
	f.StringVar(&datacenterURL, "datacenter-cidr-url", "", "plaintext datacenter CIDR list URL (empty disables the datacenter matcher)")
	f.DurationVar(&staleAfter, "stale-after", 90*24*time.Hour, "enrichment age that forces re-enrichment")
	f.DurationVar(&interval, "interval", time.Minute, "how often to pull and enrich a new batch")

	root.AddCommand(&cobra.Command{
		Use: "version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("coldpot-enrich %s (commit: %s, built: %s)\n", version, commit, date)
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runEnrich(cmd *cobra.Command, _ []string) error {
	if dsn == "" {
		return fmt.Errorf("--dsn (or COLDPOT_DSN) is required")
	}

	log := logging.New(logging.Format(logFormat), logLevel)
	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	go serveMetrics(ctx, log, metricsAddr)

	st, err := store.New(ctx, store.Config{DSN: dsn, Logger: log})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	var offline *sources.OfflineLookup
	if geoCityDBPath != "" || geoASNDBPath != "" {
		offline, err = sources.OpenOffline(geoCityDBPath, geoASNDBPath, sources.WithOfflineLogger(log))
		if err != nil {
			return fmt.Errorf("open offline geoip: %w", err)
		}
		defer offline.Close()
	}

	var bulkASN *sources.BulkASNClient
	if bulkASNAddr != "" {
		bulkASN = sources.NewBulkASNClient(bulkASNAddr, sources.WithBulkASNLogger(log))
	}

	var scanner *sources.ScannerClient
	if scannerBaseURL != "" {
		scanner = sources.NewScannerClient(scannerBaseURL, scannerAPIKey, scannerDailyCap, rate.Limit(1), sources.WithScannerLogger(log))
	}

	cls := classify.NewClassifier()
	scheduler := classify.NewRefreshScheduler(cls, classify.WithRefreshLogger(log))
	httpClient := &http.Client{Timeout: 30 * time.Second}
	if torExitListURL != "" {
		scheduler.SetTORFetcher(classify.NewHTTPTORExitFetcher(httpClient, torExitListURL))
	}
	if datacenterURL != "" {
		scheduler.SetDatacenterFetcher(classify.NewHTTPCIDRFetcher(httpClient, datacenterURL))
	}
	if err := scheduler.RefreshAll(ctx); err != nil {
		log.Warn("initial reference-set refresh failed, classifier starts with empty sets", "error", err)
	}
	go runRefreshLoop(ctx, scheduler, log)

	tiers := []cache.Tier{cache.NewL1(), cache.NewL2(store.CacheBackend{Store: st})}
	if cacheRoot != "" {
		tiers = append(tiers, cache.NewL3(cacheRoot))
	}
	c := cache.New(tiers...)

	enricher := enrich.New(offline, bulkASN, scanner, cls, c, enrich.WithEnricherLogger(log))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	if err := runPass(ctx, log, st, enricher); err != nil {
		log.Error("enrichment pass failed", "error", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := runPass(ctx, log, st, enricher); err != nil {
				log.Error("enrichment pass failed", "error", err)
			}
		}
	}
}

func runPass(ctx context.Context, log *slog.Logger, st *store.Store, enricher *enrich.Enricher) error {
	pending, err := st.PendingEnrichmentIPs(ctx, staleAfter, batchLimit)
	if err != nil {
		return fmt.Errorf("list pending ips: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	jobs := make([]enrich.IPJob, len(pending))
	for i, p := range pending {
		jobs[i] = enrich.IPJob{
			IP: p.IP,
			Session: &enrich.SessionContext{
				CommandCount:    int(p.CommandCount),
				FileDownloads:   int(p.FileDownloads),
				VTFlagged:       p.VTFlagged,
				DurationSeconds: p.DurationSeconds,
			},
		}
	}
	results := enricher.EnrichBatch(ctx, jobs, workerCap)

	for _, r := range results {
		row := store.IPInventoryRow{
			IPAddress:           r.IP,
			GeoCountry:          nonEmpty(r.Enrichment.GeoCountry),
			ASName:              nonEmpty(r.Enrichment.ASName),
			EnrichmentUpdatedAt: r.Enrichment.Meta.EnrichmentTS,
		}
		if r.Enrichment.ASN != 0 {
			asn := int64(r.Enrichment.ASN)
			row.CurrentASN = &asn
		}
		if r.Enrichment.IPClassification != nil {
			row.IPType = &r.Enrichment.IPClassification.IPType
			row.IPTypes = []string{r.Enrichment.IPClassification.IPType}
		}
		data, merr := r.Enrichment.Marshal()
		if merr == nil {
			row.Enrichment = data
		}
		if err := st.UpsertIPInventory(ctx, row); err != nil {
			log.Error("failed to persist enrichment", "ip", r.IP, "error", err)
			continue
		}
		metrics.EnrichDuration.Observe(float64(r.Enrichment.Meta.TotalDurationMS) / 1000)
	}
	log.Info("enrichment pass complete", "ips", len(pending))
	return nil
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func runRefreshLoop(ctx context.Context, scheduler *classify.RefreshScheduler, log *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := scheduler.RefreshAll(ctx); err != nil {
				log.Warn("reference-set refresh failed, serving stale data", "error", err)
			}
		}
	}
}

func serveMetrics(ctx context.Context, log *slog.Logger, addr string) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		log.Error("failed to start metrics listener", "error", err)
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	log.Info("metrics server listening", "address", listener.Addr().String())
	if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
		log.Error("metrics server failed", "error", err)
	}
}
