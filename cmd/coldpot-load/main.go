// Command coldpot-load runs one bulk/delta ingestion pass over a set of
// honeypot log sources, committing raw events, session summaries, and
// dead letters as it goes (spec.md §4.D).
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

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/coldpot-sec/coldpot/internal/ingest"
	"github.com/coldpot-sec/coldpot/internal/logging"
	"github.com/coldpot-sec/coldpot/internal/metrics"
	"github.com/coldpot-sec/coldpot/internal/snapshot"
	"github.com/coldpot-sec/coldpot/internal/store"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	dsn           string
	sensor        string
	metricsAddr   string
	logFormat     string
	logLevel      string
	batchSize     int
	batchInterval time.Duration
)

func main() {
	root := &cobra.Command{
		Use:          "coldpot-load [sources...]",
		Short:        "Ingest honeypot log sources into coldpot's relational store",
		Args:         cobra.MinimumNArgs(1),
		SilenceUsage: true,
		RunE:         runLoad,
	}
	root.Flags().StringVar(&dsn, "dsn", os.Getenv("COLDPOT_DSN"), "postgres DSN (env: COLDPOT_DSN)")
	root.Flags().StringVar(&sensor, "sensor", os.Getenv("COLDPOT_SENSOR"), "sensor id recorded on every ingested row")
	root.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "address to serve /metrics on")
	root.Flags().StringVar(&logFormat, "log-format", "console", "console|json")
	root.Flags().StringVar(&logLevel, "log-level", "info", "debug|info|warn|error")
	root.Flags().IntVar(&batchSize, "batch-size", 2000, "valid-event batch trigger")
	root.Flags().DurationVar(&batchInterval, "batch-interval", 10*time.Second, "time-based batch trigger")

	root.AddCommand(&cobra.Command{
		Use: "version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("coldpot-load %s (commit: %s, built: %s)\n", version, commit, date)
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runLoad(cmd *cobra.Command, sources []string) error {
	if dsn == "" {
		return fmt.Errorf("--dsn (or COLDPOT_DSN) is required")
	}
	if sensor == "" {
		return fmt.Errorf("--sensor (or COLDPOT_SENSOR) is required")
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

	sw := snapshot.New(store.SnapshotBackend{Store: st})
	loader := ingest.NewLoader(
		store.LoaderAdapter{Store: st},
		ingest.WithLoaderLogger(log),
		ingest.WithSensor(sensor),
		ingest.WithBatchSize(batchSize),
		ingest.WithBatchInterval(batchInterval),
		ingest.WithSnapshotLookup(sw),
	)

	ingestID := uuid.New()
	resume := make(map[string]ingest.ResumePoint, len(sources))
	for _, src := range sources {
		if cur, err := st.GetCursorForLoader(ctx, src); err == nil && cur != nil {
			resume[src] = ingest.ResumePoint{Inode: cur.Inode, Offset: cur.LastOffset}
		}
	}

	result, err := loader.Load(ctx, sources, ingestID, resume)
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}

	log.Info("ingestion pass complete",
		"ingest_id", ingestID,
		"events_inserted", result.EventsInserted,
		"events_quarantined", result.EventsQuarantined,
		"sessions_touched", result.SessionsTouched,
		"batches_committed", result.BatchesCommitted,
	)
	return nil
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
