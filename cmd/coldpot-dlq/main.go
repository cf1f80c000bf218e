// Command coldpot-dlq drains the dead-letter queue, re-running validation
// on each quarantined line and committing it if it now parses cleanly
// (spec.md §4 concurrency model, §7 error handling).
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

	"github.com/coldpot-sec/coldpot/internal/dlq"
	"github.com/coldpot-sec/coldpot/internal/ingest"
	"github.com/coldpot-sec/coldpot/internal/logging"
	"github.com/coldpot-sec/coldpot/internal/metrics"
	"github.com/coldpot-sec/coldpot/internal/store"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	dsn         string
	sensor      string
	metricsAddr string
	logFormat   string
	logLevel    string
	interval    time.Duration
	batchSize   int
)

func main() {
	root := &cobra.Command{
		Use:          "coldpot-dlq",
		Short:        "Drain the dead-letter queue, retrying quarantined lines",
		SilenceUsage: true,
		RunE:         runDLQ,
	}
	f := root.Flags()
	f.StringVar(&dsn, "dsn", os.Getenv("COLDPOT_DSN"), "postgres DSN (env: COLDPOT_DSN)")
	f.StringVar(&sensor, "sensor", os.Getenv("COLDPOT_SENSOR"), "sensor id recorded on redelivered rows")
	f.StringVar(&metricsAddr, "metrics-addr", ":9092", "address to serve /metrics on")
	f.StringVar(&logFormat, "log-format", "console", "console|json")
	f.StringVar(&logLevel, "log-level", "info", "debug|info|warn|error")
	f.DurationVar(&interval, "interval", 30*time.Second, "how often to drain a batch")
	f.IntVar(&batchSize, "batch-size", 100, "rows claimed per pass")

	root.AddCommand(&cobra.Command{
		Use: "version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("coldpot-dlq %s (commit: %s, built: %s)\n", version, commit, date)
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDLQ(cmd *cobra.Command, _ []string) error {
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

	validator := ingest.NewValidator(ingest.WithValidatorLogger(log))
	loaderAdapter := store.LoaderAdapter{Store: st}

	processor := dlq.New(
		store.DLQBackend{Store: st},
		redeliverFunc(validator, loaderAdapter, sensor),
		dlq.WithLogger(log),
		dlq.WithBatchSize(batchSize),
	)

	log.Info("dlq processor starting", "interval", interval, "batch_size", batchSize)
	processor.Run(ctx, interval)
	return nil
}

// redeliverFunc re-validates a dead-lettered line and, if it now parses,
// commits it as a single-event batch through the same CommitStore the
// Loader uses — a row that still fails validation is left in the queue
// for a human to inspect once its retry_count climbs.
func redeliverFunc(validator *ingest.Validator, loaderStore ingest.CommitStore, sensor string) dlq.Redeliverer {
	return func(ctx context.Context, row dlq.Row) error {
		ev, invalid := validator.Validate(ingest.RawLine{
			Payload:      row.RawPayload,
			SourcePath:   row.SourcePath,
			SourceOffset: row.SourceOffset,
		})
		if invalid != nil {
			return fmt.Errorf("still invalid: %s: %w", invalid.Reason, invalid.Err)
		}

		ingestID, err := uuid.Parse(row.IngestID)
		if err != nil {
			ingestID = uuid.New()
		}

		agg := ingest.NewAggregator(sensor)
		agg.Fold(ev)

		tx, err := loaderStore.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin redelivery tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if _, err := loaderStore.InsertRawEvents(ctx, tx, []ingest.RawEventRow{{
			IngestID:     ingestID,
			SourcePath:   ev.SourcePath,
			SourceOffset: ev.SourceOffset,
			SessionID:    ev.SessionID,
			EventType:    ev.EventType,
			Timestamp:    ev.Timestamp,
			Payload:      ev.Payload,
			RiskScore:    ev.RiskScore,
		}}); err != nil {
			return fmt.Errorf("insert redelivered event: %w", err)
		}

		aggregate := agg.Aggregates()[0]
		ups := []ingest.SessionUpsert{{Aggregate: aggregate}}
		if err := loaderStore.UpsertSessionSummaries(ctx, tx, ups); err != nil {
			return fmt.Errorf("upsert session summary: %w", err)
		}

		var pwRows []ingest.PasswordObservationRow
		for _, po := range aggregate.PasswordObservations {
			pwRows = append(pwRows, ingest.PasswordObservationRow{
				SessionID:        po.SessionID,
				PasswordHashSHA1: po.PasswordHashSHA1,
				ObservedAt:       po.ObservedAt,
			})
		}
		if err := loaderStore.InsertPasswordObservations(ctx, tx, pwRows); err != nil {
			return fmt.Errorf("insert password observation: %w", err)
		}

		return tx.Commit(ctx)
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
