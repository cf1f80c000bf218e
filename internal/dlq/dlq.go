// Package dlq implements the out-of-band dead-letter processor: it
// reclaims dead_letter_events rows, retries their underlying ingest
// operation, and trips a circuit breaker when a downstream dependency is
// failing consistently (spec.md §4 concurrency model, §7 error handling).
package dlq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/coldpot-sec/coldpot/internal/metrics"
)

// Row is the narrow view of a dead_letter_events record the processor
// needs, mirroring store.DLQRow without importing store directly.
type Row struct {
	ID           int64
	IngestID     string
	SourcePath   string
	SourceOffset int64
	Reason       string
	RawPayload   []byte
	RetryCount   int
}

// Backend is implemented by store.Store (via an adapter) to give the
// processor claim/resolve/release access to the queue.
type Backend interface {
	ClaimBatch(ctx context.Context, lockID string, leaseFor time.Duration, limit int) ([]Row, error)
	Resolve(ctx context.Context, id int64) error
	Release(ctx context.Context, id int64, failure string) error
	Depth(ctx context.Context) (int64, error)
}

// Redeliverer retries the operation that originally quarantined a row;
// cmd/coldpot-dlq wires this to the same validate-and-ingest path the
// Loader uses.
type Redeliverer func(ctx context.Context, row Row) error

type ProcessorOption func(*Processor)

func WithLogger(log *slog.Logger) ProcessorOption {
	return func(p *Processor) { p.log = log }
}

func WithBatchSize(n int) ProcessorOption {
	return func(p *Processor) { p.batchSize = n }
}

func WithLeaseFor(d time.Duration) ProcessorOption {
	return func(p *Processor) { p.leaseFor = d }
}

func WithPauseEvery(n int, pause time.Duration) ProcessorOption {
	return func(p *Processor) { p.pauseEvery, p.pauseFor = n, pause }
}

// Processor drains the dead-letter queue in bounded batches, pausing
// briefly every pauseEvery records to avoid saturating the downstream
// dependency it's retrying against, and trips its circuit breaker after
// five consecutive redelivery failures (per-instance, not per-row).
type Processor struct {
	log       *slog.Logger
	backend   Backend
	redeliver Redeliverer
	breaker   *gobreaker.CircuitBreaker[struct{}]

	lockID     string
	batchSize  int
	leaseFor   time.Duration
	pauseEvery int
	pauseFor   time.Duration
}

func New(backend Backend, redeliver Redeliverer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		log:        slog.Default(),
		backend:    backend,
		redeliver:  redeliver,
		lockID:     uuid.NewString(),
		batchSize:  100,
		leaseFor:   5 * time.Minute,
		pauseEvery: 100,
		pauseFor:   200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "dlq-redeliver",
		MaxRequests: 1, // half-open allows exactly one probe
		Interval:    0,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.log.Warn("dlq circuit breaker state change", "name", name, "from", from, "to", to)
			metrics.CircuitBreakerState.Set(stateValue(to))
		},
	})
	return p
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

// ErrCircuitOpen is returned by RunOnce when the breaker is open and no
// probe slot is available; callers should back off before retrying.
var ErrCircuitOpen = errors.New("dlq: circuit breaker open")

// RunOnce claims and processes one batch. It returns the number of rows
// resolved and the number released back to the queue.
func (p *Processor) RunOnce(ctx context.Context) (resolved, released int, err error) {
	rows, err := p.backend.ClaimBatch(ctx, p.lockID, p.leaseFor, p.batchSize)
	if err != nil {
		return 0, 0, fmt.Errorf("claim dlq batch: %w", err)
	}

	for i, row := range rows {
		if i > 0 && i%p.pauseEvery == 0 {
			select {
			case <-time.After(p.pauseFor):
			case <-ctx.Done():
				return resolved, released, ctx.Err()
			}
		}

		_, execErr := p.breaker.Execute(func() (struct{}, error) {
			return struct{}{}, p.redeliver(ctx, row)
		})

		switch {
		case execErr == nil:
			if err := p.backend.Resolve(ctx, row.ID); err != nil {
				p.log.Error("failed to resolve dlq row", "id", row.ID, "error", err)
			}
			resolved++
			metrics.DLQResolved.Inc()
		case errors.Is(execErr, gobreaker.ErrOpenState), errors.Is(execErr, gobreaker.ErrTooManyRequests):
			// Breaker is open; release this row and stop draining the
			// batch. The rows after it are not released here: they stay
			// claimed until their lease expires.
			if err := p.backend.Release(ctx, row.ID, "circuit_open"); err != nil {
				p.log.Error("failed to release dlq row", "id", row.ID, "error", err)
			}
			released++
			return resolved, released, ErrCircuitOpen
		default:
			if err := p.backend.Release(ctx, row.ID, execErr.Error()); err != nil {
				p.log.Error("failed to release dlq row", "id", row.ID, "error", err)
			}
			released++
			metrics.DLQReleased.Inc()
		}
	}
	return resolved, released, nil
}

// Run drains the queue on interval until ctx is canceled.
func (p *Processor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			resolved, released, err := p.RunOnce(ctx)
			if err != nil && !errors.Is(err, ErrCircuitOpen) {
				p.log.Error("dlq run failed", "error", err)
				continue
			}
			if resolved > 0 || released > 0 {
				p.log.Info("dlq batch processed", "resolved", resolved, "released", released)
			}
			if depth, err := p.backend.Depth(ctx); err == nil {
				metrics.DLQDepth.Set(float64(depth))
			}
		}
	}
}
