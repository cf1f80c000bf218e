package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/coldpot-sec/coldpot/internal/errs"
	"github.com/coldpot-sec/coldpot/internal/metrics"
)

// SnapshotLookup resolves the current snapshot fields for a set of
// canonical source IPs. internal/snapshot implements this against
// internal/store; the loader depends only on the narrow interface so it
// never imports the snapshot package directly.
type SnapshotLookup interface {
	SnapshotFor(ctx context.Context, canonicalIPs []string) (map[string]Snapshot, error)
}

// Snapshot is the write-once projection the loader folds into a
// SessionUpsert; it mirrors store.Snapshot without creating an import
// cycle between ingest and store.
type Snapshot struct {
	SourceIP        *string
	SnapshotASN     *int64
	SnapshotCountry *string
	SnapshotIPType  *string
	EnrichmentAt    *time.Time
}

// CommitStore is the narrow persistence surface the loader drives inside
// one transaction, per spec.md §4.D step 3.
type CommitStore interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	InsertRawEvents(ctx context.Context, tx pgx.Tx, rows []RawEventRow) (int64, error)
	InsertDeadLetters(ctx context.Context, tx pgx.Tx, rows []DeadLetterRow) (int64, error)
	UpsertSessionSummaries(ctx context.Context, tx pgx.Tx, ups []SessionUpsert) error
	InsertPasswordObservations(ctx context.Context, tx pgx.Tx, rows []PasswordObservationRow) error
	UpsertCursor(ctx context.Context, tx pgx.Tx, c Cursor) error
	GetCursor(ctx context.Context, source string) (*Cursor, error)
}

// RawEventRow/DeadLetterRow/SessionUpsert/Cursor mirror their store
// counterparts structurally; the loader never imports internal/store
// directly, so cmd/coldpot-load adapts a *store.Store into a CommitStore.
type RawEventRow struct {
	IngestID     uuid.UUID
	SourcePath   string
	SourceOffset int64
	SessionID    string
	EventType    string
	Timestamp    time.Time
	Payload      []byte
	Quarantined  bool
	RiskScore    float64
}

type DeadLetterRow struct {
	IngestID     uuid.UUID
	SourcePath   string
	SourceOffset int64
	Reason       errs.Reason
	RawPayload   []byte
	Priority     int
}

type SessionUpsert struct {
	Aggregate *Aggregate
	Snapshot  Snapshot
}

// PasswordObservationRow is one cleartext password (already hashed) seen
// on a login-attempt event this batch.
type PasswordObservationRow struct {
	SessionID        string
	PasswordHashSHA1 string
	ObservedAt       time.Time
}

type Cursor struct {
	Source     string
	Inode      string
	LastOffset int64
	IngestID   uuid.UUID
	BatchIndex int64
	Sessions   []string
}

// LoadResult is the summary load() returns, per spec.md §4.D.
type LoadResult struct {
	EventsInserted   int64
	EventsQuarantined int64
	SessionsTouched  int
	BatchesCommitted int
	FinalCursor      Cursor
}

type LoaderOption func(*Loader)

func WithLoaderLogger(log *slog.Logger) LoaderOption {
	return func(l *Loader) { l.log = log }
}

// WithBatchSize overrides the default valid-event batch trigger (1000-5000
// per spec.md §4.D step 2; the default here, 2000, sits inside that range).
func WithBatchSize(n int) LoaderOption {
	return func(l *Loader) { l.batchSize = n }
}

// WithBatchInterval overrides the default time-based batch trigger.
func WithBatchInterval(d time.Duration) LoaderOption {
	return func(l *Loader) { l.batchInterval = d }
}

func WithSensor(sensor string) LoaderOption {
	return func(l *Loader) { l.sensor = sensor }
}

func WithSnapshotLookup(sl SnapshotLookup) LoaderOption {
	return func(l *Loader) { l.snapshot = sl }
}

// Loader implements the Bulk/Delta Loader (D / C1): drives Reader->
// Validator->Aggregator, batches on size or time, and commits each batch
// as a single transaction per spec.md §4.D.
type Loader struct {
	log           *slog.Logger
	store         CommitStore
	reader        *Reader
	validator     *Validator
	sensor        string
	batchSize     int
	batchInterval time.Duration
	snapshot      SnapshotLookup
}

func NewLoader(store CommitStore, opts ...LoaderOption) *Loader {
	l := &Loader{
		log:           slog.Default(),
		store:         store,
		reader:        NewReader(),
		validator:     NewValidator(),
		batchSize:     2000,
		batchInterval: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.reader = NewReader(WithReaderLogger(l.log))
	l.validator = NewValidator(WithValidatorLogger(l.log))
	return l
}

// Load runs one ingestion pass over sources, committing batches as it
// goes, and returns cumulative counts plus the final committed cursor.
func (l *Loader) Load(ctx context.Context, sources []string, ingestID uuid.UUID, resume map[string]ResumePoint) (LoadResult, error) {
	recordsCh := make(chan Record, 4096)
	readErrCh := make(chan error, 1)

	go func() {
		readErrCh <- l.reader.Stream(ctx, sources, resume, recordsCh)
		close(recordsCh)
	}()

	var result LoadResult
	agg := NewAggregator(l.sensor)
	var dlRows []DeadLetterRow
	var rawRows []RawEventRow
	var lastBySource = map[string]Cursor{}
	var batchIndex int64

	ticker := time.NewTicker(l.batchInterval)
	defer ticker.Stop()

	flush := func() error {
		if len(rawRows) == 0 && len(dlRows) == 0 {
			return nil
		}
		batchIndex++
		if err := l.commitBatch(ctx, ingestID, batchIndex, rawRows, dlRows, agg, lastBySource); err != nil {
			return err
		}
		result.EventsInserted += int64(len(rawRows))
		result.EventsQuarantined += int64(len(dlRows))
		result.SessionsTouched += agg.Len()
		result.BatchesCommitted++
		for _, c := range lastBySource {
			result.FinalCursor = c
		}
		rawRows = rawRows[:0]
		dlRows = dlRows[:0]
		agg.Reset()
		return nil
	}

	for {
		select {
		case rec, ok := <-recordsCh:
			if !ok {
				if err := flush(); err != nil {
					return result, err
				}
				if err := <-readErrCh; err != nil {
					return result, fmt.Errorf("reader: %w", err)
				}
				return result, nil
			}
			l.ingestOne(rec, ingestID, agg, &rawRows, &dlRows, lastBySource)
			// Each dead-lettered line also adds one quarantined raw row, so
			// the difference is the count of valid events.
			if len(rawRows)-len(dlRows) >= l.batchSize {
				if err := flush(); err != nil {
					return result, err
				}
			}
		case <-ticker.C:
			if err := flush(); err != nil {
				return result, err
			}
		case <-ctx.Done():
			return result, ctx.Err()
		}
	}
}

// ingestOne validates one line and routes it either to the raw-event
// buffer (valid) or the dead-letter buffer (invalid); both always count
// toward cursor advancement.
func (l *Loader) ingestOne(rec Record, ingestID uuid.UUID, agg *Aggregator, rawRows *[]RawEventRow, dlRows *[]DeadLetterRow, lastBySource map[string]Cursor) {
	cur := lastBySource[rec.Line.SourcePath]
	cur.Source = rec.Line.SourcePath
	cur.Inode = rec.Line.Inode
	cur.IngestID = ingestID
	if rec.Line.SourceOffset+int64(len(rec.Line.Payload)) > cur.LastOffset {
		cur.LastOffset = rec.Line.SourceOffset + int64(len(rec.Line.Payload))
	}

	if rec.Err != nil {
		*dlRows = append(*dlRows, DeadLetterRow{
			IngestID:     ingestID,
			SourcePath:   rec.Line.SourcePath,
			SourceOffset: rec.Line.SourceOffset,
			Reason:       errs.ReasonOther,
			RawPayload:   rec.Line.Payload,
			Priority:     5,
		})
		*rawRows = append(*rawRows, quarantinedRow(ingestID, rec.Line))
		lastBySource[rec.Line.SourcePath] = cur
		return
	}

	ev, invalid := l.validator.Validate(rec.Line)
	if invalid != nil {
		*dlRows = append(*dlRows, DeadLetterRow{
			IngestID:     ingestID,
			SourcePath:   rec.Line.SourcePath,
			SourceOffset: rec.Line.SourceOffset,
			Reason:       invalid.Reason,
			RawPayload:   invalid.RawPayload,
			Priority:     5,
		})
		*rawRows = append(*rawRows, quarantinedRow(ingestID, rec.Line))
		lastBySource[rec.Line.SourcePath] = cur
		return
	}

	agg.Fold(ev)
	cur.Sessions = appendUnique(cur.Sessions, ev.SessionID)
	lastBySource[rec.Line.SourcePath] = cur

	*rawRows = append(*rawRows, RawEventRow{
		IngestID:     ingestID,
		SourcePath:   ev.SourcePath,
		SourceOffset: ev.SourceOffset,
		SessionID:    ev.SessionID,
		EventType:    ev.EventType,
		Timestamp:    ev.Timestamp,
		Payload:      ev.Payload,
		Quarantined:  false,
		RiskScore:    ev.RiskScore,
	})
}

// quarantinedRow builds the raw_events marker row a dead-lettered line gets
// alongside its DeadLetterRow: payload is nil and quarantined is set, per
// the RawEvent data-model invariant (spec.md §4.D step 3a) — the line
// still occupies its (source_path, source_offset) slot in raw_events so a
// later re-read of the same offset is recognized as already seen.
func quarantinedRow(ingestID uuid.UUID, line RawLine) RawEventRow {
	return RawEventRow{
		IngestID:     ingestID,
		SourcePath:   line.SourcePath,
		SourceOffset: line.SourceOffset,
		SessionID:    "",
		EventType:    "quarantined",
		Timestamp:    time.Now().UTC(),
		Payload:      nil,
		Quarantined:  true,
	}
}

func appendUnique(ss []string, s string) []string {
	for _, existing := range ss {
		if existing == s {
			return ss
		}
	}
	return append(ss, s)
}

// commitBatch implements spec.md §4.D step 3: one transaction inserting
// raw events, dead letters, invoking the snapshot lookup, upserting
// session summaries, and advancing cursors for every source touched this
// batch. A batch with only dead-letter rows still advances the cursor
// (step: "the checkpoint is still emitted using the last dead-letter
// record's source offset").
func (l *Loader) commitBatch(ctx context.Context, ingestID uuid.UUID, batchIndex int64, rawRows []RawEventRow, dlRows []DeadLetterRow, agg *Aggregator, cursors map[string]Cursor) error {
	start := time.Now()
	tx, err := l.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin batch: %v", errs.ErrStorageIntegrity, err)
	}
	defer tx.Rollback(ctx)

	if _, err := l.store.InsertRawEvents(ctx, tx, rawRows); err != nil {
		metrics.BatchCommitOutcomes.WithLabelValues(l.sensor, "error").Inc()
		return err
	}
	if _, err := l.store.InsertDeadLetters(ctx, tx, dlRows); err != nil {
		metrics.BatchCommitOutcomes.WithLabelValues(l.sensor, "error").Inc()
		return err
	}

	aggregates := agg.Aggregates()
	ups := make([]SessionUpsert, 0, len(aggregates))
	var canonicalIPs []string
	for _, a := range aggregates {
		if a.CanonicalSourceIP != "" {
			canonicalIPs = append(canonicalIPs, a.CanonicalSourceIP)
		}
	}
	var snapshots map[string]Snapshot
	if l.snapshot != nil && len(canonicalIPs) > 0 {
		snapshots, err = l.snapshot.SnapshotFor(ctx, canonicalIPs)
		if err != nil {
			l.log.Warn("snapshot lookup failed, proceeding without snapshot columns", "error", err)
			snapshots = nil
		}
	}
	for _, a := range aggregates {
		snap := snapshots[a.CanonicalSourceIP]
		ups = append(ups, SessionUpsert{Aggregate: a, Snapshot: snap})
	}
	if err := l.store.UpsertSessionSummaries(ctx, tx, ups); err != nil {
		metrics.BatchCommitOutcomes.WithLabelValues(l.sensor, "error").Inc()
		return err
	}

	var pwRows []PasswordObservationRow
	for _, a := range aggregates {
		for _, po := range a.PasswordObservations {
			pwRows = append(pwRows, PasswordObservationRow{
				SessionID:        po.SessionID,
				PasswordHashSHA1: po.PasswordHashSHA1,
				ObservedAt:       po.ObservedAt,
			})
		}
	}
	if err := l.store.InsertPasswordObservations(ctx, tx, pwRows); err != nil {
		metrics.BatchCommitOutcomes.WithLabelValues(l.sensor, "error").Inc()
		return err
	}

	for _, c := range cursors {
		c.BatchIndex = batchIndex
		if err := l.store.UpsertCursor(ctx, tx, c); err != nil {
			metrics.BatchCommitOutcomes.WithLabelValues(l.sensor, "error").Inc()
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		metrics.BatchCommitOutcomes.WithLabelValues(l.sensor, "error").Inc()
		return fmt.Errorf("%w: commit batch: %v", errs.ErrStorageIntegrity, err)
	}

	metrics.BatchCommitOutcomes.WithLabelValues(l.sensor, "ok").Inc()
	metrics.BatchCommitDuration.WithLabelValues(l.sensor).Observe(time.Since(start).Seconds())
	metrics.EventsInserted.WithLabelValues(l.sensor).Add(float64(len(rawRows)))
	for _, d := range dlRows {
		metrics.EventsQuarantined.WithLabelValues(l.sensor, string(d.Reason)).Inc()
	}
	metrics.SessionsTouched.WithLabelValues(l.sensor).Add(float64(len(aggregates)))
	l.log.Info("committed batch", "batch_index", batchIndex, "raw", len(rawRows), "dead_letters", len(dlRows), "sessions", len(aggregates))
	return nil
}
