// Package errs defines the error taxonomy shared across coldpot's
// ingestion and enrichment pipelines. Components wrap these sentinels with
// fmt.Errorf("...: %w", ...) rather than inventing ad-hoc error strings, so
// callers can classify failures with errors.Is regardless of which source
// or matcher produced them.
package errs

import "errors"

var (
	// ErrSchemaViolation marks an event missing a required field, or
	// exceeding the configured max line length. Quarantined, never retried.
	ErrSchemaViolation = errors.New("input schema violation")

	// ErrEncodingError marks malformed JSON or invalid bytes. Quarantined,
	// never retried.
	ErrEncodingError = errors.New("input encoding error")

	// ErrTransientSource marks a single enrichment-source call failure:
	// network timeout, upstream 5xx, DNS/TCP failure. The cascade records
	// it and continues with the remaining sources.
	ErrTransientSource = errors.New("transient source error")

	// ErrQuotaExhausted marks a daily or per-second budget hit. The source
	// is skipped for the remainder of the window.
	ErrQuotaExhausted = errors.New("quota exhausted")

	// ErrReferenceDataStale marks a classifier reference set whose age
	// exceeds its refresh budget. The stale set is still used.
	ErrReferenceDataStale = errors.New("reference data stale")

	// ErrStorageIntegrity marks a transaction-level storage failure
	// (not a row-level conflict, which is resolved by insert-or-ignore /
	// COALESCE). Triggers a full batch rollback and retry from the last
	// cursor.
	ErrStorageIntegrity = errors.New("storage integrity error")

	// ErrFatal marks a startup-time misconfiguration: unreadable reference
	// database, unreachable store. The process terminates.
	ErrFatal = errors.New("fatal configuration error")
)

// Reason is the DeadLetterEvent.reason enum from the data model.
type Reason string

const (
	ReasonSchemaViolation Reason = "schema_violation"
	ReasonEncodingError   Reason = "encoding_error"
	ReasonSizeLimit       Reason = "size_limit"
	ReasonJSONError       Reason = "json_error"
	ReasonOther           Reason = "other"
)
