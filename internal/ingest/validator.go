package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/coldpot-sec/coldpot/internal/errs"
)

const (
	// DefaultMaxLineBytes rejects lines over 10MB, per spec.md §4.B.
	DefaultMaxLineBytes = 10 * 1 << 20

	// nulEscape is the literal replacement token for the NUL byte (0x00)
	// in text fields destined for the main store.
	nulEscape = `\x00`
)

type ValidatorOption func(*Validator)

func WithValidatorLogger(log *slog.Logger) ValidatorOption {
	return func(v *Validator) { v.log = log }
}

// WithMaxLineBytes overrides the default 10MB line-length ceiling.
func WithMaxLineBytes(n int) ValidatorOption {
	return func(v *Validator) { v.maxLineBytes = n }
}

// WithFieldMaxLen caps individual string fields, appending an ellipsis
// when truncated. Zero disables capping.
func WithFieldMaxLen(n int) ValidatorOption {
	return func(v *Validator) { v.fieldMaxLen = n }
}

// Validator implements the Event Validator (B): parse as JSON, check
// required fields, enforce max line length, sanitize text for the main
// store.
type Validator struct {
	log          *slog.Logger
	maxLineBytes int
	fieldMaxLen  int
}

func NewValidator(opts ...ValidatorOption) *Validator {
	v := &Validator{
		log:          slog.Default(),
		maxLineBytes: DefaultMaxLineBytes,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Invalid describes a line that failed validation, ready to become a
// DeadLetterEvent.
type Invalid struct {
	Reason     errs.Reason
	RawPayload []byte
	Err        error
}

// Validate classifies one raw line as a valid Event or an Invalid
// dead-letter candidate. It never returns both.
func (v *Validator) Validate(line RawLine) (*Event, *Invalid) {
	if readLen := len(line.Payload); readLen > v.maxLineBytes {
		return nil, &Invalid{
			Reason:     errs.ReasonSizeLimit,
			RawPayload: truncateForDLQ(line.Payload),
			Err:        fmt.Errorf("line of %d bytes exceeds max %d", readLen, v.maxLineBytes),
		}
	}

	sanitized := sanitizeNUL(line.Payload)
	if v.fieldMaxLen > 0 {
		if capped, err := capLongFields(sanitized, v.fieldMaxLen); err == nil {
			sanitized = capped
		}
	}

	var env minimalEnvelope
	dec := json.NewDecoder(bytes.NewReader(sanitized))
	if err := dec.Decode(&env); err != nil {
		return nil, &Invalid{
			Reason:     errs.ReasonEncodingError,
			RawPayload: truncateForDLQ(line.Payload),
			Err:        fmt.Errorf("json decode: %w", err),
		}
	}

	if env.EventID == "" || env.Session == "" || env.Timestamp == "" {
		return nil, &Invalid{
			Reason:     errs.ReasonSchemaViolation,
			RawPayload: truncateForDLQ(line.Payload),
			Err:        fmt.Errorf("missing required field(s): eventid=%q session=%q timestamp=%q", env.EventID, env.Session, env.Timestamp),
		}
	}

	ts, err := time.Parse(time.RFC3339, env.Timestamp)
	if err != nil {
		return nil, &Invalid{
			Reason:     errs.ReasonSchemaViolation,
			RawPayload: truncateForDLQ(line.Payload),
			Err:        fmt.Errorf("timestamp %q is not RFC3339: %w", env.Timestamp, err),
		}
	}

	var risk float64
	if len(env.RiskScore) > 0 {
		_ = json.Unmarshal(env.RiskScore, &risk)
	}

	srcIP := env.SrcIP
	if srcIP == "" {
		srcIP = env.PeerIP
	}

	return &Event{
		SourcePath:        line.SourcePath,
		SourceOffset:      line.SourceOffset,
		SessionID:         env.Session,
		EventType:         env.EventID,
		Timestamp:         ts,
		Payload:           json.RawMessage(sanitized),
		SrcIP:             srcIP,
		RiskScore:         risk,
		Password:          env.Password,
		SSHFingerprint:    env.Fingerprint,
		VTFlagged:         env.VTFlagged,
		DShieldFlagged:    env.DShieldFlagged,
		EnrichmentPayload: env.EnrichmentPayload,
	}, nil
}

// sanitizeNUL replaces the NUL byte with its escape token across the whole
// line. This runs before JSON decoding because a stray NUL embedded in a
// string value is otherwise rejected outright by encoding/json, when the
// intent (per spec.md §4.B) is to preserve the event by escaping it, not
// to quarantine it.
func sanitizeNUL(payload []byte) []byte {
	if !bytes.ContainsRune(payload, 0) {
		return payload
	}
	// The token's backslash is itself JSON-escaped so the decoded string
	// value carries the literal token; a bare `\x` is not a valid JSON
	// escape and would fail decoding.
	return bytes.ReplaceAll(payload, []byte{0}, []byte(`\`+nulEscape))
}

// capLongFields walks the decoded JSON object and truncates any string
// value longer than maxLen, appending an ellipsis, then re-marshals. Used
// to bound the size of free-text fields (command output, file contents)
// before they land in the row store.
func capLongFields(payload []byte, maxLen int) ([]byte, error) {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, err
	}
	capped := capValue(v, maxLen)
	return json.Marshal(capped)
}

func capValue(v any, maxLen int) any {
	switch t := v.(type) {
	case string:
		if len(t) > maxLen {
			return t[:maxLen] + "..."
		}
		return t
	case map[string]any:
		for k, child := range t {
			t[k] = capValue(child, maxLen)
		}
		return t
	case []any:
		for i, child := range t {
			t[i] = capValue(child, maxLen)
		}
		return t
	default:
		return v
	}
}

// truncateForDLQ caps the raw payload kept on a dead-letter row so a
// pathologically large bad line doesn't bloat the DLQ table; the quarantine
// is about preserving enough to diagnose, not replaying byte-for-byte.
func truncateForDLQ(payload []byte) []byte {
	const dlqRawCap = 64 * 1024
	if len(payload) <= dlqRawCap {
		return append([]byte(nil), payload...)
	}
	out := make([]byte, 0, dlqRawCap+3)
	out = append(out, payload[:dlqRawCap]...)
	out = append(out, '.', '.', '.')
	return out
}
