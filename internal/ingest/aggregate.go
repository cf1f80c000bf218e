package ingest

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Aggregate is the rolling fold state for one session within the current
// ingest batch (SessionAggregate in the data model). It lives only in
// memory for the lifetime of a batch and is discarded after commit.
type Aggregate struct {
	SessionID string
	Sensor    string

	EventCount     int
	CommandCount   int
	FileDownloads  int
	LoginAttempts  int
	SSHKeyInjects  int
	FirstEventAt   time.Time
	LastEventAt    time.Time
	HighestRisk    float64
	VTFlagged      bool
	DShieldFlagged bool

	// CanonicalSourceIP is set once, on the first event in chronological
	// (streaming) order carrying a usable IP, and never changed again —
	// it is the FK target for snapshot population downstream.
	CanonicalSourceIP string

	SourceIPs    map[string]struct{}
	UniqueSSHKey map[string]struct{}
	SourceFiles  map[string]struct{}

	// EnrichmentPayload is an opaque JSON blob some event types carry
	// (e.g. a pre-computed WAF/IDS verdict); merged as-is into the
	// SessionSummary's mutable enrichment column.
	EnrichmentPayload json.RawMessage

	// PasswordObservations holds one entry per login-attempt event that
	// carried a cleartext password this batch, hashed at fold time — the
	// password itself never leaves Fold (spec.md §9 / SPEC_FULL.md §5
	// PasswordObservation supplement).
	PasswordObservations []PasswordObservation
}

// PasswordObservation is one cleartext password seen on a login-attempt
// event, reduced to its SHA-1 hash before leaving the aggregator.
type PasswordObservation struct {
	SessionID        string
	PasswordHashSHA1 string
	ObservedAt       time.Time
}

func newAggregate(sessionID string) *Aggregate {
	return &Aggregate{
		SessionID:    sessionID,
		SourceIPs:    make(map[string]struct{}),
		UniqueSSHKey: make(map[string]struct{}),
		SourceFiles:  make(map[string]struct{}),
	}
}

// commandEventTypes and fileDownloadEventTypes classify an honeypot
// eventid into the counters the spec names. These are Cowrie-style event
// IDs, the de facto honeypot log vocabulary this format is drawn from.
var commandEventTypes = map[string]bool{
	"cowrie.command.input":   true,
	"cowrie.command.success": true,
	"cowrie.command.failed":  true,
}

var fileDownloadEventTypes = map[string]bool{
	"cowrie.session.file_download": true,
	"cowrie.session.file_upload":   true,
}

var loginEventTypes = map[string]bool{
	"cowrie.login.success": true,
	"cowrie.login.failed":  true,
}

// sshKeyEventTypes marks pubkey-auth events that inject a key fingerprint
// into the session — Cowrie's own vocabulary for this (spec.md §3
// SessionAggregate ssh_key_injections/unique_ssh_keys).
var sshKeyEventTypes = map[string]bool{
	"cowrie.client.fingerprint": true,
}

// Aggregator folds a stream of validated events into per-session rolling
// aggregates (Session Aggregator, component C). It is single-writer per
// session: callers sharding across multiple Aggregators must route by a
// stable hash of session_id so a given session always lands on the same
// shard, preserving per-session ordering.
type Aggregator struct {
	sensor       string
	aggregates   map[string]*Aggregate
	touchedOrder []string // insertion order, for deterministic batch iteration
}

func NewAggregator(sensor string) *Aggregator {
	return &Aggregator{
		sensor:     sensor,
		aggregates: make(map[string]*Aggregate),
	}
}

// Fold applies one validated event to its session's aggregate, creating
// the aggregate on first sight of the session_id.
func (a *Aggregator) Fold(ev *Event) *Aggregate {
	agg, ok := a.aggregates[ev.SessionID]
	if !ok {
		agg = newAggregate(ev.SessionID)
		agg.Sensor = a.sensor
		a.aggregates[ev.SessionID] = agg
		a.touchedOrder = append(a.touchedOrder, ev.SessionID)
	}

	agg.EventCount++
	if agg.FirstEventAt.IsZero() || ev.Timestamp.Before(agg.FirstEventAt) {
		agg.FirstEventAt = ev.Timestamp
	}
	if ev.Timestamp.After(agg.LastEventAt) {
		agg.LastEventAt = ev.Timestamp
	}
	if ev.RiskScore > agg.HighestRisk {
		agg.HighestRisk = ev.RiskScore
	}

	if commandEventTypes[ev.EventType] {
		agg.CommandCount++
	}
	if fileDownloadEventTypes[ev.EventType] {
		agg.FileDownloads++
	}
	if loginEventTypes[ev.EventType] {
		agg.LoginAttempts++
		if ev.Password != "" {
			sum := sha1.Sum([]byte(ev.Password))
			agg.PasswordObservations = append(agg.PasswordObservations, PasswordObservation{
				SessionID:        ev.SessionID,
				PasswordHashSHA1: hex.EncodeToString(sum[:]),
				ObservedAt:       ev.Timestamp,
			})
		}
	}
	if sshKeyEventTypes[ev.EventType] {
		agg.SSHKeyInjects++
		if ev.SSHFingerprint != "" {
			agg.UniqueSSHKey[ev.SSHFingerprint] = struct{}{}
		}
	}

	agg.VTFlagged = agg.VTFlagged || ev.VTFlagged
	agg.DShieldFlagged = agg.DShieldFlagged || ev.DShieldFlagged
	if len(ev.EnrichmentPayload) > 0 {
		agg.EnrichmentPayload = ev.EnrichmentPayload
	}

	if ev.SrcIP != "" {
		agg.SourceIPs[ev.SrcIP] = struct{}{}
		// Canonical IP pinning: set once, on the chronologically first
		// event with a usable IP; tie-break is stream order, which
		// reflects input file order (spec.md §4.C).
		if agg.CanonicalSourceIP == "" {
			agg.CanonicalSourceIP = ev.SrcIP
		}
	}

	agg.SourceFiles[ev.SourcePath] = struct{}{}

	return agg
}

// Aggregates returns the touched aggregates in the order their sessions
// were first seen this batch.
func (a *Aggregator) Aggregates() []*Aggregate {
	out := make([]*Aggregate, 0, len(a.touchedOrder))
	for _, id := range a.touchedOrder {
		out = append(out, a.aggregates[id])
	}
	return out
}

// Reset discards all batch state. Called after a successful commit.
func (a *Aggregator) Reset() {
	a.aggregates = make(map[string]*Aggregate)
	a.touchedOrder = nil
}

// Len reports how many distinct sessions have been touched this batch.
func (a *Aggregator) Len() int { return len(a.touchedOrder) }

// ShardFor returns a stable shard index in [0, n) for a session ID, used
// to partition events across N aggregators while preserving per-session
// ordering (spec.md §5).
func ShardFor(sessionID string, n int) int {
	if n <= 1 {
		return 0
	}
	var h uint32 = 2166136261
	for i := 0; i < len(sessionID); i++ {
		h ^= uint32(sessionID[i])
		h *= 16777619
	}
	return int(h % uint32(n))
}
