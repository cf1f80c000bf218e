// Package ingest implements the Event Source Reader (A), Event Validator
// (B), Session Aggregator (C) and Bulk/Delta Loader (D / C1) described in
// the specification.
package ingest

import (
	"encoding/json"
	"time"
)

// RawLine is one line read from a source file, still unparsed. It is the
// unit the Reader yields and the Validator consumes.
type RawLine struct {
	Payload      []byte
	SourcePath   string
	SourceOffset int64
	Inode        string
}

// Event is a validated honeypot event ready for aggregation and storage.
type Event struct {
	SourcePath   string
	SourceOffset int64
	SessionID    string
	EventType    string
	Timestamp    time.Time
	Payload      json.RawMessage

	// SrcIP is pulled out of the payload for the aggregator: src_ip, or
	// peer_ip when src_ip is absent; empty if the event carries neither.
	SrcIP string

	// RiskScore is an optional numeric score carried by some event types
	// (e.g. a WAF or IDS annotation already present on ingest).
	RiskScore float64

	// Password is the cleartext password a login-attempt event carried,
	// if any. The aggregator hashes it in Fold and never persists or logs
	// it as-is (SPEC_FULL.md §5 PasswordObservation supplement).
	Password string

	// SSHFingerprint identifies the key used in a pubkey-auth event
	// (cowrie.client.fingerprint), folded into unique_ssh_keys.
	SSHFingerprint string

	// VTFlagged/DShieldFlagged mirror a sensor-side verdict some event
	// types already carry (spec.md §3 SessionAggregate attributes).
	VTFlagged      bool
	DShieldFlagged bool

	// EnrichmentPayload is an opaque JSON blob some event types carry,
	// merged as-is into the session's mutable enrichment column.
	EnrichmentPayload json.RawMessage
}

// minimalEnvelope captures the fields the validator/aggregator need across
// event types, per spec.md §6: eventid, session, timestamp are required;
// the rest are optional and simply absent (zero value) for event types
// that don't carry them.
type minimalEnvelope struct {
	EventID           string          `json:"eventid"`
	Session           string          `json:"session"`
	Timestamp         string          `json:"timestamp"`
	SrcIP             string          `json:"src_ip"`
	PeerIP            string          `json:"peer_ip"`
	Password          string          `json:"password"`
	RiskScore         json.RawMessage `json:"risk_score"`
	Fingerprint       string          `json:"fingerprint"`
	VTFlagged         bool            `json:"vt_flagged"`
	DShieldFlagged    bool            `json:"dshield_flagged"`
	EnrichmentPayload json.RawMessage `json:"enrichment_payload"`
}
