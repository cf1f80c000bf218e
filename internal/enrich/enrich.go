// Package enrich implements the Cascade Enricher (H / C2): the
// multi-source IP enrichment pipeline with per-source provenance and
// staleness-driven re-enrichment described in spec.md §4.H.
package enrich

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/coldpot-sec/coldpot/internal/cache"
	"github.com/coldpot-sec/coldpot/internal/classify"
	"github.com/coldpot-sec/coldpot/internal/sources"
)

// Meta is the provenance record attached to every enrichment, per
// spec.md §4.H step 6 (P7: sources_attempted ⊇ succeeded ∪ failed ∪ skipped).
type Meta struct {
	SourcesAttempted  []string          `json:"sources_attempted"`
	SourcesSucceeded  []string          `json:"sources_succeeded"`
	SourcesFailed     []string          `json:"sources_failed"`
	SourcesSkipped    []string          `json:"sources_skipped"`
	SkipReasons       map[string]string `json:"skip_reasons,omitempty"`
	FailureReasons    map[string]string `json:"failure_reasons,omitempty"`
	CacheHits         map[string]string `json:"cache_hits,omitempty"`
	TotalDurationMS   int64             `json:"total_duration_ms"`
	EnrichmentTS      time.Time         `json:"enrichment_timestamp"`
}

// Validation carries the bogon short-circuit result (spec.md §4.H step 1).
type Validation struct {
	IsBogon bool `json:"is_bogon"`
}

// Enrichment is the merged output of one enrich_ip call.
type Enrichment struct {
	Validation     Validation              `json:"validation"`
	GeoCountry     string                  `json:"geo_country,omitempty"`
	City           string                  `json:"city,omitempty"`
	ASN            uint                    `json:"asn,omitempty"`
	ASName         string                  `json:"as_name,omitempty"`
	Lat            float64                 `json:"lat,omitempty"`
	Lon            float64                 `json:"lon,omitempty"`
	IPClassification *classify.Result      `json:"ip_classification,omitempty"`
	Meta           Meta                    `json:"_meta"`
}

// SessionContext is the activity summary the scanner's activity filter
// checks (spec.md §4.H step 5).
type SessionContext = sources.SessionActivity

type EnricherOption func(*Enricher)

func WithEnricherLogger(log *slog.Logger) EnricherOption {
	return func(e *Enricher) { e.log = log }
}

// Enricher drives F1 -> F2 -> classify -> F3 in sequence, recording
// provenance at every step and never failing the whole call because one
// source failed (spec.md §4.H "Fallback on failure").
type Enricher struct {
	log     *slog.Logger
	offline *sources.OfflineLookup
	bulkASN *sources.BulkASNClient
	scanner *sources.ScannerClient
	cls     *classify.Classifier
	cache   *cache.Cache
}

func New(offline *sources.OfflineLookup, bulkASN *sources.BulkASNClient, scanner *sources.ScannerClient, cls *classify.Classifier, c *cache.Cache, opts ...EnricherOption) *Enricher {
	e := &Enricher{
		log:     slog.Default(),
		offline: offline,
		bulkASN: bulkASN,
		scanner: scanner,
		cls:     cls,
		cache:   c,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// EnrichIP runs the full cascade for one IP. sessionCtx may be nil if no
// activity information is available (e.g. a backfill pass); in that case
// the scanner step always skips (it can't evaluate the activity filter).
func (e *Enricher) EnrichIP(ctx context.Context, ip string, sessionCtx *SessionContext) Enrichment {
	start := time.Now()
	meta := Meta{
		SourcesAttempted: []string{},
		SourcesSucceeded: []string{},
		SourcesFailed:    []string{},
		SourcesSkipped:   []string{},
		SkipReasons:      map[string]string{},
		FailureReasons:   map[string]string{},
		CacheHits:        map[string]string{},
		EnrichmentTS:     start.UTC(),
	}
	result := Enrichment{}

	parsed := net.ParseIP(ip)
	if sources.IsBogon(parsed) {
		result.Validation.IsBogon = true
		result.Meta = meta
		result.Meta.TotalDurationMS = time.Since(start).Milliseconds()
		return result
	}

	// F1: offline geo/ASN.
	meta.SourcesAttempted = append(meta.SourcesAttempted, "offline")
	if e.offline != nil {
		off, err := e.offline.Lookup(parsed)
		if err != nil {
			meta.SourcesFailed = append(meta.SourcesFailed, "offline")
			meta.FailureReasons["offline"] = err.Error()
			e.log.Warn("offline source failed, elevated warning per policy", "ip", ip, "error", err)
		} else if off != nil {
			meta.SourcesSucceeded = append(meta.SourcesSucceeded, "offline")
			result.GeoCountry = off.GeoCountry
			result.City = off.City
			result.ASN = off.ASN
			result.ASName = off.ASName
			result.Lat = off.Lat
			result.Lon = off.Lon
		} else {
			meta.SourcesSucceeded = append(meta.SourcesSucceeded, "offline")
		}
	} else {
		meta.SourcesSkipped = append(meta.SourcesSkipped, "offline")
		meta.SkipReasons["offline"] = "not_configured"
	}

	// F2: bulk ASN, only if the offline source found no ASN.
	if result.ASN == 0 {
		meta.SourcesAttempted = append(meta.SourcesAttempted, "bulk_asn")
		if cached := e.cacheGet(ctx, cache.ServiceBulkASN, ip, &meta); cached != nil {
			var r sources.BulkASNResult
			if json.Unmarshal(cached, &r) == nil {
				meta.SourcesSucceeded = append(meta.SourcesSucceeded, "bulk_asn")
				result.ASN = r.ASN
				result.ASName = r.ASName
				if result.GeoCountry == "" {
					result.GeoCountry = r.Country
				}
			}
		} else if e.bulkASN != nil {
			res, err := e.bulkASN.Lookup(ctx, []string{ip})
			if err != nil {
				meta.SourcesFailed = append(meta.SourcesFailed, "bulk_asn")
				meta.FailureReasons["bulk_asn"] = err.Error()
			} else if r, ok := res[ip]; ok {
				meta.SourcesSucceeded = append(meta.SourcesSucceeded, "bulk_asn")
				result.ASN = r.ASN
				result.ASName = r.ASName
				if result.GeoCountry == "" {
					result.GeoCountry = r.Country
				}
				e.cachePut(ctx, cache.ServiceBulkASN, ip, r)
			} else {
				meta.SourcesSkipped = append(meta.SourcesSkipped, "bulk_asn")
				meta.SkipReasons["bulk_asn"] = "no_record"
			}
		} else {
			meta.SourcesSkipped = append(meta.SourcesSkipped, "bulk_asn")
			meta.SkipReasons["bulk_asn"] = "not_configured"
		}
	}

	// G: classification, folded under ip_classification.
	if e.cls != nil {
		if addr, err := netip.ParseAddr(ip); err == nil {
			cr := e.cls.Classify(addr, result.ASN, result.ASName)
			result.IPClassification = &cr
		}
	}

	// F3: scanner, only if the activity filter passes and budget remains.
	meta.SourcesAttempted = append(meta.SourcesAttempted, "scanner")
	switch {
	case sessionCtx == nil || !sources.PassesActivityFilter(*sessionCtx):
		meta.SourcesSkipped = append(meta.SourcesSkipped, "scanner")
		meta.SkipReasons["scanner"] = "activity_filter"
	case e.scanner == nil:
		meta.SourcesSkipped = append(meta.SourcesSkipped, "scanner")
		meta.SkipReasons["scanner"] = "not_configured"
	default:
		if cached := e.cacheGet(ctx, cache.ServiceScanner, ip, &meta); cached != nil {
			var sr sources.ScannerResult
			if json.Unmarshal(cached, &sr) == nil {
				meta.SourcesSucceeded = append(meta.SourcesSucceeded, "scanner")
				if result.IPClassification == nil || result.IPClassification.IPType == classify.TypeUnknown {
					result.IPClassification = &classify.Result{
						IPType: sr.IPType, Confidence: sr.Confidence, Source: "scanner", ClassifiedAt: sr.LastSeenAt,
					}
				}
			}
			break
		}
		sr, err := e.scanner.Lookup(ctx, ip)
		switch {
		case err == sources.ErrQuotaExhausted:
			meta.SourcesSkipped = append(meta.SourcesSkipped, "scanner")
			meta.SkipReasons["scanner"] = "quota_exhausted"
		case err != nil:
			meta.SourcesFailed = append(meta.SourcesFailed, "scanner")
			meta.FailureReasons["scanner"] = err.Error()
		default:
			meta.SourcesSucceeded = append(meta.SourcesSucceeded, "scanner")
			if result.IPClassification == nil || result.IPClassification.IPType == classify.TypeUnknown {
				result.IPClassification = &classify.Result{
					IPType: sr.IPType, Confidence: sr.Confidence, Source: "scanner", ClassifiedAt: sr.LastSeenAt,
				}
			}
			e.cachePut(ctx, cache.ServiceScanner, ip, *sr)
		}
	}

	meta.TotalDurationMS = time.Since(start).Milliseconds()
	result.Meta = meta
	return result
}

// cacheGet returns the raw cached value for (service, ip), recording a
// cache-hit note in meta, or nil on a miss or when no cache is wired.
func (e *Enricher) cacheGet(ctx context.Context, service, ip string, meta *Meta) json.RawMessage {
	if e.cache == nil {
		return nil
	}
	entry, tier, err := e.cache.Get(ctx, service, ip)
	if err != nil || entry == nil {
		return nil
	}
	meta.CacheHits[service] = tier
	return json.RawMessage(entry.Value)
}

func (e *Enricher) cachePut(ctx context.Context, service, ip string, v any) {
	if e.cache == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	_ = e.cache.Put(ctx, service, ip, cache.Entry{Value: data})
}

// NeedsReenrichment implements the staleness policy from spec.md §4.H:
// re-enrich if there's no prior enrichment, scanner data older than 7
// days, or any network-sourced data older than 90 days.
func NeedsReenrichment(lastEnrichedAt *time.Time, hasScannerData bool, now time.Time) bool {
	if lastEnrichedAt == nil {
		return true
	}
	age := now.Sub(*lastEnrichedAt)
	if hasScannerData && age > 7*24*time.Hour {
		return true
	}
	return age > 90*24*time.Hour
}

// Marshal encodes the enrichment as JSON for storage in IPInventory.enrichment.
func (e Enrichment) Marshal() (json.RawMessage, error) {
	return json.Marshal(e)
}
