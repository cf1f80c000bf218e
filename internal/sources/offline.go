// Package sources implements the per-provider Source Clients (F):
// offline geo/ASN lookup (F1), the bulk ASN-over-port-43 batcher (F2),
// and the selective HTTP scanner client (F3).
package sources

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/oschwald/geoip2-golang"
)

// OfflineResult is what F1 contributes to an Enrichment: geo + ASN fields
// read from a memory-mapped reference database, per spec.md §4.F F1.
type OfflineResult struct {
	GeoCountry string
	City       string
	ASN        uint
	ASName     string
	Lat        float64
	Lon        float64
}

// OfflineLookup is the Offline Geo/ASN Lookup client (F1): a read-only
// lookup against two memory-mapped MaxMind-format databases. It never
// blocks on the network, so it has no context-based timeout unlike F2/F3.
type OfflineLookup struct {
	log *slog.Logger

	cityDB   *geoip2.Reader
	asnDB    *geoip2.Reader
	cityPath string
	asnPath  string

	// staleAfter is the "fresh by file age" threshold (spec.md §4.F F1,
	// default 14 days): past this age, lookups still answer but Stale()
	// reports true so the cascade enricher can log an operational warning.
	staleAfter time.Duration
}

type OfflineOption func(*OfflineLookup)

func WithOfflineLogger(log *slog.Logger) OfflineOption {
	return func(o *OfflineLookup) { o.log = log }
}

func WithStaleAfter(d time.Duration) OfflineOption {
	return func(o *OfflineLookup) { o.staleAfter = d }
}

// OpenOffline loads the city and ASN MaxMind databases from disk. Either
// path may be empty to run with only one of the two loaded, mirroring the
// teacher's nil-tolerant resolver.
func OpenOffline(cityPath, asnPath string, opts ...OfflineOption) (*OfflineLookup, error) {
	o := &OfflineLookup{
		log:        slog.Default(),
		cityPath:   cityPath,
		asnPath:    asnPath,
		staleAfter: 14 * 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(o)
	}

	if cityPath != "" {
		db, err := geoip2.Open(cityPath)
		if err != nil {
			return nil, fmt.Errorf("open city db %q: %w", cityPath, err)
		}
		o.cityDB = db
	}
	if asnPath != "" {
		db, err := geoip2.Open(asnPath)
		if err != nil {
			return nil, fmt.Errorf("open asn db %q: %w", asnPath, err)
		}
		o.asnDB = db
	}
	if o.cityDB == nil && o.asnDB == nil {
		return nil, fmt.Errorf("no offline database configured")
	}
	return o, nil
}

func (o *OfflineLookup) Close() {
	if o.cityDB != nil {
		o.cityDB.Close()
	}
	if o.asnDB != nil {
		o.asnDB.Close()
	}
}

// Stale reports whether the underlying database files are older than the
// configured staleness threshold. Offline-DB data is fresh by file age,
// not per-IP (spec.md §4.H staleness policy).
func (o *OfflineLookup) Stale() bool {
	for _, p := range []string{o.cityPath, o.asnPath} {
		if p == "" {
			continue
		}
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		if time.Since(info.ModTime()) > o.staleAfter {
			return true
		}
	}
	return false
}

// Lookup resolves geo/ASN data for ip. A nil result with no error means
// neither database had an entry; this is not itself an enrichment
// failure, just an empty contribution.
func (o *OfflineLookup) Lookup(ip net.IP) (*OfflineResult, error) {
	if ip == nil {
		return nil, fmt.Errorf("nil ip")
	}

	var res OfflineResult
	found := false

	if o.cityDB != nil {
		rec, err := o.cityDB.City(ip)
		if err != nil {
			o.log.Debug("offline geo city lookup failed", "ip", ip.String(), "error", err)
		} else if rec.Country.IsoCode != "" {
			res.GeoCountry = rec.Country.IsoCode
			res.City = rec.City.Names["en"]
			res.Lat = rec.Location.Latitude
			res.Lon = rec.Location.Longitude
			found = true
		}
	}

	if o.asnDB != nil {
		rec, err := o.asnDB.ASN(ip)
		if err != nil {
			o.log.Debug("offline geo asn lookup failed", "ip", ip.String(), "error", err)
		} else if rec.AutonomousSystemNumber != 0 {
			res.ASN = rec.AutonomousSystemNumber
			res.ASName = rec.AutonomousSystemOrganization
			found = true
		}
	}

	if !found {
		return nil, nil
	}
	return &res, nil
}
