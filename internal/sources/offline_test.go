package sources

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/maxmind/mmdbwriter"
	"github.com/maxmind/mmdbwriter/mmdbtype"
	"github.com/stretchr/testify/require"
)

func TestOfflineLookup_Resolve(t *testing.T) {
	t.Parallel()

	const cidr = "198.51.100.0/24"
	const ipStr = "198.51.100.7"

	cityPath := writeMMDB(t, "city.mmdb", "GeoLite2-City", func(w *mmdbwriter.Tree) {
		rec := mmdbtype.Map{
			"country": mmdbtype.Map{
				"iso_code": mmdbtype.String("US"),
				"names":    mmdbtype.Map{"en": mmdbtype.String("United States")},
			},
			"city": mmdbtype.Map{
				"names": mmdbtype.Map{"en": mmdbtype.String("Ashburn")},
			},
			"location": mmdbtype.Map{
				"latitude":  mmdbtype.Float64(39.0438),
				"longitude": mmdbtype.Float64(-77.4874),
			},
		}
		require.NoError(t, w.Insert(mustCIDR(t, cidr), rec))
	})
	asnPath := writeMMDB(t, "asn.mmdb", "GeoLite2-ASN", func(w *mmdbwriter.Tree) {
		rec := mmdbtype.Map{
			"autonomous_system_number":       mmdbtype.Uint32(64500),
			"autonomous_system_organization": mmdbtype.String("ExampleHosting"),
		}
		require.NoError(t, w.Insert(mustCIDR(t, cidr), rec))
	})

	o, err := OpenOffline(cityPath, asnPath)
	require.NoError(t, err)
	defer o.Close()

	got, err := o.Lookup(net.ParseIP(ipStr))
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "US", got.GeoCountry)
	require.Equal(t, "Ashburn", got.City)
	require.Equal(t, uint(64500), got.ASN)
	require.Equal(t, "ExampleHosting", got.ASName)
	require.InDelta(t, 39.0438, got.Lat, 1e-9)
}

func TestOfflineLookup_NilIP(t *testing.T) {
	t.Parallel()

	cityPath := writeMMDB(t, "city.mmdb", "GeoLite2-City", func(w *mmdbwriter.Tree) {})
	o, err := OpenOffline(cityPath, "")
	require.NoError(t, err)
	defer o.Close()

	_, err = o.Lookup(nil)
	require.Error(t, err)
}

func TestOfflineLookup_NoMatch(t *testing.T) {
	t.Parallel()

	cityPath := writeMMDB(t, "city.mmdb", "GeoLite2-City", func(w *mmdbwriter.Tree) {})
	o, err := OpenOffline(cityPath, "")
	require.NoError(t, err)
	defer o.Close()

	got, err := o.Lookup(net.ParseIP("203.0.113.9"))
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestOfflineLookup_Stale(t *testing.T) {
	t.Parallel()

	cityPath := writeMMDB(t, "city.mmdb", "GeoLite2-City", func(w *mmdbwriter.Tree) {})
	require.NoError(t, os.Chtimes(cityPath, time.Now().Add(-30*24*time.Hour), time.Now().Add(-30*24*time.Hour)))

	o, err := OpenOffline(cityPath, "", WithStaleAfter(14*24*time.Hour))
	require.NoError(t, err)
	defer o.Close()

	require.True(t, o.Stale())
}

func writeMMDB(t *testing.T, filename, dbType string, inserts func(w *mmdbwriter.Tree)) string {
	t.Helper()
	// The test ranges are documentation blocks, which the writer rejects
	// as reserved unless IncludeReservedNetworks is set.
	w, err := mmdbwriter.New(mmdbwriter.Options{DatabaseType: dbType, RecordSize: 24, IncludeReservedNetworks: true})
	require.NoError(t, err)
	inserts(w)

	dir := t.TempDir()
	path := filepath.Join(dir, filename)
	f, err := os.Create(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	_, err = w.WriteTo(f)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	return path
}

func mustCIDR(t *testing.T, s string) *net.IPNet {
	t.Helper()
	_, n, err := net.ParseCIDR(s)
	require.NoError(t, err)
	return n
}
