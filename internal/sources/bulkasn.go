package sources

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"
)

// MaxBulkASNBatch is the hard per-connection ceiling (spec.md §4.F F2):
// no single call may carry more than this many IPs.
const MaxBulkASNBatch = 500

// BulkASNResult is one parsed line of the batcher's response.
type BulkASNResult struct {
	IP     string
	ASN    uint
	ASName string
	Country string
}

type BulkASNOption func(*BulkASNClient)

func WithBulkASNLogger(log *slog.Logger) BulkASNOption {
	return func(c *BulkASNClient) { c.log = log }
}

func WithBulkASNDialTimeout(d time.Duration) BulkASNOption {
	return func(c *BulkASNClient) { c.dialTimeout = d }
}

// BulkASNClient speaks the bulk ASN lookup protocol (F2): one
// line-oriented TCP connection (port 43) per chunk of at most
// MaxBulkASNBatch IPs, "begin/verbose/<ips>/end" request framing, one
// response line per IP. It never does a
// per-IP DNS lookup; the whole point of this client over the historical
// per-IP design is eliminating that round trip (spec.md §4.F F2).
type BulkASNClient struct {
	log         *slog.Logger
	addr        string
	dialTimeout time.Duration
}

func NewBulkASNClient(addr string, opts ...BulkASNOption) *BulkASNClient {
	c := &BulkASNClient{
		log:         slog.Default(),
		addr:        addr,
		dialTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Lookup chunks ips into batches of at most MaxBulkASNBatch and queries
// each over its own connection, never parallelizing chunks within one
// enrichment pass (spec.md §5: "not parallelized ... a single goroutine
// drains chunks of 500"). A failed chunk is logged and skipped; the
// remaining chunks still proceed (graceful-continue, spec.md §4.F F2).
func (c *BulkASNClient) Lookup(ctx context.Context, ips []string) (map[string]BulkASNResult, error) {
	out := make(map[string]BulkASNResult, len(ips))
	for start := 0; start < len(ips); start += MaxBulkASNBatch {
		end := start + MaxBulkASNBatch
		if end > len(ips) {
			end = len(ips)
		}
		chunk := ips[start:end]
		res, err := c.lookupChunk(ctx, chunk)
		if err != nil {
			c.log.Warn("bulk asn chunk failed, skipping", "chunk_size", len(chunk), "error", err)
			continue
		}
		for ip, r := range res {
			out[ip] = r
		}
	}
	return out, nil
}

func (c *BulkASNClient) lookupChunk(ctx context.Context, ips []string) (map[string]BulkASNResult, error) {
	if len(ips) > MaxBulkASNBatch {
		return nil, fmt.Errorf("chunk of %d exceeds hard ceiling of %d", len(ips), MaxBulkASNBatch)
	}

	dialer := net.Dialer{Timeout: c.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.addr, err)
	}
	defer conn.Close()

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}

	var req strings.Builder
	req.WriteString("begin\n")
	req.WriteString("verbose\n")
	for _, ip := range ips {
		req.WriteString(ip)
		req.WriteString("\n")
	}
	req.WriteString("end\n")

	if _, err := conn.Write([]byte(req.String())); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	out := make(map[string]BulkASNResult, len(ips))
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		r, ok := parseBulkASNLine(line)
		if !ok {
			continue
		}
		out[r.IP] = r
	}
	if err := scanner.Err(); err != nil {
		return out, fmt.Errorf("read response: %w", err)
	}
	return out, nil
}

// parseBulkASNLine parses one pipe-delimited response line:
// "asn | ip | country | registry | allocated | as_name".
func parseBulkASNLine(line string) (BulkASNResult, bool) {
	fields := strings.Split(line, "|")
	if len(fields) < 3 {
		return BulkASNResult{}, false
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	asn, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return BulkASNResult{}, false
	}

	r := BulkASNResult{IP: fields[1]}
	r.ASN = uint(asn)
	if len(fields) > 2 {
		r.Country = fields[2]
	}
	if len(fields) > 5 {
		r.ASName = fields[5]
	}
	return r, r.IP != ""
}
