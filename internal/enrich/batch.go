package enrich

import (
	"context"
	"runtime"

	"github.com/alitto/pond/v2"
)

// IPJob is one EnrichIP request inside a batch.
type IPJob struct {
	IP      string
	Session *SessionContext
}

// BatchResult pairs a job's IP with its enrichment.
type BatchResult struct {
	IP         string
	Enrichment Enrichment
}

// poolSize implements the bounding rule from spec.md §4.H: the worker
// pool is sized to the smallest of the configured cap, the remaining
// scanner budget divided into batches of 100, and 1 + the CPU count.
func poolSize(configuredCap, remainingScannerBudget int) int {
	size := configuredCap
	if remainingScannerBudget >= 0 {
		byBudget := remainingScannerBudget / 100
		if byBudget < size {
			size = byBudget
		}
	}
	byCPU := 1 + runtime.NumCPU()
	if byCPU < size {
		size = byCPU
	}
	if size < 1 {
		size = 1
	}
	return size
}

// EnrichBatch runs EnrichIP across jobs with pond-bounded concurrency,
// preserving each result's association with its originating IP.
func (e *Enricher) EnrichBatch(ctx context.Context, jobs []IPJob, configuredCap int) []BatchResult {
	remaining := -1
	if e.scanner != nil {
		remaining = e.scanner.RemainingBudget()
	}
	pool := pond.NewResultPool[BatchResult](poolSize(configuredCap, remaining))

	tasks := make([]pond.Task[BatchResult], len(jobs))
	for i, job := range jobs {
		job := job
		tasks[i] = pool.Submit(func() BatchResult {
			return BatchResult{IP: job.IP, Enrichment: e.EnrichIP(ctx, job.IP, job.Session)}
		})
	}

	results := make([]BatchResult, len(jobs))
	for i, t := range tasks {
		r, _ := t.Wait()
		results[i] = r
	}
	pool.StopAndWait()
	return results
}
