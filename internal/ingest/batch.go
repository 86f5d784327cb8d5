package ingest

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/invoiceflow/internal/invoice"
)

// DefaultConcurrency bounds RunBatch when no limit is given.
const DefaultConcurrency = 4

// BatchResult is the outcome of one batch entry.
type BatchResult struct {
	Job invoice.Job
	Err error
}

// RunBatch runs every job concurrently, at most concurrency at a time.
// Results keep the input order. A failing job does not stop the others;
// only cancelling ctx does.
func RunBatch(ctx context.Context, runner Runner, jobs []invoice.Job, concurrency int) []BatchResult {
	if len(jobs) == 0 {
		return nil
	}
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	results := make([]BatchResult, len(jobs))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for i, job := range jobs {
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				results[i] = BatchResult{Job: job, Err: err}
				return nil
			}
			out, err := runner.Run(gCtx, job)
			results[i] = BatchResult{Job: out, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}
