package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/invoiceflow/internal/invoice"
	"github.com/kalambet/invoiceflow/internal/storage"
)

// JobTypeProcess is the queue type of invoice processing jobs.
const JobTypeProcess = "process_invoice"

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
}

// Enqueuer adds jobs to the queue.
type Enqueuer interface {
	EnqueueJob(ctx context.Context, job storage.Job) error
}

// Runner processes one invoice job to a terminal status.
type Runner interface {
	Run(ctx context.Context, job invoice.Job) (invoice.Job, error)
}

// Payload is the queued description of an invoice to process.
type Payload struct {
	UserID       string               `json:"user_id"`
	SourcePath   string               `json:"source_file_path"`
	TargetSystem invoice.TargetSystem `json:"target_system"`
}

// Enqueue queues p and returns the job id. maxAttempts below 1 means a
// single attempt.
func Enqueue(ctx context.Context, q Enqueuer, p Payload, maxAttempts int) (string, error) {
	if p.SourcePath == "" {
		return "", fmt.Errorf("source path is required")
	}
	if _, ok := invoice.ParseTargetSystem(string(p.TargetSystem)); !ok {
		return "", fmt.Errorf("unsupported target system %q", p.TargetSystem)
	}
	body, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encoding payload: %w", err)
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	id := uuid.NewString()
	job := storage.Job{ID: id, Type: JobTypeProcess, PayloadJSON: string(body), MaxAttempts: maxAttempts}
	if err := q.EnqueueJob(ctx, job); err != nil {
		return "", fmt.Errorf("enqueueing job: %w", err)
	}
	return id, nil
}

// Worker processes invoice jobs from the SQLite job queue.
type Worker struct {
	store  JobStore
	runner Runner
	poll   time.Duration
	logger *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, runner Runner, pollInterval time.Duration, logger *slog.Logger) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:  store,
		runner: runner,
		poll:   pollInterval,
		logger: logger,
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, []string{JobTypeProcess})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(ctx, job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(ctx, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var p Payload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	out, err := w.runner.Run(ctx, invoice.Job{UserID: p.UserID, SourcePath: p.SourcePath, TargetSystem: p.TargetSystem})
	if err != nil {
		return fmt.Errorf("invoice %s: %w", out.InvoiceID, err)
	}
	if out.Status.Failed() {
		return fmt.Errorf("invoice %s ended in %s", out.InvoiceID, out.Status)
	}
	w.logger.Info("job processed", "job_id", job.ID, "invoice_id", out.InvoiceID, "status", out.Status)
	return nil
}
