package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/invoiceflow/internal/invoice"
	"github.com/kalambet/invoiceflow/internal/storage"
)

type mockRunner struct {
	mu    sync.Mutex
	jobs  []invoice.Job
	runFn func(ctx context.Context, job invoice.Job) (invoice.Job, error)
}

func (m *mockRunner) Run(ctx context.Context, job invoice.Job) (invoice.Job, error) {
	m.mu.Lock()
	m.jobs = append(m.jobs, job)
	m.mu.Unlock()
	if m.runFn != nil {
		return m.runFn(ctx, job)
	}
	job.InvoiceID = "inv-" + job.SourcePath
	job.Status = invoice.StatusSummaryGenerated
	return job, nil
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func enqueueTestJob(t *testing.T, store *storage.Store, source string, maxAttempts int) string {
	t.Helper()
	id, err := Enqueue(context.Background(), store, Payload{UserID: "u1", SourcePath: source, TargetSystem: invoice.TargetZoho}, maxAttempts)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return id
}

// resetRunAfter sets run_after to now so the job is immediately claimable after FailJob backoff.
func resetRunAfter(t *testing.T, store *storage.Store, jobID string) {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := store.DB().Exec(`UPDATE jobs SET run_after = ? WHERE id = ?`, now, jobID)
	if err != nil {
		t.Fatalf("resetRunAfter: %v", err)
	}
}

func jobStatus(t *testing.T, store *storage.Store, id string) storage.Job {
	t.Helper()
	j, err := store.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("GetJob(%s): %v", id, err)
	}
	return j
}

func TestEnqueue_Validates(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := Enqueue(ctx, store, Payload{TargetSystem: invoice.TargetZoho}, 1); err == nil {
		t.Error("Enqueue without source path succeeded")
	}
	if _, err := Enqueue(ctx, store, Payload{SourcePath: "a.pdf", TargetSystem: "SAP"}, 1); err == nil {
		t.Error("Enqueue with unknown target succeeded")
	}

	id := enqueueTestJob(t, store, "a.pdf", 0)
	j := jobStatus(t, store, id)
	if j.Type != JobTypeProcess || j.MaxAttempts != 1 || j.Status != "pending" {
		t.Errorf("job = %+v, want pending %s with one attempt", j, JobTypeProcess)
	}
	var p Payload
	if err := json.Unmarshal([]byte(j.PayloadJSON), &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.SourcePath != "a.pdf" || p.TargetSystem != invoice.TargetZoho || p.UserID != "u1" {
		t.Errorf("payload = %+v", p)
	}
}

func TestWorker_ProcessesJob(t *testing.T) {
	store := openTestStore(t)
	id := enqueueTestJob(t, store, "a.pdf", 1)

	runner := &mockRunner{}
	w := NewWorker(store, runner, 0, nil)

	didWork, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if !didWork {
		t.Fatal("RunOnce returned false, expected true")
	}
	if len(runner.jobs) != 1 {
		t.Fatalf("runner called %d times, want 1", len(runner.jobs))
	}
	got := runner.jobs[0]
	if got.SourcePath != "a.pdf" || got.UserID != "u1" || got.TargetSystem != invoice.TargetZoho {
		t.Errorf("runner job = %+v", got)
	}
	if s := jobStatus(t, store, id).Status; s != "completed" {
		t.Errorf("status = %q, want completed", s)
	}

	didWork, err = w.RunOnce(context.Background())
	if err != nil || didWork {
		t.Errorf("RunOnce on empty queue = %v, %v; want false, nil", didWork, err)
	}
}

func TestWorker_FailedInvoiceFailsJob(t *testing.T) {
	store := openTestStore(t)
	id := enqueueTestJob(t, store, "a.pdf", 1)

	w := NewWorker(store, &mockRunner{
		runFn: func(_ context.Context, job invoice.Job) (invoice.Job, error) {
			job.InvoiceID = "inv-1"
			job.Status = invoice.StatusFailedOCR
			return job, nil
		},
	}, 0, nil)

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	j := jobStatus(t, store, id)
	if j.Status != "failed" {
		t.Errorf("status = %q, want failed", j.Status)
	}
	if j.LastError != "invoice inv-1 ended in FAILED_OCR" {
		t.Errorf("last error = %q", j.LastError)
	}
}

func TestWorker_RetryOnAuditFailure(t *testing.T) {
	store := openTestStore(t)
	id := enqueueTestJob(t, store, "a.pdf", 3)

	var calls atomic.Int32
	w := NewWorker(store, &mockRunner{
		runFn: func(_ context.Context, job invoice.Job) (invoice.Job, error) {
			if calls.Add(1) <= 2 {
				return job, errors.New("audit step not persisted")
			}
			job.Status = invoice.StatusSummaryGenerated
			return job, nil
		},
	}, 0, nil)

	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		didWork, err := w.RunOnce(ctx)
		if err != nil {
			t.Fatalf("RunOnce %d error: %v", i, err)
		}
		if !didWork {
			t.Fatalf("RunOnce %d returned false", i)
		}
		if i < 3 {
			j := jobStatus(t, store, id)
			if j.Status != "pending" || j.Attempts != i {
				t.Errorf("after fail %d: status=%q attempts=%d, want pending/%d", i, j.Status, j.Attempts, i)
			}
			resetRunAfter(t, store, id)
		}
	}
	if s := jobStatus(t, store, id).Status; s != "completed" {
		t.Errorf("final status = %q, want completed", s)
	}
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	store := openTestStore(t)
	enqueueTestJob(t, store, "a.pdf", 1)
	runner := &mockRunner{}
	w := NewWorker(store, runner, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		runner.mu.Lock()
		n := len(runner.jobs)
		runner.mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("job was not processed")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunBatch_OrderAndLimit(t *testing.T) {
	var inFlight, peak atomic.Int32
	runner := &mockRunner{
		runFn: func(_ context.Context, job invoice.Job) (invoice.Job, error) {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			inFlight.Add(-1)
			if job.SourcePath == "bad.pdf" {
				return job, errors.New("audit step not persisted")
			}
			job.Status = invoice.StatusSummaryGenerated
			return job, nil
		},
	}

	var jobs []invoice.Job
	for i := range 8 {
		jobs = append(jobs, invoice.Job{SourcePath: fmt.Sprintf("%d.pdf", i)})
	}
	jobs[3].SourcePath = "bad.pdf"

	results := RunBatch(context.Background(), runner, jobs, 2)
	if len(results) != len(jobs) {
		t.Fatalf("got %d results, want %d", len(results), len(jobs))
	}
	for i, r := range results {
		if r.Job.SourcePath != jobs[i].SourcePath {
			t.Errorf("result %d is for %s, want %s", i, r.Job.SourcePath, jobs[i].SourcePath)
		}
		if (r.Err != nil) != (i == 3) {
			t.Errorf("result %d err = %v", i, r.Err)
		}
	}
	if p := peak.Load(); p > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", p)
	}
}

func TestRunBatch_Empty(t *testing.T) {
	if got := RunBatch(context.Background(), &mockRunner{}, nil, 0); got != nil {
		t.Errorf("RunBatch(nil) = %v, want nil", got)
	}
}
