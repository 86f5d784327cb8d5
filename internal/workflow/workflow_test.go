package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/invoiceflow/internal/agents"
	"github.com/kalambet/invoiceflow/internal/dispatch"
	"github.com/kalambet/invoiceflow/internal/invoice"
	"github.com/kalambet/invoiceflow/internal/llm"
	"github.com/kalambet/invoiceflow/internal/mapper"
	"github.com/kalambet/invoiceflow/internal/registry"
	"github.com/kalambet/invoiceflow/internal/storage"
	"github.com/kalambet/invoiceflow/internal/summary"
	"github.com/kalambet/invoiceflow/internal/validation"
)

const mappedReply = `{
  "invoiceNumber": "INV-7",
  "invoiceDate": "2024-05-02",
  "vendor": {"name": "Acme Traders"},
  "customer": {"name": "Globex"},
  "lineItems": [{"description": "Widget", "quantity": 2, "unitPrice": 250, "taxPercent": 18, "amount": 500}],
  "totals": {"subtotal": 500, "gstAmount": 90, "roundOff": 0, "grandTotal": 590}
}`

const summaryReply = `{"status":"POSTED_SUCCESS","headline":"INV-7 from Acme Traders posted to ZOHO","next_actions":[]}`

var fixedNow = func() time.Time { return time.Date(2024, 6, 15, 9, 0, 0, 0, time.UTC) }

type fakeResolver struct {
	res   invoice.OCRResult
	calls atomic.Int32
}

func (f *fakeResolver) Resolve(context.Context, string, string) invoice.OCRResult {
	f.calls.Add(1)
	return f.res
}

// fakeLLM answers mapping and summary prompts separately.
type fakeLLM struct {
	mapReply     string
	summaryReply string
	summaryErr   error
	mapCalls     atomic.Int32
	summaryCalls atomic.Int32
}

func (f *fakeLLM) Chat(_ context.Context, req llm.Request) (string, error) {
	if req.System == mapper.SystemPrompt {
		f.mapCalls.Add(1)
		return f.mapReply, nil
	}
	f.summaryCalls.Add(1)
	return f.summaryReply, f.summaryErr
}

type stubServer struct {
	card     registry.AgentCard
	handlers map[string]dispatch.Handler
}

func (s stubServer) Card() registry.AgentCard              { return s.card }
func (s stubServer) Handlers() map[string]dispatch.Handler { return s.handlers }

func stub(agentID, toolID, capability string, fn dispatch.HandlerFunc) stubServer {
	return stubServer{
		card: registry.AgentCard{
			AgentID: agentID,
			Tools:   []registry.ToolDefinition{{ToolID: toolID, Capability: capability}},
		},
		handlers: map[string]dispatch.Handler{toolID: fn},
	}
}

type env struct {
	engine   *Engine
	store    *storage.Store
	d        *dispatch.Dispatcher
	reg      *registry.Registry
	resolver *fakeResolver
	llm      *fakeLLM
	uploads  string
	source   string
}

func newEnv(t *testing.T, timeout time.Duration, omit ...string) *env {
	t.Helper()
	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	dir := t.TempDir()
	source := filepath.Join(dir, "scan.PDF")
	require.NoError(t, os.WriteFile(source, []byte("%PDF-1.4"), 0o644))

	e := &env{
		store: store,
		d:     dispatch.New(timeout, nil),
		reg:   registry.New(store, nil),
		resolver: &fakeResolver{res: invoice.OCRResult{
			Status:         invoice.StatusOCRDone,
			AvgConfidence:  0.95,
			Pages:          []invoice.Page{{PageNumber: 1, Text: "TAX INVOICE"}, {PageNumber: 2, Text: "INV-7"}},
			RawEngineTrace: map[string]string{"engine": "pdf-native"},
		}},
		llm:     &fakeLLM{mapReply: mappedReply, summaryReply: summaryReply},
		uploads: filepath.Join(dir, "uploads"),
		source:  source,
	}

	ds := agents.NewDatastoreServer(store, nil)
	servers := []dispatch.Server{
		agents.NewOCRServer(e.resolver, nil),
		agents.NewMapperServer(mapper.New(e.llm, nil), nil),
		agents.NewValidationServer(validation.New(validation.Standard, ds, nil, validation.WithClock(fixedNow))),
		agents.NewIntegrationServer(store, nil),
		agents.NewSummaryServer(summary.New(e.llm, nil)),
		ds,
	}
	skip := make(map[string]bool, len(omit))
	for _, id := range omit {
		skip[id] = true
	}
	var mount []dispatch.Server
	for _, s := range servers {
		if !skip[s.Card().AgentID] {
			mount = append(mount, s)
		}
	}
	require.NoError(t, agents.Mount(context.Background(), e.d, e.reg, mount...))

	ids := 0
	e.engine = New(e.reg, e.d, store, Config{UploadsDir: e.uploads}, nil,
		WithClock(fixedNow),
		WithIDs(func() string { ids++; return "inv-" + string(rune('0'+ids)) }),
	)
	return e
}

func (e *env) mount(t *testing.T, servers ...dispatch.Server) {
	t.Helper()
	require.NoError(t, agents.Mount(context.Background(), e.d, e.reg, servers...))
}

func (e *env) run(t *testing.T, target invoice.TargetSystem) invoice.Job {
	t.Helper()
	job, err := e.engine.Run(context.Background(), invoice.Job{UserID: "u1", SourcePath: e.source, TargetSystem: target})
	require.NoError(t, err)
	return job
}

func (e *env) trail(t *testing.T, invoiceID string) []invoice.AuditStep {
	t.Helper()
	steps, err := e.store.ListAuditSteps(context.Background(), invoiceID)
	require.NoError(t, err)
	return steps
}

func transitions(steps []invoice.AuditStep) [][2]invoice.Status {
	out := make([][2]invoice.Status, len(steps))
	for i, s := range steps {
		out[i] = [2]invoice.Status{s.FromStatus, s.ToStatus}
	}
	return out
}

func meta(t *testing.T, step invoice.AuditStep) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(step.Meta, &m))
	return m
}

func TestNext(t *testing.T) {
	tests := map[invoice.Status]Stage{
		invoice.StatusUploaded:         StageOCR,
		invoice.StatusOCRDone:          StageMapping,
		invoice.StatusMapped:           StageValidation,
		invoice.StatusValidatedClean:   StageIntegration,
		invoice.StatusValidatedFlagged: StageIntegration,
		invoice.StatusSyncedSuccess:    StageSummary,
		invoice.StatusSummaryGenerated: StageEnd,
		invoice.StatusStart:            StageEnd,
		invoice.StatusFailedIngestion:  StageError,
		invoice.StatusFailedOCR:        StageError,
		invoice.StatusFailedMapping:    StageError,
		invoice.StatusFailedSync:       StageError,
		"FAILED_TIMEOUT":               StageError,
		"SOMETHING_ELSE":               StageEnd,
	}
	for status, want := range tests {
		assert.Equal(t, want, Next(status), status)
	}
}

func TestRunHappyPath(t *testing.T) {
	e := newEnv(t, 5*time.Second)
	job := e.run(t, invoice.TargetZoho)

	assert.Equal(t, invoice.StatusSummaryGenerated, job.Status)
	assert.Equal(t, "inv-1", job.InvoiceID)
	assert.Equal(t, filepath.Join(e.uploads, "inv-1.pdf"), job.StoragePath)
	assert.FileExists(t, job.StoragePath)
	assert.Equal(t, "TAX INVOICE INV-7", job.ExtractedText)
	assert.InDelta(t, 0.95, job.OCRConfidence, 1e-9)
	require.NotNil(t, job.Mapped)
	assert.Equal(t, "INV-7", job.Mapped.InvoiceNumber)
	assert.Equal(t, 100.0, job.ReliabilityScore)
	assert.Equal(t, invoice.StatusSyncedSuccess, job.IntegrationStatus)
	assert.Contains(t, string(job.Summary), "posted to ZOHO")

	steps := e.trail(t, "inv-1")
	assert.Equal(t, [][2]invoice.Status{
		{invoice.StatusStart, invoice.StatusUploaded},
		{invoice.StatusUploaded, invoice.StatusOCRDone},
		{invoice.StatusOCRDone, invoice.StatusMapped},
		{invoice.StatusMapped, invoice.StatusValidatedClean},
		{invoice.StatusValidatedClean, invoice.StatusSyncedSuccess},
		{invoice.StatusSyncedSuccess, invoice.StatusSummaryGenerated},
	}, transitions(steps))
	assert.Equal(t, "pdf", meta(t, steps[0])["file_extension"])
	assert.Equal(t, 100.0, meta(t, steps[3])["overall_score"])
	assert.Equal(t, "erp-inv-1", meta(t, steps[4])["erp_invoice_id"])

	rec, err := e.store.GetInvoice(context.Background(), "inv-1")
	require.NoError(t, err)
	assert.Equal(t, invoice.StatusSummaryGenerated, rec.Status)
	assert.Equal(t, invoice.StatusValidatedClean, rec.ValidationStatus)

	p, err := e.store.GetERPPayload(context.Background(), "inv-1")
	require.NoError(t, err)
	assert.Contains(t, p.Body, `"customer_name": "Acme Traders"`)
}

func TestRunHaltsOnOCRFailure(t *testing.T) {
	e := newEnv(t, 5*time.Second)
	e.resolver.res = invoice.OCRResult{
		Status:         invoice.StatusFailedOCR,
		RawEngineTrace: map[string]string{"tesseract": "low confidence 0.40", "final_status": "all engines failed"},
	}
	job := e.run(t, invoice.TargetTally)

	assert.Equal(t, invoice.StatusFailedOCR, job.Status)
	assert.Zero(t, e.llm.mapCalls.Load())
	assert.Zero(t, e.llm.summaryCalls.Load())

	steps := e.trail(t, job.InvoiceID)
	require.Len(t, steps, 2)
	m := meta(t, steps[1])
	assert.Equal(t, "all engines failed", m["error"])
	assert.Contains(t, m["engine_trace"], "tesseract")

	_, err := e.store.GetInvoice(context.Background(), job.InvoiceID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRunIngestionFailures(t *testing.T) {
	e := newEnv(t, 5*time.Second)

	job, err := e.engine.Run(context.Background(), invoice.Job{SourcePath: "/missing/file.pdf", TargetSystem: invoice.TargetZoho})
	require.NoError(t, err)
	assert.Equal(t, invoice.StatusFailedIngestion, job.Status)
	steps := e.trail(t, job.InvoiceID)
	require.Len(t, steps, 1)
	assert.Equal(t, invoice.StatusStart, steps[0].FromStatus)
	assert.Contains(t, meta(t, steps[0])["error"], "opening source")

	job, err = e.engine.Run(context.Background(), invoice.Job{SourcePath: e.source, TargetSystem: "SAP"})
	require.NoError(t, err)
	assert.Equal(t, invoice.StatusFailedIngestion, job.Status)
	assert.Zero(t, e.resolver.calls.Load())
}

func TestRunLowercaseTargetIsAccepted(t *testing.T) {
	e := newEnv(t, 5*time.Second)
	job := e.run(t, "tally")
	assert.Equal(t, invoice.TargetTally, job.TargetSystem)
	assert.Equal(t, invoice.StatusSummaryGenerated, job.Status)
}

func TestRunMappingRejected(t *testing.T) {
	e := newEnv(t, 5*time.Second)
	e.llm.mapReply = `{"invoiceNumber": "INV-7"}`
	job := e.run(t, invoice.TargetZoho)

	assert.Equal(t, invoice.StatusFailedMapping, job.Status)
	assert.Nil(t, job.Mapped)
	assert.Len(t, e.trail(t, job.InvoiceID), 3)
}

func TestRunLowScoreFailsSync(t *testing.T) {
	e := newEnv(t, 5*time.Second)
	// Sorts before com.invoice.validation, so it serves the capability.
	e.mount(t, stub("com.acme.validation", "validate/strict", agents.CapabilityValidation,
		func(context.Context, json.RawMessage) dispatch.Result {
			return dispatch.OK(string(invoice.StatusValidatedFlagged), validation.Report{
				Status:  invoice.StatusValidatedFlagged,
				Score:   60,
				Results: []invoice.RuleResult{{RuleID: "TTL-003", Status: invoice.RuleFail, Severity: 5, Deduction: 40}},
			})
		}))
	job := e.run(t, invoice.TargetQuickBooks)

	assert.Equal(t, invoice.StatusFailedSync, job.Status)
	assert.Equal(t, invoice.StatusFailedSync, job.IntegrationStatus)
	assert.Equal(t, 60.0, job.ReliabilityScore)
	assert.Zero(t, e.llm.summaryCalls.Load())

	steps := e.trail(t, job.InvoiceID)
	require.Len(t, steps, 5)
	m := meta(t, steps[4])
	assert.Equal(t, 75.0, m["threshold"])
	assert.Contains(t, m["error"], "below")

	rec, err := e.store.GetInvoice(context.Background(), job.InvoiceID)
	require.NoError(t, err)
	assert.Equal(t, invoice.StatusFailedSync, rec.Status)
}

func TestRunSummaryFailureKeepsSyncedStatus(t *testing.T) {
	e := newEnv(t, 5*time.Second)
	e.llm.summaryErr = errors.New("model offline")
	job := e.run(t, invoice.TargetZoho)

	assert.Equal(t, invoice.StatusSyncedSuccess, job.Status)
	assert.Empty(t, job.Summary)
	assert.EqualValues(t, 1, e.llm.summaryCalls.Load())

	steps := e.trail(t, job.InvoiceID)
	require.Len(t, steps, 6)
	last := steps[5]
	assert.Equal(t, invoice.StatusSyncedSuccess, last.FromStatus)
	assert.Equal(t, invoice.StatusSyncedSuccess, last.ToStatus)
	assert.Contains(t, meta(t, last)["error"], "model offline")
}

func TestRunMissingCapability(t *testing.T) {
	e := newEnv(t, 5*time.Second, agents.OCRAgentID)
	job := e.run(t, invoice.TargetZoho)

	assert.Equal(t, invoice.StatusFailedOCR, job.Status)
	steps := e.trail(t, job.InvoiceID)
	require.Len(t, steps, 2)
	assert.Contains(t, meta(t, steps[1])["error"], "no agent offers CAPABILITY_OCR")
}

func TestRunStepTimeout(t *testing.T) {
	e := newEnv(t, 50*time.Millisecond, agents.OCRAgentID)
	e.mount(t, stubServer{
		card: registry.AgentCard{
			AgentID: "com.acme.ocr",
			Tools:   []registry.ToolDefinition{{ToolID: "ocr/slow", Capability: agents.CapabilityOCR}},
		},
		handlers: map[string]dispatch.Handler{
			"ocr/slow": dispatch.AsyncHandlerFunc(func(context.Context, json.RawMessage) <-chan dispatch.Result {
				return make(chan dispatch.Result)
			}),
		},
	})
	job := e.run(t, invoice.TargetZoho)

	assert.Equal(t, invoice.StatusFailedOCR, job.Status)
	steps := e.trail(t, job.InvoiceID)
	require.Len(t, steps, 2)
	assert.Contains(t, meta(t, steps[1])["error"], "timed out")
}

func TestRunAuditFailure(t *testing.T) {
	e := newEnv(t, 5*time.Second)
	e.mount(t, stub("com.acme.audit", "audit/reject", agents.CapabilityAudit,
		func(context.Context, json.RawMessage) dispatch.Result {
			return dispatch.Fail(agents.StatusFailedAuditSave, errors.New("disk full"))
		}))

	job, err := e.engine.Run(context.Background(), invoice.Job{SourcePath: e.source, TargetSystem: invoice.TargetZoho})
	require.ErrorIs(t, err, ErrAuditFailed)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, invoice.StatusUploaded, job.Status)
	assert.Zero(t, e.resolver.calls.Load())
}

func TestRunConcurrentJobs(t *testing.T) {
	e := newEnv(t, 5*time.Second)
	var n atomic.Int32
	e.engine = New(e.reg, e.d, e.store, Config{UploadsDir: e.uploads}, nil,
		WithClock(fixedNow),
		WithIDs(func() string { return "job-" + string(rune('a'+n.Add(1))) }),
	)

	done := make(chan invoice.Job, 3)
	for range 3 {
		go func() {
			job, err := e.engine.Run(context.Background(), invoice.Job{SourcePath: e.source, TargetSystem: invoice.TargetZoho})
			assert.NoError(t, err)
			done <- job
		}()
	}
	for range 3 {
		job := <-done
		assert.Len(t, e.trail(t, job.InvoiceID), 6)
	}
}
