// Package workflow drives an invoice through its lifecycle: ingestion, OCR,
// mapping, validation, integration and summary. Every step resolves its
// agent through the registry and is invoked through the dispatcher.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/kalambet/invoiceflow/internal/agents"
	"github.com/kalambet/invoiceflow/internal/dispatch"
	"github.com/kalambet/invoiceflow/internal/invoice"
	"github.com/kalambet/invoiceflow/internal/registry"
	"github.com/kalambet/invoiceflow/internal/storage"
	"github.com/kalambet/invoiceflow/internal/telemetry"
)

// ErrAuditFailed is returned by Run when an audit step could not be persisted.
var ErrAuditFailed = errors.New("audit step not persisted")

// Stage is the step Next selects for a status.
type Stage string

const (
	StageOCR         Stage = "ocr"
	StageMapping     Stage = "mapping"
	StageValidation  Stage = "validation"
	StageIntegration Stage = "integration"
	StageSummary     Stage = "summary"
	StageError       Stage = "error"
	StageEnd         Stage = "end"
)

// Next is the transition function of the workflow.
func Next(s invoice.Status) Stage {
	switch {
	case s.Failed():
		return StageError
	case s == invoice.StatusUploaded:
		return StageOCR
	case s == invoice.StatusOCRDone:
		return StageMapping
	case s == invoice.StatusMapped:
		return StageValidation
	case s.Validated():
		return StageIntegration
	case s == invoice.StatusSyncedSuccess:
		return StageSummary
	}
	return StageEnd
}

// Lookup resolves a capability to the agent and tool serving it.
type Lookup interface {
	LookupByCapability(ctx context.Context, capability string) (string, registry.ToolDefinition, bool, error)
}

// Caller invokes a tool.
type Caller interface {
	Call(ctx context.Context, agentID, toolID string, args any) dispatch.Result
}

// StatusRecorder stores the final status of a processed invoice.
type StatusRecorder interface {
	UpdateInvoiceStatus(ctx context.Context, invoiceID string, status invoice.Status, durationMS int64) error
}

// Config holds the engine settings.
type Config struct {
	UploadsDir string
	// Profile selects the validation profile; empty uses the agent's default.
	Profile string
}

type Option func(*Engine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDs replaces the invoice id generator.
func WithIDs(newID func() string) Option {
	return func(e *Engine) { e.newID = newID }
}

// Engine is safe for concurrent use; each Run owns its job.
type Engine struct {
	lookup  Lookup
	caller  Caller
	records StatusRecorder
	cfg     Config
	now     func() time.Time
	newID   func() string
	logger  *slog.Logger

	tracer trace.Tracer
	runs   metric.Int64Counter
}

// New creates an engine. records may be nil, in which case final statuses
// are not written back.
func New(lookup Lookup, caller Caller, records StatusRecorder, cfg Config, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	runs, _ := telemetry.Meter("invoiceflow/workflow").Int64Counter("invoiceflow.workflow.runs",
		metric.WithDescription("Workflow runs by final status"),
	)
	e := &Engine{
		lookup:  lookup,
		caller:  caller,
		records: records,
		cfg:     cfg,
		now:     time.Now,
		newID:   uuid.NewString,
		logger:  logger,
		tracer:  telemetry.Tracer("invoiceflow/workflow"),
		runs:    runs,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// outcome is what a step reports: the status to move to and the audit meta.
type outcome struct {
	to   invoice.Status
	meta map[string]any
}

func failure(to invoice.Status, err error) outcome {
	return outcome{to: to, meta: map[string]any{"error": err.Error()}}
}

type stepFunc func(ctx context.Context, job *invoice.Job) outcome

// Run processes job to a terminal status. Step failures are reported in
// the returned job's status; the error is non-nil only when an audit step
// could not be persisted, in which case the run stops early.
func (e *Engine) Run(ctx context.Context, job invoice.Job) (invoice.Job, error) {
	job.StartedAt = e.now()
	job.Status = invoice.StatusStart
	job.InvoiceID = e.newID()

	ctx, span := e.tracer.Start(ctx, "workflow.run", trace.WithAttributes(
		attribute.String("invoiceflow.invoice_id", job.InvoiceID),
		attribute.String("invoiceflow.target_system", string(job.TargetSystem)),
	))
	defer span.End()

	steps := map[Stage]stepFunc{
		StageOCR:         e.ocr,
		StageMapping:     e.mapping,
		StageValidation:  e.validation,
		StageIntegration: e.integration,
		StageSummary:     e.summary,
	}

	err := e.apply(ctx, &job, "ingestion", e.ingest)
loop:
	for err == nil {
		stage := Next(job.Status)
		switch stage {
		case StageEnd:
			break loop
		case StageError:
			e.logger.Warn("invoice processing failed", "invoice_id", job.InvoiceID, "status", job.Status)
			break loop
		}
		err = e.apply(ctx, &job, stage, steps[stage])
		// A failed summary leaves the status at SYNCED_SUCCESS.
		if stage == StageSummary {
			break
		}
	}

	e.finish(ctx, &job)
	span.SetAttributes(attribute.String("invoiceflow.status", string(job.Status)))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return job, err
	}
	if job.Status.Failed() {
		span.SetStatus(codes.Error, string(job.Status))
	}
	return job, nil
}

// apply runs one step, moves the job to its outcome and audits the move.
func (e *Engine) apply(ctx context.Context, job *invoice.Job, stage Stage, step stepFunc) error {
	ctx, span := e.tracer.Start(ctx, "workflow."+string(stage))
	defer span.End()

	from := job.Status
	out := step(ctx, job)
	job.Status = out.to

	span.SetAttributes(
		attribute.String("invoiceflow.from_status", string(from)),
		attribute.String("invoiceflow.to_status", string(out.to)),
	)
	if out.to.Failed() {
		span.SetStatus(codes.Error, string(out.to))
	}
	e.logger.Debug("workflow step", "invoice_id", job.InvoiceID, "stage", stage, "from", from, "to", out.to)

	if err := e.audit(ctx, job.InvoiceID, from, out.to, out.meta); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

func (e *Engine) audit(ctx context.Context, invoiceID string, from, to invoice.Status, meta map[string]any) error {
	if meta == nil {
		meta = map[string]any{}
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("%w: encoding meta: %v", ErrAuditFailed, err)
	}
	_, _, res := e.invoke(ctx, agents.CapabilityAudit, "", agents.AuditArgs{
		InvoiceID:  invoiceID,
		FromStatus: from,
		ToStatus:   to,
		Meta:       raw,
	})
	if res.Failed() {
		e.logger.Error("audit step not persisted", "invoice_id", invoiceID, "from", from, "to", to, "error", res.Error)
		return fmt.Errorf("%w: %s -> %s: %s", ErrAuditFailed, from, to, res.Error)
	}
	return nil
}

// invoke resolves capability and calls the tool serving it. A non-empty
// toolID selects another tool of the resolved agent, for capabilities that
// group several tools.
func (e *Engine) invoke(ctx context.Context, capability, toolID string, args any) (string, string, dispatch.Result) {
	agentID, tool, ok, err := e.lookup.LookupByCapability(ctx, capability)
	if err != nil {
		return "", toolID, dispatch.Errorf("resolving %s: %v", capability, err)
	}
	if !ok {
		return "", toolID, dispatch.Errorf("no agent offers %s", capability)
	}
	if toolID == "" {
		toolID = tool.ToolID
	}
	return agentID, toolID, e.caller.Call(ctx, agentID, toolID, args)
}

// record runs a best-effort side write. Failures are logged only.
func (e *Engine) record(ctx context.Context, invoiceID, capability, toolID string, args any) {
	if _, _, res := e.invoke(ctx, capability, toolID, args); res.Failed() {
		e.logger.Warn("side write failed", "invoice_id", invoiceID, "tool_id", toolID, "status", res.Status, "error", res.Error)
	}
}

// logResponse keeps the raw result of a step tool.
func (e *Engine) logResponse(ctx context.Context, invoiceID, agentID, toolID string, res dispatch.Result) {
	if agentID == "" {
		return
	}
	e.record(ctx, invoiceID, agents.CapabilityLogging, agents.ToolLogResponse, agents.LogArgs{
		AgentID:   agentID,
		ToolID:    toolID,
		InvoiceID: invoiceID,
		Status:    res.Status,
		Payload:   res.Data,
	})
}

func (e *Engine) finish(ctx context.Context, job *invoice.Job) {
	if e.runs != nil {
		e.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(job.Status))))
	}
	if e.records == nil {
		return
	}
	duration := e.now().Sub(job.StartedAt).Milliseconds()
	err := e.records.UpdateInvoiceStatus(ctx, job.InvoiceID, job.Status, duration)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		e.logger.Warn("recording final status", "invoice_id", job.InvoiceID, "status", job.Status, "error", err)
	}
}
