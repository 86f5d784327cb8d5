package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/kalambet/invoiceflow/internal/agents"
	"github.com/kalambet/invoiceflow/internal/dispatch"
	"github.com/kalambet/invoiceflow/internal/invoice"
	"github.com/kalambet/invoiceflow/internal/summary"
	"github.com/kalambet/invoiceflow/internal/validation"
)

// resultErr turns a failed or unexpected result into an error.
func resultErr(res dispatch.Result) error {
	if res.Error != "" {
		return errors.New(res.Error)
	}
	return fmt.Errorf("unexpected status %s", res.Status)
}

func extension(path string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
}

// ingest copies the source into the uploads directory under the invoice id
// and records where it went.
func (e *Engine) ingest(ctx context.Context, job *invoice.Job) outcome {
	target, ok := invoice.ParseTargetSystem(string(job.TargetSystem))
	if !ok {
		return failure(invoice.StatusFailedIngestion, fmt.Errorf("unsupported target system %q", job.TargetSystem))
	}
	job.TargetSystem = target

	ext := extension(job.SourcePath)
	name := job.InvoiceID
	if ext != "" {
		name += "." + ext
	}
	dest := filepath.Join(e.cfg.UploadsDir, name)
	if err := copyFile(job.SourcePath, dest); err != nil {
		return failure(invoice.StatusFailedIngestion, err)
	}
	job.StoragePath = dest

	_, _, res := e.invoke(ctx, agents.CapabilityDBWrite, agents.ToolSaveMetadata, agents.MetadataArgs{
		InvoiceID:     job.InvoiceID,
		UserID:        job.UserID,
		OriginalPath:  job.SourcePath,
		StoragePath:   dest,
		FileExtension: ext,
	})
	if res.Failed() {
		return failure(invoice.StatusFailedIngestion, resultErr(res))
	}
	return outcome{to: invoice.StatusUploaded, meta: map[string]any{
		"original_path":  job.SourcePath,
		"storage_path":   dest,
		"file_extension": ext,
		"user_id":        job.UserID,
		"target_system":  job.TargetSystem,
	}}
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening source: %w", err)
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("creating uploads directory: %w", err)
	}
	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("creating upload: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dest)
		return fmt.Errorf("copying upload: %w", err)
	}
	return out.Close()
}

func (e *Engine) ocr(ctx context.Context, job *invoice.Job) outcome {
	agentID, toolID, res := e.invoke(ctx, agents.CapabilityOCR, "", agents.OCRArgs{
		InvoiceID:     job.InvoiceID,
		FilePath:      job.StoragePath,
		FileExtension: extension(job.StoragePath),
		UserID:        job.UserID,
	})
	e.logResponse(ctx, job.InvoiceID, agentID, toolID, res)

	var out invoice.OCRResult
	decodeErr := res.Decode(&out)
	if res.Failed() || res.Status != string(invoice.StatusOCRDone) {
		o := failure(invoice.StatusFailedOCR, resultErr(res))
		if decodeErr == nil && len(out.RawEngineTrace) > 0 {
			o.meta["engine_trace"] = out.RawEngineTrace
		}
		return o
	}
	if decodeErr != nil {
		return failure(invoice.StatusFailedOCR, decodeErr)
	}

	job.ExtractedText = out.Text()
	job.OCRConfidence = out.AvgConfidence
	e.record(ctx, job.InvoiceID, agents.CapabilityDBWrite, agents.ToolSaveOCRPayload, agents.OCRPayloadArgs{
		InvoiceID: job.InvoiceID,
		Result:    out,
	})
	return outcome{to: invoice.StatusOCRDone, meta: map[string]any{
		"avg_confidence": out.AvgConfidence,
		"pages":          len(out.Pages),
		"tables":         len(out.Tables),
		"engine_trace":   out.RawEngineTrace,
	}}
}

func (e *Engine) mapping(ctx context.Context, job *invoice.Job) outcome {
	agentID, toolID, res := e.invoke(ctx, agents.CapabilityMapping, "", agents.MapArgs{
		ExtractedText: job.ExtractedText,
		TargetSystem:  job.TargetSystem,
	})
	e.logResponse(ctx, job.InvoiceID, agentID, toolID, res)
	if res.Failed() || res.Status != agents.StatusMappingComplete {
		return failure(invoice.StatusFailedMapping, resultErr(res))
	}

	var out agents.MapOutput
	if err := res.Decode(&out); err != nil {
		return failure(invoice.StatusFailedMapping, err)
	}
	s, err := invoice.ParseSchema(out.MappedSchema)
	if err != nil {
		return failure(invoice.StatusFailedMapping, fmt.Errorf("mapped schema rejected: %w", err))
	}
	job.Mapped = &s
	return outcome{to: invoice.StatusMapped, meta: map[string]any{
		"invoice_no":  s.InvoiceNumber,
		"vendor_name": s.Vendor.Name,
		"line_items":  len(s.LineItems),
		"grand_total": s.Totals.GrandTotal,
	}}
}

func (e *Engine) validation(ctx context.Context, job *invoice.Job) outcome {
	conf := job.OCRConfidence
	agentID, toolID, res := e.invoke(ctx, agents.CapabilityValidation, "", agents.ValidateArgs{
		MappedSchema:  *job.Mapped,
		InvoiceID:     job.InvoiceID,
		OCRConfidence: &conf,
		Profile:       e.cfg.Profile,
	})
	e.logResponse(ctx, job.InvoiceID, agentID, toolID, res)
	if res.Failed() || !invoice.Status(res.Status).Validated() {
		return failure(invoice.StatusFailedValidation, resultErr(res))
	}

	var rep validation.Report
	if err := res.Decode(&rep); err != nil {
		return failure(invoice.StatusFailedValidation, err)
	}
	job.ValidationResults = rep.Results
	job.ReliabilityScore = rep.Score

	e.record(ctx, job.InvoiceID, agents.CapabilityDBWrite, agents.ToolSaveValidatedRecord, agents.RecordArgs{
		InvoiceID:        job.InvoiceID,
		MappedSchema:     *job.Mapped,
		ValidationStatus: rep.Status,
		Results:          rep.Results,
		ReliabilityScore: rep.Score,
		OCRConfidence:    job.OCRConfidence,
		TargetSystem:     job.TargetSystem,
	})
	return outcome{to: rep.Status, meta: map[string]any{
		"overall_score": rep.Score,
		"profile":       rep.Profile,
		"flags":         rep.Flags(),
	}}
}

func (e *Engine) integration(ctx context.Context, job *invoice.Job) outcome {
	agentID, toolID, res := e.invoke(ctx, agents.CapabilityIntegration, "", agents.SyncArgs{
		InvoiceID:        job.InvoiceID,
		TargetSystem:     job.TargetSystem,
		MappedSchema:     *job.Mapped,
		ReliabilityScore: job.ReliabilityScore,
	})
	e.logResponse(ctx, job.InvoiceID, agentID, toolID, res)

	var out agents.SyncOutput
	_ = res.Decode(&out)
	if res.Failed() || res.Status != string(invoice.StatusSyncedSuccess) {
		job.IntegrationStatus = invoice.StatusFailedSync
		o := failure(invoice.StatusFailedSync, resultErr(res))
		o.meta["target_system"] = job.TargetSystem
		o.meta["reliability_score"] = job.ReliabilityScore
		if out.Threshold > 0 {
			o.meta["threshold"] = out.Threshold
		}
		return o
	}

	job.IntegrationStatus = invoice.StatusSyncedSuccess
	return outcome{to: invoice.StatusSyncedSuccess, meta: map[string]any{
		"target_system":   out.TargetSystem,
		"erp_invoice_id":  out.ERPInvoiceID,
		"content_type":    out.ContentType,
		"payload_preview": out.PayloadPreview,
	}}
}

// summary never changes a synced job into a failure: on error the status
// stays SYNCED_SUCCESS and the error is only audited.
func (e *Engine) summary(ctx context.Context, job *invoice.Job) outcome {
	agentID, toolID, res := e.invoke(ctx, agents.CapabilitySummary, "", agents.SummaryArgs{
		InvoiceData: summary.BuildState(*job, ""),
	})
	e.logResponse(ctx, job.InvoiceID, agentID, toolID, res)
	if res.Failed() || res.Status != string(invoice.StatusSummaryGenerated) {
		o := failure(job.Status, resultErr(res))
		o.meta["summary"] = "skipped"
		return o
	}

	var sum summary.Summary
	if err := res.Decode(&sum); err != nil {
		o := failure(job.Status, err)
		o.meta["summary"] = "skipped"
		return o
	}
	job.Summary = res.Data
	return outcome{to: invoice.StatusSummaryGenerated, meta: map[string]any{
		"summary_status": sum.Status,
		"headline":       sum.Headline,
	}}
}
