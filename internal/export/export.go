// Package export writes processed invoices and their audit trail to XLSX.
package export

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/kalambet/invoiceflow/internal/invoice"
	"github.com/kalambet/invoiceflow/internal/storage"
)

const (
	InvoicesSheet = "Invoices"
	AuditSheet    = "Audit Trail"
	maxMetaLen    = 500
)

var invoiceHeaders = []string{
	"Invoice ID",
	"Vendor",
	"GSTIN",
	"Invoice No",
	"Invoice Date",
	"Grand Total",
	"Status",
	"Validation",
	"Target",
	"OCR Confidence",
	"Reliability",
	"Flags",
	"Duration (ms)",
	"Updated",
}

var auditHeaders = []string{"Invoice ID", "From", "To", "Timestamp", "Meta"}

// Source is the read side of the store an export draws from.
type Source interface {
	ListInvoices(ctx context.Context, limit int) ([]storage.InvoiceRecord, error)
	ListAuditSteps(ctx context.Context, invoiceID string) ([]invoice.AuditStep, error)
}

type Exporter struct {
	src    Source
	logger *slog.Logger
}

func New(src Source, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{src: src, logger: logger}
}

// Write renders up to limit invoices (0 means all) with their audit
// trails and writes the workbook to w.
func (e *Exporter) Write(ctx context.Context, w io.Writer, limit int) (int, error) {
	start := time.Now()

	if limit <= 0 {
		limit = math.MaxInt32
	}
	recs, err := e.src.ListInvoices(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("query invoices: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	// The default sheet is renamed rather than left empty.
	if err := f.SetSheetName(f.GetSheetName(0), InvoicesSheet); err != nil {
		return 0, fmt.Errorf("naming sheet: %w", err)
	}
	if _, err := f.NewSheet(AuditSheet); err != nil {
		return 0, fmt.Errorf("creating audit sheet: %w", err)
	}
	writeRow(f, InvoicesSheet, 1, toAny(invoiceHeaders))
	writeRow(f, AuditSheet, 1, toAny(auditHeaders))

	auditRow := 2
	for i, r := range recs {
		writeRow(f, InvoicesSheet, i+2, []any{
			r.InvoiceID,
			r.VendorName,
			r.VendorGSTIN,
			r.InvoiceNo,
			r.InvoiceDate,
			r.GrandTotal,
			string(r.Status),
			string(r.ValidationStatus),
			r.TargetSystem,
			r.ExtractionConfidence,
			r.ReliabilityScore,
			strings.Join(invoice.Job{ValidationResults: r.Results}.Flags(), ", "),
			r.ProcessingDurationMS,
			r.UpdatedAt.UTC().Format(time.RFC3339),
		})

		steps, err := e.src.ListAuditSteps(ctx, r.InvoiceID)
		if err != nil {
			return 0, fmt.Errorf("query audit trail of %s: %w", r.InvoiceID, err)
		}
		for _, st := range steps {
			writeRow(f, AuditSheet, auditRow, []any{
				st.InvoiceID,
				string(st.FromStatus),
				string(st.ToStatus),
				st.Timestamp.UTC().Format(time.RFC3339),
				truncate(string(st.Meta), maxMetaLen),
			})
			auditRow++
		}
	}

	_ = f.SetColWidth(InvoicesSheet, "A", "A", 38)
	_ = f.SetColWidth(InvoicesSheet, "B", "B", 28)
	_ = f.SetColWidth(InvoicesSheet, "C", "E", 16)
	_ = f.SetColWidth(InvoicesSheet, "F", "K", 14)
	_ = f.SetColWidth(InvoicesSheet, "L", "L", 30)
	_ = f.SetColWidth(AuditSheet, "A", "A", 38)
	_ = f.SetColWidth(AuditSheet, "B", "C", 20)
	_ = f.SetColWidth(AuditSheet, "D", "D", 22)
	_ = f.SetColWidth(AuditSheet, "E", "E", 80)
	if err := f.SetPanes(InvoicesSheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"}); err != nil {
		return 0, fmt.Errorf("freezing header: %w", err)
	}
	f.SetActiveSheet(0)

	if _, err := f.WriteTo(w); err != nil {
		return 0, fmt.Errorf("xlsx write: %w", err)
	}

	e.logger.Info("export.xlsx.ok",
		"invoices", len(recs),
		"audit_rows", auditRow-2,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return len(recs), nil
}

func writeRow(f *excelize.File, sheet string, row int, values []any) {
	for i, v := range values {
		cell, _ := excelize.CoordinatesToCellName(i+1, row)
		_ = f.SetCellValue(sheet, cell, v)
	}
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
