package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kalambet/invoiceflow/internal/invoice"
)

// SaveAuditStep appends one transition record. Audit rows are never updated.
func (s *Store) SaveAuditStep(ctx context.Context, step invoice.AuditStep) error {
	meta := string(step.Meta)
	if meta == "" || meta == "null" {
		meta = "{}"
	}
	if !json.Valid([]byte(meta)) {
		return fmt.Errorf("audit meta for %s is not valid JSON", step.InvoiceID)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_audit (invoice_id, from_status, to_status, meta, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		step.InvoiceID, string(step.FromStatus), string(step.ToStatus), meta, formatTime(nowOr(step.Timestamp)),
	)
	return err
}

// ListAuditSteps returns the trail of an invoice in insertion order.
func (s *Store) ListAuditSteps(ctx context.Context, invoiceID string) ([]invoice.AuditStep, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, invoice_id, from_status, to_status, meta, created_at
		FROM workflow_audit WHERE invoice_id = ? ORDER BY id ASC`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []invoice.AuditStep
	for rows.Next() {
		var st invoice.AuditStep
		var from, to, meta, createdAt string
		if err := rows.Scan(&st.ID, &st.InvoiceID, &from, &to, &meta, &createdAt); err != nil {
			return nil, err
		}
		t, err := parseTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		st.FromStatus = invoice.Status(from)
		st.ToStatus = invoice.Status(to)
		st.Meta = json.RawMessage(meta)
		st.Timestamp = t
		steps = append(steps, st)
	}
	return steps, rows.Err()
}
