package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/invoiceflow/internal/invoice"
)

func (s *Store) SaveMetadata(ctx context.Context, m InvoiceMetadata) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invoice_metadata (invoice_id, user_id, original_path, storage_path, file_extension, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.InvoiceID, m.UserID, m.OriginalPath, m.StoragePath, m.FileExtension, formatTime(nowOr(m.CreatedAt)),
	)
	return err
}

func (s *Store) SaveOCRPayload(ctx context.Context, invoiceID string, payloadJSON string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ocr_payloads (invoice_id, payload, created_at) VALUES (?, ?, ?)
		ON CONFLICT(invoice_id) DO UPDATE SET payload = excluded.payload, created_at = excluded.created_at`,
		invoiceID, payloadJSON, formatTime(time.Now()),
	)
	return err
}

func (s *Store) LogResponse(ctx context.Context, entry ResponseLog) error {
	payload := entry.PayloadJSON
	if payload == "" {
		payload = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_responses (agent_id, tool_id, invoice_id, status, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.AgentID, entry.ToolID, entry.InvoiceID, entry.Status, payload, formatTime(time.Now()),
	)
	return err
}

// CheckDuplicate reports whether another invoice with the same vendor,
// number and date is already stored.
func (s *Store) CheckDuplicate(ctx context.Context, vendorName, invoiceNo, invoiceDate, excludeInvoiceID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM invoices i JOIN vendors v ON v.id = i.vendor_id
		WHERE v.name = ? AND i.invoice_no = ? AND i.invoice_date = ? AND i.invoice_id != ?`,
		NormalizeVendor(vendorName), strings.TrimSpace(invoiceNo), strings.TrimSpace(invoiceDate), excludeInvoiceID,
	).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SaveValidatedRecord upserts the invoice keyed by (vendor, invoice_no,
// invoice_date) and replaces its line items and rule results.
func (s *Store) SaveValidatedRecord(ctx context.Context, rec InvoiceRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning record save: %w", err)
	}
	defer tx.Rollback()

	now := formatTime(time.Now())
	vendor := NormalizeVendor(rec.VendorName)
	invoiceNo := strings.TrimSpace(rec.InvoiceNo)
	invoiceDate := strings.TrimSpace(rec.InvoiceDate)

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO vendors (name, gstin, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			gstin = CASE WHEN excluded.gstin != '' THEN excluded.gstin ELSE vendors.gstin END,
			updated_at = excluded.updated_at`,
		vendor, rec.VendorGSTIN, now,
	); err != nil {
		return fmt.Errorf("upserting vendor: %w", err)
	}
	var vendorID int64
	if err := tx.QueryRowContext(ctx, `SELECT id FROM vendors WHERE name = ?`, vendor).Scan(&vendorID); err != nil {
		return fmt.Errorf("loading vendor id: %w", err)
	}

	var previous string
	err = tx.QueryRowContext(ctx, `
		SELECT invoice_id FROM invoices WHERE vendor_id = ? AND invoice_no = ? AND invoice_date = ?`,
		vendorID, invoiceNo, invoiceDate,
	).Scan(&previous)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("loading previous record: %w", err)
	}

	for _, id := range []string{previous, rec.InvoiceID} {
		if id == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM line_items WHERE invoice_id = ?`, id); err != nil {
			return fmt.Errorf("clearing line items: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM validation_results WHERE invoice_id = ?`, id); err != nil {
			return fmt.Errorf("clearing validation results: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM invoices WHERE invoice_id = ? AND NOT (vendor_id = ? AND invoice_no = ? AND invoice_date = ?)`,
		rec.InvoiceID, vendorID, invoiceNo, invoiceDate,
	); err != nil {
		return fmt.Errorf("clearing stale record: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO invoices (invoice_id, vendor_id, invoice_no, invoice_date, grand_total, status, validation_status,
			target_system, extraction_confidence, reliability_score, schema_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(vendor_id, invoice_no, invoice_date) DO UPDATE SET
			invoice_id = excluded.invoice_id,
			grand_total = excluded.grand_total,
			status = excluded.status,
			validation_status = excluded.validation_status,
			target_system = excluded.target_system,
			extraction_confidence = excluded.extraction_confidence,
			reliability_score = excluded.reliability_score,
			processing_duration_ms = NULL,
			schema_json = excluded.schema_json,
			updated_at = excluded.updated_at`,
		rec.InvoiceID, vendorID, invoiceNo, invoiceDate, rec.GrandTotal, string(rec.Status), string(rec.ValidationStatus),
		rec.TargetSystem, rec.ExtractionConfidence, rec.ReliabilityScore, orEmptyObject(rec.SchemaJSON), now, now,
	); err != nil {
		return fmt.Errorf("upserting invoice: %w", err)
	}

	for i, li := range rec.LineItems {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO line_items (invoice_id, position, description, quantity, unit_price, tax_percent, amount)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			rec.InvoiceID, i, li.Description, li.Quantity, li.UnitPrice, li.TaxPercent, li.Amount,
		); err != nil {
			return fmt.Errorf("inserting line item %d: %w", i, err)
		}
	}
	for i, r := range rec.Results {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO validation_results (invoice_id, position, rule_id, status, message, severity, deduction)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			rec.InvoiceID, i, r.RuleID, string(r.Status), r.Message, r.Severity, r.Deduction,
		); err != nil {
			return fmt.Errorf("inserting rule result %s: %w", r.RuleID, err)
		}
	}

	return tx.Commit()
}

// UpdateInvoiceStatus records the final status of a stored invoice. A
// negative durationMS leaves the stored duration untouched.
func (s *Store) UpdateInvoiceStatus(ctx context.Context, invoiceID string, status invoice.Status, durationMS int64) error {
	var duration any
	if durationMS >= 0 {
		duration = durationMS
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE invoices SET status = ?, processing_duration_ms = COALESCE(?, processing_duration_ms), updated_at = ?
		WHERE invoice_id = ?`,
		string(status), duration, formatTime(time.Now()), invoiceID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const invoiceColumns = `i.invoice_id, v.name, v.gstin, i.invoice_no, i.invoice_date, i.grand_total, i.status,
	i.validation_status, i.target_system, i.extraction_confidence, i.reliability_score,
	i.processing_duration_ms, i.schema_json, i.created_at, i.updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvoice(row rowScanner) (InvoiceRecord, error) {
	var r InvoiceRecord
	var status, validationStatus, createdAt, updatedAt string
	var duration sql.NullInt64
	if err := row.Scan(&r.InvoiceID, &r.VendorName, &r.VendorGSTIN, &r.InvoiceNo, &r.InvoiceDate, &r.GrandTotal,
		&status, &validationStatus, &r.TargetSystem, &r.ExtractionConfidence, &r.ReliabilityScore,
		&duration, &r.SchemaJSON, &createdAt, &updatedAt); err != nil {
		return InvoiceRecord{}, err
	}
	r.Status = invoice.Status(status)
	r.ValidationStatus = invoice.Status(validationStatus)
	r.ProcessingDurationMS = duration.Int64
	var err error
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return InvoiceRecord{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return InvoiceRecord{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return r, nil
}

func (s *Store) GetInvoice(ctx context.Context, invoiceID string) (InvoiceRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+invoiceColumns+`
		FROM invoices i JOIN vendors v ON v.id = i.vendor_id WHERE i.invoice_id = ?`, invoiceID)
	rec, err := scanInvoice(row)
	if err == sql.ErrNoRows {
		return InvoiceRecord{}, ErrNotFound
	}
	if err != nil {
		return InvoiceRecord{}, err
	}
	if err := s.loadDetails(ctx, &rec); err != nil {
		return InvoiceRecord{}, err
	}
	return rec, nil
}

// ListInvoices returns the most recently stored invoices with their details.
func (s *Store) ListInvoices(ctx context.Context, limit int) ([]InvoiceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+invoiceColumns+`
		FROM invoices i JOIN vendors v ON v.id = i.vendor_id
		ORDER BY i.created_at DESC, i.id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}

	var records []InvoiceRecord
	for rows.Next() {
		rec, err := scanInvoice(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	// Release the single connection before loading details.
	rows.Close()

	for i := range records {
		if err := s.loadDetails(ctx, &records[i]); err != nil {
			return nil, err
		}
	}
	return records, nil
}

func (s *Store) loadDetails(ctx context.Context, rec *InvoiceRecord) error {
	items, err := s.db.QueryContext(ctx, `
		SELECT description, quantity, unit_price, tax_percent, amount
		FROM line_items WHERE invoice_id = ? ORDER BY position ASC`, rec.InvoiceID)
	if err != nil {
		return fmt.Errorf("loading line items: %w", err)
	}
	for items.Next() {
		var li invoice.LineItem
		if err := items.Scan(&li.Description, &li.Quantity, &li.UnitPrice, &li.TaxPercent, &li.Amount); err != nil {
			items.Close()
			return err
		}
		rec.LineItems = append(rec.LineItems, li)
	}
	if err := items.Err(); err != nil {
		items.Close()
		return err
	}
	items.Close()

	results, err := s.db.QueryContext(ctx, `
		SELECT rule_id, status, message, severity, deduction
		FROM validation_results WHERE invoice_id = ? ORDER BY position ASC`, rec.InvoiceID)
	if err != nil {
		return fmt.Errorf("loading validation results: %w", err)
	}
	defer results.Close()
	for results.Next() {
		var r invoice.RuleResult
		var status string
		if err := results.Scan(&r.RuleID, &status, &r.Message, &r.Severity, &r.Deduction); err != nil {
			return err
		}
		r.Status = invoice.RuleStatus(status)
		rec.Results = append(rec.Results, r)
	}
	return results.Err()
}

func (s *Store) SaveERPPayload(ctx context.Context, p ERPPayload) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO erp_payloads (invoice_id, target_system, content_type, body, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(invoice_id) DO UPDATE SET
			target_system = excluded.target_system,
			content_type = excluded.content_type,
			body = excluded.body,
			created_at = excluded.created_at`,
		p.InvoiceID, p.TargetSystem, p.ContentType, p.Body, formatTime(nowOr(p.CreatedAt)),
	)
	return err
}

func (s *Store) GetERPPayload(ctx context.Context, invoiceID string) (ERPPayload, error) {
	var p ERPPayload
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT invoice_id, target_system, content_type, body, created_at
		FROM erp_payloads WHERE invoice_id = ?`, invoiceID,
	).Scan(&p.InvoiceID, &p.TargetSystem, &p.ContentType, &p.Body, &createdAt)
	if err == sql.ErrNoRows {
		return ERPPayload{}, ErrNotFound
	}
	if err != nil {
		return ERPPayload{}, err
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return ERPPayload{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return p, nil
}

// NormalizeVendor collapses runs of whitespace in a vendor name.
func NormalizeVendor(name string) string {
	return strings.Join(strings.Fields(name), " ")
}

func orEmptyObject(s string) string {
	if s == "" {
		return "{}"
	}
	return s
}
