package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/kalambet/invoiceflow/internal/invoice"
	"github.com/kalambet/invoiceflow/internal/storage"
)

func (s *Store) SaveMetadata(ctx context.Context, m storage.InvoiceMetadata) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO invoice_metadata (invoice_id, user_id, original_path, storage_path, file_extension, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		m.InvoiceID, m.UserID, m.OriginalPath, m.StoragePath, m.FileExtension, nowOr(m.CreatedAt),
	)
	return err
}

func (s *Store) SaveOCRPayload(ctx context.Context, invoiceID string, payloadJSON string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ocr_payloads (invoice_id, payload, created_at) VALUES ($1, $2, $3)
		ON CONFLICT (invoice_id) DO UPDATE SET payload = EXCLUDED.payload, created_at = EXCLUDED.created_at`,
		invoiceID, payloadJSON, time.Now().UTC(),
	)
	return err
}

func (s *Store) LogResponse(ctx context.Context, entry storage.ResponseLog) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agent_responses (agent_id, tool_id, invoice_id, status, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.AgentID, entry.ToolID, entry.InvoiceID, entry.Status, orEmptyObject(entry.PayloadJSON), time.Now().UTC(),
	)
	return err
}

func (s *Store) CheckDuplicate(ctx context.Context, vendorName, invoiceNo, invoiceDate, excludeInvoiceID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM invoices i JOIN vendors v ON v.id = i.vendor_id
			WHERE v.name = $1 AND i.invoice_no = $2 AND i.invoice_date = $3 AND i.invoice_id <> $4
		)`,
		storage.NormalizeVendor(vendorName), strings.TrimSpace(invoiceNo), strings.TrimSpace(invoiceDate), excludeInvoiceID,
	).Scan(&exists)
	return exists, err
}

func (s *Store) SaveValidatedRecord(ctx context.Context, rec storage.InvoiceRecord) error {
	vendor := storage.NormalizeVendor(rec.VendorName)
	invoiceNo := strings.TrimSpace(rec.InvoiceNo)
	invoiceDate := strings.TrimSpace(rec.InvoiceDate)
	schemaJSON := orEmptyObject(rec.SchemaJSON)

	return s.inTx(ctx, func(tx pgx.Tx) error {
		now := time.Now().UTC()

		var vendorID int64
		if err := tx.QueryRow(ctx, `
			INSERT INTO vendors (name, gstin, updated_at) VALUES ($1, $2, $3)
			ON CONFLICT (name) DO UPDATE SET
				gstin = CASE WHEN EXCLUDED.gstin <> '' THEN EXCLUDED.gstin ELSE vendors.gstin END,
				updated_at = EXCLUDED.updated_at
			RETURNING id`,
			vendor, rec.VendorGSTIN, now,
		).Scan(&vendorID); err != nil {
			return fmt.Errorf("upserting vendor: %w", err)
		}

		var previous string
		err := tx.QueryRow(ctx, `
			SELECT invoice_id FROM invoices WHERE vendor_id = $1 AND invoice_no = $2 AND invoice_date = $3`,
			vendorID, invoiceNo, invoiceDate,
		).Scan(&previous)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("loading previous record: %w", err)
		}

		ids := []string{rec.InvoiceID}
		if previous != "" {
			ids = append(ids, previous)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM line_items WHERE invoice_id = ANY($1)`, ids); err != nil {
			return fmt.Errorf("clearing line items: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM validation_results WHERE invoice_id = ANY($1)`, ids); err != nil {
			return fmt.Errorf("clearing validation results: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			DELETE FROM invoices WHERE invoice_id = $1 AND NOT (vendor_id = $2 AND invoice_no = $3 AND invoice_date = $4)`,
			rec.InvoiceID, vendorID, invoiceNo, invoiceDate,
		); err != nil {
			return fmt.Errorf("clearing stale record: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO invoices (invoice_id, vendor_id, invoice_no, invoice_date, grand_total, status, validation_status,
				target_system, extraction_confidence, reliability_score, schema_json, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
			ON CONFLICT (vendor_id, invoice_no, invoice_date) DO UPDATE SET
				invoice_id = EXCLUDED.invoice_id,
				grand_total = EXCLUDED.grand_total,
				status = EXCLUDED.status,
				validation_status = EXCLUDED.validation_status,
				target_system = EXCLUDED.target_system,
				extraction_confidence = EXCLUDED.extraction_confidence,
				reliability_score = EXCLUDED.reliability_score,
				processing_duration_ms = NULL,
				schema_json = EXCLUDED.schema_json,
				updated_at = EXCLUDED.updated_at`,
			rec.InvoiceID, vendorID, invoiceNo, invoiceDate, rec.GrandTotal, string(rec.Status), string(rec.ValidationStatus),
			rec.TargetSystem, rec.ExtractionConfidence, rec.ReliabilityScore, schemaJSON, now,
		); err != nil {
			return fmt.Errorf("upserting invoice: %w", err)
		}

		batch := &pgx.Batch{}
		for i, li := range rec.LineItems {
			batch.Queue(`
				INSERT INTO line_items (invoice_id, position, description, quantity, unit_price, tax_percent, amount)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				rec.InvoiceID, i, li.Description, li.Quantity, li.UnitPrice, li.TaxPercent, li.Amount)
		}
		for i, r := range rec.Results {
			batch.Queue(`
				INSERT INTO validation_results (invoice_id, position, rule_id, status, message, severity, deduction)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				rec.InvoiceID, i, r.RuleID, string(r.Status), r.Message, r.Severity, r.Deduction)
		}
		if batch.Len() == 0 {
			return nil
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("inserting invoice details: %w", err)
		}
		return nil
	})
}

func (s *Store) UpdateInvoiceStatus(ctx context.Context, invoiceID string, status invoice.Status, durationMS int64) error {
	var duration *int64
	if durationMS >= 0 {
		duration = &durationMS
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE invoices SET status = $1, processing_duration_ms = COALESCE($2::bigint, processing_duration_ms), updated_at = $3
		WHERE invoice_id = $4`,
		string(status), duration, time.Now().UTC(), invoiceID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

const invoiceColumns = `i.invoice_id, v.name, v.gstin, i.invoice_no, i.invoice_date, i.grand_total, i.status,
	i.validation_status, i.target_system, i.extraction_confidence, i.reliability_score,
	i.processing_duration_ms, i.schema_json, i.created_at, i.updated_at`

func scanInvoice(row pgx.Row) (storage.InvoiceRecord, error) {
	var r storage.InvoiceRecord
	var status, validationStatus string
	var duration *int64
	if err := row.Scan(&r.InvoiceID, &r.VendorName, &r.VendorGSTIN, &r.InvoiceNo, &r.InvoiceDate, &r.GrandTotal,
		&status, &validationStatus, &r.TargetSystem, &r.ExtractionConfidence, &r.ReliabilityScore,
		&duration, &r.SchemaJSON, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return storage.InvoiceRecord{}, err
	}
	r.Status = invoice.Status(status)
	r.ValidationStatus = invoice.Status(validationStatus)
	if duration != nil {
		r.ProcessingDurationMS = *duration
	}
	return r, nil
}

func (s *Store) GetInvoice(ctx context.Context, invoiceID string) (storage.InvoiceRecord, error) {
	rec, err := scanInvoice(s.pool.QueryRow(ctx, `SELECT `+invoiceColumns+`
		FROM invoices i JOIN vendors v ON v.id = i.vendor_id WHERE i.invoice_id = $1`, invoiceID))
	if err != nil {
		return storage.InvoiceRecord{}, notFound(err)
	}
	if err := s.loadDetails(ctx, &rec); err != nil {
		return storage.InvoiceRecord{}, err
	}
	return rec, nil
}

func (s *Store) ListInvoices(ctx context.Context, limit int) ([]storage.InvoiceRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+invoiceColumns+`
		FROM invoices i JOIN vendors v ON v.id = i.vendor_id
		ORDER BY i.created_at DESC, i.id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (storage.InvoiceRecord, error) {
		return scanInvoice(row)
	})
	if err != nil {
		return nil, err
	}
	for i := range records {
		if err := s.loadDetails(ctx, &records[i]); err != nil {
			return nil, err
		}
	}
	return records, nil
}

func (s *Store) loadDetails(ctx context.Context, rec *storage.InvoiceRecord) error {
	rows, err := s.pool.Query(ctx, `
		SELECT description, quantity, unit_price, tax_percent, amount
		FROM line_items WHERE invoice_id = $1 ORDER BY position ASC`, rec.InvoiceID)
	if err != nil {
		return fmt.Errorf("loading line items: %w", err)
	}
	rec.LineItems, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (invoice.LineItem, error) {
		var li invoice.LineItem
		err := row.Scan(&li.Description, &li.Quantity, &li.UnitPrice, &li.TaxPercent, &li.Amount)
		return li, err
	})
	if err != nil {
		return err
	}

	rows, err = s.pool.Query(ctx, `
		SELECT rule_id, status, message, severity, deduction
		FROM validation_results WHERE invoice_id = $1 ORDER BY position ASC`, rec.InvoiceID)
	if err != nil {
		return fmt.Errorf("loading validation results: %w", err)
	}
	rec.Results, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (invoice.RuleResult, error) {
		var r invoice.RuleResult
		var status string
		err := row.Scan(&r.RuleID, &status, &r.Message, &r.Severity, &r.Deduction)
		r.Status = invoice.RuleStatus(status)
		return r, err
	})
	return err
}

func (s *Store) SaveERPPayload(ctx context.Context, p storage.ERPPayload) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO erp_payloads (invoice_id, target_system, content_type, body, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (invoice_id) DO UPDATE SET
			target_system = EXCLUDED.target_system,
			content_type = EXCLUDED.content_type,
			body = EXCLUDED.body,
			created_at = EXCLUDED.created_at`,
		p.InvoiceID, p.TargetSystem, p.ContentType, p.Body, nowOr(p.CreatedAt),
	)
	return err
}

func (s *Store) GetERPPayload(ctx context.Context, invoiceID string) (storage.ERPPayload, error) {
	var p storage.ERPPayload
	err := s.pool.QueryRow(ctx, `
		SELECT invoice_id, target_system, content_type, body, created_at
		FROM erp_payloads WHERE invoice_id = $1`, invoiceID,
	).Scan(&p.InvoiceID, &p.TargetSystem, &p.ContentType, &p.Body, &p.CreatedAt)
	if err != nil {
		return storage.ERPPayload{}, notFound(err)
	}
	return p, nil
}
