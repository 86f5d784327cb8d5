package postgres

import (
	"context"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5"

	"github.com/kalambet/invoiceflow/internal/storage"
)

func (s *Store) SeedRules(ctx context.Context, defs []storage.RuleDefinition) (int, error) {
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		for _, d := range defs {
			if _, err := tx.Exec(ctx, `
				INSERT INTO validation_rules (rule_id, category, description, severity, active)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (rule_id) DO UPDATE SET
					category = EXCLUDED.category,
					description = EXCLUDED.description,
					severity = EXCLUDED.severity,
					active = EXCLUDED.active`,
				d.RuleID, d.Category, d.Description, d.Severity, d.Active,
			); err != nil {
				return fmt.Errorf("seeding rule %s: %w", d.RuleID, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(defs), nil
}

func (s *Store) ListRules(ctx context.Context) ([]storage.RuleDefinition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT rule_id, category, description, severity, active
		FROM validation_rules ORDER BY rule_id ASC`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (storage.RuleDefinition, error) {
		var d storage.RuleDefinition
		err := row.Scan(&d.RuleID, &d.Category, &d.Description, &d.Severity, &d.Active)
		return d, err
	})
}

func (s *Store) KPIs(ctx context.Context) (storage.KPIs, error) {
	var k storage.KPIs
	var clean int
	var syncedValue, avgConfidence, avgDuration *float64

	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status IN ('SYNCED_SUCCESS', 'SUMMARY_GENERATED')),
			COUNT(*) FILTER (WHERE validation_status = 'VALIDATED_FLAGGED'),
			COUNT(*) FILTER (WHERE validation_status = 'VALIDATED_CLEAN'),
			SUM(grand_total) FILTER (WHERE status IN ('SYNCED_SUCCESS', 'SUMMARY_GENERATED')),
			AVG(extraction_confidence)::float8,
			AVG(processing_duration_ms)::float8
		FROM invoices`,
	).Scan(&k.TotalInvoices, &k.SuccessfulSyncs, &k.FlaggedInvoices, &clean, &syncedValue, &avgConfidence, &avgDuration)
	if err != nil {
		return storage.KPIs{}, fmt.Errorf("aggregating invoices: %w", err)
	}
	k.TotalInvoiceValue = round2(deref(syncedValue))
	k.OCRAccuracy = round2(deref(avgConfidence) * 100)
	k.AvgProcessingTimeMS = int64(math.Round(deref(avgDuration)))
	if n := clean + k.FlaggedInvoices; n > 0 {
		k.ValidationPassRate = round2(float64(clean) / float64(n) * 100)
	}

	var duplicates int
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(DISTINCT invoice_id) FROM validation_results
		WHERE rule_id = 'DUP-001' AND status = 'FAIL'`,
	).Scan(&duplicates); err != nil {
		return storage.KPIs{}, fmt.Errorf("counting duplicates: %w", err)
	}
	if k.TotalInvoices > 0 {
		k.DuplicateDetectionRate = round2(float64(duplicates) / float64(k.TotalInvoices) * 100)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT v.name, SUM(i.grand_total) FROM invoices i JOIN vendors v ON v.id = i.vendor_id
		GROUP BY v.name`)
	if err != nil {
		return storage.KPIs{}, fmt.Errorf("aggregating vendor spend: %w", err)
	}
	defer rows.Close()
	k.SpendByVendor = make(map[string]float64)
	for rows.Next() {
		var name string
		var total float64
		if err := rows.Scan(&name, &total); err != nil {
			return storage.KPIs{}, err
		}
		k.SpendByVendor[name] = round2(total)
	}
	return k, rows.Err()
}

func deref(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
