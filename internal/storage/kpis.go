package storage

import (
	"context"
	"database/sql"
	"fmt"
	"math"
)

// KPIs computes dashboard metrics over the invoices table. Percentages are
// rounded to two decimals.
func (s *Store) KPIs(ctx context.Context) (KPIs, error) {
	var k KPIs
	var clean, flagged int
	var avgConfidence, avgDuration sql.NullFloat64
	var syncedValue sql.NullFloat64

	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status IN ('SYNCED_SUCCESS', 'SUMMARY_GENERATED') THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN validation_status = 'VALIDATED_FLAGGED' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN validation_status = 'VALIDATED_CLEAN' THEN 1 ELSE 0 END), 0),
			SUM(CASE WHEN status IN ('SYNCED_SUCCESS', 'SUMMARY_GENERATED') THEN grand_total END),
			AVG(extraction_confidence),
			AVG(processing_duration_ms)
		FROM invoices`,
	).Scan(&k.TotalInvoices, &k.SuccessfulSyncs, &flagged, &clean, &syncedValue, &avgConfidence, &avgDuration)
	if err != nil {
		return KPIs{}, fmt.Errorf("aggregating invoices: %w", err)
	}
	k.FlaggedInvoices = flagged
	k.TotalInvoiceValue = round2(syncedValue.Float64)
	k.OCRAccuracy = round2(avgConfidence.Float64 * 100)
	k.AvgProcessingTimeMS = int64(math.Round(avgDuration.Float64))
	if clean+flagged > 0 {
		k.ValidationPassRate = round2(float64(clean) / float64(clean+flagged) * 100)
	}

	var duplicates int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT invoice_id) FROM validation_results
		WHERE rule_id = 'DUP-001' AND status = 'FAIL'`,
	).Scan(&duplicates); err != nil {
		return KPIs{}, fmt.Errorf("counting duplicates: %w", err)
	}
	if k.TotalInvoices > 0 {
		k.DuplicateDetectionRate = round2(float64(duplicates) / float64(k.TotalInvoices) * 100)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT v.name, SUM(i.grand_total) FROM invoices i JOIN vendors v ON v.id = i.vendor_id
		GROUP BY v.name ORDER BY v.name ASC`)
	if err != nil {
		return KPIs{}, fmt.Errorf("aggregating vendor spend: %w", err)
	}
	defer rows.Close()
	k.SpendByVendor = make(map[string]float64)
	for rows.Next() {
		var name string
		var total float64
		if err := rows.Scan(&name, &total); err != nil {
			return KPIs{}, err
		}
		k.SpendByVendor[name] = round2(total)
	}
	return k, rows.Err()
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
