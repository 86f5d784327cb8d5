package storage

import (
	"context"
	"fmt"
)

// SeedRules upserts the rule catalog and returns how many definitions were written.
func (s *Store) SeedRules(ctx context.Context, defs []RuleDefinition) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning rule seed: %w", err)
	}
	defer tx.Rollback()

	for _, d := range defs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO validation_rules (rule_id, category, description, severity, active)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(rule_id) DO UPDATE SET
				category = excluded.category,
				description = excluded.description,
				severity = excluded.severity,
				active = excluded.active`,
			d.RuleID, d.Category, d.Description, d.Severity, boolToInt(d.Active),
		); err != nil {
			return 0, fmt.Errorf("seeding rule %s: %w", d.RuleID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(defs), nil
}

func (s *Store) ListRules(ctx context.Context) ([]RuleDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT rule_id, category, description, severity, active
		FROM validation_rules ORDER BY rule_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []RuleDefinition
	for rows.Next() {
		var d RuleDefinition
		var active int
		if err := rows.Scan(&d.RuleID, &d.Category, &d.Description, &d.Severity, &active); err != nil {
			return nil, err
		}
		d.Active = active != 0
		defs = append(defs, d)
	}
	return defs, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
