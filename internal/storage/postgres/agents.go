package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/kalambet/invoiceflow/internal/invoice"
	"github.com/kalambet/invoiceflow/internal/storage"
)

func (s *Store) RegisterAgent(ctx context.Context, agent storage.AgentRecord, tools []storage.ToolRecord) error {
	for _, t := range tools {
		if t.AgentID != agent.AgentID {
			return fmt.Errorf("tool %s belongs to agent %q, not %q", t.ToolID, t.AgentID, agent.AgentID)
		}
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO agent_registry (agent_id, description, agent_card, last_heartbeat)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (agent_id) DO UPDATE SET
				description = EXCLUDED.description,
				agent_card = EXCLUDED.agent_card,
				last_heartbeat = EXCLUDED.last_heartbeat`,
			agent.AgentID, agent.Description, agent.CardJSON, nowOr(agent.LastHeartbeat),
		); err != nil {
			return fmt.Errorf("upserting agent %s: %w", agent.AgentID, err)
		}
		for _, t := range tools {
			if _, err := tx.Exec(ctx, `
				INSERT INTO agent_tools (agent_id, tool_id, capability, description, parameters)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (agent_id, tool_id) DO UPDATE SET
					capability = EXCLUDED.capability,
					description = EXCLUDED.description,
					parameters = EXCLUDED.parameters`,
				t.AgentID, t.ToolID, t.Capability, t.Description, orEmptyObject(t.ParametersJSON),
			); err != nil {
				return fmt.Errorf("upserting tool %s/%s: %w", t.AgentID, t.ToolID, err)
			}
		}
		return nil
	})
}

func (s *Store) ToolsByCapability(ctx context.Context, capability string) ([]storage.ToolRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT agent_id, tool_id, capability, description, parameters
		FROM agent_tools WHERE capability = $1
		ORDER BY agent_id ASC, tool_id ASC`, capability)
	if err != nil {
		return nil, err
	}
	return collectTools(rows)
}

func (s *Store) GetAgent(ctx context.Context, agentID string) (storage.AgentRecord, []storage.ToolRecord, error) {
	var a storage.AgentRecord
	err := s.pool.QueryRow(ctx, `
		SELECT agent_id, description, agent_card, last_heartbeat
		FROM agent_registry WHERE agent_id = $1`, agentID,
	).Scan(&a.AgentID, &a.Description, &a.CardJSON, &a.LastHeartbeat)
	if err != nil {
		return storage.AgentRecord{}, nil, notFound(err)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT agent_id, tool_id, capability, description, parameters
		FROM agent_tools WHERE agent_id = $1 ORDER BY tool_id ASC`, agentID)
	if err != nil {
		return storage.AgentRecord{}, nil, err
	}
	tools, err := collectTools(rows)
	if err != nil {
		return storage.AgentRecord{}, nil, err
	}
	return a, tools, nil
}

func (s *Store) ListAgents(ctx context.Context) ([]storage.AgentRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT agent_id, description, agent_card, last_heartbeat
		FROM agent_registry ORDER BY agent_id ASC`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (storage.AgentRecord, error) {
		var a storage.AgentRecord
		err := row.Scan(&a.AgentID, &a.Description, &a.CardJSON, &a.LastHeartbeat)
		return a, err
	})
}

func (s *Store) TouchAgent(ctx context.Context, agentID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE agent_registry SET last_heartbeat = $1 WHERE agent_id = $2`, time.Now().UTC(), agentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func collectTools(rows pgx.Rows) ([]storage.ToolRecord, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (storage.ToolRecord, error) {
		var t storage.ToolRecord
		err := row.Scan(&t.AgentID, &t.ToolID, &t.Capability, &t.Description, &t.ParametersJSON)
		return t, err
	})
}

func (s *Store) SaveAuditStep(ctx context.Context, step invoice.AuditStep) error {
	meta := orEmptyObject(string(step.Meta))
	if !json.Valid([]byte(meta)) {
		return fmt.Errorf("audit meta for %s is not valid JSON", step.InvoiceID)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_audit (invoice_id, from_status, to_status, meta, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		step.InvoiceID, string(step.FromStatus), string(step.ToStatus), meta, nowOr(step.Timestamp),
	)
	return err
}

func (s *Store) ListAuditSteps(ctx context.Context, invoiceID string) ([]invoice.AuditStep, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, invoice_id, from_status, to_status, meta, created_at
		FROM workflow_audit WHERE invoice_id = $1 ORDER BY id ASC`, invoiceID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (invoice.AuditStep, error) {
		var st invoice.AuditStep
		var from, to, meta string
		if err := row.Scan(&st.ID, &st.InvoiceID, &from, &to, &meta, &st.Timestamp); err != nil {
			return st, err
		}
		st.FromStatus = invoice.Status(from)
		st.ToStatus = invoice.Status(to)
		st.Meta = json.RawMessage(meta)
		return st, nil
	})
}
