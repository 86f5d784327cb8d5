package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RegisterAgent upserts the agent row and every tool row in one transaction.
// A failure on any row rolls back the whole registration.
func (s *Store) RegisterAgent(ctx context.Context, agent AgentRecord, tools []ToolRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning registration: %w", err)
	}
	defer tx.Rollback()

	heartbeat := nowOr(agent.LastHeartbeat)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO agent_registry (agent_id, description, agent_card, last_heartbeat)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			description = excluded.description,
			agent_card = excluded.agent_card,
			last_heartbeat = excluded.last_heartbeat`,
		agent.AgentID, agent.Description, agent.CardJSON, formatTime(heartbeat),
	); err != nil {
		return fmt.Errorf("upserting agent %s: %w", agent.AgentID, err)
	}

	for _, t := range tools {
		if t.AgentID != agent.AgentID {
			return fmt.Errorf("tool %s belongs to agent %q, not %q", t.ToolID, t.AgentID, agent.AgentID)
		}
		params := t.ParametersJSON
		if params == "" {
			params = "{}"
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO agent_tools (agent_id, tool_id, capability, description, parameters)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(agent_id, tool_id) DO UPDATE SET
				capability = excluded.capability,
				description = excluded.description,
				parameters = excluded.parameters`,
			t.AgentID, t.ToolID, t.Capability, t.Description, params,
		); err != nil {
			return fmt.Errorf("upserting tool %s/%s: %w", t.AgentID, t.ToolID, err)
		}
	}

	return tx.Commit()
}

// ToolsByCapability returns every tool offering capability ordered by
// agent_id then tool_id.
func (s *Store) ToolsByCapability(ctx context.Context, capability string) ([]ToolRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, tool_id, capability, description, parameters
		FROM agent_tools WHERE capability = ?
		ORDER BY agent_id ASC, tool_id ASC`, capability)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTools(rows)
}

func (s *Store) GetAgent(ctx context.Context, agentID string) (AgentRecord, []ToolRecord, error) {
	var a AgentRecord
	var heartbeat string
	err := s.db.QueryRowContext(ctx, `
		SELECT agent_id, description, agent_card, last_heartbeat
		FROM agent_registry WHERE agent_id = ?`, agentID,
	).Scan(&a.AgentID, &a.Description, &a.CardJSON, &heartbeat)
	if err == sql.ErrNoRows {
		return AgentRecord{}, nil, ErrNotFound
	}
	if err != nil {
		return AgentRecord{}, nil, err
	}
	if a.LastHeartbeat, err = parseTime(heartbeat); err != nil {
		return AgentRecord{}, nil, fmt.Errorf("parsing last_heartbeat: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, tool_id, capability, description, parameters
		FROM agent_tools WHERE agent_id = ? ORDER BY tool_id ASC`, agentID)
	if err != nil {
		return AgentRecord{}, nil, err
	}
	defer rows.Close()
	tools, err := scanTools(rows)
	if err != nil {
		return AgentRecord{}, nil, err
	}
	return a, tools, nil
}

func (s *Store) ListAgents(ctx context.Context) ([]AgentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, description, agent_card, last_heartbeat
		FROM agent_registry ORDER BY agent_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []AgentRecord
	for rows.Next() {
		var a AgentRecord
		var heartbeat string
		if err := rows.Scan(&a.AgentID, &a.Description, &a.CardJSON, &heartbeat); err != nil {
			return nil, err
		}
		t, err := parseTime(heartbeat)
		if err != nil {
			return nil, fmt.Errorf("parsing last_heartbeat: %w", err)
		}
		a.LastHeartbeat = t
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *Store) TouchAgent(ctx context.Context, agentID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE agent_registry SET last_heartbeat = ? WHERE agent_id = ?`,
		formatTime(time.Now()), agentID)
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

func scanTools(rows *sql.Rows) ([]ToolRecord, error) {
	var tools []ToolRecord
	for rows.Next() {
		var t ToolRecord
		if err := rows.Scan(&t.AgentID, &t.ToolID, &t.Capability, &t.Description, &t.ParametersJSON); err != nil {
			return nil, err
		}
		tools = append(tools, t)
	}
	return tools, rows.Err()
}
