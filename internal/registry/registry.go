package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kalambet/invoiceflow/internal/storage"
)

// Registration outcomes.
const (
	StatusRegistered = "AGENT_FULLY_REGISTERED"
	StatusFailed     = "FAILED_REGISTRATION"
)

// Result reports the outcome of Register.
type Result struct {
	Status  string `json:"status"`
	AgentID string `json:"agent_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Store is the slice of storage.Persistence the registry needs.
type Store interface {
	RegisterAgent(ctx context.Context, agent storage.AgentRecord, tools []storage.ToolRecord) error
	ToolsByCapability(ctx context.Context, capability string) ([]storage.ToolRecord, error)
	GetAgent(ctx context.Context, agentID string) (storage.AgentRecord, []storage.ToolRecord, error)
	ListAgents(ctx context.Context) ([]storage.AgentRecord, error)
	TouchAgent(ctx context.Context, agentID string) error
}

// Registry is safe for concurrent use; all state lives in the store.
type Registry struct {
	store  Store
	logger *slog.Logger
}

func New(store Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: store, logger: logger}
}

// Register upserts the agent and all of its tools atomically.
func (r *Registry) Register(ctx context.Context, card AgentCard) Result {
	if err := card.Validate(); err != nil {
		return r.failed(card.AgentID, err)
	}

	cardJSON, err := json.Marshal(card)
	if err != nil {
		return r.failed(card.AgentID, fmt.Errorf("encoding card: %w", err))
	}
	tools := make([]storage.ToolRecord, 0, len(card.Tools))
	for _, t := range card.Tools {
		params := []byte("{}")
		if len(t.Parameters) > 0 {
			if params, err = json.Marshal(t.Parameters); err != nil {
				return r.failed(card.AgentID, fmt.Errorf("encoding parameters of %s: %w", t.ToolID, err))
			}
		}
		tools = append(tools, storage.ToolRecord{
			AgentID:        card.AgentID,
			ToolID:         t.ToolID,
			Capability:     t.Capability,
			Description:    t.Description,
			ParametersJSON: string(params),
		})
	}

	agent := storage.AgentRecord{AgentID: card.AgentID, Description: card.Description, CardJSON: string(cardJSON)}
	if err := r.store.RegisterAgent(ctx, agent, tools); err != nil {
		return r.failed(card.AgentID, err)
	}
	r.logger.Info("agent registered", "agent_id", card.AgentID, "tools", len(tools))
	return Result{Status: StatusRegistered, AgentID: card.AgentID}
}

func (r *Registry) failed(agentID string, err error) Result {
	r.logger.Warn("agent registration failed", "agent_id", agentID, "error", err)
	return Result{Status: StatusFailed, AgentID: agentID, Error: err.Error()}
}

// LookupByCapability returns the tool serving capability. When several
// agents offer it, the lowest agent_id wins, then the lowest tool_id.
func (r *Registry) LookupByCapability(ctx context.Context, capability string) (string, ToolDefinition, bool, error) {
	rows, err := r.store.ToolsByCapability(ctx, capability)
	if err != nil {
		return "", ToolDefinition{}, false, fmt.Errorf("looking up %s: %w", capability, err)
	}
	if len(rows) == 0 {
		return "", ToolDefinition{}, false, nil
	}
	tool, err := toolFromRecord(rows[0])
	if err != nil {
		return "", ToolDefinition{}, false, err
	}
	return rows[0].AgentID, tool, true, nil
}

// Agent returns the registered card of agentID as stored.
func (r *Registry) Agent(ctx context.Context, agentID string) (AgentCard, error) {
	rec, _, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return AgentCard{}, err
	}
	return cardFromRecord(rec)
}

// Agents lists every registered card ordered by agent id.
func (r *Registry) Agents(ctx context.Context) ([]AgentCard, error) {
	recs, err := r.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	cards := make([]AgentCard, 0, len(recs))
	for _, rec := range recs {
		c, err := cardFromRecord(rec)
		if err != nil {
			return nil, err
		}
		cards = append(cards, c)
	}
	return cards, nil
}

// Heartbeat refreshes the last-seen time of a registered agent.
func (r *Registry) Heartbeat(ctx context.Context, agentID string) error {
	if err := r.store.TouchAgent(ctx, agentID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("agent %s: %w", agentID, err)
		}
		return err
	}
	return nil
}

func cardFromRecord(rec storage.AgentRecord) (AgentCard, error) {
	var c AgentCard
	if err := json.Unmarshal([]byte(rec.CardJSON), &c); err != nil {
		return AgentCard{}, fmt.Errorf("decoding card of %s: %w", rec.AgentID, err)
	}
	return c, nil
}

func toolFromRecord(rec storage.ToolRecord) (ToolDefinition, error) {
	t := ToolDefinition{ToolID: rec.ToolID, Capability: rec.Capability, Description: rec.Description}
	if rec.ParametersJSON != "" && rec.ParametersJSON != "{}" {
		if err := json.Unmarshal([]byte(rec.ParametersJSON), &t.Parameters); err != nil {
			return ToolDefinition{}, fmt.Errorf("decoding parameters of %s/%s: %w", rec.AgentID, rec.ToolID, err)
		}
	}
	return t, nil
}
