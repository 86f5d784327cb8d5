package agents

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/kalambet/invoiceflow/internal/dispatch"
	"github.com/kalambet/invoiceflow/internal/integration"
	"github.com/kalambet/invoiceflow/internal/invoice"
	"github.com/kalambet/invoiceflow/internal/registry"
	"github.com/kalambet/invoiceflow/internal/storage"
)

const previewBytes = 512

// PayloadStore keeps generated ERP documents.
type PayloadStore interface {
	SaveERPPayload(ctx context.Context, p storage.ERPPayload) error
}

// IntegrationServer generates target-system payloads for reliable invoices.
type IntegrationServer struct {
	store  PayloadStore
	logger *slog.Logger
}

// NewIntegrationServer returns a server that persists payloads to store.
// A nil store only generates them.
func NewIntegrationServer(store PayloadStore, logger *slog.Logger) *IntegrationServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &IntegrationServer{store: store, logger: logger}
}

func (s *IntegrationServer) Card() registry.AgentCard {
	return registry.AgentCard{
		AgentID:     IntegrationAgentID,
		Description: "Transforms a validated invoice into the payload of the target ERP system.",
		Tools: []registry.ToolDefinition{{
			ToolID:      ToolPushToERP,
			Capability:  CapabilityIntegration,
			Description: "Generates the ERP payload when the reliability score reaches the sync threshold.",
			Parameters: map[string]registry.Param{
				"invoice_id":        {Type: "string"},
				"target_system":     {Type: "string", Enum: targetEnum()},
				"mapped_schema":     {Type: "object"},
				"reliability_score": {Type: "number"},
			},
		}},
	}
}

func (s *IntegrationServer) Handlers() map[string]dispatch.Handler {
	return map[string]dispatch.Handler{ToolPushToERP: async(s.push)}
}

func (s *IntegrationServer) push(ctx context.Context, raw json.RawMessage) dispatch.Result {
	var args SyncArgs
	if res, ok := decode(raw, &args); !ok {
		return res
	}
	out := SyncOutput{TargetSystem: args.TargetSystem, Threshold: integration.SyncThreshold}

	p, err := integration.Generate(args.InvoiceID, args.MappedSchema, args.TargetSystem, args.ReliabilityScore)
	if err != nil {
		return dispatch.FailWith(string(invoice.StatusFailedSync), err, out)
	}
	if s.store != nil {
		err := s.store.SaveERPPayload(ctx, storage.ERPPayload{
			InvoiceID:    args.InvoiceID,
			TargetSystem: string(p.TargetSystem),
			ContentType:  p.ContentType,
			Body:         string(p.Body),
		})
		if err != nil {
			s.logger.Warn("saving erp payload", "invoice_id", args.InvoiceID, "error", err)
			return dispatch.FailWith(string(invoice.StatusFailedSync), err, out)
		}
	}

	out.ContentType = p.ContentType
	out.ERPInvoiceID = p.ERPInvoiceID
	out.PayloadPreview = p.Preview(previewBytes)
	return dispatch.OK(string(invoice.StatusSyncedSuccess), out)
}
