package agents

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/kalambet/invoiceflow/internal/dispatch"
	"github.com/kalambet/invoiceflow/internal/invoice"
	"github.com/kalambet/invoiceflow/internal/registry"
)

// SchemaMapper maps OCR text to the canonical schema.
type SchemaMapper interface {
	Map(ctx context.Context, text string, target invoice.TargetSystem) (invoice.Schema, json.RawMessage, error)
}

// MapperServer exposes the LLM mapper.
type MapperServer struct {
	mapper SchemaMapper
	logger *slog.Logger
}

func NewMapperServer(m SchemaMapper, logger *slog.Logger) *MapperServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &MapperServer{mapper: m, logger: logger}
}

func (s *MapperServer) Card() registry.AgentCard {
	return registry.AgentCard{
		AgentID:     MapperAgentID,
		Description: "Uses an LLM to map extracted OCR text to the canonical invoice schema.",
		Tools: []registry.ToolDefinition{{
			ToolID:      ToolMap,
			Capability:  CapabilityMapping,
			Description: "Maps raw extracted text to a structured canonical invoice.",
			Parameters: map[string]registry.Param{
				"extracted_text": {Type: "string"},
				"target_system":  {Type: "string", Enum: targetEnum()},
			},
		}},
	}
}

func (s *MapperServer) Handlers() map[string]dispatch.Handler {
	return map[string]dispatch.Handler{ToolMap: async(s.mapText)}
}

func (s *MapperServer) mapText(ctx context.Context, raw json.RawMessage) dispatch.Result {
	var args MapArgs
	if res, ok := decode(raw, &args); !ok {
		return res
	}
	_, doc, err := s.mapper.Map(ctx, args.ExtractedText, args.TargetSystem)
	if err != nil {
		s.logger.Info("mapping failed", "target", args.TargetSystem, "error", err)
		return dispatch.Fail(string(invoice.StatusFailedMapping), err)
	}
	return dispatch.OK(StatusMappingComplete, MapOutput{MappedSchema: doc})
}
