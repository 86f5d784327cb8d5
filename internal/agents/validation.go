package agents

import (
	"context"
	"encoding/json"

	"github.com/kalambet/invoiceflow/internal/dispatch"
	"github.com/kalambet/invoiceflow/internal/invoice"
	"github.com/kalambet/invoiceflow/internal/registry"
	"github.com/kalambet/invoiceflow/internal/validation"
)

// ValidationServer exposes the rule engine. Its result status is the
// validation outcome, VALIDATED_CLEAN or VALIDATED_FLAGGED.
type ValidationServer struct {
	engine *validation.Engine
}

func NewValidationServer(engine *validation.Engine) *ValidationServer {
	return &ValidationServer{engine: engine}
}

func (s *ValidationServer) Card() registry.AgentCard {
	return registry.AgentCard{
		AgentID:     ValidationAgentID,
		Description: "Runs deterministic validation rules over a mapped invoice and scores its reliability.",
		Tools: []registry.ToolDefinition{{
			ToolID:      ToolValidate,
			Capability:  CapabilityValidation,
			Description: "Runs the validation rules and returns the status, overall score and per-rule results.",
			Parameters: map[string]registry.Param{
				"mapped_schema":  {Type: "object"},
				"invoice_id":     {Type: "string", Optional: true},
				"ocr_confidence": {Type: "number", Optional: true, Default: 1.0},
				"profile":        {Type: "string", Optional: true, Enum: validation.ProfileNames()},
			},
		}},
	}
}

func (s *ValidationServer) Handlers() map[string]dispatch.Handler {
	return map[string]dispatch.Handler{ToolValidate: dispatch.HandlerFunc(s.run)}
}

func (s *ValidationServer) run(ctx context.Context, raw json.RawMessage) dispatch.Result {
	var args ValidateArgs
	if res, ok := decode(raw, &args); !ok {
		return res
	}
	conf := 1.0
	if args.OCRConfidence != nil {
		conf = *args.OCRConfidence
	}
	rep, err := s.engine.Run(ctx, validation.Input{
		Schema:        args.MappedSchema,
		InvoiceID:     args.InvoiceID,
		OCRConfidence: conf,
		Profile:       args.Profile,
	})
	if err != nil {
		return dispatch.Fail(string(invoice.StatusFailedValidation), err)
	}
	return dispatch.OK(string(rep.Status), rep)
}
