package agents

import (
	"context"
	"encoding/json"

	"github.com/kalambet/invoiceflow/internal/dispatch"
	"github.com/kalambet/invoiceflow/internal/invoice"
	"github.com/kalambet/invoiceflow/internal/registry"
	"github.com/kalambet/invoiceflow/internal/summary"
)

// SummaryServer exposes the reviewer summary generator.
type SummaryServer struct {
	gen *summary.Generator
}

func NewSummaryServer(gen *summary.Generator) *SummaryServer {
	return &SummaryServer{gen: gen}
}

func (s *SummaryServer) Card() registry.AgentCard {
	return registry.AgentCard{
		AgentID:     SummaryAgentID,
		Description: "Writes a short reviewer-facing summary of a processed invoice.",
		Tools: []registry.ToolDefinition{{
			ToolID:      ToolSummarize,
			Capability:  CapabilitySummary,
			Description: "Summarizes the invoice, its validation outcome and the integration result.",
			Parameters: map[string]registry.Param{
				"invoice_data": {Type: "object"},
			},
		}},
	}
}

func (s *SummaryServer) Handlers() map[string]dispatch.Handler {
	return map[string]dispatch.Handler{ToolSummarize: async(s.generate)}
}

func (s *SummaryServer) generate(ctx context.Context, raw json.RawMessage) dispatch.Result {
	var args SummaryArgs
	if res, ok := decode(raw, &args); !ok {
		return res
	}
	sum, err := s.gen.Generate(ctx, args.InvoiceData)
	if err != nil {
		return dispatch.Fail(StatusFailedSummary, err)
	}
	return dispatch.OK(string(invoice.StatusSummaryGenerated), sum)
}
