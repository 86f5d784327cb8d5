package storage

import (
	"context"

	"github.com/kalambet/invoiceflow/internal/invoice"
)

// Persistence is the durable storage contract shared by the SQLite and
// Postgres backends. Multi-row writes are transactional: either every row is
// committed or none is.
type Persistence interface {
	RegisterAgent(ctx context.Context, agent AgentRecord, tools []ToolRecord) error
	ToolsByCapability(ctx context.Context, capability string) ([]ToolRecord, error)
	GetAgent(ctx context.Context, agentID string) (AgentRecord, []ToolRecord, error)
	ListAgents(ctx context.Context) ([]AgentRecord, error)
	TouchAgent(ctx context.Context, agentID string) error

	SaveAuditStep(ctx context.Context, step invoice.AuditStep) error
	ListAuditSteps(ctx context.Context, invoiceID string) ([]invoice.AuditStep, error)

	SaveMetadata(ctx context.Context, m InvoiceMetadata) error
	SaveOCRPayload(ctx context.Context, invoiceID string, payloadJSON string) error
	LogResponse(ctx context.Context, entry ResponseLog) error

	CheckDuplicate(ctx context.Context, vendorName, invoiceNo, invoiceDate, excludeInvoiceID string) (bool, error)
	SaveValidatedRecord(ctx context.Context, rec InvoiceRecord) error
	UpdateInvoiceStatus(ctx context.Context, invoiceID string, status invoice.Status, durationMS int64) error
	GetInvoice(ctx context.Context, invoiceID string) (InvoiceRecord, error)
	ListInvoices(ctx context.Context, limit int) ([]InvoiceRecord, error)
	SaveERPPayload(ctx context.Context, p ERPPayload) error
	GetERPPayload(ctx context.Context, invoiceID string) (ERPPayload, error)

	SeedRules(ctx context.Context, defs []RuleDefinition) (int, error)
	ListRules(ctx context.Context) ([]RuleDefinition, error)

	KPIs(ctx context.Context) (KPIs, error)

	Close() error
}

var _ Persistence = (*Store)(nil)
