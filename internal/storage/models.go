package storage

import (
	"errors"
	"time"

	"github.com/kalambet/invoiceflow/internal/invoice"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// AgentRecord is a row of agent_registry. CardJSON holds the full card as registered.
type AgentRecord struct {
	AgentID       string
	Description   string
	CardJSON      string
	LastHeartbeat time.Time
}

// ToolRecord is a row of agent_tools.
type ToolRecord struct {
	AgentID        string
	ToolID         string
	Capability     string
	Description    string
	ParametersJSON string
}

// InvoiceMetadata is written once per ingested file.
type InvoiceMetadata struct {
	InvoiceID     string
	UserID        string
	OriginalPath  string
	StoragePath   string
	FileExtension string
	CreatedAt     time.Time
}

// ResponseLog records a raw agent response for later inspection.
type ResponseLog struct {
	AgentID     string
	ToolID      string
	InvoiceID   string
	Status      string
	PayloadJSON string
}

// InvoiceRecord is a validated invoice together with its line items and rule results.
type InvoiceRecord struct {
	InvoiceID            string
	VendorName           string
	VendorGSTIN          string
	InvoiceNo            string
	InvoiceDate          string
	GrandTotal           float64
	Status               invoice.Status
	ValidationStatus     invoice.Status
	TargetSystem         string
	ExtractionConfidence float64
	ReliabilityScore     float64
	ProcessingDurationMS int64
	SchemaJSON           string
	LineItems            []invoice.LineItem
	Results              []invoice.RuleResult
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// ERPPayload is the generated document for a target system.
type ERPPayload struct {
	InvoiceID    string
	TargetSystem string
	ContentType  string
	Body         string
	CreatedAt    time.Time
}

// RuleDefinition is an entry of the validation rule catalog.
type RuleDefinition struct {
	RuleID      string
	Category    string
	Description string
	Severity    int
	Active      bool
}

// KPIs aggregates processing metrics over all stored invoices.
type KPIs struct {
	TotalInvoices          int                `json:"total_invoices"`
	SuccessfulSyncs        int                `json:"successful_syncs"`
	FlaggedInvoices        int                `json:"flagged_invoices"`
	TotalInvoiceValue      float64            `json:"total_invoice_value"`
	OCRAccuracy            float64            `json:"ocr_accuracy_pct"`
	ValidationPassRate     float64            `json:"validation_pass_rate_pct"`
	AvgProcessingTimeMS    int64              `json:"avg_processing_time_ms"`
	SpendByVendor          map[string]float64 `json:"spend_by_vendor"`
	DuplicateDetectionRate float64            `json:"duplicate_detection_rate_pct"`
}

// Job is a queued unit of background work.
type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
