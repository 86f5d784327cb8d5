package agents

import (
	"encoding/json"

	"github.com/kalambet/invoiceflow/internal/invoice"
	"github.com/kalambet/invoiceflow/internal/summary"
)

// OCRArgs are the arguments of ocr/extract_text_cascading.
type OCRArgs struct {
	InvoiceID     string `json:"invoice_id,omitempty"`
	FilePath      string `json:"file_path"`
	FileExtension string `json:"file_extension"`
	UserID        string `json:"user_id,omitempty"`
}

// MapArgs are the arguments of map/execute.
type MapArgs struct {
	ExtractedText string               `json:"extracted_text"`
	TargetSystem  invoice.TargetSystem `json:"target_system"`
}

// MapOutput is the data of a MAPPING_COMPLETE result.
type MapOutput struct {
	MappedSchema json.RawMessage `json:"mapped_schema"`
}

// ValidateArgs are the arguments of validate/run_checks.
type ValidateArgs struct {
	MappedSchema  invoice.Schema `json:"mapped_schema"`
	InvoiceID     string         `json:"invoice_id,omitempty"`
	OCRConfidence *float64       `json:"ocr_confidence,omitempty"`
	Profile       string         `json:"profile,omitempty"`
}

// SyncArgs are the arguments of sync/push_to_erp.
type SyncArgs struct {
	InvoiceID        string               `json:"invoice_id"`
	TargetSystem     invoice.TargetSystem `json:"target_system"`
	MappedSchema     invoice.Schema       `json:"mapped_schema"`
	ReliabilityScore float64              `json:"reliability_score"`
}

// SyncOutput is the data of a sync result.
type SyncOutput struct {
	TargetSystem   invoice.TargetSystem `json:"target_system"`
	ContentType    string               `json:"content_type,omitempty"`
	ERPInvoiceID   string               `json:"erp_invoice_id,omitempty"`
	PayloadPreview string               `json:"payload_preview,omitempty"`
	Threshold      float64              `json:"threshold"`
}

// SummaryArgs are the arguments of summary/generate.
type SummaryArgs struct {
	InvoiceData summary.State `json:"invoice_data"`
}

// AuditArgs are the arguments of store/save_audit_step.
type AuditArgs struct {
	InvoiceID  string          `json:"invoice_id"`
	FromStatus invoice.Status  `json:"from_status"`
	ToStatus   invoice.Status  `json:"to_status"`
	Meta       json.RawMessage `json:"meta,omitempty"`
}

// DuplicateArgs are the arguments of store/check_duplicate.
type DuplicateArgs struct {
	VendorName  string `json:"vendor_name"`
	InvoiceNo   string `json:"invoice_no"`
	InvoiceDate string `json:"invoice_date"`
	InvoiceID   string `json:"invoice_id,omitempty"`
}

// RecordArgs are the arguments of store/save_validated_record.
type RecordArgs struct {
	InvoiceID        string               `json:"invoice_id"`
	MappedSchema     invoice.Schema       `json:"mapped_schema"`
	ValidationStatus invoice.Status       `json:"validation_status"`
	Results          []invoice.RuleResult `json:"validation_results,omitempty"`
	ReliabilityScore float64              `json:"reliability_score"`
	OCRConfidence    float64              `json:"ocr_confidence"`
	TargetSystem     invoice.TargetSystem `json:"target_system"`
}

// MetadataArgs are the arguments of store/save_metadata.
type MetadataArgs struct {
	InvoiceID     string `json:"invoice_id"`
	UserID        string `json:"user_id"`
	OriginalPath  string `json:"original_path"`
	StoragePath   string `json:"storage_path"`
	FileExtension string `json:"file_extension"`
}

// OCRPayloadArgs are the arguments of store/save_ocr_payload.
type OCRPayloadArgs struct {
	InvoiceID string            `json:"invoice_id"`
	Result    invoice.OCRResult `json:"ocr_result"`
}

// LogArgs are the arguments of store/log_response.
type LogArgs struct {
	AgentID   string          `json:"agent_id"`
	ToolID    string          `json:"tool_id"`
	InvoiceID string          `json:"invoice_id,omitempty"`
	Status    string          `json:"status"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}
