package invoice

import (
	"encoding/json"
	"time"
)

// Job is the unit of work driven through the workflow. A job is owned by a
// single workflow run and is discarded once it reaches a terminal status.
type Job struct {
	UserID       string       `json:"user_id"`
	SourcePath   string       `json:"source_file_path"`
	TargetSystem TargetSystem `json:"target_system"`
	Status       Status       `json:"status"`

	InvoiceID   string `json:"invoice_id,omitempty"`
	StoragePath string `json:"storage_path,omitempty"`

	ExtractedText     string          `json:"extracted_text,omitempty"`
	OCRConfidence     float64         `json:"ocr_confidence"`
	Mapped            *Schema         `json:"mapped_schema,omitempty"`
	ValidationResults []RuleResult    `json:"validation_results,omitempty"`
	ReliabilityScore  float64         `json:"reliability_score"`
	IntegrationStatus Status          `json:"integration_status,omitempty"`
	Summary           json.RawMessage `json:"summary,omitempty"`

	StartedAt time.Time `json:"started_at"`
}

// Flags returns the ids of the rules that did not pass.
func (j Job) Flags() []string {
	var ids []string
	for _, r := range j.ValidationResults {
		if r.Status != RulePass {
			ids = append(ids, r.RuleID)
		}
	}
	return ids
}

// AuditStep is one append-only record of a workflow transition.
type AuditStep struct {
	ID         int64           `json:"id,omitempty"`
	InvoiceID  string          `json:"invoice_id"`
	FromStatus Status          `json:"from_status"`
	ToStatus   Status          `json:"to_status"`
	Meta       json.RawMessage `json:"meta"`
	Timestamp  time.Time       `json:"timestamp"`
}
