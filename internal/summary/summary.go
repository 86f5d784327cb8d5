// Package summary produces the reviewer-facing summary of a processed invoice.
package summary

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/kalambet/invoiceflow/internal/llm"
)

// Summary statuses.
const (
	StatusReadyToPost     = "READY_TO_POST"
	StatusPostedSuccess   = "POSTED_SUCCESS"
	StatusNeedsReview     = "NEEDS_REVIEW"
	StatusBlockedByErrors = "BLOCKED_BY_ERRORS"
)

// Summary is the model's answer.
type Summary struct {
	Status             string             `json:"status"`
	Headline           string             `json:"headline"`
	InvoiceSummary     InvoiceSummary     `json:"invoice_summary"`
	ValidationSummary  ValidationSummary  `json:"validation_summary"`
	IntegrationSummary IntegrationSummary `json:"integration_summary"`
	NextActions        []string           `json:"next_actions"`
}

type InvoiceSummary struct {
	InvoiceNo    string   `json:"invoice_no,omitempty"`
	InvoiceDate  string   `json:"invoice_date,omitempty"`
	VendorName   string   `json:"vendor_name,omitempty"`
	CustomerName *string  `json:"customer_name,omitempty"`
	GrandTotal   *float64 `json:"grand_total,omitempty"`
	Currency     string   `json:"currency,omitempty"`
	ItemSummary  string   `json:"item_summary,omitempty"`
}

type ValidationSummary struct {
	OverallScore *float64 `json:"overall_score,omitempty"`
	Status       string   `json:"status,omitempty"`
	Errors       []Issue  `json:"errors"`
	Warnings     []Issue  `json:"warnings,omitempty"`
}

type Issue struct {
	Category string `json:"category"`
	RuleID   string `json:"rule_id,omitempty"`
	Message  string `json:"message"`
}

type IntegrationSummary struct {
	TargetSystem string `json:"target_system,omitempty"`
	Status       string `json:"status,omitempty"`
	Message      string `json:"message,omitempty"`
}

// Fallback is returned when the model reply cannot be parsed.
func Fallback() Summary {
	return Summary{
		Status:   StatusBlockedByErrors,
		Headline: "Failed to generate summary due to an internal error.",
		ValidationSummary: ValidationSummary{
			Errors: []Issue{{Category: "SYSTEM", Message: "Failed to parse LLM response."}},
		},
		NextActions: []string{"Please report this issue to the development team."},
	}
}

// DeriveStatus computes the summary status from the state alone. Failures
// take precedence over review, review over success.
func DeriveStatus(st State) string {
	switch {
	case st.Validation.Status == ValidationFail || st.Integration.Status == IntegrationFailed:
		return StatusBlockedByErrors
	case st.Validation.Status == ValidationReview || st.Review.Required:
		return StatusNeedsReview
	case st.Integration.Status == IntegrationSuccess:
		return StatusPostedSuccess
	}
	return StatusReadyToPost
}

const systemPrompt = `You summarize processed invoices for accountants. Use only the values in the input; never invent or change numbers, dates, names or invoice numbers.

Answer with a single JSON object:
{
  "status": "READY_TO_POST" | "POSTED_SUCCESS" | "NEEDS_REVIEW" | "BLOCKED_BY_ERRORS",
  "headline": string,
  "invoice_summary": {"invoice_no": string, "invoice_date": string, "vendor_name": string, "customer_name": string | null, "grand_total": number, "currency": string, "item_summary": string},
  "validation_summary": {"overall_score": number, "status": "PASS" | "REVIEW" | "FAIL", "errors": [{"category": string, "rule_id": string, "message": string}], "warnings": [{"category": string, "rule_id": string, "message": string}]},
  "integration_summary": {"target_system": string, "status": string, "message": string},
  "next_actions": [string]
}

Status rules: BLOCKED_BY_ERRORS when validation.status is FAIL or integration.status is FAILED; NEEDS_REVIEW when validation.status is REVIEW or review.required is true; POSTED_SUCCESS when integration.status is SUCCESS; otherwise READY_TO_POST.
FAIL rules go to errors and WARN rules to warnings, grouped by category. If nothing failed, say all checks passed.`

// Generator asks a model for summaries.
type Generator struct {
	chat   llm.Chatter
	logger *slog.Logger
}

func New(chat llm.Chatter, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{chat: chat, logger: logger}
}

// Generate returns the model's summary of st. A transport error is
// returned as is; an unparseable reply yields Fallback and no error.
func (g *Generator) Generate(ctx context.Context, st State) (Summary, error) {
	doc, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return Summary{}, fmt.Errorf("encoding state: %w", err)
	}
	reply, err := g.chat.Chat(ctx, llm.Request{
		System:      systemPrompt,
		Prompt:      "Summarize this invoice state.\n\n```json\n" + string(doc) + "\n```",
		Temperature: 0.2,
	})
	if err != nil {
		return Summary{}, fmt.Errorf("llm: %w", err)
	}

	var out Summary
	if err := json.Unmarshal([]byte(llm.StripCodeFences(reply)), &out); err != nil {
		g.logger.Warn("summary reply is not valid JSON", "invoice_id", st.Invoice.InvoiceID, "error", err)
		return Fallback(), nil
	}
	if !validStatus(out.Status) {
		out.Status = DeriveStatus(st)
	}
	if out.ValidationSummary.Errors == nil {
		out.ValidationSummary.Errors = []Issue{}
	}
	if out.NextActions == nil {
		out.NextActions = []string{}
	}
	return out, nil
}

func validStatus(s string) bool {
	switch s {
	case StatusReadyToPost, StatusPostedSuccess, StatusNeedsReview, StatusBlockedByErrors:
		return true
	}
	return false
}
