package summary

import (
	"strings"

	"github.com/kalambet/invoiceflow/internal/invoice"
)

// State is the invoice state document the model summarizes.
type State struct {
	Invoice     InvoiceState     `json:"invoice"`
	Validation  ValidationState  `json:"validation"`
	Integration IntegrationState `json:"integration"`
	Review      ReviewState      `json:"review"`
}

type InvoiceState struct {
	InvoiceID   string      `json:"invoice_id"`
	InvoiceNo   string      `json:"invoice_no"`
	InvoiceDate string      `json:"invoice_date"`
	DueDate     string      `json:"due_date,omitempty"`
	Vendor      PartyState  `json:"vendor"`
	Customer    PartyState  `json:"customer"`
	Items       []ItemState `json:"items"`
	Totals      TotalsState `json:"totals"`
	Currency    string      `json:"currency"`
}

type PartyState struct {
	Name  string `json:"name"`
	GSTIN string `json:"gstin,omitempty"`
	PAN   string `json:"pan,omitempty"`
}

type ItemState struct {
	Description string  `json:"description"`
	Qty         float64 `json:"qty"`
	UnitPrice   float64 `json:"unit_price"`
	TaxPct      float64 `json:"tax_pct"`
	Amount      float64 `json:"amount"`
}

type TotalsState struct {
	Subtotal   float64 `json:"subtotal"`
	TaxTotal   float64 `json:"tax_total"`
	RoundOff   float64 `json:"round_off"`
	GrandTotal float64 `json:"grand_total"`
}

// Validation states as shown to reviewers.
const (
	ValidationPass   = "PASS"
	ValidationReview = "REVIEW"
	ValidationFail   = "FAIL"
)

type ValidationState struct {
	Status       string      `json:"status"`
	OverallScore float64     `json:"overall_score"`
	Rules        []RuleState `json:"rules"`
}

type RuleState struct {
	RuleID          string  `json:"rule_id"`
	Category        string  `json:"category"`
	Status          string  `json:"status"`
	Message         string  `json:"message"`
	Severity        int     `json:"severity"`
	DeductionPoints float64 `json:"deduction_points"`
}

// Integration states.
const (
	IntegrationNotStarted = "NOT_STARTED"
	IntegrationSuccess    = "SUCCESS"
	IntegrationFailed     = "FAILED"
)

type IntegrationState struct {
	TargetSystem string `json:"target_system"`
	Status       string `json:"status"`
	LastError    string `json:"last_error,omitempty"`
}

type ReviewState struct {
	Required bool `json:"required"`
}

// DefaultCurrency is reported for every invoice; the schema carries no currency.
const DefaultCurrency = "INR"

// BuildState assembles the state document of a job. integrationErr is the
// failure reported by the sync step, if any.
func BuildState(job invoice.Job, integrationErr string) State {
	st := State{
		Invoice: InvoiceState{InvoiceID: job.InvoiceID, Currency: DefaultCurrency, Items: []ItemState{}},
		Validation: ValidationState{
			OverallScore: job.ReliabilityScore,
			Rules:        make([]RuleState, 0, len(job.ValidationResults)),
		},
		Integration: IntegrationState{TargetSystem: string(job.TargetSystem), Status: IntegrationNotStarted},
	}
	if s := job.Mapped; s != nil {
		st.Invoice.InvoiceNo = s.InvoiceNumber
		st.Invoice.InvoiceDate = s.InvoiceDate
		st.Invoice.DueDate = s.DueDate
		st.Invoice.Vendor = PartyState{Name: s.Vendor.Name, GSTIN: s.Vendor.GSTIN, PAN: s.Vendor.PAN}
		st.Invoice.Customer = PartyState{Name: s.Customer.Name, GSTIN: s.Customer.GSTIN, PAN: s.Customer.PAN}
		for _, it := range s.LineItems {
			st.Invoice.Items = append(st.Invoice.Items, ItemState{
				Description: it.Description, Qty: it.Quantity, UnitPrice: it.UnitPrice, TaxPct: it.TaxPercent, Amount: it.Amount,
			})
		}
		st.Invoice.Totals = TotalsState{
			Subtotal: s.Totals.Subtotal, TaxTotal: s.Totals.GSTAmount, RoundOff: s.Totals.RoundOff, GrandTotal: s.Totals.GrandTotal,
		}
	}
	for _, r := range job.ValidationResults {
		st.Validation.Rules = append(st.Validation.Rules, RuleState{
			RuleID: r.RuleID, Category: Category(r.RuleID), Status: string(r.Status),
			Message: r.Message, Severity: r.Severity, DeductionPoints: r.Deduction,
		})
	}

	st.Validation.Status = validationStatus(job.ValidationResults)

	switch job.IntegrationStatus {
	case invoice.StatusSyncedSuccess:
		st.Integration.Status = IntegrationSuccess
	case invoice.StatusFailedSync:
		st.Integration.Status = IntegrationFailed
		st.Integration.LastError = integrationErr
	}
	st.Review.Required = st.Validation.Status != ValidationPass
	return st
}

// validationStatus is FAIL if any rule failed, REVIEW if any warned and
// PASS otherwise.
func validationStatus(results []invoice.RuleResult) string {
	status := ValidationPass
	for _, r := range results {
		switch r.Status {
		case invoice.RuleFail:
			return ValidationFail
		case invoice.RuleWarn:
			status = ValidationReview
		}
	}
	return status
}

var categories = map[string]string{
	"DOC": "DOCUMENT",
	"VND": "VENDOR",
	"INV": "HEADER",
	"LIT": "LINE_ITEM",
	"TAX": "TAX",
	"TTL": "TOTALS",
	"DUP": "DUPLICATE",
	"ANM": "ANOMALY",
}

// Category maps a rule id prefix to its reviewer-facing category.
func Category(ruleID string) string {
	prefix, _, _ := strings.Cut(ruleID, "-")
	if c, ok := categories[prefix]; ok {
		return c
	}
	return "OTHER"
}
