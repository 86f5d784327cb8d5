// Package validation scores a mapped invoice with an ordered list of
// deterministic rules.
package validation

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/kalambet/invoiceflow/internal/invoice"
)

// Tolerance is the allowed absolute difference for money comparisons.
const Tolerance = 0.01

// MaxScore is the score of an invoice with no deductions.
const MaxScore = 100.0

// DuplicateChecker reports whether another invoice with the same vendor,
// number and date is already stored.
type DuplicateChecker interface {
	CheckDuplicate(ctx context.Context, vendorName, invoiceNo, invoiceDate, excludeInvoiceID string) (bool, error)
}

// Input is one validation request.
type Input struct {
	Schema        invoice.Schema
	InvoiceID     string
	OCRConfidence float64
	// Profile overrides the engine's default profile when set.
	Profile string
}

// Report is the aggregated outcome of a run.
type Report struct {
	Status  invoice.Status       `json:"status"`
	Score   float64              `json:"overall_score"`
	Profile string               `json:"profile"`
	Results []invoice.RuleResult `json:"validation_results"`
}

// Flags returns the ids of the rules that did not pass.
func (r Report) Flags() []string {
	var ids []string
	for _, res := range r.Results {
		if res.Status != invoice.RulePass {
			ids = append(ids, res.RuleID)
		}
	}
	return ids
}

type rule struct {
	id    string
	check func(ctx context.Context, e *Engine, in Input, p Profile) invoice.RuleResult
}

// rules run in this order and results are reported in it.
var rules = []rule{
	{"LIT-004", checkLineItemMath},
	{"TTL-001", checkSubtotal},
	{"TTL-003", checkGrandTotal},
	{"INV-003", checkInvoiceDate},
	{"DUP-001", checkDuplicate},
	{"ANM-001", checkRoundTotal},
	{"ANM-004", checkOCRConfidence},
}

// RuleIDs lists the ids of the rules the engine runs, in order.
func RuleIDs() []string {
	ids := make([]string, len(rules))
	for i, r := range rules {
		ids[i] = r.id
	}
	return ids
}

// Engine runs the rules. It is safe for concurrent use.
type Engine struct {
	profile Profile
	dups    DuplicateChecker
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the time source used by the date rule.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New returns an engine using profile by default. dups may be nil, in which
// case the duplicate rule always passes.
func New(profile Profile, dups DuplicateChecker, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{profile: profile, dups: dups, now: time.Now, logger: logger}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Profile returns the default profile.
func (e *Engine) Profile() Profile { return e.profile }

// Run applies every rule and aggregates the results.
func (e *Engine) Run(ctx context.Context, in Input) (Report, error) {
	p := e.profile
	if in.Profile != "" {
		var ok bool
		if p, ok = ProfileByName(in.Profile); !ok {
			return Report{}, fmt.Errorf("unknown validation profile %q", in.Profile)
		}
	}

	results := make([]invoice.RuleResult, 0, len(rules))
	for _, r := range rules {
		results = append(results, r.check(ctx, e, in, p))
	}
	return aggregate(results, p.Name), nil
}

func aggregate(results []invoice.RuleResult, profile string) Report {
	var total float64
	clean := true
	for _, r := range results {
		total += r.Deduction
		if r.Status != invoice.RulePass {
			clean = false
		}
	}
	rep := Report{
		Status:  invoice.StatusValidatedFlagged,
		Score:   math.Max(0, MaxScore-total),
		Profile: profile,
		Results: results,
	}
	if clean {
		rep.Status = invoice.StatusValidatedClean
	}
	return rep
}

func pass(id, msg string) invoice.RuleResult {
	return invoice.RuleResult{RuleID: id, Status: invoice.RulePass, Message: msg, Severity: 1}
}

func fail(id, msg string, severity int, deduction float64) invoice.RuleResult {
	return invoice.RuleResult{RuleID: id, Status: invoice.RuleFail, Message: msg, Severity: severity, Deduction: deduction}
}

func warn(id, msg string, severity int, deduction float64) invoice.RuleResult {
	return invoice.RuleResult{RuleID: id, Status: invoice.RuleWarn, Message: msg, Severity: severity, Deduction: deduction}
}

func near(a, b float64) bool { return math.Abs(a-b) <= Tolerance }

func checkLineItemMath(_ context.Context, _ *Engine, in Input, _ Profile) invoice.RuleResult {
	for i, item := range in.Schema.LineItems {
		if !near(item.Quantity*item.UnitPrice, item.Amount) {
			return fail("LIT-004", fmt.Sprintf("Line item %d math incorrect.", i+1), 5, 20)
		}
	}
	return pass("LIT-004", "Line item math correct.")
}

func checkSubtotal(_ context.Context, _ *Engine, in Input, _ Profile) invoice.RuleResult {
	var sum float64
	for _, item := range in.Schema.LineItems {
		sum += item.Amount
	}
	if !near(sum, in.Schema.Totals.Subtotal) {
		return fail("TTL-001", "Subtotal does not match sum of line items.", 5, 20)
	}
	return pass("TTL-001", "Subtotal is correct.")
}

func checkGrandTotal(_ context.Context, _ *Engine, in Input, _ Profile) invoice.RuleResult {
	t := in.Schema.Totals
	if !near(t.Subtotal+t.GSTAmount+t.RoundOff, t.GrandTotal) {
		return fail("TTL-003", "Grand total does not match sum of subtotal, GST, and round-off.", 5, 20)
	}
	return pass("TTL-003", "Grand total is correct.")
}

func checkInvoiceDate(_ context.Context, e *Engine, in Input, _ Profile) invoice.RuleResult {
	raw := strings.TrimSpace(in.Schema.InvoiceDate)
	if raw == "" {
		return pass("INV-003", "No invoice date to check.")
	}
	d, ok := invoice.ParseDate(raw)
	if !ok {
		return fail("INV-003", fmt.Sprintf("Invoice date %q is not a valid date.", raw), 4, 10)
	}
	now := e.now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	day := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
	if day.After(today) {
		return fail("INV-003", fmt.Sprintf("Invoice date %s is in the future.", day.Format("2006-01-02")), 4, 10)
	}
	return pass("INV-003", "Date is valid.")
}

func checkDuplicate(ctx context.Context, e *Engine, in Input, _ Profile) invoice.RuleResult {
	s := in.Schema
	if e.dups == nil || s.InvoiceNumber == "" {
		return pass("DUP-001", "Invoice is unique.")
	}
	dup, err := e.dups.CheckDuplicate(ctx, s.Vendor.Name, s.InvoiceNumber, s.InvoiceDate, in.InvoiceID)
	if err != nil {
		e.logger.Warn("duplicate check failed", "invoice_id", in.InvoiceID, "error", err)
		return warn("DUP-001", "Duplicate check could not be completed.", 3, 0)
	}
	if dup {
		return fail("DUP-001", fmt.Sprintf("Duplicate invoice %s for vendor %s.", s.InvoiceNumber, s.Vendor.Name), 5, 20)
	}
	return pass("DUP-001", "Invoice is unique.")
}

func checkRoundTotal(_ context.Context, _ *Engine, in Input, _ Profile) invoice.RuleResult {
	g := in.Schema.Totals.GrandTotal
	if g > 1000 && math.Mod(g, 1000) == 0 {
		return warn("ANM-001", fmt.Sprintf("Suspicious round grand total (%.2f).", g), 2, 5)
	}
	return pass("ANM-001", "Grand total is not a suspicious round value.")
}

func checkOCRConfidence(_ context.Context, _ *Engine, in Input, p Profile) invoice.RuleResult {
	if in.OCRConfidence < p.ConfidenceFloor {
		return warn("ANM-004", fmt.Sprintf("Low OCR confidence (%.2f).", in.OCRConfidence), 3, 2.5)
	}
	return pass("ANM-004", "OCR confidence is acceptable.")
}
