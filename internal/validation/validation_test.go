package validation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/invoiceflow/internal/invoice"
)

type fakeDups struct {
	dup     bool
	err     error
	gotArgs []string
}

func (f *fakeDups) CheckDuplicate(_ context.Context, vendor, no, date, exclude string) (bool, error) {
	f.gotArgs = []string{vendor, no, date, exclude}
	return f.dup, f.err
}

var fixedNow = func() time.Time { return time.Date(2024, 6, 15, 10, 0, 0, 0, time.UTC) }

func cleanSchema() invoice.Schema {
	return invoice.Schema{
		InvoiceNumber: "INV-100",
		InvoiceDate:   "2024-05-02",
		Vendor:        invoice.Party{Name: "Acme Traders", GSTIN: "29ABCDE1234F1Z5"},
		Customer:      invoice.Party{Name: "Globex"},
		LineItems: []invoice.LineItem{
			{Description: "Widget", Quantity: 2, UnitPrice: 250, TaxPercent: 18, Amount: 500},
			{Description: "Gadget", Quantity: 3, UnitPrice: 33.33, TaxPercent: 18, Amount: 99.99},
		},
		Totals: invoice.Totals{Subtotal: 599.99, GSTAmount: 108, RoundOff: 0.01, GrandTotal: 708},
	}
}

func newEngine(dups DuplicateChecker) *Engine {
	return New(Standard, dups, nil, WithClock(fixedNow))
}

func byID(t *testing.T, rep Report, id string) invoice.RuleResult {
	t.Helper()
	for _, r := range rep.Results {
		if r.RuleID == id {
			return r
		}
	}
	t.Fatalf("rule %s not in report", id)
	return invoice.RuleResult{}
}

func TestCleanInvoiceScoresFullMarks(t *testing.T) {
	rep, err := newEngine(&fakeDups{}).Run(context.Background(), Input{Schema: cleanSchema(), OCRConfidence: 0.9})
	require.NoError(t, err)

	assert.Equal(t, invoice.StatusValidatedClean, rep.Status)
	assert.Equal(t, 100.0, rep.Score)
	assert.Empty(t, rep.Flags())
	for _, r := range rep.Results {
		assert.Equal(t, 1, r.Severity, r.RuleID)
		assert.Zero(t, r.Deduction, r.RuleID)
	}
}

func TestResultsKeepDeclarationOrder(t *testing.T) {
	rep, err := newEngine(nil).Run(context.Background(), Input{Schema: cleanSchema(), OCRConfidence: 1})
	require.NoError(t, err)

	ids := make([]string, len(rep.Results))
	for i, r := range rep.Results {
		ids[i] = r.RuleID
	}
	assert.Equal(t, []string{"LIT-004", "TTL-001", "TTL-003", "INV-003", "DUP-001", "ANM-001", "ANM-004"}, ids)
	assert.Equal(t, RuleIDs(), ids)
}

func TestDeductionsAreAdditive(t *testing.T) {
	s := cleanSchema()
	s.LineItems = []invoice.LineItem{{Description: "Widget", Quantity: 2, UnitPrice: 10, Amount: 25}}
	s.Totals = invoice.Totals{Subtotal: 30, GSTAmount: 5, GrandTotal: 99}

	rep, err := newEngine(nil).Run(context.Background(), Input{Schema: s, OCRConfidence: 0.6})
	require.NoError(t, err)

	assert.Equal(t, invoice.StatusValidatedFlagged, rep.Status)
	assert.Equal(t, 37.5, rep.Score)
	assert.Equal(t, []string{"LIT-004", "TTL-001", "TTL-003", "ANM-004"}, rep.Flags())
	assert.Equal(t, "Line item 1 math incorrect.", byID(t, rep, "LIT-004").Message)
	assert.Equal(t, invoice.RuleWarn, byID(t, rep, "ANM-004").Status)
}

func TestScoreClampsAtZero(t *testing.T) {
	results := make([]invoice.RuleResult, 6)
	for i := range results {
		results[i] = fail("X", "x", 5, 20)
	}
	rep := aggregate(results, "standard")
	assert.Zero(t, rep.Score)
	assert.Equal(t, invoice.StatusValidatedFlagged, rep.Status)
}

func TestLineItemToleranceBoundary(t *testing.T) {
	s := cleanSchema()
	s.LineItems = []invoice.LineItem{{Quantity: 1, UnitPrice: 100, Amount: 100.01}}
	s.Totals = invoice.Totals{Subtotal: 100.01, GrandTotal: 100.01}
	rep, err := newEngine(nil).Run(context.Background(), Input{Schema: s, OCRConfidence: 1})
	require.NoError(t, err)
	assert.Equal(t, invoice.RulePass, byID(t, rep, "LIT-004").Status)

	s.LineItems[0].Amount = 100.02
	s.Totals = invoice.Totals{Subtotal: 100.02, GrandTotal: 100.02}
	rep, err = newEngine(nil).Run(context.Background(), Input{Schema: s, OCRConfidence: 1})
	require.NoError(t, err)
	assert.Equal(t, invoice.RuleFail, byID(t, rep, "LIT-004").Status)
}

func TestInvoiceDate(t *testing.T) {
	tests := []struct {
		date string
		want invoice.RuleStatus
	}{
		{"", invoice.RulePass},
		{"2024-06-15", invoice.RulePass},
		{"15/06/2024", invoice.RulePass},
		{"02-Jan-2024", invoice.RulePass},
		{"March 3, 2024", invoice.RulePass},
		{"2024-06-16", invoice.RuleFail},
		{"yesterday", invoice.RuleFail},
		{"31/02/2024", invoice.RuleFail},
	}
	for _, tt := range tests {
		t.Run(tt.date, func(t *testing.T) {
			s := cleanSchema()
			s.InvoiceDate = tt.date
			rep, err := newEngine(nil).Run(context.Background(), Input{Schema: s, OCRConfidence: 1})
			require.NoError(t, err)
			got := byID(t, rep, "INV-003")
			assert.Equal(t, tt.want, got.Status)
			if tt.want == invoice.RuleFail {
				assert.Equal(t, 4, got.Severity)
				assert.Equal(t, 10.0, got.Deduction)
			}
		})
	}
}

func TestDuplicate(t *testing.T) {
	dups := &fakeDups{dup: true}
	rep, err := newEngine(dups).Run(context.Background(), Input{Schema: cleanSchema(), InvoiceID: "inv-1", OCRConfidence: 1})
	require.NoError(t, err)

	got := byID(t, rep, "DUP-001")
	assert.Equal(t, invoice.RuleFail, got.Status)
	assert.Equal(t, 5, got.Severity)
	assert.Equal(t, 80.0, rep.Score)
	assert.Equal(t, []string{"Acme Traders", "INV-100", "2024-05-02", "inv-1"}, dups.gotArgs)
}

func TestDuplicateCheckerError(t *testing.T) {
	rep, err := newEngine(&fakeDups{err: errors.New("db down")}).Run(context.Background(), Input{Schema: cleanSchema(), OCRConfidence: 1})
	require.NoError(t, err)

	got := byID(t, rep, "DUP-001")
	assert.Equal(t, invoice.RuleWarn, got.Status)
	assert.Zero(t, got.Deduction)
	assert.Equal(t, invoice.StatusValidatedFlagged, rep.Status)
	assert.Equal(t, 100.0, rep.Score)
}

func TestRoundNumberAnomaly(t *testing.T) {
	tests := []struct {
		total float64
		want  invoice.RuleStatus
	}{
		{1000, invoice.RulePass},
		{2000, invoice.RuleWarn},
		{15000, invoice.RuleWarn},
		{2000.5, invoice.RulePass},
		{999, invoice.RulePass},
	}
	for _, tt := range tests {
		s := cleanSchema()
		s.LineItems = []invoice.LineItem{{Quantity: 1, UnitPrice: tt.total, Amount: tt.total}}
		s.Totals = invoice.Totals{Subtotal: tt.total, GrandTotal: tt.total}
		rep, err := newEngine(nil).Run(context.Background(), Input{Schema: s, OCRConfidence: 1})
		require.NoError(t, err)
		got := byID(t, rep, "ANM-001")
		assert.Equal(t, tt.want, got.Status, "total %.2f", tt.total)
		if tt.want == invoice.RuleWarn {
			assert.Equal(t, 95.0, rep.Score)
		}
	}
}

func TestProfilesChangeConfidenceFloor(t *testing.T) {
	in := Input{Schema: cleanSchema(), OCRConfidence: 0.8}

	rep, err := newEngine(nil).Run(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, invoice.StatusValidatedClean, rep.Status)
	assert.Equal(t, "standard", rep.Profile)

	in.Profile = "STRICT"
	rep, err = newEngine(nil).Run(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, invoice.StatusValidatedFlagged, rep.Status)
	assert.Equal(t, 97.5, rep.Score)
	assert.Equal(t, "strict", rep.Profile)

	in.Profile = "lenient"
	_, err = newEngine(nil).Run(context.Background(), in)
	assert.Error(t, err)
}

func TestProfileByName(t *testing.T) {
	p, ok := ProfileByName("")
	require.True(t, ok)
	assert.Equal(t, Standard, p)
	assert.Equal(t, []string{"standard", "strict"}, ProfileNames())
}

func TestCatalogCoversEvaluatedRules(t *testing.T) {
	cat := Catalog()
	assert.Len(t, cat, 16)
	seen := map[string]bool{}
	for _, d := range cat {
		assert.False(t, seen[d.RuleID], "duplicate %s", d.RuleID)
		seen[d.RuleID] = true
		assert.True(t, d.Active)
		assert.GreaterOrEqual(t, d.Severity, 1)
		assert.LessOrEqual(t, d.Severity, 5)
	}
	for _, id := range RuleIDs() {
		assert.True(t, seen[id], "%s missing from catalog", id)
	}
}
