package ocr

import (
	"regexp"
	"strings"
)

var (
	reDate    = regexp.MustCompile(`\b(\d{1,2}[-/.]\d{1,2}[-/.]\d{2,4}|\d{4}[-/.]\d{1,2}[-/.]\d{1,2})\b`)
	reCurr    = regexp.MustCompile(`\b(inr|rs\.?|usd|eur|gbp)\b|[₹$£€]`)
	reAmount  = regexp.MustCompile(`\b\d{1,3}(,\d{2,3})*\.\d{2}\b|\b\d+\.\d{2}\b`)
	reInvoice = regexp.MustCompile(`\b(invoice|bill|gstin|total|tax)\b`)
)

// heuristicConfidence scores text by the invoice artifacts it contains,
// for engines that report no confidence of their own.
func heuristicConfidence(txt string) float64 {
	l := strings.ToLower(txt)
	score := 0.2
	if reDate.MatchString(l) {
		score += 0.2
	}
	if reCurr.MatchString(l) {
		score += 0.15
	}
	if reAmount.MatchString(l) {
		score += 0.15
	}
	if reInvoice.MatchString(l) {
		score += 0.1
	}
	if len(txt) > 120 {
		score += 0.1
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}
