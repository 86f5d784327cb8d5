// Package invoice holds the data model shared by the workflow, the agents and
// the storage layer.
package invoice

import "strings"

// Status is the wire-visible lifecycle state of an invoice job.
type Status string

const (
	StatusStart            Status = "START"
	StatusUploaded         Status = "UPLOADED"
	StatusOCRDone          Status = "OCR_DONE"
	StatusMapped           Status = "MAPPED"
	StatusValidatedClean   Status = "VALIDATED_CLEAN"
	StatusValidatedFlagged Status = "VALIDATED_FLAGGED"
	StatusSyncedSuccess    Status = "SYNCED_SUCCESS"
	StatusSummaryGenerated Status = "SUMMARY_GENERATED"

	StatusFailedIngestion Status = "FAILED_INGESTION"
	StatusFailedOCR       Status = "FAILED_OCR"
	StatusFailedMapping   Status = "FAILED_MAPPING"
	StatusFailedSync      Status = "FAILED_SYNC"

	// StatusFailedValidation extends the published status set. It is set
	// only when the rule engine could not run at all; rule failures still
	// yield VALIDATED_FLAGGED. Clients that only know the published values
	// should treat it like any other FAILED_* state, which Failed does.
	StatusFailedValidation Status = "FAILED_VALIDATION"
)

// Failed reports whether s is a failure status. Any status containing
// FAILED counts, including the ones reported by tools themselves.
func (s Status) Failed() bool {
	return strings.Contains(string(s), "FAILED")
}

// Validated reports whether s is one of the two validation outcomes.
func (s Status) Validated() bool {
	return s == StatusValidatedClean || s == StatusValidatedFlagged
}

func (s Status) String() string { return string(s) }

// TargetSystem names the ERP an invoice is pushed to.
type TargetSystem string

const (
	TargetTally      TargetSystem = "TALLY"
	TargetZoho       TargetSystem = "ZOHO"
	TargetQuickBooks TargetSystem = "QUICKBOOKS"
)

// ParseTargetSystem accepts any casing of a known target.
func ParseTargetSystem(s string) (TargetSystem, bool) {
	switch t := TargetSystem(strings.ToUpper(strings.TrimSpace(s))); t {
	case TargetTally, TargetZoho, TargetQuickBooks:
		return t, true
	}
	return "", false
}

// TargetSystems lists the supported ERP targets.
func TargetSystems() []string {
	return []string{string(TargetTally), string(TargetZoho), string(TargetQuickBooks)}
}
