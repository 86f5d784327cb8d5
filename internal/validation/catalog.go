package validation

import "github.com/kalambet/invoiceflow/internal/storage"

// Catalog is the full rule catalog seeded into storage. Only the rules in
// RuleIDs are evaluated; the rest are documented for reviewers.
func Catalog() []storage.RuleDefinition {
	return []storage.RuleDefinition{
		{RuleID: "DOC-001", Category: "Document Integrity", Description: "File is readable and not corrupted.", Severity: 4, Active: true},
		{RuleID: "DOC-002", Category: "Document Integrity", Description: "OCR confidence threshold met.", Severity: 3, Active: true},
		{RuleID: "VND-001", Category: "Vendor Validation", Description: "Vendor name is extracted.", Severity: 5, Active: true},
		{RuleID: "VND-002", Category: "Vendor Validation", Description: "GSTIN / Tax ID format is valid.", Severity: 4, Active: true},
		{RuleID: "INV-001", Category: "Invoice Header", Description: "Invoice number exists.", Severity: 5, Active: true},
		{RuleID: "INV-002", Category: "Invoice Header", Description: "Invoice number is unique.", Severity: 5, Active: true},
		{RuleID: "INV-003", Category: "Invoice Header", Description: "Invoice date is valid (not in future).", Severity: 4, Active: true},
		{RuleID: "LIT-001", Category: "Line Items", Description: "At least one line item exists.", Severity: 5, Active: true},
		{RuleID: "LIT-004", Category: "Line Items", Description: "Amount = qty × unit_price for each item.", Severity: 5, Active: true},
		{RuleID: "TAX-002", Category: "Tax", Description: "Intra/inter-state tax logic is correct.", Severity: 4, Active: true},
		{RuleID: "TAX-003", Category: "Tax", Description: "GST value calculation is correct.", Severity: 4, Active: true},
		{RuleID: "TTL-001", Category: "Totals", Description: "Subtotal matches sum of line items.", Severity: 5, Active: true},
		{RuleID: "TTL-003", Category: "Totals", Description: "Grand total matches subtotal + taxes ± round-off.", Severity: 5, Active: true},
		{RuleID: "DUP-001", Category: "Duplicate Detection", Description: "Duplicate invoice number for the same vendor.", Severity: 5, Active: true},
		{RuleID: "ANM-001", Category: "Anomaly Detection", Description: "Suspicious round values detected.", Severity: 2, Active: true},
		{RuleID: "ANM-004", Category: "Anomaly Detection", Description: "Low OCR confidence.", Severity: 3, Active: true},
	}
}
