// Package integration turns a validated invoice into the payload a target
// ERP imports. Payloads are generated and persisted, not pushed.
package integration

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kalambet/invoiceflow/internal/invoice"
)

// SyncThreshold is the minimum reliability score for a sync. It is a
// business rule and not configurable.
const SyncThreshold = 75.0

var (
	// ErrBelowThreshold is returned when the reliability score is under SyncThreshold.
	ErrBelowThreshold = errors.New("reliability score below sync threshold")
	// ErrUnsupportedTarget is returned for an unknown target system.
	ErrUnsupportedTarget = errors.New("target system not supported")
)

// Content types of generated payloads.
const (
	ContentTypeJSON = "application/json"
	ContentTypeXML  = "application/xml"
)

// Payload is a generated ERP document.
type Payload struct {
	TargetSystem invoice.TargetSystem `json:"target_system"`
	ContentType  string               `json:"content_type"`
	Body         []byte               `json:"-"`
	ERPInvoiceID string               `json:"erp_invoice_id"`
}

// Preview returns at most n bytes of the body for logs and audit meta.
func (p Payload) Preview(n int) string {
	if len(p.Body) <= n {
		return string(p.Body)
	}
	return string(p.Body[:n]) + "..."
}

// Generate builds the payload for target. invoiceID is only used to derive
// the ERP-side reference.
func Generate(invoiceID string, s invoice.Schema, target invoice.TargetSystem, score float64) (Payload, error) {
	if score < SyncThreshold {
		return Payload{}, fmt.Errorf("score %.2f < %.0f: %w", score, SyncThreshold, ErrBelowThreshold)
	}
	p := Payload{TargetSystem: target, ERPInvoiceID: "erp-" + invoiceID}

	var err error
	switch target {
	case invoice.TargetZoho, invoice.TargetQuickBooks:
		p.ContentType = ContentTypeJSON
		p.Body, err = json.MarshalIndent(jsonPayload(s), "", "  ")
	case invoice.TargetTally:
		p.ContentType = ContentTypeXML
		p.Body, err = tallyPayload(s)
	default:
		return Payload{}, fmt.Errorf("%q: %w", target, ErrUnsupportedTarget)
	}
	if err != nil {
		return Payload{}, fmt.Errorf("encoding %s payload: %w", target, err)
	}
	return p, nil
}

// JSONInvoice is the document accepted by the JSON ERPs (Zoho Books, QuickBooks).
type JSONInvoice struct {
	CustomerName  string         `json:"customer_name"`
	InvoiceNumber string         `json:"invoice_number"`
	Date          string         `json:"date"`
	LineItems     []JSONLineItem `json:"line_items"`
	Total         float64        `json:"total"`
}

type JSONLineItem struct {
	ItemID   string  `json:"item_id"`
	Name     string  `json:"name"`
	Rate     float64 `json:"rate"`
	Quantity float64 `json:"quantity"`
}

func jsonPayload(s invoice.Schema) JSONInvoice {
	out := JSONInvoice{
		CustomerName:  s.Vendor.Name,
		InvoiceNumber: s.InvoiceNumber,
		Date:          s.InvoiceDate,
		LineItems:     make([]JSONLineItem, 0, len(s.LineItems)),
		Total:         s.Totals.GrandTotal,
	}
	if out.CustomerName == "" {
		out.CustomerName = "Unknown"
	}
	for i, item := range s.LineItems {
		out.LineItems = append(out.LineItems, JSONLineItem{
			ItemID:   fmt.Sprintf("item_%d", i+1),
			Name:     item.Description,
			Rate:     item.UnitPrice,
			Quantity: item.Quantity,
		})
	}
	return out
}
