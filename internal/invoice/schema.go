package invoice

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Party is a vendor or customer block on an invoice.
type Party struct {
	Name    string `json:"name"`
	GSTIN   string `json:"gstin,omitempty"`
	PAN     string `json:"pan,omitempty"`
	Address string `json:"address,omitempty"`
}

// LineItem is one billed line.
type LineItem struct {
	Description string  `json:"description"`
	Quantity    float64 `json:"quantity"`
	UnitPrice   float64 `json:"unitPrice"`
	TaxPercent  float64 `json:"taxPercent"`
	Amount      float64 `json:"amount"`
}

// Totals holds the declared invoice totals.
type Totals struct {
	Subtotal   float64 `json:"subtotal"`
	GSTAmount  float64 `json:"gstAmount"`
	RoundOff   float64 `json:"roundOff"`
	GrandTotal float64 `json:"grandTotal"`
}

// PaymentDetails describes how and whether the invoice was paid.
type PaymentDetails struct {
	Mode      string `json:"mode,omitempty"`
	Reference string `json:"reference,omitempty"`
	Status    string `json:"status,omitempty"` // Paid, Unpaid or Partial
}

// Schema is the canonical mapped invoice.
type Schema struct {
	InvoiceNumber  string          `json:"invoiceNumber"`
	InvoiceDate    string          `json:"invoiceDate"`
	DueDate        string          `json:"dueDate,omitempty"`
	Vendor         Party           `json:"vendor"`
	Customer       Party           `json:"customer"`
	LineItems      []LineItem      `json:"lineItems"`
	Totals         Totals          `json:"totals"`
	PaymentDetails *PaymentDetails `json:"paymentDetails,omitempty"`
}

// SchemaDocument is the JSON Schema every mapped invoice must satisfy.
var SchemaDocument = map[string]any{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type":    "object",
	"required": []any{
		"invoiceNumber", "invoiceDate", "vendor", "lineItems", "totals",
	},
	"properties": map[string]any{
		"invoiceNumber": map[string]any{"type": "string"},
		"invoiceDate":   map[string]any{"type": "string"},
		"dueDate":       map[string]any{"type": []any{"string", "null"}},
		"vendor":        partySchema(),
		"customer":      partySchema(),
		"lineItems": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":     "object",
				"required": []any{"description", "quantity", "unitPrice", "amount"},
				"properties": map[string]any{
					"description": map[string]any{"type": "string"},
					"quantity":    map[string]any{"type": "number"},
					"unitPrice":   map[string]any{"type": "number"},
					"taxPercent":  map[string]any{"type": "number"},
					"amount":      map[string]any{"type": "number"},
				},
			},
		},
		"totals": map[string]any{
			"type":     "object",
			"required": []any{"subtotal", "grandTotal"},
			"properties": map[string]any{
				"subtotal":   map[string]any{"type": "number"},
				"gstAmount":  map[string]any{"type": "number"},
				"roundOff":   map[string]any{"type": "number"},
				"grandTotal": map[string]any{"type": "number"},
			},
		},
		"paymentDetails": map[string]any{
			"type": []any{"object", "null"},
			"properties": map[string]any{
				"mode":      map[string]any{"type": []any{"string", "null"}},
				"reference": map[string]any{"type": []any{"string", "null"}},
				"status": map[string]any{
					"enum": []any{"Paid", "Unpaid", "Partial", "", nil},
				},
			},
		},
	},
}

func partySchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"name"},
		"properties": map[string]any{
			"name":    map[string]any{"type": "string"},
			"gstin":   map[string]any{"type": []any{"string", "null"}},
			"pan":     map[string]any{"type": []any{"string", "null"}},
			"address": map[string]any{"type": []any{"string", "null"}},
		},
	}
}

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	return CompileSchema(SchemaDocument)
})

// CompileSchema compiles a JSON Schema given as a Go value.
func CompileSchema(doc map[string]any) (*jsonschema.Schema, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// ValidateJSON checks raw JSON against SchemaDocument.
func ValidateJSON(data []byte) error {
	schema, err := compiledSchema()
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("unmarshal data: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("json does not match schema: %w", err)
	}
	return nil
}

// ParseSchema validates raw JSON and decodes it into a Schema.
func ParseSchema(data []byte) (Schema, error) {
	if err := ValidateJSON(data); err != nil {
		return Schema{}, err
	}
	var s Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return Schema{}, fmt.Errorf("decoding schema: %w", err)
	}
	return s, nil
}

// Validate checks a typed schema against SchemaDocument.
func (s Schema) Validate() error {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	return ValidateJSON(b)
}
