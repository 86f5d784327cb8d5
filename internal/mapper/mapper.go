// Package mapper maps OCR text to the canonical invoice schema with an LLM.
package mapper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/invoiceflow/internal/invoice"
	"github.com/kalambet/invoiceflow/internal/llm"
)

// SystemPrompt is sent as the system message of every mapping request.
const SystemPrompt = "You are a data extraction expert."

var (
	ErrEmptyText     = errors.New("no text to map")
	ErrInvalidOutput = errors.New("model output is not a valid invoice")
)

const promptTemplate = `Map the OCR text of an invoice below to this JSON structure. Use null for any field that is not present in the text. Amounts and quantities are plain numbers without currency symbols or thousands separators.

{
  "invoiceNumber": string,
  "invoiceDate": string,
  "dueDate": string | null,
  "vendor": {"name": string, "gstin": string | null, "pan": string | null, "address": string | null},
  "customer": {"name": string | null, "address": string | null},
  "lineItems": [{"description": string, "quantity": number, "unitPrice": number, "taxPercent": number, "amount": number}],
  "totals": {"subtotal": number, "gstAmount": number, "roundOff": number | null, "grandTotal": number},
  "paymentDetails": {"mode": string | null, "reference": string | null, "status": "Paid" | "Unpaid" | "Partial" | null}
}

The invoice will be posted to %s. Return only the JSON object.

OCR text:
%s`

// Mapper is safe for concurrent use.
type Mapper struct {
	chat   llm.Chatter
	logger *slog.Logger
}

func New(chat llm.Chatter, logger *slog.Logger) *Mapper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mapper{chat: chat, logger: logger}
}

// Map asks the model for the schema, then validates and decodes the reply.
// The returned JSON is the cleaned reply that passed validation.
func (m *Mapper) Map(ctx context.Context, text string, target invoice.TargetSystem) (invoice.Schema, json.RawMessage, error) {
	if strings.TrimSpace(text) == "" {
		return invoice.Schema{}, nil, ErrEmptyText
	}
	start := time.Now()
	reply, err := m.chat.Chat(ctx, llm.Request{
		System:      SystemPrompt,
		Prompt:      fmt.Sprintf(promptTemplate, target, text),
		Schema:      invoice.SchemaDocument,
		Temperature: 0,
	})
	if err != nil {
		return invoice.Schema{}, nil, fmt.Errorf("llm: %w", err)
	}
	m.logger.Debug("mapping reply received", "target", target, "duration_ms", time.Since(start).Milliseconds(), "bytes", len(reply))

	raw, err := Clean(reply)
	if err != nil {
		return invoice.Schema{}, nil, err
	}
	s, err := invoice.ParseSchema(raw)
	if err != nil {
		return invoice.Schema{}, nil, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	return s, raw, nil
}

// Clean strips code fences and drops null members, so that a field the
// model reported as missing is treated as absent. Objects left empty are
// dropped too.
func Clean(reply string) (json.RawMessage, error) {
	var v any
	if err := json.Unmarshal([]byte(llm.StripCodeFences(reply)), &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: reply is not a JSON object", ErrInvalidOutput)
	}
	out, err := json.Marshal(dropNulls(obj))
	if err != nil {
		return nil, err
	}
	return out, nil
}

func dropNulls(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			if val == nil {
				delete(t, k)
				continue
			}
			cleaned := dropNulls(val)
			if m, ok := cleaned.(map[string]any); ok && len(m) == 0 {
				delete(t, k)
				continue
			}
			t[k] = cleaned
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = dropNulls(val)
		}
		return t
	}
	return v
}
