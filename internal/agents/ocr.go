package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/kalambet/invoiceflow/internal/dispatch"
	"github.com/kalambet/invoiceflow/internal/invoice"
	"github.com/kalambet/invoiceflow/internal/ocr"
	"github.com/kalambet/invoiceflow/internal/registry"
)

// Resolver extracts text from a document.
type Resolver interface {
	Resolve(ctx context.Context, path, ext string) invoice.OCRResult
}

// OCRServer runs the OCR cascade.
type OCRServer struct {
	resolver Resolver
	logger   *slog.Logger
}

func NewOCRServer(resolver Resolver, logger *slog.Logger) *OCRServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &OCRServer{resolver: resolver, logger: logger}
}

func (s *OCRServer) Card() registry.AgentCard {
	return registry.AgentCard{
		AgentID:     OCRAgentID,
		Description: "Extracts text and tables from invoice documents with a file-type aware OCR cascade.",
		Tools: []registry.ToolDefinition{{
			ToolID:      ToolExtractText,
			Capability:  CapabilityOCR,
			Description: "Extracts page text and tables from a PDF, DOCX or image file (" + strings.Join(ocr.SupportedExtensions(), ", ") + ").",
			Parameters: map[string]registry.Param{
				"invoice_id":     {Type: "string", Optional: true},
				"file_path":      {Type: "string", Description: "Path of the stored document."},
				"file_extension": {Type: "string", Description: "Extension without the dot; unsupported values fail with FAILED_OCR."},
				"user_id":        {Type: "string", Optional: true},
			},
		}},
	}
}

func (s *OCRServer) Handlers() map[string]dispatch.Handler {
	return map[string]dispatch.Handler{ToolExtractText: async(s.extract)}
}

func (s *OCRServer) extract(ctx context.Context, raw json.RawMessage) dispatch.Result {
	var args OCRArgs
	if res, ok := decode(raw, &args); !ok {
		return res
	}
	if _, err := os.Stat(args.FilePath); err != nil {
		return dispatch.Fail(string(invoice.StatusFailedOCR), fmt.Errorf("File not found: %s", args.FilePath))
	}

	res := s.resolver.Resolve(ctx, args.FilePath, args.FileExtension)
	if res.Status != invoice.StatusOCRDone {
		reason := "ocr failed"
		for _, key := range []string{"error", "pdf_error", "docx_error", "final_status"} {
			if v := res.RawEngineTrace[key]; v != "" {
				reason = v
				break
			}
		}
		s.logger.Info("ocr failed", "invoice_id", args.InvoiceID, "reason", reason)
		return dispatch.FailWith(string(invoice.StatusFailedOCR), errors.New(reason), res)
	}
	s.logger.Debug("ocr done", "invoice_id", args.InvoiceID, "confidence", res.AvgConfidence, "engine", res.RawEngineTrace["engine"])
	return dispatch.OK(string(invoice.StatusOCRDone), res)
}
