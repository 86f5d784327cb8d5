package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/invoiceflow/internal/ingest"
	"github.com/kalambet/invoiceflow/internal/invoice"
	"github.com/kalambet/invoiceflow/internal/registry"
	"github.com/kalambet/invoiceflow/internal/storage"
)

const maxJobBodySize = 1 << 20

// Records is the read side of the store the ops API serves.
type Records interface {
	GetInvoice(ctx context.Context, invoiceID string) (storage.InvoiceRecord, error)
	ListInvoices(ctx context.Context, limit int) ([]storage.InvoiceRecord, error)
	ListAuditSteps(ctx context.Context, invoiceID string) ([]invoice.AuditStep, error)
	ListRules(ctx context.Context) ([]storage.RuleDefinition, error)
	KPIs(ctx context.Context) (storage.KPIs, error)
}

// Queue is the job queue behind POST /jobs.
type Queue interface {
	ingest.Enqueuer
	GetJob(ctx context.Context, id string) (storage.Job, error)
}

// AgentLister lists registered agents.
type AgentLister interface {
	Agents(ctx context.Context) ([]registry.AgentCard, error)
}

type OpsDeps struct {
	Records  Records
	Queue    Queue
	Agents   AgentLister
	Token    string
	Attempts int // max attempts of queued jobs
	Logger   *slog.Logger
}

// NewOpsHandler serves the operations API. Everything but /health needs
// the bearer token.
func NewOpsHandler(deps OpsDeps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Get("/agents", handleListAgents(deps))
		r.Get("/invoices", handleListInvoices(deps))
		r.Get("/invoices/{id}", handleGetInvoice(deps))
		r.Get("/invoices/{id}/audit", handleAuditTrail(deps))
		r.Get("/rules", handleListRules(deps))
		r.Get("/kpis", handleKPIs(deps))
		r.Post("/jobs", handleEnqueue(deps))
		r.Get("/jobs/{id}", handleGetJob(deps))
	})
	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleListAgents(deps OpsDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cards, err := deps.Agents.Agents(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list agents: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, cards)
	}
}

// InvoiceView is the JSON shape of a stored invoice.
type InvoiceView struct {
	InvoiceID            string               `json:"invoice_id"`
	VendorName           string               `json:"vendor_name"`
	VendorGSTIN          string               `json:"vendor_gstin,omitempty"`
	InvoiceNo            string               `json:"invoice_no"`
	InvoiceDate          string               `json:"invoice_date"`
	GrandTotal           float64              `json:"grand_total"`
	Status               invoice.Status       `json:"status"`
	ValidationStatus     invoice.Status       `json:"validation_status"`
	TargetSystem         string               `json:"target_system"`
	ExtractionConfidence float64              `json:"extraction_confidence"`
	ReliabilityScore     float64              `json:"reliability_score"`
	ProcessingDurationMS int64                `json:"processing_duration_ms"`
	LineItems            []invoice.LineItem   `json:"line_items,omitempty"`
	Results              []invoice.RuleResult `json:"validation_results,omitempty"`
	UpdatedAt            string               `json:"updated_at"`
}

func invoiceView(rec storage.InvoiceRecord) InvoiceView {
	return InvoiceView{
		InvoiceID:            rec.InvoiceID,
		VendorName:           rec.VendorName,
		VendorGSTIN:          rec.VendorGSTIN,
		InvoiceNo:            rec.InvoiceNo,
		InvoiceDate:          rec.InvoiceDate,
		GrandTotal:           rec.GrandTotal,
		Status:               rec.Status,
		ValidationStatus:     rec.ValidationStatus,
		TargetSystem:         rec.TargetSystem,
		ExtractionConfidence: rec.ExtractionConfidence,
		ReliabilityScore:     rec.ReliabilityScore,
		ProcessingDurationMS: rec.ProcessingDurationMS,
		LineItems:            rec.LineItems,
		Results:              rec.Results,
		UpdatedAt:            rec.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func handleListInvoices(deps OpsDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 50, 500)
		recs, err := deps.Records.ListInvoices(r.Context(), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list invoices: %v", err)
			return
		}
		out := make([]InvoiceView, len(recs))
		for i, rec := range recs {
			out[i] = invoiceView(rec)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleGetInvoice(deps OpsDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		rec, err := deps.Records.GetInvoice(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "invoice %s not found", id)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get invoice: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, invoiceView(rec))
	}
}

func handleAuditTrail(deps OpsDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		steps, err := deps.Records.ListAuditSteps(r.Context(), id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load audit trail: %v", err)
			return
		}
		if len(steps) == 0 {
			httpError(w, http.StatusNotFound, "not_found", "no audit trail for invoice %s", id)
			return
		}
		writeJSON(w, http.StatusOK, steps)
	}
}

func handleListRules(deps OpsDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defs, err := deps.Records.ListRules(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list rules: %v", err)
			return
		}
		type ruleView struct {
			RuleID      string `json:"rule_id"`
			Category    string `json:"category"`
			Description string `json:"description"`
			Severity    int    `json:"severity"`
			Active      bool   `json:"active"`
		}
		out := make([]ruleView, len(defs))
		for i, d := range defs {
			out[i] = ruleView{d.RuleID, d.Category, d.Description, d.Severity, d.Active}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleKPIs(deps OpsDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		k, err := deps.Records.KPIs(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to compute kpis: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, k)
	}
}

func handleEnqueue(deps OpsDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxJobBodySize)
		defer r.Body.Close()

		var p ingest.Payload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if p.UserID == "" {
			p.UserID = Operator(r.Context())
		}
		id, err := ingest.Enqueue(r.Context(), deps.Queue, p, deps.Attempts)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		deps.Logger.Info("job queued", "job_id", id, "source", p.SourcePath, "user_id", p.UserID)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "job_id": id})
	}
}

func handleGetJob(deps OpsDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		j, err := deps.Queue.GetJob(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "job %s not found", id)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get job: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"job_id":     j.ID,
			"status":     j.Status,
			"attempts":   j.Attempts,
			"last_error": j.LastError,
			"updated_at": j.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
