package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kalambet/invoiceflow/internal/invoice"
	"github.com/kalambet/invoiceflow/internal/registry"
	"github.com/kalambet/invoiceflow/internal/storage"
	"github.com/kalambet/invoiceflow/internal/validation"
)

const testToken = "test-token-12345"

func setupOpsHandler(t *testing.T, token string) (http.Handler, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	handler := NewOpsHandler(OpsDeps{
		Records:  store,
		Queue:    store,
		Agents:   registry.New(store, nil),
		Token:    token,
		Attempts: 3,
	})
	return handler, store
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func saveRecord(t *testing.T, store *storage.Store, id, no string) {
	t.Helper()
	err := store.SaveValidatedRecord(context.Background(), storage.InvoiceRecord{
		InvoiceID:        id,
		VendorName:       "Acme Traders",
		InvoiceNo:        no,
		InvoiceDate:      "2024-05-02",
		GrandTotal:       590,
		Status:           invoice.StatusValidatedClean,
		ValidationStatus: invoice.StatusValidatedClean,
		TargetSystem:     "TALLY",
		LineItems: []invoice.LineItem{
			{Description: "Widget", Quantity: 2, UnitPrice: 250, TaxPercent: 18, Amount: 500},
		},
	})
	if err != nil {
		t.Fatalf("saving record: %v", err)
	}
}

func TestOps_HealthIsPublic(t *testing.T) {
	h, _ := setupOpsHandler(t, testToken)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/health", "", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestOps_RequiresToken(t *testing.T) {
	h, _ := setupOpsHandler(t, testToken)

	for _, tok := range []string{"", "wrong-token"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, authReq(http.MethodGet, "/kpis", "", tok))
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("token %q: expected 401, got %d", tok, rr.Code)
		}
	}
}

func TestOps_EmptyConfiguredTokenRejects(t *testing.T) {
	h, _ := setupOpsHandler(t, "")

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/kpis", nil)
	req.Header.Set("Authorization", "Bearer ")
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestOps_Invoices(t *testing.T) {
	h, store := setupOpsHandler(t, testToken)
	saveRecord(t, store, "inv-1", "INV-1")
	saveRecord(t, store, "inv-2", "INV-2")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/invoices?limit=1", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var list []InvoiceView
	if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil {
		t.Fatalf("decoding list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected limit to apply, got %d invoices", len(list))
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/invoices/inv-2", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var v InvoiceView
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding invoice: %v", err)
	}
	if v.InvoiceNo != "INV-2" || v.GrandTotal != 590 || len(v.LineItems) != 1 {
		t.Fatalf("unexpected invoice: %+v", v)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/invoices/nope", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestOps_AuditTrail(t *testing.T) {
	h, store := setupOpsHandler(t, testToken)
	err := store.SaveAuditStep(context.Background(), invoice.AuditStep{
		InvoiceID:  "inv-1",
		FromStatus: invoice.StatusStart,
		ToStatus:   invoice.StatusUploaded,
		Meta:       json.RawMessage(`{"storage_path":"uploads/inv-1.pdf"}`),
	})
	if err != nil {
		t.Fatalf("saving audit step: %v", err)
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/invoices/inv-1/audit", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "uploads/inv-1.pdf") {
		t.Fatalf("expected meta in trail, got %s", rr.Body.String())
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/invoices/other/audit", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for empty trail, got %d", rr.Code)
	}
}

func TestOps_RulesAndKPIs(t *testing.T) {
	h, store := setupOpsHandler(t, testToken)
	if _, err := store.SeedRules(context.Background(), validation.Catalog()); err != nil {
		t.Fatalf("seeding rules: %v", err)
	}
	saveRecord(t, store, "inv-1", "INV-1")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/rules", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var rules []map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &rules); err != nil {
		t.Fatalf("decoding rules: %v", err)
	}
	if len(rules) != len(validation.Catalog()) {
		t.Fatalf("expected %d rules, got %d", len(validation.Catalog()), len(rules))
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/kpis", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var k storage.KPIs
	if err := json.Unmarshal(rr.Body.Bytes(), &k); err != nil {
		t.Fatalf("decoding kpis: %v", err)
	}
	if k.TotalInvoices != 1 {
		t.Fatalf("expected 1 invoice, got %d", k.TotalInvoices)
	}
}

func TestOps_EnqueueAndGetJob(t *testing.T) {
	h, store := setupOpsHandler(t, testToken)

	body := `{"user_id":"u1","source_file_path":"/tmp/inv.pdf","target_system":"ZOHO"}`
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/jobs", body, testToken))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp["status"] != "queued" || resp["job_id"] == "" {
		t.Fatalf("unexpected response: %v", resp)
	}

	job, err := store.GetJob(context.Background(), resp["job_id"])
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.MaxAttempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", job.MaxAttempts)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/jobs/"+resp["job_id"], "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"status":"pending"`) {
		t.Fatalf("expected pending job, got %s", rr.Body.String())
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/jobs/missing", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestOps_EnqueueDefaultsUserToOperator(t *testing.T) {
	h, store := setupOpsHandler(t, testToken)

	for _, tc := range []struct {
		header string
		want   string
	}{
		{"", "api"},
		{"ops@acme", "ops@acme"},
	} {
		req := authReq(http.MethodPost, "/jobs", `{"source_file_path":"/tmp/inv.pdf","target_system":"TALLY"}`, testToken)
		if tc.header != "" {
			req.Header.Set(OperatorHeader, tc.header)
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusAccepted {
			t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
		}
		var resp map[string]string
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decoding response: %v", err)
		}
		job, err := store.GetJob(context.Background(), resp["job_id"])
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if !strings.Contains(job.PayloadJSON, `"user_id":"`+tc.want+`"`) {
			t.Errorf("header %q: payload %s, want user %s", tc.header, job.PayloadJSON, tc.want)
		}
	}
}

func TestOps_UnauthorizedAdvertisesScheme(t *testing.T) {
	h, _ := setupOpsHandler(t, testToken)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/kpis", "", "nope"))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if got := rr.Header().Get("WWW-Authenticate"); !strings.HasPrefix(got, "Bearer") {
		t.Errorf("WWW-Authenticate = %q", got)
	}
}

func TestOps_EnqueueRejectsBadPayload(t *testing.T) {
	h, _ := setupOpsHandler(t, testToken)

	for _, body := range []string{
		`not json`,
		`{"source_file_path":"/tmp/inv.pdf","target_system":"SAP"}`,
		`{"target_system":"TALLY"}`,
	} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, authReq(http.MethodPost, "/jobs", body, testToken))
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("body %s: expected 400, got %d", body, rr.Code)
		}
	}
}

func TestOps_Agents(t *testing.T) {
	h, store := setupOpsHandler(t, testToken)
	reg := registry.New(store, nil)
	if res := reg.Register(context.Background(), newEchoAgent("com.test.echo").Card()); res.Status != registry.StatusRegistered {
		t.Fatalf("register: %+v", res)
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/agents", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "com.test.echo") {
		t.Fatalf("expected registered agent, got %s", rr.Body.String())
	}
}
