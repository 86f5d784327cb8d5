package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/invoiceflow/internal/config"
	"github.com/kalambet/invoiceflow/internal/invoice"
	"github.com/kalambet/invoiceflow/internal/registry"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	var cfg config.Config
	cfg.Storage.Driver = "sqlite"
	cfg.Storage.DataDir = dir
	cfg.Storage.UploadsDir = filepath.Join(dir, "uploads")
	cfg.Dispatch.Timeout = "10s"
	cfg.Ingest.PollInterval = "100ms"
	cfg.Ingest.Concurrency = 2
	cfg.Validation.Profile = "standard"
	cfg.Mapper = config.LLMConfig{Provider: "ollama", Model: "llama3.1"}
	cfg.Summary = config.LLMConfig{Provider: "ollama", Model: "llama3.1"}
	cfg.Ollama.BaseURL = "http://127.0.0.1:1"
	return cfg
}

func TestEnqueueRequest(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /jobs": `{"status":"queued","job_id":"job-123"}`,
	})

	resp, err := ts.client().post(ctx, "/jobs", map[string]any{
		"user_id":          "u1",
		"source_file_path": "/tmp/inv.pdf",
		"target_system":    "TALLY",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var result map[string]string
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if result["job_id"] != "job-123" {
		t.Errorf("job_id = %q, want job-123", result["job_id"])
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["source_file_path"] != "/tmp/inv.pdf" {
		t.Errorf("body.source_file_path = %v", body["source_file_path"])
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := ts.client().get(ctx, "/invoices/missing/audit")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var out any
	err = decodeJSON(resp, &out)
	if err == nil {
		t.Fatal("expected error for 404")
	}
	if !strings.Contains(err.Error(), "404") {
		t.Errorf("error = %q, want it to mention 404", err)
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	if got := colorize(colorRed, "x"); got != "x" {
		t.Errorf("colorize with noColor = %q, want plain", got)
	}
	noColor = false
	if got := colorize(colorRed, "x"); got != colorRed+"x"+colorReset {
		t.Errorf("colorize = %q, want colored", got)
	}
}

func TestStatusColor(t *testing.T) {
	tests := map[string]string{
		"FAILED_OCR":        colorRed,
		"VALIDATED_FLAGGED": colorYellow,
		"SYNCED_SUCCESS":    colorGreen,
	}
	for status, want := range tests {
		if got := statusColor(status); got != want {
			t.Errorf("statusColor(%s) = %q, want %q", status, got, want)
		}
	}
}

func TestProcessRequiresFile(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"process"})
	if err := rootCmd.Execute(); err == nil {
		t.Fatal("expected error when no file is given")
	}
}

func TestAgentsRegisterRequiresFile(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"agents", "register"})
	err := rootCmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "--file") {
		t.Fatalf("expected --file error, got %v", err)
	}
}

func TestRootCommands(t *testing.T) {
	want := []string{"serve", "status", "process", "batch", "enqueue", "worker", "agents", "rules", "audit", "kpis", "export", "config"}
	have := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		have[c.Name()] = true
	}
	for _, name := range want {
		if !have[name] {
			t.Errorf("missing command %q", name)
		}
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" en, th ,,")
	if len(got) != 2 || got[0] != "en" || got[1] != "th" {
		t.Errorf("splitList = %v", got)
	}
	if splitList("") != nil {
		t.Error("splitList(\"\") should be nil")
	}
}

func TestOllamaModels(t *testing.T) {
	cfg := testConfig(t)
	cfg.Summary = config.LLMConfig{Provider: "anthropic", Model: "claude-x", APIKey: "k"}

	got := ollamaModels(cfg)
	if len(got) != 1 || got[0] != "llama3.1" {
		t.Errorf("ollamaModels = %v, want [llama3.1]", got)
	}
}

func TestBuildApp(t *testing.T) {
	cfg := testConfig(t)
	a, err := buildApp(ctx, cfg, slog.Default())
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}
	defer a.Close()

	cards, err := a.registry.Agents(ctx)
	if err != nil {
		t.Fatalf("listing agents: %v", err)
	}
	if len(cards) != 6 {
		t.Errorf("expected 6 registered agents, got %d", len(cards))
	}
	rules, err := a.store.ListRules(ctx)
	if err != nil {
		t.Fatalf("listing rules: %v", err)
	}
	if len(rules) == 0 {
		t.Error("expected the rule catalog to be seeded")
	}

	job, err := a.workflow.Run(ctx, invoice.Job{
		UserID:       "u1",
		SourcePath:   filepath.Join(t.TempDir(), "missing.pdf"),
		TargetSystem: invoice.TargetTally,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if job.Status != invoice.StatusFailedIngestion {
		t.Fatalf("status = %s, want FAILED_INGESTION", job.Status)
	}
	steps, err := a.store.ListAuditSteps(ctx, job.InvoiceID)
	if err != nil {
		t.Fatalf("audit trail: %v", err)
	}
	if len(steps) != 1 || steps[0].ToStatus != invoice.StatusFailedIngestion {
		t.Fatalf("unexpected audit trail: %+v", steps)
	}
}

func TestBuildAppRejectsUnknownProfile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Validation.Profile = "lenient"

	if _, err := buildApp(ctx, cfg, slog.Default()); err == nil {
		t.Fatal("expected error for unknown profile")
	}
}

func TestBuildAppRejectsUnconfiguredLLM(t *testing.T) {
	cfg := testConfig(t)
	cfg.Mapper = config.LLMConfig{Provider: "openai", Model: "gpt-4o"}

	if _, err := buildApp(ctx, cfg, slog.Default()); err == nil {
		t.Fatal("expected error for openai without api key")
	}
}

type countingHeartbeater struct {
	mu    sync.Mutex
	beats map[string]int
}

func (h *countingHeartbeater) Heartbeat(_ context.Context, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.beats[id]++
	return nil
}

func (h *countingHeartbeater) count(id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.beats[id]
}

func TestHeartbeatLoop(t *testing.T) {
	hb := &countingHeartbeater{beats: map[string]int{}}
	cards := []registry.AgentCard{{AgentID: "com.invoice.ocr"}, {AgentID: "com.invoice.mapper"}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		heartbeatLoop(ctx, hb, cards, 5*time.Millisecond, slog.Default())
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for hb.count("com.invoice.mapper") < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if hb.count("com.invoice.ocr") < 2 || hb.count("com.invoice.mapper") < 2 {
		t.Errorf("beats = %v, want at least 2 per agent", hb.beats)
	}
}
