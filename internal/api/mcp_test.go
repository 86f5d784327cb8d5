package api

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/invoiceflow/internal/dispatch"
	"github.com/kalambet/invoiceflow/internal/invoice"
	"github.com/kalambet/invoiceflow/internal/registry"
	"github.com/kalambet/invoiceflow/internal/storage"
)

// --- mocks ---

type fakeAgent struct {
	card     registry.AgentCard
	handlers map[string]dispatch.Handler
}

func (f fakeAgent) Card() registry.AgentCard              { return f.card }
func (f fakeAgent) Handlers() map[string]dispatch.Handler { return f.handlers }

func newEchoAgent(agentID string) fakeAgent {
	return fakeAgent{
		card: registry.AgentCard{
			AgentID:     agentID,
			Description: "echo",
			Tools: []registry.ToolDefinition{
				{
					ToolID:      "echo/run",
					Capability:  "CAPABILITY_ECHO",
					Description: "Echo the text back",
					Parameters: map[string]registry.Param{
						"text":  {Type: "string", Description: "text to echo"},
						"times": {Type: "number", Optional: true, Default: 1.0},
						"mode":  {Type: "string", Optional: true, Enum: []string{"plain", "loud"}},
					},
				},
				{ToolID: "echo/fail", Capability: "CAPABILITY_FAIL", Description: "Always fails"},
			},
		},
		handlers: map[string]dispatch.Handler{
			"echo/run": dispatch.HandlerFunc(func(_ context.Context, args json.RawMessage) dispatch.Result {
				var a struct {
					Text string `json:"text"`
				}
				if err := json.Unmarshal(args, &a); err != nil {
					return dispatch.Errorf("decode: %v", err)
				}
				return dispatch.OK("ECHOED", a)
			}),
			"echo/fail": dispatch.HandlerFunc(func(context.Context, json.RawMessage) dispatch.Result {
				return dispatch.Fail("FAILED_ECHO", errors.New("nothing to echo"))
			}),
		},
	}
}

type mockRunner struct {
	job invoice.Job
	err error
	got invoice.Job
}

func (m *mockRunner) Run(_ context.Context, job invoice.Job) (invoice.Job, error) {
	m.got = job
	if m.job.Status == "" {
		m.job = job
		m.job.Status = invoice.StatusSummaryGenerated
	}
	return m.job, m.err
}

// --- helpers ---

func newTestMCPDeps(t *testing.T) (MCPDeps, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	d := dispatch.New(time.Second, nil)
	agent := newEchoAgent("com.test.echo")
	if err := d.Mount(agent); err != nil {
		t.Fatalf("mounting agent: %v", err)
	}
	reg := registry.New(store, nil)
	if res := reg.Register(context.Background(), agent.Card()); res.Status != registry.StatusRegistered {
		t.Fatalf("registering agent: %+v", res)
	}
	return MCPDeps{Tools: d, Agents: reg, Store: store}, store
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func makeReadResourceRequest(uri string) mcp.ReadResourceRequest {
	return mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: uri,
		},
	}
}

func mountedTool(t *testing.T, deps MCPDeps, toolID string) dispatch.MountedTool {
	t.Helper()
	for _, mt := range deps.Tools.Tools() {
		if mt.Tool.ToolID == toolID {
			return mt
		}
	}
	t.Fatalf("tool %s not mounted", toolID)
	return dispatch.MountedTool{}
}

// --- tests ---

func TestAgentToolNames(t *testing.T) {
	tools := []dispatch.MountedTool{
		{AgentID: "com.a", Tool: registry.ToolDefinition{ToolID: "ocr/extract_text"}},
		{AgentID: "com.a", Tool: registry.ToolDefinition{ToolID: "shared/run"}},
		{AgentID: "com.b", Tool: registry.ToolDefinition{ToolID: "shared/run"}},
	}
	got := agentTools(tools)
	if len(got) != 3 {
		t.Fatalf("expected 3 names, got %d: %v", len(got), got)
	}
	if mt, ok := got["ocr_extract_text"]; !ok || mt.AgentID != "com.a" {
		t.Fatalf("expected ocr_extract_text for com.a, got %+v", got)
	}
	if mt, ok := got["com_b_shared_run"]; !ok || mt.AgentID != "com.b" {
		t.Fatalf("expected qualified name for colliding tool, got %+v", got)
	}
	if _, ok := got["shared_run"]; ok {
		t.Fatal("colliding tool should not keep its bare name")
	}
}

func TestMCPTool_AgentCall(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handler := mcpAgentCall(deps, mountedTool(t, deps, "echo/run"))

	result, err := handler(context.Background(), makeCallToolRequest("echo_run", map[string]interface{}{
		"text": "hello",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	var res dispatch.Result
	if err := json.Unmarshal([]byte(toolText(t, result)), &res); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if res.Status != "ECHOED" {
		t.Fatalf("expected ECHOED, got %s", res.Status)
	}
	if !strings.Contains(string(res.Data), "hello") {
		t.Fatalf("expected echoed text in data, got %s", res.Data)
	}
}

func TestMCPTool_AgentCall_SchemaRejection(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handler := mcpAgentCall(deps, mountedTool(t, deps, "echo/run"))

	// text is required by the card.
	result, err := handler(context.Background(), makeCallToolRequest("echo_run", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatalf("expected error result, got: %s", toolText(t, result))
	}
}

func TestMCPTool_AgentCall_Failure(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handler := mcpAgentCall(deps, mountedTool(t, deps, "echo/fail"))

	result, err := handler(context.Background(), makeCallToolRequest("echo_fail", map[string]interface{}{}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result")
	}
	text := toolText(t, result)
	if !strings.Contains(text, "FAILED_ECHO") || !strings.Contains(text, "nothing to echo") {
		t.Fatalf("expected failure status and reason, got: %s", text)
	}
}

func TestMCPTool_ProcessInvoice(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	runner := &mockRunner{}
	deps.Workflow = runner
	handler := mcpProcessInvoice(deps)

	result, err := handler(context.Background(), makeCallToolRequest("process_invoice", map[string]interface{}{
		"file_path":     "/tmp/inv.pdf",
		"target_system": "TALLY",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	if runner.got.SourcePath != "/tmp/inv.pdf" || runner.got.TargetSystem != invoice.TargetTally {
		t.Fatalf("unexpected job passed to workflow: %+v", runner.got)
	}
	if runner.got.UserID != "mcp" {
		t.Fatalf("expected default user mcp, got %q", runner.got.UserID)
	}
	if !strings.Contains(toolText(t, result), string(invoice.StatusSummaryGenerated)) {
		t.Fatalf("expected final status in response, got: %s", toolText(t, result))
	}
}

func TestMCPTool_ProcessInvoice_FailedStatus(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	deps.Workflow = &mockRunner{job: invoice.Job{Status: invoice.StatusFailedOCR}}
	handler := mcpProcessInvoice(deps)

	result, err := handler(context.Background(), makeCallToolRequest("process_invoice", map[string]interface{}{
		"file_path":     "/tmp/inv.pdf",
		"target_system": "ZOHO",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result for failed invoice")
	}
}

func TestMCPTool_ProcessInvoice_MissingArgs(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	deps.Workflow = &mockRunner{}
	handler := mcpProcessInvoice(deps)

	result, err := handler(context.Background(), makeCallToolRequest("process_invoice", map[string]interface{}{
		"file_path": "/tmp/inv.pdf",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error when target_system is missing")
	}
}

func TestMCPTool_AuditTrail(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	ctx := context.Background()
	for _, st := range []invoice.AuditStep{
		{InvoiceID: "inv-1", FromStatus: invoice.StatusStart, ToStatus: invoice.StatusUploaded},
		{InvoiceID: "inv-1", FromStatus: invoice.StatusUploaded, ToStatus: invoice.StatusOCRDone},
	} {
		if err := store.SaveAuditStep(ctx, st); err != nil {
			t.Fatalf("saving audit step: %v", err)
		}
	}
	handler := mcpAuditTrail(deps)

	result, err := handler(ctx, makeCallToolRequest("audit_trail", map[string]interface{}{"invoice_id": "inv-1"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	var steps []invoice.AuditStep
	if err := json.Unmarshal([]byte(toolText(t, result)), &steps); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(steps) != 2 || steps[1].ToStatus != invoice.StatusOCRDone {
		t.Fatalf("unexpected audit trail: %+v", steps)
	}

	result, err = handler(ctx, makeCallToolRequest("audit_trail", map[string]interface{}{"invoice_id": "missing"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if toolText(t, result) != "[]" {
		t.Fatalf("expected empty list, got: %s", toolText(t, result))
	}
}

func TestMCPResource_Agents(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handler := mcpResourceAgents(deps)

	contents, err := handler(context.Background(), makeReadResourceRequest(ResourceAgents))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("expected 1 content, got %d", len(contents))
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}
	var cards []registry.AgentCard
	if err := json.Unmarshal([]byte(tc.Text), &cards); err != nil {
		t.Fatalf("failed to parse cards: %v", err)
	}
	if len(cards) != 1 || cards[0].AgentID != "com.test.echo" {
		t.Fatalf("unexpected cards: %+v", cards)
	}
}

func TestMCPResource_KPIs(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handler := mcpResourceKPIs(deps)

	contents, err := handler(context.Background(), makeReadResourceRequest(ResourceKPIs))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tc := contents[0].(mcp.TextResourceContents)
	if tc.MIMEType != "application/json" {
		t.Fatalf("expected application/json, got %s", tc.MIMEType)
	}
	var k storage.KPIs
	if err := json.Unmarshal([]byte(tc.Text), &k); err != nil {
		t.Fatalf("failed to parse kpis: %v", err)
	}
	if k.TotalInvoices != 0 {
		t.Fatalf("expected empty store, got %d invoices", k.TotalInvoices)
	}
}

func TestNewMCPServer_ListsTools(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	deps.Workflow = &mockRunner{}
	s := NewMCPServer(deps)

	msg := []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	resp := s.HandleMessage(context.Background(), msg)
	b, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	var out struct {
		Result struct {
			Tools []struct {
				Name        string `json:"name"`
				InputSchema struct {
					Required []string `json:"required"`
				} `json:"inputSchema"`
			} `json:"tools"`
		} `json:"result"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("parse response: %v", err)
	}

	names := map[string][]string{}
	for _, tool := range out.Result.Tools {
		names[tool.Name] = tool.InputSchema.Required
	}
	for _, want := range []string{"echo_run", "echo_fail", "process_invoice", "audit_trail"} {
		if _, ok := names[want]; !ok {
			t.Fatalf("expected tool %s in %v", want, names)
		}
	}
	if req := names["echo_run"]; len(req) != 1 || req[0] != "text" {
		t.Fatalf("expected only text required for echo_run, got %v", req)
	}
}
