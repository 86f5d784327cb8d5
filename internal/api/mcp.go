package api

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/invoiceflow/internal/dispatch"
	"github.com/kalambet/invoiceflow/internal/invoice"
	"github.com/kalambet/invoiceflow/internal/registry"
	"github.com/kalambet/invoiceflow/internal/storage"
)

// Resource URIs.
const (
	ResourceAgents = "invoiceflow://agents"
	ResourceKPIs   = "invoiceflow://kpis"
)

// ToolCaller is the dispatcher as seen by the MCP layer.
type ToolCaller interface {
	Tools() []dispatch.MountedTool
	Call(ctx context.Context, agentID, toolID string, args any) dispatch.Result
}

// MCPStore is the read side used by MCP tools and resources.
type MCPStore interface {
	ListAuditSteps(ctx context.Context, invoiceID string) ([]invoice.AuditStep, error)
	KPIs(ctx context.Context) (storage.KPIs, error)
}

// WorkflowRunner processes one invoice.
type WorkflowRunner interface {
	Run(ctx context.Context, job invoice.Job) (invoice.Job, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Tools    ToolCaller
	Agents   AgentLister
	Store    MCPStore
	Workflow WorkflowRunner // optional; if nil, process_invoice is not offered
	Version  string
}

// NewMCPServer exposes every mounted agent tool plus the workflow, the
// audit trail and the agents/kpis resources.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"invoiceflow",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("invoiceflow: invoice OCR, mapping, validation and ERP payload generation."),
		server.WithRecovery(),
	)

	for name, t := range agentTools(deps.Tools.Tools()) {
		s.AddTool(agentTool(name, t.Tool), mcpAgentCall(deps, t))
	}

	if deps.Workflow != nil {
		s.AddTool(
			mcp.NewTool("process_invoice",
				mcp.WithDescription("Run an invoice file through OCR, mapping, validation, integration and summary."),
				mcp.WithString("file_path", mcp.Description("Path of the invoice document"), mcp.Required()),
				mcp.WithString("target_system", mcp.Description("ERP target"), mcp.Required(), mcp.Enum(invoice.TargetSystems()...)),
				mcp.WithString("user_id", mcp.Description("Uploading user")),
			),
			mcpProcessInvoice(deps),
		)
	}

	s.AddTool(
		mcp.NewTool("audit_trail",
			mcp.WithDescription("List the workflow transitions recorded for an invoice."),
			mcp.WithString("invoice_id", mcp.Description("Invoice id"), mcp.Required()),
		),
		mcpAuditTrail(deps),
	)

	s.AddResource(
		mcp.NewResource(
			ResourceAgents,
			"Registered Agents",
			mcp.WithResourceDescription("Every registered agent card as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceAgents(deps),
	)
	s.AddResource(
		mcp.NewResource(
			ResourceKPIs,
			"Processing KPIs",
			mcp.WithResourceDescription("Aggregated invoice processing metrics"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceKPIs(deps),
	)
	return s
}

// agentTools names every mounted tool for MCP, which only allows
// [A-Za-z0-9_-]. A tool id offered by more than one agent is qualified
// with its agent id.
func agentTools(tools []dispatch.MountedTool) map[string]dispatch.MountedTool {
	count := make(map[string]int, len(tools))
	for _, t := range tools {
		count[t.Tool.ToolID]++
	}
	out := make(map[string]dispatch.MountedTool, len(tools))
	for _, t := range tools {
		name := mcpName(t.Tool.ToolID)
		if count[t.Tool.ToolID] > 1 {
			name = mcpName(t.AgentID + "/" + t.Tool.ToolID)
		}
		out[name] = t
	}
	return out
}

var nameReplacer = strings.NewReplacer("/", "_", ".", "_", " ", "_")

func mcpName(s string) string { return nameReplacer.Replace(s) }

func agentTool(name string, def registry.ToolDefinition) mcp.Tool {
	opts := []mcp.ToolOption{mcp.WithDescription(def.Description)}

	names := make([]string, 0, len(def.Parameters))
	for n := range def.Parameters {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		p := def.Parameters[n]
		var props []mcp.PropertyOption
		if p.Description != "" {
			props = append(props, mcp.Description(p.Description))
		}
		if !p.Optional {
			props = append(props, mcp.Required())
		}
		switch strings.ToLower(p.Type) {
		case "number", "float", "integer", "int":
			if d, ok := p.Default.(float64); ok {
				props = append(props, mcp.DefaultNumber(d))
			}
			opts = append(opts, mcp.WithNumber(n, props...))
		case "boolean", "bool":
			opts = append(opts, mcp.WithBoolean(n, props...))
		case "object", "dict":
			opts = append(opts, mcp.WithObject(n, props...))
		case "array", "list":
			opts = append(opts, mcp.WithArray(n, props...))
		default:
			if len(p.Enum) > 0 {
				props = append(props, mcp.Enum(p.Enum...))
			}
			opts = append(opts, mcp.WithString(n, props...))
		}
	}
	return mcp.NewTool(name, opts...)
}

func mcpAgentCall(deps MCPDeps, t dispatch.MountedTool) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()
		if args == nil {
			args = map[string]any{}
		}
		res := deps.Tools.Call(ctx, t.AgentID, t.Tool.ToolID, args)
		b, err := json.Marshal(res)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		if res.Failed() {
			return mcpError(string(b)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpProcessInvoice(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		path, err := req.RequireString("file_path")
		if err != nil {
			return mcpError("file_path is required"), nil
		}
		target, err := req.RequireString("target_system")
		if err != nil {
			return mcpError("target_system is required"), nil
		}

		job, err := deps.Workflow.Run(ctx, invoice.Job{
			UserID:       req.GetString("user_id", "mcp"),
			SourcePath:   path,
			TargetSystem: invoice.TargetSystem(target),
		})
		b, mErr := json.Marshal(job)
		if mErr != nil {
			return mcpError(fmt.Sprintf("failed to marshal job: %v", mErr)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("workflow aborted: %v\n%s", err, b)), nil
		}
		if job.Status.Failed() {
			return mcpError(string(b)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpAuditTrail(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("invoice_id")
		if err != nil {
			return mcpError("invoice_id is required"), nil
		}
		steps, err := deps.Store.ListAuditSteps(ctx, id)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load audit trail: %v", err)), nil
		}
		if len(steps) == 0 {
			return mcpText("[]"), nil
		}
		b, err := json.Marshal(steps)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal audit trail: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceAgents(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		cards, err := deps.Agents.Agents(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list agents: %w", err)
		}
		return jsonResource(req.Params.URI, cards)
	}
}

func mcpResourceKPIs(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		k, err := deps.Store.KPIs(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to compute kpis: %w", err)
		}
		return jsonResource(req.Params.URI, k)
	}
}

func jsonResource(uri string, v any) ([]mcp.ResourceContents, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", uri, err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
