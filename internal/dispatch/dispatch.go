// Package dispatch routes tool calls to in-process agent handlers.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/kalambet/invoiceflow/internal/invoice"
	"github.com/kalambet/invoiceflow/internal/registry"
	"github.com/kalambet/invoiceflow/internal/telemetry"
)

// DefaultTimeout bounds a single call when no timeout is configured.
const DefaultTimeout = 2 * time.Minute

// Handler produces the result of a tool call on the returned channel.
type Handler interface {
	Invoke(ctx context.Context, args json.RawMessage) <-chan Result
}

// HandlerFunc is a tool that completes before returning.
type HandlerFunc func(ctx context.Context, args json.RawMessage) Result

func (f HandlerFunc) Invoke(ctx context.Context, args json.RawMessage) <-chan Result {
	ch := make(chan Result, 1)
	ch <- f(ctx, args)
	return ch
}

// AsyncHandlerFunc is a tool that delivers its result later on a channel.
type AsyncHandlerFunc func(ctx context.Context, args json.RawMessage) <-chan Result

func (f AsyncHandlerFunc) Invoke(ctx context.Context, args json.RawMessage) <-chan Result {
	return f(ctx, args)
}

// Go runs fn on its own goroutine. A panic in fn is delivered as a
// StatusPanic result; the dispatcher cannot recover panics raised on
// goroutines it did not start.
func Go(fn HandlerFunc) AsyncHandlerFunc {
	return func(ctx context.Context, args json.RawMessage) <-chan Result {
		ch := make(chan Result, 1)
		go func() {
			defer func() {
				if p := recover(); p != nil {
					ch <- Result{Status: StatusPanic, Error: fmt.Sprintf("handler panicked: %v", p)}
				}
			}()
			ch <- fn(ctx, args)
		}()
		return ch
	}
}

// Server is an agent: a card plus a handler per declared tool.
type Server interface {
	Card() registry.AgentCard
	Handlers() map[string]Handler
}

type mountedAgent struct {
	card     registry.AgentCard
	handlers map[string]Handler
	schemas  map[string]*jsonschema.Schema
}

// MountedTool identifies a callable tool.
type MountedTool struct {
	AgentID string
	Tool    registry.ToolDefinition
}

// Dispatcher is safe for concurrent use. Mount is expected at startup,
// Call from any number of workflow runs.
type Dispatcher struct {
	mu      sync.RWMutex
	agents  map[string]*mountedAgent
	timeout time.Duration
	logger  *slog.Logger

	tracer   trace.Tracer
	calls    metric.Int64Counter
	duration metric.Float64Histogram
}

// New creates a dispatcher. A non-positive timeout selects DefaultTimeout.
func New(timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	meter := telemetry.Meter("invoiceflow/dispatch")
	calls, _ := meter.Int64Counter("invoiceflow.dispatch.calls",
		metric.WithDescription("Tool calls by agent, tool and status"),
	)
	duration, _ := meter.Float64Histogram("invoiceflow.dispatch.duration",
		metric.WithDescription("Tool call latency (ms)"),
		metric.WithUnit("ms"),
	)
	return &Dispatcher{
		agents:   make(map[string]*mountedAgent),
		timeout:  timeout,
		logger:   logger,
		tracer:   telemetry.Tracer("invoiceflow/dispatch"),
		calls:    calls,
		duration: duration,
	}
}

// Timeout returns the per-call bound.
func (d *Dispatcher) Timeout() time.Duration {
	return d.timeout
}

// Mount registers the handlers of srv. Every tool on the card needs a
// handler and every handler a tool. Mounting an agent id again replaces it.
func (d *Dispatcher) Mount(srv Server) error {
	card := srv.Card()
	if err := card.Validate(); err != nil {
		return err
	}
	handlers := srv.Handlers()
	m := &mountedAgent{
		card:     card,
		handlers: make(map[string]Handler, len(handlers)),
		schemas:  make(map[string]*jsonschema.Schema, len(card.Tools)),
	}
	for _, t := range card.Tools {
		h, ok := handlers[t.ToolID]
		if !ok || h == nil {
			return fmt.Errorf("agent %s: no handler for tool %s", card.AgentID, t.ToolID)
		}
		schema, err := invoice.CompileSchema(t.JSONSchema())
		if err != nil {
			return fmt.Errorf("agent %s: compiling parameters of %s: %w", card.AgentID, t.ToolID, err)
		}
		m.handlers[t.ToolID] = h
		m.schemas[t.ToolID] = schema
	}
	for id := range handlers {
		if _, ok := card.Tool(id); !ok {
			return fmt.Errorf("agent %s: handler %s is not declared on the card", card.AgentID, id)
		}
	}

	d.mu.Lock()
	d.agents[card.AgentID] = m
	d.mu.Unlock()
	d.logger.Debug("agent mounted", "agent_id", card.AgentID, "tools", len(m.handlers))
	return nil
}

// Cards returns the cards of every mounted agent ordered by agent id.
func (d *Dispatcher) Cards() []registry.AgentCard {
	d.mu.RLock()
	defer d.mu.RUnlock()
	cards := make([]registry.AgentCard, 0, len(d.agents))
	for _, m := range d.agents {
		cards = append(cards, m.card)
	}
	sort.Slice(cards, func(i, j int) bool { return cards[i].AgentID < cards[j].AgentID })
	return cards
}

// Tools lists every mounted tool ordered by agent then tool id.
func (d *Dispatcher) Tools() []MountedTool {
	var tools []MountedTool
	for _, c := range d.Cards() {
		for _, t := range c.Tools {
			tools = append(tools, MountedTool{AgentID: c.AgentID, Tool: t})
		}
	}
	sort.SliceStable(tools, func(i, j int) bool {
		if tools[i].AgentID != tools[j].AgentID {
			return tools[i].AgentID < tools[j].AgentID
		}
		return tools[i].Tool.ToolID < tools[j].Tool.ToolID
	})
	return tools
}

// Call invokes a tool and blocks until its result is available, the
// per-call timeout elapses or ctx is done. It never returns a Go error:
// every failure is reported in the Result.
func (d *Dispatcher) Call(ctx context.Context, agentID, toolID string, args any) Result {
	ctx, span := d.tracer.Start(ctx, "dispatch "+toolID,
		trace.WithAttributes(
			attribute.String("invoiceflow.agent_id", agentID),
			attribute.String("invoiceflow.tool_id", toolID),
		),
	)
	defer span.End()

	start := time.Now()
	res := d.call(ctx, agentID, toolID, args)

	attrs := metric.WithAttributes(
		attribute.String("agent_id", agentID),
		attribute.String("tool_id", toolID),
		attribute.String("status", res.Status),
	)
	if d.calls != nil {
		d.calls.Add(ctx, 1, attrs)
	}
	if d.duration != nil {
		d.duration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
	}
	span.SetAttributes(attribute.String("invoiceflow.status", res.Status))
	if res.Failed() {
		span.SetStatus(codes.Error, res.Error)
		d.logger.Debug("tool call failed", "agent_id", agentID, "tool_id", toolID, "status", res.Status, "error", res.Error)
	}
	return res
}

func (d *Dispatcher) call(ctx context.Context, agentID, toolID string, args any) Result {
	d.mu.RLock()
	m, ok := d.agents[agentID]
	d.mu.RUnlock()
	if !ok {
		return Errorf("Agent '%s' not found.", agentID)
	}
	h, ok := m.handlers[toolID]
	if !ok {
		return Errorf("Tool '%s' not found.", toolID)
	}

	raw, err := encodeArgs(args)
	if err != nil {
		return Errorf("invalid arguments: %v", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Errorf("invalid arguments: %v", err)
	}
	if err := m.schemas[toolID].Validate(doc); err != nil {
		return Errorf("invalid arguments: %v", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	future := make(chan Result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				d.logger.Error("tool handler panicked", "agent_id", agentID, "tool_id", toolID, "panic", p)
				future <- Result{Status: StatusPanic, Error: fmt.Sprintf("handler panicked: %v", p)}
			}
		}()
		ch := h.Invoke(callCtx, raw)
		if ch == nil {
			future <- Errorf("tool %s returned no result channel", toolID)
			return
		}
		select {
		case res, ok := <-ch:
			if !ok {
				future <- Errorf("tool %s closed its result channel without a result", toolID)
				return
			}
			future <- res
		case <-callCtx.Done():
		}
	}()

	select {
	case res := <-future:
		return res
	case <-callCtx.Done():
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return Result{Status: StatusTimeout, Error: fmt.Sprintf("tool %s/%s timed out after %s", agentID, toolID, d.timeout)}
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{Status: StatusTimeout, Error: fmt.Sprintf("tool %s/%s: %v", agentID, toolID, ctx.Err())}
		}
		return Errorf("tool %s/%s canceled: %v", agentID, toolID, callCtx.Err())
	}
}

func encodeArgs(args any) (json.RawMessage, error) {
	switch v := args.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		if len(v) == 0 {
			return json.RawMessage("{}"), nil
		}
		return v, nil
	case []byte:
		if len(v) == 0 {
			return json.RawMessage("{}"), nil
		}
		return json.RawMessage(v), nil
	}
	return json.Marshal(args)
}
