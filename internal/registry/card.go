// Package registry keeps the catalogue of agents and the tools they offer,
// and answers "who can do capability X" deterministically.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrInvalidCard is returned for cards that cannot be registered.
var ErrInvalidCard = errors.New("invalid agent card")

// Param describes one named tool argument.
type Param struct {
	Type        string   `json:"type" yaml:"type"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Optional    bool     `json:"optional,omitempty" yaml:"optional,omitempty"`
	Default     any      `json:"default,omitempty" yaml:"default,omitempty"`
	Enum        []string `json:"enum,omitempty" yaml:"enum,omitempty"`
}

// ToolDefinition is one callable operation of an agent.
type ToolDefinition struct {
	ToolID      string           `json:"tool_id" yaml:"tool_id"`
	Capability  string           `json:"capability" yaml:"capability"`
	Description string           `json:"description" yaml:"description"`
	Parameters  map[string]Param `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// AgentCard is the self-description an agent registers with.
type AgentCard struct {
	AgentID     string           `json:"agent_id" yaml:"agent_id"`
	Description string           `json:"description" yaml:"description"`
	Tools       []ToolDefinition `json:"tools" yaml:"tools"`
}

// Validate rejects cards with missing ids or repeated tool ids.
func (c AgentCard) Validate() error {
	if strings.TrimSpace(c.AgentID) == "" {
		return fmt.Errorf("%w: agent_id is required", ErrInvalidCard)
	}
	seen := make(map[string]bool, len(c.Tools))
	for i, t := range c.Tools {
		if strings.TrimSpace(t.ToolID) == "" {
			return fmt.Errorf("%w: tools[%d].tool_id is required", ErrInvalidCard, i)
		}
		if strings.TrimSpace(t.Capability) == "" {
			return fmt.Errorf("%w: tool %s has no capability", ErrInvalidCard, t.ToolID)
		}
		if seen[t.ToolID] {
			return fmt.Errorf("%w: duplicate tool_id %s", ErrInvalidCard, t.ToolID)
		}
		seen[t.ToolID] = true
		for name, p := range t.Parameters {
			if jsonType(p.Type) == "" {
				return fmt.Errorf("%w: tool %s parameter %s has unknown type %q", ErrInvalidCard, t.ToolID, name, p.Type)
			}
		}
	}
	return nil
}

// Tool returns the tool with the given id.
func (c AgentCard) Tool(toolID string) (ToolDefinition, bool) {
	for _, t := range c.Tools {
		if t.ToolID == toolID {
			return t, true
		}
	}
	return ToolDefinition{}, false
}

// JSONSchema renders the parameters as a JSON Schema object. Parameters
// not marked optional are required; unknown arguments are allowed.
func (t ToolDefinition) JSONSchema() map[string]any {
	props := make(map[string]any, len(t.Parameters))
	var required []string
	for name, p := range t.Parameters {
		prop := map[string]any{"type": jsonType(p.Type)}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if len(p.Enum) > 0 {
			enum := make([]any, len(p.Enum))
			for i, v := range p.Enum {
				enum[i] = v
			}
			prop["enum"] = enum
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		props[name] = prop
		if !p.Optional {
			required = append(required, name)
		}
	}
	sort.Strings(required)

	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		req := make([]any, len(required))
		for i, r := range required {
			req[i] = r
		}
		schema["required"] = req
	}
	return schema
}

// jsonType maps parameter type names, including the short aliases used in
// hand-written cards, to JSON Schema types.
func jsonType(t string) string {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "string", "str":
		return "string"
	case "number", "float":
		return "number"
	case "integer", "int":
		return "integer"
	case "boolean", "bool":
		return "boolean"
	case "object", "dict":
		return "object"
	case "array", "list":
		return "array"
	}
	return ""
}
