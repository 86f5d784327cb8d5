package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/invoiceflow/internal/storage"
)

func newTestRegistry(t *testing.T) (*Registry, *storage.Store) {
	t.Helper()
	s, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s, nil), s
}

func ocrCard() AgentCard {
	return AgentCard{
		AgentID:     "com.invoice.ocr",
		Description: "Extracts text from invoice documents.",
		Tools: []ToolDefinition{{
			ToolID:      "ocr/extract_text_cascading",
			Capability:  "CAPABILITY_OCR",
			Description: "Cascading OCR",
			Parameters: map[string]Param{
				"file_path":      {Type: "string"},
				"file_extension": {Type: "string", Enum: []string{"pdf", "png"}},
				"invoice_id":     {Type: "string", Optional: true},
			},
		}},
	}
}

func TestRegister_Success(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	res := r.Register(ctx, ocrCard())
	assert.Equal(t, StatusRegistered, res.Status)
	assert.Empty(t, res.Error)

	agentID, tool, ok, err := r.LookupByCapability(ctx, "CAPABILITY_OCR")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "com.invoice.ocr", agentID)
	assert.Equal(t, "ocr/extract_text_cascading", tool.ToolID)
	assert.Equal(t, []string{"pdf", "png"}, tool.Parameters["file_extension"].Enum)
}

func TestRegister_Idempotent(t *testing.T) {
	r, s := newTestRegistry(t)
	ctx := context.Background()

	require.Equal(t, StatusRegistered, r.Register(ctx, ocrCard()).Status)
	require.Equal(t, StatusRegistered, r.Register(ctx, ocrCard()).Status)

	agents, err := s.ListAgents(ctx)
	require.NoError(t, err)
	assert.Len(t, agents, 1)
	tools, err := s.ToolsByCapability(ctx, "CAPABILITY_OCR")
	require.NoError(t, err)
	assert.Len(t, tools, 1)
}

func TestRegister_InvalidCards(t *testing.T) {
	r, s := newTestRegistry(t)
	ctx := context.Background()

	dup := ocrCard()
	dup.Tools = append(dup.Tools, dup.Tools[0])

	noTool := ocrCard()
	noTool.Tools[0].ToolID = ""

	badType := ocrCard()
	badType.Tools[0].Parameters["x"] = Param{Type: "tensor"}

	for name, card := range map[string]AgentCard{
		"empty agent id":     {Description: "x"},
		"duplicate tool id":  dup,
		"empty tool id":      noTool,
		"unknown param type": badType,
	} {
		t.Run(name, func(t *testing.T) {
			res := r.Register(ctx, card)
			assert.Equal(t, StatusFailed, res.Status)
			assert.NotEmpty(t, res.Error)
		})
	}

	agents, err := s.ListAgents(ctx)
	require.NoError(t, err)
	assert.Empty(t, agents, "failed registrations must leave no rows")
}

func TestLookupByCapability_DeterministicTieBreak(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	for _, id := range []string{"com.zeta.ocr", "com.alpha.ocr", "com.mid.ocr"} {
		card := AgentCard{AgentID: id, Tools: []ToolDefinition{
			{ToolID: "ocr/z", Capability: "CAPABILITY_OCR"},
			{ToolID: "ocr/a", Capability: "CAPABILITY_OCR"},
		}}
		require.Equal(t, StatusRegistered, r.Register(ctx, card).Status)
	}

	for range 5 {
		agentID, tool, ok, err := r.LookupByCapability(ctx, "CAPABILITY_OCR")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "com.alpha.ocr", agentID)
		assert.Equal(t, "ocr/a", tool.ToolID)
	}
}

func TestLookupByCapability_Missing(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, _, ok, err := r.LookupByCapability(context.Background(), "CAPABILITY_NONE")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAgentsAndHeartbeat(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	require.Equal(t, StatusRegistered, r.Register(ctx, ocrCard()).Status)

	cards, err := r.Agents(ctx)
	require.NoError(t, err)
	require.Len(t, cards, 1)
	assert.Equal(t, ocrCard().Description, cards[0].Description)
	assert.Len(t, cards[0].Tools, 1)

	card, err := r.Agent(ctx, "com.invoice.ocr")
	require.NoError(t, err)
	_, ok := card.Tool("ocr/extract_text_cascading")
	assert.True(t, ok)

	assert.NoError(t, r.Heartbeat(ctx, "com.invoice.ocr"))
	err = r.Heartbeat(ctx, "com.missing")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestJSONSchema(t *testing.T) {
	tool := ocrCard().Tools[0]
	tool.Parameters["ocr_confidence"] = Param{Type: "float", Optional: true, Default: 1.0}

	schema := tool.JSONSchema()
	assert.Equal(t, "object", schema["type"])
	assert.Equal(t, []any{"file_extension", "file_path"}, schema["required"])

	props := schema["properties"].(map[string]any)
	assert.Equal(t, "number", props["ocr_confidence"].(map[string]any)["type"])
	assert.Equal(t, []any{"pdf", "png"}, props["file_extension"].(map[string]any)["enum"])
}

const cardYAML = `
agent_id: com.example.ocr
description: Example OCR agent
tools:
  - tool_id: ocr/extract
    capability: CAPABILITY_OCR
    description: Extract text
    parameters:
      file_path:
        type: str
      user_id:
        type: str
        optional: true
`

func TestLoadCardFileAndDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ocr.yaml"), []byte(cardYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	card, err := LoadCardFile(filepath.Join(dir, "ocr.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "com.example.ocr", card.AgentID)
	assert.True(t, card.Tools[0].Parameters["user_id"].Optional)

	cards, err := LoadCardDir(dir)
	require.NoError(t, err)
	assert.Len(t, cards, 1)

	missing, err := LoadCardDir(filepath.Join(dir, "nope"))
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestParseCardYAML_Invalid(t *testing.T) {
	_, err := ParseCardYAML([]byte("   "))
	assert.ErrorIs(t, err, ErrInvalidCard)

	_, err = ParseCardYAML([]byte("description: no id\n"))
	assert.ErrorIs(t, err, ErrInvalidCard)
}
