package llm

import (
	"context"
	"log/slog"
	"time"

	"github.com/kalambet/invoiceflow/internal/ollama"
)

// Ollama chats with a local Ollama server.
type Ollama struct {
	client *ollama.Client
	model  string
	logger *slog.Logger
}

func NewOllama(cfg Config, logger *slog.Logger) *Ollama {
	base := cfg.BaseURL
	if base == "" {
		base = "http://localhost:11434"
	}
	return &Ollama{client: ollama.New(base), model: cfg.Model, logger: logger}
}

func (o *Ollama) Chat(ctx context.Context, req Request) (string, error) {
	msgs := make([]ollama.Message, 0, 2)
	if req.System != "" {
		msgs = append(msgs, ollama.Message{Role: "system", Content: req.System})
	}
	msgs = append(msgs, ollama.Message{Role: "user", Content: req.Prompt})

	var format any
	if req.Schema != nil {
		format = req.Schema
	}
	start := time.Now()
	out, err := o.client.Chat(ctx, o.model, msgs, format, &ollama.Options{Temperature: req.Temperature})
	o.logger.Debug("ollama chat", "model", o.model, "duration_ms", time.Since(start).Milliseconds(), "error", err)
	return out, err
}
