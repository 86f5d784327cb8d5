// Package llm puts the chat backends used by the mapper and summary agents
// behind one interface.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

// ErrNotConfigured is returned when a provider lacks a model or credentials.
var ErrNotConfigured = errors.New("llm provider not configured")

// Provider names accepted by New.
const (
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Request is a single-turn chat.
type Request struct {
	System string
	Prompt string
	// Schema, when set, asks backends that support structured output to
	// answer with JSON matching it.
	Schema      map[string]any
	Temperature float64
	MaxTokens   int64
}

// Chatter sends one request and returns the assistant text.
type Chatter interface {
	Chat(ctx context.Context, req Request) (string, error)
}

// ChatFunc adapts a function to Chatter.
type ChatFunc func(ctx context.Context, req Request) (string, error)

func (f ChatFunc) Chat(ctx context.Context, req Request) (string, error) { return f(ctx, req) }

// Config selects and configures one backend.
type Config struct {
	Provider   string
	Model      string
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// New builds the backend named by cfg.Provider.
func New(cfg Config, logger *slog.Logger) (Chatter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("%s: no model: %w", cfg.Provider, ErrNotConfigured)
	}
	switch strings.ToLower(cfg.Provider) {
	case ProviderOllama, "":
		return NewOllama(cfg, logger), nil
	case ProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai: no api key: %w", ErrNotConfigured)
		}
		return NewOpenAI(cfg, logger), nil
	case ProviderAnthropic:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("anthropic: no api key: %w", ErrNotConfigured)
		}
		return NewAnthropic(cfg, logger), nil
	}
	return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
}

// StripCodeFences removes a surrounding markdown code fence such as
// ```json ... ``` from a model reply.
func StripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	} else {
		s = strings.TrimPrefix(s, "json")
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
