package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/kalambet/invoiceflow/internal/agents"
	"github.com/kalambet/invoiceflow/internal/config"
	"github.com/kalambet/invoiceflow/internal/dispatch"
	"github.com/kalambet/invoiceflow/internal/llm"
	"github.com/kalambet/invoiceflow/internal/mapper"
	"github.com/kalambet/invoiceflow/internal/ocr"
	"github.com/kalambet/invoiceflow/internal/registry"
	"github.com/kalambet/invoiceflow/internal/storage"
	"github.com/kalambet/invoiceflow/internal/storage/postgres"
	"github.com/kalambet/invoiceflow/internal/summary"
	"github.com/kalambet/invoiceflow/internal/telemetry"
	"github.com/kalambet/invoiceflow/internal/validation"
	"github.com/kalambet/invoiceflow/internal/workflow"
)

// app is the in-process system: storage, the mounted agents and the
// workflow engine.
type app struct {
	cfg        config.Config
	store      storage.Persistence
	queue      *storage.Store // SQLite job queue, shared with store for the sqlite driver
	dispatcher *dispatch.Dispatcher
	registry   *registry.Registry
	workflow   *workflow.Engine
	logger     *slog.Logger

	closers []func() error
}

func (a *app) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// openStores opens the configured persistence backend and the local job
// queue.
func openStores(ctx context.Context, cfg config.Config, logger *slog.Logger) (storage.Persistence, *storage.Store, error) {
	queue, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("opening storage: %w", err)
	}
	if cfg.Storage.Driver != "postgres" {
		return queue, queue, nil
	}
	pg, err := postgres.Open(ctx, cfg.Storage.PostgresDSN, logger)
	if err != nil {
		queue.Close()
		return nil, nil, err
	}
	return pg, queue, nil
}

func chatter(c config.LLMConfig, ollamaURL string, logger *slog.Logger) (llm.Chatter, error) {
	lc := llm.Config{Provider: c.Provider, Model: c.Model, BaseURL: c.BaseURL, APIKey: c.APIKey}
	if lc.BaseURL == "" && (lc.Provider == "" || strings.EqualFold(lc.Provider, llm.ProviderOllama)) {
		lc.BaseURL = ollamaURL
	}
	return llm.New(lc, logger)
}

func ocrResolver(cfg config.OCRConfig, logger *slog.Logger) *ocr.Resolver {
	var typhoon, gptVision, azure ocr.Engine
	if cfg.TyphoonAPIKey != "" {
		typhoon = ocr.NewVision("typhoon", ocr.VisionConfig{BaseURL: cfg.TyphoonBaseURL, APIKey: cfg.TyphoonAPIKey, Model: cfg.TyphoonModel})
	}
	if cfg.VisionAPIKey != "" {
		gptVision = ocr.NewVision("gpt_vision", ocr.VisionConfig{BaseURL: cfg.VisionBaseURL, APIKey: cfg.VisionAPIKey, Model: cfg.VisionModel})
	}
	if cfg.AzureEndpoint != "" && cfg.AzureAPIKey != "" {
		azure = &ocr.Azure{Endpoint: cfg.AzureEndpoint, APIKey: cfg.AzureAPIKey}
	}
	tesseract := &ocr.Tesseract{Binary: cfg.TesseractBinary, Lang: cfg.TesseractLang}
	easy := &ocr.EasyOCR{Binary: cfg.EasyOCRBinary, Languages: splitList(cfg.EasyOCRLanguages)}

	stages := ocr.DefaultStages(typhoon, gptVision, azure, tesseract, easy)
	return ocr.NewResolver(ocr.Config{
		NativeTextThreshold: cfg.NativeTextThreshold,
		Pdftoppm:            cfg.Pdftoppm,
		DPI:                 cfg.DPI,
	}, stages, logger)
}

// buildApp wires every built-in agent into a fresh dispatcher and registers
// their cards.
func buildApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	profile, ok := validation.ProfileByName(cfg.Validation.Profile)
	if !ok {
		return nil, fmt.Errorf("unknown validation profile %q (known: %s)",
			cfg.Validation.Profile, strings.Join(validation.ProfileNames(), ", "))
	}
	mapChat, err := chatter(cfg.Mapper, cfg.Ollama.BaseURL, logger)
	if err != nil {
		return nil, fmt.Errorf("mapper llm: %w", err)
	}
	sumChat, err := chatter(cfg.Summary, cfg.Ollama.BaseURL, logger)
	if err != nil {
		return nil, fmt.Errorf("summary llm: %w", err)
	}

	store, queue, err := openStores(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, store: store, queue: queue, logger: logger}
	a.closers = append(a.closers, queue.Close)
	if store != storage.Persistence(queue) {
		a.closers = append(a.closers, store.Close)
	}

	if _, err := store.SeedRules(ctx, validation.Catalog()); err != nil {
		a.Close()
		return nil, fmt.Errorf("seeding rules: %w", err)
	}

	a.dispatcher = dispatch.New(cfg.DispatchTimeout(), logger)
	a.registry = registry.New(store, logger)

	ds := agents.NewDatastoreServer(store, logger)
	err = agents.Mount(ctx, a.dispatcher, a.registry,
		agents.NewOCRServer(ocrResolver(cfg.OCR, logger), logger),
		agents.NewMapperServer(mapper.New(mapChat, logger), logger),
		agents.NewValidationServer(validation.New(profile, ds, logger)),
		agents.NewIntegrationServer(store, logger),
		agents.NewSummaryServer(summary.New(sumChat, logger)),
		ds,
	)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("mounting agents: %w", err)
	}

	a.workflow = workflow.New(a.registry, a.dispatcher, store, workflow.Config{
		UploadsDir: cfg.Storage.UploadsDir,
		Profile:    profile.Name,
	}, logger)
	return a, nil
}

// loadApp loads config, installs logging and telemetry, and builds the app.
func loadApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := setupLogging(cfg.Log.Level)

	shutdown, err := telemetry.Init(ctx, cfg.Telemetry.Endpoint, "invoiceflow", version, cfg.Telemetry.Insecure)
	if err != nil {
		return nil, err
	}
	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		shutdown(context.Background())
		return nil, err
	}
	a.closers = append([]func() error{func() error { return shutdown(context.Background()) }}, a.closers...)
	return a, nil
}

// ollamaModels lists the models the configured agents need from Ollama.
func ollamaModels(cfg config.Config) []string {
	var models []string
	for _, c := range []config.LLMConfig{cfg.Mapper, cfg.Summary} {
		if c.Provider == "" || strings.EqualFold(c.Provider, llm.ProviderOllama) {
			models = append(models, c.Model)
		}
	}
	return models
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func setupLogging(level string) *slog.Logger {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
	slog.SetDefault(logger)
	return logger
}
