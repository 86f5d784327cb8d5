package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "INVOICEFLOW_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "INVOICEFLOW_API_TOKEN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "storage.driver", typ: kString, env: "INVOICEFLOW_STORAGE_DRIVER",
		apply:   func(cfg *Config, v any) { cfg.Storage.Driver = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.Driver },
	},
	{
		key: "storage.data_dir", typ: kString, env: "INVOICEFLOW_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.postgres_dsn", typ: kString, env: "INVOICEFLOW_POSTGRES_DSN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Storage.PostgresDSN = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.PostgresDSN },
	},
	{
		key: "storage.uploads_dir", typ: kString, env: "INVOICEFLOW_UPLOADS_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.UploadsDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.UploadsDir },
	},
	{
		key: "dispatch.timeout", typ: kString, env: "INVOICEFLOW_DISPATCH_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Dispatch.Timeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Dispatch.Timeout },
	},
	{
		key: "ocr.native_text_threshold", typ: kFloat, env: "INVOICEFLOW_OCR_NATIVE_TEXT_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.OCR.NativeTextThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.OCR.NativeTextThreshold },
	},
	{
		key: "ocr.pdftoppm", typ: kString, env: "INVOICEFLOW_OCR_PDFTOPPM",
		apply:   func(cfg *Config, v any) { cfg.OCR.Pdftoppm = v.(string) },
		extract: func(cfg Config) any { return cfg.OCR.Pdftoppm },
	},
	{
		key: "ocr.dpi", typ: kInt, env: "INVOICEFLOW_OCR_DPI",
		apply:   func(cfg *Config, v any) { cfg.OCR.DPI = v.(int) },
		extract: func(cfg Config) any { return cfg.OCR.DPI },
	},
	{
		key: "ocr.tesseract_binary", typ: kString, env: "INVOICEFLOW_OCR_TESSERACT_BINARY",
		apply:   func(cfg *Config, v any) { cfg.OCR.TesseractBinary = v.(string) },
		extract: func(cfg Config) any { return cfg.OCR.TesseractBinary },
	},
	{
		key: "ocr.tesseract_lang", typ: kString, env: "INVOICEFLOW_OCR_TESSERACT_LANG",
		apply:   func(cfg *Config, v any) { cfg.OCR.TesseractLang = v.(string) },
		extract: func(cfg Config) any { return cfg.OCR.TesseractLang },
	},
	{
		key: "ocr.easyocr_binary", typ: kString, env: "INVOICEFLOW_OCR_EASYOCR_BINARY",
		apply:   func(cfg *Config, v any) { cfg.OCR.EasyOCRBinary = v.(string) },
		extract: func(cfg Config) any { return cfg.OCR.EasyOCRBinary },
	},
	{
		key: "ocr.easyocr_languages", typ: kString, env: "INVOICEFLOW_OCR_EASYOCR_LANGUAGES",
		apply:   func(cfg *Config, v any) { cfg.OCR.EasyOCRLanguages = v.(string) },
		extract: func(cfg Config) any { return cfg.OCR.EasyOCRLanguages },
	},
	{
		key: "ocr.typhoon_base_url", typ: kString, env: "INVOICEFLOW_OCR_TYPHOON_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.OCR.TyphoonBaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.OCR.TyphoonBaseURL },
	},
	{
		key: "ocr.typhoon_model", typ: kString, env: "INVOICEFLOW_OCR_TYPHOON_MODEL",
		apply:   func(cfg *Config, v any) { cfg.OCR.TyphoonModel = v.(string) },
		extract: func(cfg Config) any { return cfg.OCR.TyphoonModel },
	},
	{
		key: "ocr.typhoon_api_key", typ: kString, env: "INVOICEFLOW_TYPHOON_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.OCR.TyphoonAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.OCR.TyphoonAPIKey },
	},
	{
		key: "ocr.vision_base_url", typ: kString, env: "INVOICEFLOW_OCR_VISION_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.OCR.VisionBaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.OCR.VisionBaseURL },
	},
	{
		key: "ocr.vision_model", typ: kString, env: "INVOICEFLOW_OCR_VISION_MODEL",
		apply:   func(cfg *Config, v any) { cfg.OCR.VisionModel = v.(string) },
		extract: func(cfg Config) any { return cfg.OCR.VisionModel },
	},
	{
		key: "ocr.vision_api_key", typ: kString, env: "INVOICEFLOW_OPENAI_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.OCR.VisionAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.OCR.VisionAPIKey },
	},
	{
		key: "ocr.azure_endpoint", typ: kString, env: "INVOICEFLOW_OCR_AZURE_ENDPOINT",
		apply:   func(cfg *Config, v any) { cfg.OCR.AzureEndpoint = v.(string) },
		extract: func(cfg Config) any { return cfg.OCR.AzureEndpoint },
	},
	{
		key: "ocr.azure_api_key", typ: kString, env: "INVOICEFLOW_AZURE_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.OCR.AzureAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.OCR.AzureAPIKey },
	},
	{
		key: "validation.profile", typ: kString, env: "INVOICEFLOW_VALIDATION_PROFILE",
		apply:   func(cfg *Config, v any) { cfg.Validation.Profile = v.(string) },
		extract: func(cfg Config) any { return cfg.Validation.Profile },
	},
	{
		key: "mapper.provider", typ: kString, env: "INVOICEFLOW_MAPPER_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Mapper.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Mapper.Provider },
	},
	{
		key: "mapper.model", typ: kString, env: "INVOICEFLOW_MAPPER_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Mapper.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Mapper.Model },
	},
	{
		key: "mapper.base_url", typ: kString, env: "INVOICEFLOW_MAPPER_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Mapper.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Mapper.BaseURL },
	},
	{
		key: "mapper.api_key", typ: kString, env: "INVOICEFLOW_MAPPER_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Mapper.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Mapper.APIKey },
	},
	{
		key: "summary.provider", typ: kString, env: "INVOICEFLOW_SUMMARY_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Summary.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Summary.Provider },
	},
	{
		key: "summary.model", typ: kString, env: "INVOICEFLOW_SUMMARY_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Summary.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Summary.Model },
	},
	{
		key: "summary.base_url", typ: kString, env: "INVOICEFLOW_SUMMARY_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Summary.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Summary.BaseURL },
	},
	{
		key: "summary.api_key", typ: kString, env: "INVOICEFLOW_SUMMARY_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Summary.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Summary.APIKey },
	},
	{
		key: "ollama.base_url", typ: kString, env: "INVOICEFLOW_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "telemetry.endpoint", typ: kString, env: "INVOICEFLOW_TELEMETRY_ENDPOINT",
		apply:   func(cfg *Config, v any) { cfg.Telemetry.Endpoint = v.(string) },
		extract: func(cfg Config) any { return cfg.Telemetry.Endpoint },
	},
	{
		key: "telemetry.insecure", typ: kBool, env: "INVOICEFLOW_TELEMETRY_INSECURE",
		apply:   func(cfg *Config, v any) { cfg.Telemetry.Insecure = v.(bool) },
		extract: func(cfg Config) any { return cfg.Telemetry.Insecure },
	},
	{
		key: "ingest.concurrency", typ: kInt, env: "INVOICEFLOW_INGEST_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Ingest.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.Concurrency },
	},
	{
		key: "ingest.max_attempts", typ: kInt, env: "INVOICEFLOW_INGEST_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Ingest.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.MaxAttempts },
	},
	{
		key: "ingest.poll_interval", typ: kString, env: "INVOICEFLOW_INGEST_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Ingest.PollInterval = v.(string) },
		extract: func(cfg Config) any { return cfg.Ingest.PollInterval },
	},
	{
		key: "log.level", typ: kString, env: "INVOICEFLOW_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetBool(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kFloat:
			v, ok, err := b.GetFloat(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
