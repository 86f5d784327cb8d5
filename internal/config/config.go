package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const appName = "invoiceflow"

type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	Dispatch   DispatchConfig
	OCR        OCRConfig
	Validation ValidationConfig
	Mapper     LLMConfig
	Summary    LLMConfig
	Ollama     OllamaConfig
	Telemetry  TelemetryConfig
	Ingest     IngestConfig
	Log        LogConfig
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type StorageConfig struct {
	Driver      string // sqlite or postgres
	DataDir     string
	PostgresDSN string
	UploadsDir  string
}

type DispatchConfig struct {
	Timeout string
}

type OCRConfig struct {
	NativeTextThreshold float64
	Pdftoppm            string
	DPI                 int
	TesseractBinary     string
	TesseractLang       string
	EasyOCRBinary       string
	EasyOCRLanguages    string
	TyphoonBaseURL      string
	TyphoonModel        string
	TyphoonAPIKey       string
	VisionBaseURL       string
	VisionModel         string
	VisionAPIKey        string
	AzureEndpoint       string
	AzureAPIKey         string
}

type ValidationConfig struct {
	Profile string
}

// LLMConfig selects the chat backend of one agent.
type LLMConfig struct {
	Provider string
	Model    string
	BaseURL  string
	APIKey   string
}

type OllamaConfig struct {
	BaseURL string
}

type TelemetryConfig struct {
	Endpoint string
	Insecure bool
}

type IngestConfig struct {
	Concurrency  int
	MaxAttempts  int
	PollInterval string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			Driver:     "sqlite",
			DataDir:    dataDir,
			UploadsDir: filepath.Join(dataDir, "uploads"),
		},
		Dispatch: DispatchConfig{
			Timeout: "2m",
		},
		OCR: OCRConfig{
			NativeTextThreshold: 50,
			Pdftoppm:            "pdftoppm",
			DPI:                 300,
			TesseractBinary:     "tesseract",
			TesseractLang:       "eng",
			EasyOCRBinary:       "easyocr",
			EasyOCRLanguages:    "en",
			TyphoonBaseURL:      "https://api.opentyphoon.ai/v1",
			TyphoonModel:        "typhoon-ocr-preview",
			VisionModel:         "gpt-4o",
		},
		Validation: ValidationConfig{
			Profile: "standard",
		},
		Mapper: LLMConfig{
			Provider: "ollama",
			Model:    "llama3.1",
		},
		Summary: LLMConfig{
			Provider: "ollama",
			Model:    "llama3.1",
		},
		Ollama: OllamaConfig{
			BaseURL: "http://localhost:11434",
		},
		Ingest: IngestConfig{
			Concurrency:  4,
			MaxAttempts:  3,
			PollInterval: "500ms",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend, a .env file in
// the working directory, environment variables, and the platform secret
// store.
//
// On macOS the backend is UserDefaults (domain: com.invoiceflow.app) and
// secrets fall back to macOS Keychain.
// On Linux the backend is a JSON file at
// $XDG_CONFIG_HOME/invoiceflow/config.json and secrets fall back to
// $XDG_DATA_HOME/invoiceflow/secrets.json.
//
// Environment variables (INVOICEFLOW_*) override backend values on all
// platforms. Variables already set in the environment win over .env.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{}, ".env")
}

// keychain abstracts Keychain access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain, envFiles ...string) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("loading %s: %w", f, err)
		}
	}
	applyEnvOverrides(&cfg)
	applySecrets(&cfg, kc)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applySecrets fills secrets still empty after env overrides from the
// platform secret store.
func applySecrets(cfg *Config, kc keychain) {
	for _, s := range specs {
		if !s.secret || s.extract(*cfg) != "" {
			continue
		}
		if v, err := kc.Get(appName, s.key); err == nil && v != "" {
			s.apply(cfg, v)
		}
	}
}

// Validate rejects combinations the server cannot start with.
func (c Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("%s", "missing required config: postgres DSN. "+
				"Set it via environment variable INVOICEFLOW_POSTGRES_DSN"+apiKeyHint("storage.postgres_dsn"))
		}
	default:
		return fmt.Errorf("storage.driver must be sqlite or postgres, got %q", c.Storage.Driver)
	}
	for key, v := range map[string]string{
		"dispatch.timeout":     c.Dispatch.Timeout,
		"ingest.poll_interval": c.Ingest.PollInterval,
	} {
		if d, err := time.ParseDuration(v); err != nil || d <= 0 {
			return fmt.Errorf("%s must be a positive duration, got %q", key, v)
		}
	}
	if c.Ingest.Concurrency < 1 {
		return fmt.Errorf("ingest.concurrency must be at least 1, got %d", c.Ingest.Concurrency)
	}
	return nil
}

// DispatchTimeout is the parsed per-call dispatch timeout.
func (c Config) DispatchTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Dispatch.Timeout)
	return d
}

// PollInterval is the parsed queue poll interval.
func (c Config) PollInterval() time.Duration {
	d, _ := time.ParseDuration(c.Ingest.PollInterval)
	return d
}

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
