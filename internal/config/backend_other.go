//go:build !darwin

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return appName + "-data"
		}
	}
	return filepath.Join(dir, appName)
}

func apiKeyHint(key string) string {
	return " or " + secretsFilePath() + " (service: " + appName + ", account: " + key + ")"
}

// fileBackend keeps settings as a flat key/value document. The file may be
// JSON or YAML; it is written back in the format its extension names.
type fileBackend struct {
	path string
	data map[string]any
}

func newPlatformBackend() ConfigBackend {
	return openFileBackend(configFilePath())
}

func openFileBackend(path string) *fileBackend {
	b := &fileBackend{path: path, data: make(map[string]any)}
	b.load()
	return b
}

// configFilePath resolves INVOICEFLOW_CONFIG first, then config.yaml and
// config.json under $XDG_CONFIG_HOME/invoiceflow. JSON is the default for
// a fresh install.
func configFilePath() string {
	if p := os.Getenv("INVOICEFLOW_CONFIG"); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	base := filepath.Join(dir, appName)
	for _, name := range []string{"config.yaml", "config.yml"} {
		if _, err := os.Stat(filepath.Join(base, name)); err == nil {
			return filepath.Join(base, name)
		}
	}
	return filepath.Join(base, "config.json")
}

func (b *fileBackend) isYAML() bool {
	ext := strings.ToLower(filepath.Ext(b.path))
	return ext == ".yaml" || ext == ".yml"
}

func (b *fileBackend) load() {
	raw, err := os.ReadFile(b.path)
	if err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "[WARN] could not read config file %s: %v. Using default values.\n", b.path, err)
		}
		return
	}
	// yaml.v3 also accepts JSON documents.
	if err := yaml.Unmarshal(raw, &b.data); err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] could not parse config file %s: %v. Using default values.\n", b.path, err)
	}
	if b.data == nil {
		b.data = make(map[string]any)
	}
}

func (b *fileBackend) save() error {
	if err := os.MkdirAll(filepath.Dir(b.path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	var (
		out []byte
		err error
	)
	if b.isYAML() {
		out, err = yaml.Marshal(b.data)
	} else {
		out, err = json.MarshalIndent(b.data, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("encoding %s: %w", b.path, err)
	}
	return os.WriteFile(b.path, out, 0o600)
}

func (b *fileBackend) GetString(key string) (string, bool, error) {
	v, ok := b.data[key]
	if !ok {
		return "", false, nil
	}
	if s, ok := v.(string); ok {
		return s, true, nil
	}
	return fmt.Sprintf("%v", v), true, nil
}

func (b *fileBackend) GetInt(key string) (int, bool, error) {
	v, ok := b.data[key]
	if !ok {
		return 0, false, nil
	}
	i, err := coerceInt(key, v)
	return i, true, err
}

func (b *fileBackend) GetBool(key string) (bool, bool, error) {
	v, ok := b.data[key]
	if !ok {
		return false, false, nil
	}
	bv, err := coerceBool(key, v)
	return bv, true, err
}

func (b *fileBackend) GetFloat(key string) (float64, bool, error) {
	v, ok := b.data[key]
	if !ok {
		return 0, false, nil
	}
	f, err := coerceFloat(key, v)
	return f, true, err
}

func (b *fileBackend) set(key string, v any) error {
	b.data[key] = v
	return b.save()
}

func (b *fileBackend) SetString(key, val string) error        { return b.set(key, val) }
func (b *fileBackend) SetInt(key string, val int) error       { return b.set(key, val) }
func (b *fileBackend) SetBool(key string, val bool) error     { return b.set(key, val) }
func (b *fileBackend) SetFloat(key string, val float64) error { return b.set(key, val) }

func (b *fileBackend) Delete(key string) error {
	delete(b.data, key)
	return b.save()
}
