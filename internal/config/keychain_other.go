//go:build !darwin

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Without a system keychain, secrets live in a 0600 JSON file keyed by
// service then account, next to the invoice database.

func secretsFilePath() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, appName, "secrets.json")
}

type secretsFile map[string]map[string]string

func readSecrets(path string) (secretsFile, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return secretsFile{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading secrets: %w", err)
	}
	if info, err := os.Stat(path); err == nil && info.Mode().Perm()&0o077 != 0 {
		fmt.Fprintf(os.Stderr, "[WARN] %s is readable by other users; chmod 600 it.\n", path)
	}
	sf := secretsFile{}
	if err := json.Unmarshal(raw, &sf); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return sf, nil
}

func (sf secretsFile) write(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, out, 0o600)
}

func keychainGet(service, account string) ([]byte, error) {
	sf, err := readSecrets(secretsFilePath())
	if err != nil {
		return nil, err
	}
	val, ok := sf[service][account]
	if !ok {
		return nil, fmt.Errorf("no secret for %s/%s", service, account)
	}
	return []byte(val), nil
}

// keychainSet stores value, or removes the entry when value is empty.
func keychainSet(service, account, value string) error {
	p := secretsFilePath()
	sf, err := readSecrets(p)
	if err != nil {
		return err
	}
	if value == "" {
		delete(sf[service], account)
	} else {
		if sf[service] == nil {
			sf[service] = map[string]string{}
		}
		sf[service][account] = value
	}
	return sf.write(p)
}
