package registry

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParseCardYAML decodes and validates a single agent card.
func ParseCardYAML(data []byte) (AgentCard, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return AgentCard{}, fmt.Errorf("%w: card payload is empty", ErrInvalidCard)
	}
	var card AgentCard
	if err := yaml.Unmarshal(data, &card); err != nil {
		return AgentCard{}, fmt.Errorf("%w: decode card: %v", ErrInvalidCard, err)
	}
	if err := card.Validate(); err != nil {
		return AgentCard{}, err
	}
	return card, nil
}

// LoadCardFile reads a YAML card from disk.
func LoadCardFile(path string) (AgentCard, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return AgentCard{}, fmt.Errorf("registry: read %s: %w", path, err)
	}
	card, err := ParseCardYAML(data)
	if err != nil {
		return AgentCard{}, fmt.Errorf("registry: %s: %w", path, err)
	}
	return card, nil
}

// LoadCardDir loads every *.yaml / *.yml card in dir, sorted by file name.
// A missing directory yields no cards.
func LoadCardDir(dir string) ([]AgentCard, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("registry: read %s: %w", dir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var cards []AgentCard
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		card, err := LoadCardFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		cards = append(cards, card)
	}
	return cards, nil
}
