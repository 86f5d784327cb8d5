package validation

import (
	"sort"
	"strings"
)

// Profile is a named set of thresholds.
type Profile struct {
	Name            string  `json:"name"`
	ConfidenceFloor float64 `json:"confidence_floor"`
}

var (
	Standard = Profile{Name: "standard", ConfidenceFloor: 0.70}
	Strict   = Profile{Name: "strict", ConfidenceFloor: 0.85}
)

var profiles = map[string]Profile{
	Standard.Name: Standard,
	Strict.Name:   Strict,
}

// ProfileByName looks a profile up case-insensitively. Empty selects Standard.
func ProfileByName(name string) (Profile, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return Standard, true
	}
	p, ok := profiles[name]
	return p, ok
}

// ProfileNames lists the known profiles.
func ProfileNames() []string {
	names := make([]string, 0, len(profiles))
	for n := range profiles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
