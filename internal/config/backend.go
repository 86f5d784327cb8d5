package config

import (
	"fmt"
	"math"
	"strconv"
)

// ConfigBackend is the non-secret settings store. On macOS it is the
// com.invoiceflow.app defaults domain, elsewhere a JSON or YAML file under
// $XDG_CONFIG_HOME/invoiceflow. Secrets never go through a backend.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	GetBool(key string) (val bool, ok bool, err error)
	GetFloat(key string) (val float64, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	SetBool(key string, val bool) error
	SetFloat(key string, val float64) error
	Delete(key string) error
}

// The coercions below accept both native values and their string form,
// since a hand-edited config file or `defaults write` may store either.

func coerceInt(key string, v any) (int, error) {
	switch val := v.(type) {
	case int:
		return val, nil
	case int64:
		return int(val), nil
	case float64:
		if val < math.MinInt || val > math.MaxInt || val != math.Trunc(val) {
			return 0, fmt.Errorf("value %v for %s is not a valid integer", val, key)
		}
		return int(val), nil
	case string:
		i, err := strconv.Atoi(val)
		if err != nil {
			return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("invalid type %T for %s", v, key)
	}
}

func coerceBool(key string, v any) (bool, error) {
	switch val := v.(type) {
	case bool:
		return val, nil
	case int:
		return val != 0, nil
	case string:
		b, err := strconv.ParseBool(val)
		if err != nil {
			return false, fmt.Errorf("invalid bool for %s: %w", key, err)
		}
		return b, nil
	default:
		return false, fmt.Errorf("invalid type %T for %s", v, key)
	}
}

func coerceFloat(key string, v any) (float64, error) {
	switch val := v.(type) {
	case float64:
		return val, nil
	case int:
		return float64(val), nil
	case string:
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid float for %s: %w", key, err)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("invalid type %T for %s", v, key)
	}
}
