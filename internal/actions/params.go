package actions

import (
	"encoding/json"
	"time"
)

// Param helpers shared by the built-in handlers.

func stringParam(m map[string]any, key, defaultVal string) string {
	s, ok := m[key].(string)
	if !ok {
		return defaultVal
	}
	return s
}

func boolParam(m map[string]any, key string, defaultVal bool) bool {
	b, ok := m[key].(bool)
	if !ok {
		return defaultVal
	}
	return b
}

func floatParam(m map[string]any, key string, defaultVal float64) float64 {
	switch n := m[key].(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return defaultVal
		}
		return f
	default:
		return defaultVal
	}
}

// durationParam accepts either a number of seconds or a Go duration string.
func durationParam(m map[string]any, key string, defaultVal time.Duration) time.Duration {
	if s, ok := m[key].(string); ok {
		d, err := time.ParseDuration(s)
		if err != nil {
			return defaultVal
		}
		return d
	}
	secs := floatParam(m, key, -1)
	if secs < 0 {
		return defaultVal
	}
	return time.Duration(secs * float64(time.Second))
}
