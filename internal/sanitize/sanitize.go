// Package sanitize prepares call arguments and results for inclusion in a
// receipt payload: secret redaction, JSON-safe summarization, and byte-budget
// truncation. Everything here is pure and never returns an error that could
// leak back into an instrumented call path.
package sanitize

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// RedactionMarker replaces values whose argument name looks secret-like.
const RedactionMarker = "[REDACTED]"

// DefaultSecretPatterns are the substrings that mark an argument name as
// secret-bearing. Matching is case-insensitive and by top-level name only.
var DefaultSecretPatterns = []string{"key", "secret", "token", "password", "credential", "auth"}

const (
	maxStringLen  = 500
	maxDepth      = 3
	maxSampleKeys = 10
)

// Redact returns a copy of args where every entry whose lowercased name
// contains one of patterns is replaced by RedactionMarker. Nested structures
// are not scanned; the boundary is the top-level parameter name.
func Redact(args map[string]any, patterns []string) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for name, v := range args {
		lower := strings.ToLower(name)
		redacted := false
		for _, p := range patterns {
			if p != "" && strings.Contains(lower, p) {
				out[name] = RedactionMarker
				redacted = true
				break
			}
		}
		if !redacted {
			out[name] = v
		}
	}
	return out
}

// SafeValue converts v into a bounded JSON-safe representation. Primitives
// pass through (long strings capped); containers collapse to a descriptive
// placeholder carrying type and size, never full contents.
func SafeValue(v any) any {
	return safeValue(v, maxDepth)
}

// SafeArgs applies SafeValue to every entry of args.
func SafeArgs(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for name, v := range args {
		out[name] = safeValue(v, maxDepth)
	}
	return out
}

func safeValue(v any, depth int) any {
	if v == nil {
		return nil
	}
	if depth <= 0 {
		return "..."
	}
	switch val := v.(type) {
	case bool, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, json.Number:
		return val
	case string:
		if len(val) > maxStringLen {
			return val[:maxStringLen]
		}
		return val
	case []byte:
		return fmt.Sprintf("<bytes len=%d>", len(val))
	case error:
		return safeValue(val.Error(), depth-1)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		keys := make([]string, 0, rv.Len())
		for _, k := range rv.MapKeys() {
			keys = append(keys, fmt.Sprint(k.Interface()))
		}
		sort.Strings(keys)
		if len(keys) > maxSampleKeys {
			keys = keys[:maxSampleKeys]
		}
		return fmt.Sprintf("<map keys=%v>", keys)
	case reflect.Slice, reflect.Array:
		return fmt.Sprintf("<%T len=%d>", v, rv.Len())
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return safeValue(rv.Elem().Interface(), depth-1)
	default:
		return fmt.Sprintf("<%T>", v)
	}
}

// Truncate degrades payload until its JSON encoding fits maxBytes. The order
// is fixed: blank result_summary, then blank arguments, then collapse to a
// minimal record. The returned map always serializes within the budget.
func Truncate(payload map[string]any, maxBytes int) map[string]any {
	if maxBytes <= 0 || encodedSize(payload) <= maxBytes {
		return payload
	}
	if _, ok := payload["result_summary"]; ok {
		payload["result_summary"] = "<truncated>"
		if encodedSize(payload) <= maxBytes {
			return payload
		}
	}
	if _, ok := payload["arguments"]; ok {
		payload["arguments"] = "<truncated>"
		if encodedSize(payload) <= maxBytes {
			return payload
		}
	}
	return map[string]any{
		"agent":        stringField(payload, "agent"),
		"auto_receipt": true,
		"function":     stringField(payload, "function"),
		"status":       statusField(payload),
		"truncated":    true,
	}
}

func encodedSize(payload map[string]any) int {
	data, err := json.Marshal(payload)
	if err != nil {
		// Unencodable payloads count as oversized so degradation continues.
		return int(^uint(0) >> 1)
	}
	return len(data)
}

func stringField(payload map[string]any, name string) string {
	if s, ok := payload[name].(string); ok {
		return s
	}
	return ""
}

func statusField(payload map[string]any) string {
	if s, ok := payload["status"].(string); ok && s != "" {
		return s
	}
	return "unknown"
}
