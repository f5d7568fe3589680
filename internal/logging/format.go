package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

const clipLimit = 240

// Truncate flattens and clips a value for single-line log output.
func Truncate(value string) string {
	value = strings.TrimSpace(value)
	value = strings.ReplaceAll(value, "\n", " ")
	value = strings.ReplaceAll(value, "\r", " ")
	if value == "" {
		return "<empty>"
	}
	if len(value) > clipLimit {
		return value[:clipLimit] + "..."
	}
	return value
}

func FormatEventLine(event Event) string {
	ts := event.Time.Format("15:04:05")
	level := strings.ToUpper(event.Level.String())
	fields := ""
	if len(event.Fields) > 0 {
		keys := make([]string, 0, len(event.Fields))
		for key := range event.Fields {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, key := range keys {
			parts = append(parts, fmt.Sprintf("%s=%s", key, formatFieldValue(event.Fields[key])))
		}
		fields = " " + strings.Join(parts, " ")
	}
	return fmt.Sprintf("%s [%s] %s%s\n", ts, level, event.Message, fields)
}

func formatFieldValue(value any) string {
	switch v := value.(type) {
	case nil:
		return "<nil>"
	case error:
		return Truncate(v.Error())
	case string:
		return Truncate(v)
	case []byte:
		return Truncate(string(v))
	default:
		return Truncate(fmt.Sprintf("%v", v))
	}
}

// FormatHTTPPayload normalizes HTTP response payloads for log output.
// It attempts to decode JSON so escaped characters render cleanly.
func FormatHTTPPayload(raw []byte) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return "<empty>"
	}

	// JSON string body: "\"{...}\"" or "\"error\""
	var quoted string
	if err := json.Unmarshal([]byte(trimmed), &quoted); err == nil {
		trimmed = strings.TrimSpace(quoted)
	}

	// JSON object/array body: pretty-print without HTML escaping.
	var value any
	if err := json.Unmarshal([]byte(trimmed), &value); err == nil {
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(value); encErr == nil {
			return strings.TrimSpace(buf.String())
		}
	}

	return trimmed
}
