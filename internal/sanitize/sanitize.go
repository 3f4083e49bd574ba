package sanitize

import (
	"bytes"
	"encoding/json"
	"strings"
)

// CleanedSubstitute replaces the value of any sensitive field. Once a
// record is cleaned the original value is gone for good.
const CleanedSubstitute = "********************"

// Fields that are always masked, regardless of configuration.
var defaultSensitiveFields = []string{
	"api",
	"token",
	"key",
	"secret",
	"password",
	"signature",
}

// Cleaner recursively masks sensitive values in nested data before they
// are persisted. Matching is case-insensitive on the field name.
type Cleaner struct {
	sensitive map[string]bool
}

// New builds a Cleaner from the default sensitive field set plus any
// extra field names supplied by configuration.
func New(extraFields ...string) *Cleaner {
	sensitive := make(map[string]bool, len(defaultSensitiveFields)+len(extraFields))
	for _, field := range defaultSensitiveFields {
		sensitive[field] = true
	}
	for _, field := range extraFields {
		if field = strings.TrimSpace(field); field != "" {
			sensitive[strings.ToLower(field)] = true
		}
	}
	return &Cleaner{sensitive: sensitive}
}

// Clean returns a sanitized copy of data. Maps and slices are walked
// recursively, byte slices are decoded to valid UTF-8, and everything
// else passes through unchanged. The input is never mutated.
func (c *Cleaner) Clean(data interface{}) interface{} {
	switch v := data.(type) {
	case []byte:
		return string(bytes.ToValidUTF8(v, []byte("�")))
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = c.Clean(item)
		}
		return out
	case map[string]string:
		converted := make(map[string]interface{}, len(v))
		for key, val := range v {
			converted[key] = val
		}
		return c.cleanMap(converted)
	case map[string]interface{}:
		return c.cleanMap(v)
	default:
		return data
	}
}

func (c *Cleaner) cleanMap(data map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(data))
	for key, value := range data {
		out[key] = value

		// String values are sometimes structured data in disguise
		// ("[1, 2]", `{"a": 1}`). Try a bounded literal decode so
		// nested secrets don't slip through; anything that isn't a
		// recognized literal stays as-is.
		if s, ok := value.(string); ok {
			if parsed, ok := parseLiteral(s); ok {
				value = parsed
			}
		}

		switch value.(type) {
		case map[string]interface{}, []interface{}:
			out[key] = c.Clean(value)
		}

		// Masking wins over recursion for a matching key.
		if c.sensitive[strings.ToLower(key)] {
			out[key] = CleanedSubstitute
		}
	}
	return out
}

// parseLiteral decodes s as a JSON literal: numbers, quoted strings,
// arrays, objects, booleans and null. No other syntax is recognized.
func parseLiteral(s string) (interface{}, bool) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil, false
	}
	var parsed interface{}
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		return nil, false
	}
	return parsed, true
}
