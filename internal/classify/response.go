package classify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// verdict is an oracle answer after validation against the schema.
type verdict struct {
	Explanation string
	Membership  map[string]bool
}

// parseResponse turns raw oracle text into a verdict whose membership keys
// are exactly the schema ids. Keys outside the schema are dropped and
// missing ids are false. Only text that holds no JSON object is rejected.
func parseResponse(s *Schema, raw string, logger *zap.Logger) (*verdict, error) {
	fields, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}

	v := &verdict{Membership: make(map[string]bool, len(s.categories))}
	for _, id := range s.IDs() {
		v.Membership[id] = false
	}

	for key, value := range fields {
		switch {
		case key == explanationKey:
			v.Explanation = explanationText(value)
		case s.Has(key):
			b, ok := coerceBool(value)
			if !ok {
				logger.Warn("coerced non-boolean category value",
					zap.String("category", key), zap.ByteString("value", value), zap.Bool("result", b))
			}
			v.Membership[key] = b
		default:
			logger.Warn("dropped unknown category", zap.String("category", key))
		}
	}
	return v, nil
}

// decodeObject extracts a JSON object from text, tolerating code fences and
// prose around it.
func decodeObject(raw string) (map[string]json.RawMessage, error) {
	text := stripFences(strings.TrimSpace(raw))
	if text == "" {
		return nil, fmt.Errorf("empty response")
	}

	var fields map[string]json.RawMessage
	if json.Valid([]byte(text)) {
		// Well-formed JSON must itself be the object.
		if err := json.Unmarshal([]byte(text), &fields); err != nil {
			return nil, fmt.Errorf("response is not a JSON object: %w", err)
		}
	} else {
		start, end := strings.IndexByte(text, '{'), strings.LastIndexByte(text, '}')
		if start < 0 || end <= start {
			return nil, fmt.Errorf("no JSON object in response")
		}
		if err := json.Unmarshal([]byte(text[start:end+1]), &fields); err != nil {
			return nil, fmt.Errorf("no JSON object in response: %w", err)
		}
	}
	if fields == nil {
		return nil, fmt.Errorf("response is not a JSON object")
	}
	return fields, nil
}

func stripFences(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if nl := strings.IndexByte(text, '\n'); nl >= 0 {
		text = text[nl+1:] // drop the language tag
	}
	text = strings.TrimSpace(text)
	return strings.TrimSpace(strings.TrimSuffix(text, "```"))
}

// coerceBool reads a category value. ok is false when the value was not a
// JSON boolean and had to be coerced.
func coerceBool(raw json.RawMessage) (value, ok bool) {
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "true", "yes":
			return true, false
		}
	}
	return false, false
}

func explanationText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
