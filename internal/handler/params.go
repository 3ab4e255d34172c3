package handler

import "strings"

// params wraps a command's loosely typed parameter map.
type params map[string]any

func (p params) str(key string) string {
	v, _ := p[key].(string)
	return v
}

func (p params) boolean(key string) bool {
	v, _ := p[key].(bool)
	return v
}

func (p params) integer(key string) int {
	switch v := p[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

func (p params) strs(key string) []string {
	raw, ok := p[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func (p params) obj(key string) map[string]any {
	v, _ := p[key].(map[string]any)
	return v
}

// promptContent flattens a prompt's content parameter: either a plain string
// or a list of content parts whose text parts are concatenated.
func promptContent(v any) (string, bool) {
	switch content := v.(type) {
	case string:
		return content, true
	case []any:
		var b strings.Builder
		for _, part := range content {
			m, ok := part.(map[string]any)
			if !ok {
				return "", false
			}
			if t, _ := m["type"].(string); t != "" && t != "text" {
				continue
			}
			if text, ok := m["text"].(string); ok {
				b.WriteString(text)
			}
		}
		return b.String(), true
	default:
		return "", false
	}
}
