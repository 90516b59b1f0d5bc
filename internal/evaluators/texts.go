package evaluators

import (
	"encoding/json"
	"strings"

	"github.com/xiaot623/gogo/telemetry/internal/domain"
)

// messageTexts flattens a run input or output into the texts of its
// messages. Strings stand for themselves; message objects contribute their
// content (string or text parts); anything else contributes its JSON.
func messageTexts(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}

	var out []string
	var walk func(v any, top bool)
	walk = func(v any, top bool) {
		switch t := v.(type) {
		case nil:
		case string:
			if strings.TrimSpace(t) != "" {
				out = append(out, t)
			}
		case []any:
			if !top {
				if s := partsText(t); s != "" {
					out = append(out, s)
				}
				return
			}
			for _, item := range t {
				walk(item, false)
			}
		case map[string]any:
			if content, ok := t["content"]; ok {
				switch c := content.(type) {
				case string:
					walk(c, false)
				case []any:
					if s := partsText(c); s != "" {
						out = append(out, s)
					}
				}
				return
			}
			if text, ok := t["text"].(string); ok {
				walk(text, false)
				return
			}
			data, _ := domain.EncodeJSON(t)
			out = append(out, string(data))
		default:
			data, _ := domain.EncodeJSON(t)
			out = append(out, string(data))
		}
	}
	walk(v, true)
	return out
}

// partsText joins the text parts of a multi-part message content.
func partsText(parts []any) string {
	var texts []string
	for _, p := range parts {
		switch part := p.(type) {
		case string:
			texts = append(texts, part)
		case map[string]any:
			if s, ok := part["text"].(string); ok {
				texts = append(texts, s)
			}
		}
	}
	return strings.TrimSpace(strings.Join(texts, "\n"))
}
