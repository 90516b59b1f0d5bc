// Package normalize turns raw SDK events into canonical domain events.
package normalize

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/xiaot623/gogo/telemetry/internal/domain"
)

// UsageCompleter fills in token usage for a terminal llm event that did
// not report it.
type UsageCompleter interface {
	CompleteUsage(ctx context.Context, ev *domain.Event) (*domain.TokensUsage, error)
}

// Normalizer converts raw events into domain.Event values.
type Normalizer struct {
	completer UsageCompleter
	timeout   time.Duration
	logger    *slog.Logger
}

// New creates a Normalizer. completer may be nil.
func New(completer UsageCompleter, timeout time.Duration, logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Normalizer{completer: completer, timeout: timeout, logger: logger}
}

// Decode parses raw JSON into a generic value, keeping numbers exact.
func Decode(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// Normalize parses and cleans a single raw event.
func (n *Normalizer) Normalize(ctx context.Context, raw json.RawMessage) (*domain.Event, error) {
	v, err := Decode(raw)
	if err != nil {
		return nil, domain.Invalid("event", "malformed json: %v", err)
	}
	return n.NormalizeValue(ctx, v)
}

// NormalizeValue cleans an already decoded event.
func (n *Normalizer) NormalizeValue(ctx context.Context, v any) (*domain.Event, error) {
	obj, ok := camelize(v).(map[string]any)
	if !ok {
		return nil, domain.Invalid("event", "must be an object")
	}

	typ, _ := obj["type"].(string)
	if typ == "" {
		return nil, domain.Invalid("type", "is required")
	}

	ev := &domain.Event{
		Type:        domain.RunType(typ),
		Event:       domain.EventName(stringField(obj, "event")),
		RunID:       EnsureUUID(stringField(obj, "runId")),
		ParentRunID: EnsureUUID(stringField(obj, "parentRunId")),
		UserID:      stringField(obj, "userId"),
		TemplateID:  stringField(obj, "templateId"),
		Runtime:     stringField(obj, "runtime"),
		Level:       stringField(obj, "level"),
		UserProps:   rawField(obj, "userProps"),
		Input:       rawField(obj, "input"),
		Output:      rawField(obj, "output"),
		Error:       rawField(obj, "error"),
		Params:      rawField(obj, "params"),
		Extra:       rawField(obj, "extra"),
		Feedback:    rawField(obj, "feedback"),
		Tags:        stringList(obj["tags"]),
		ThreadTags:  stringList(obj["threadTags"]),
		Metadata:    cleanMetadata(obj["metadata"]),
		TokensUsage: tokensUsage(obj["tokensUsage"]),
	}

	if name, ok := obj["name"].(string); ok {
		ev.Name = strings.Replace(name, "models/", "", 1)
	}

	if ts, present := obj["timestamp"]; present {
		if t, ok := parseTimestamp(ts); ok {
			ev.Timestamp = t
		} else {
			n.logger.Warn("could not parse event timestamp", "run_id", ev.RunID, "timestamp", ts)
		}
	}

	if ev.Tags == nil && ev.Metadata != nil {
		ev.Tags = stringList(ev.Metadata["tags"])
	}
	if ev.TemplateID == "" && ev.Metadata != nil {
		ev.TemplateID, _ = ev.Metadata["templateId"].(string)
	}

	switch msg := obj["message"].(type) {
	case string:
		ev.LogMessage = msg
	case map[string]any:
		ev.Message = chatMessage(msg)
	}

	n.completeUsage(ctx, ev)
	return ev, nil
}

func (n *Normalizer) completeUsage(ctx context.Context, ev *domain.Event) {
	if n.completer == nil || ev.Type != domain.RunTypeLLM || ev.Event != domain.EventEnd {
		return
	}
	if ev.TokensUsage.Complete() {
		return
	}

	cctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	usage, err := n.completer.CompleteUsage(cctx, ev)
	if err != nil {
		n.logger.Warn("token usage completion failed", "run_id", ev.RunID, "error", err)
		return
	}
	if usage != nil {
		ev.TokensUsage = usage
	}
}

func chatMessage(obj map[string]any) *domain.ChatMessage {
	msg := &domain.ChatMessage{
		Role:     stringField(obj, "role"),
		Content:  rawField(obj, "content"),
		Tags:     stringList(obj["tags"]),
		Extra:    rawField(obj, "extra"),
		Metadata: rawField(obj, "metadata"),
	}
	msg.IsRetry, _ = obj["isRetry"].(bool)
	return msg
}

func stringField(obj map[string]any, key string) string {
	s, _ := obj[key].(string)
	return s
}

// rawField re-encodes obj[key], returning nil when absent or null.
func rawField(obj map[string]any, key string) json.RawMessage {
	v, ok := obj[key]
	if !ok || v == nil {
		return nil
	}
	buf, err := domain.EncodeJSON(v)
	if err != nil {
		return nil
	}
	return buf
}

// stringList accepts a single string or an array of strings.
func stringList(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []any:
		out := make([]string, 0, len(t))
		for _, el := range t {
			if s, ok := el.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func tokensUsage(v any) *domain.TokensUsage {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	usage := &domain.TokensUsage{
		Prompt:     intField(obj["prompt"]),
		Completion: intField(obj["completion"]),
	}
	if usage.Prompt == nil && usage.Completion == nil {
		return nil
	}
	return usage
}

func intField(v any) *int {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			n := int(i)
			return &n
		}
		if f, err := t.Float64(); err == nil {
			n := int(f)
			return &n
		}
	case float64:
		n := int(t)
		return &n
	}
	return nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
	time.RFC1123Z,
	time.RFC1123,
}

// parseTimestamp accepts ISO-8601 strings or unix milliseconds.
func parseTimestamp(v any) (time.Time, bool) {
	switch t := v.(type) {
	case json.Number:
		ms, err := t.Int64()
		if err != nil {
			f, ferr := t.Float64()
			if ferr != nil {
				return time.Time{}, false
			}
			ms = int64(f)
		}
		return time.UnixMilli(ms).UTC(), true
	case float64:
		return time.UnixMilli(int64(t)).UTC(), true
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range timestampLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed.UTC(), true
			}
		}
	}
	return time.Time{}, false
}
