// Package tokens estimates prompt and completion token counts for llm runs
// that ended without reporting usage.
package tokens

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/xiaot623/gogo/telemetry/internal/domain"
)

const defaultEncoding = "cl100k_base"

// Message framing overhead, as counted for OpenAI chat requests.
const (
	tokensPerMessage = 3
	tokensPerRole    = 1
	replyPriming     = 3
)

// RunLookup loads the stored start of a run.
type RunLookup interface {
	GetRun(ctx context.Context, runID string) (*domain.Run, error)
}

// Counter completes token usage from the stored run input and the event
// output.
type Counter struct {
	runs RunLookup

	mu       sync.Mutex
	encoders map[string]*tiktoken.Tiktoken
}

// NewCounter creates a Counter.
func NewCounter(runs RunLookup) *Counter {
	return &Counter{runs: runs, encoders: make(map[string]*tiktoken.Tiktoken)}
}

// CompleteUsage fills the missing counts of ev.TokensUsage. It returns the
// event's usage unchanged when the run or its model name is unknown.
func (c *Counter) CompleteUsage(ctx context.Context, ev *domain.Event) (*domain.TokensUsage, error) {
	run, err := c.runs.GetRun(ctx, ev.RunID)
	if err != nil {
		return nil, fmt.Errorf("failed to load run for token count: %w", err)
	}
	if run == nil || run.Name == "" {
		return ev.TokensUsage, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	usage := &domain.TokensUsage{}
	if ev.TokensUsage != nil {
		usage.Prompt = ev.TokensUsage.Prompt
		usage.Completion = ev.TokensUsage.Completion
	}

	count := c.counterFor(run.Name)

	if isUnset(usage.Prompt) && hasJSON(run.Input) {
		n := c.promptTokens(count, run.Input, run.Params)
		usage.Prompt = &n
	}
	if isUnset(usage.Completion) && hasJSON(ev.Output) {
		n := count(outputText(ev.Output))
		usage.Completion = &n
	}
	return usage, nil
}

// counterFor returns a text counter for the model, falling back to a
// character estimate when no encoder can be loaded.
func (c *Counter) counterFor(model string) func(string) int {
	enc := c.encoder(model)
	if enc == nil {
		return Estimate
	}
	return func(text string) int {
		return len(enc.Encode(text, nil, nil))
	}
}

func (c *Counter) encoder(model string) *tiktoken.Tiktoken {
	name := encodingName(model)

	c.mu.Lock()
	defer c.mu.Unlock()

	if enc, ok := c.encoders[name]; ok {
		return enc
	}

	var (
		enc *tiktoken.Tiktoken
		err error
	)
	if name == defaultEncoding {
		enc, err = tiktoken.GetEncoding(defaultEncoding)
	} else {
		enc, err = tiktoken.EncodingForModel(name)
		if err != nil {
			enc, err = tiktoken.GetEncoding(defaultEncoding)
		}
	}
	if err != nil {
		enc = nil
	}
	c.encoders[name] = enc
	return enc
}

// encodingName maps a model name to the key used to pick an encoder.
func encodingName(model string) string {
	lower := strings.ToLower(model)
	if strings.Contains(lower, "gpt") || strings.Contains(lower, "davinci") || strings.Contains(lower, "embedding") {
		return lower
	}
	return defaultEncoding
}

func (c *Counter) promptTokens(count func(string) int, input, params json.RawMessage) int {
	var messages []any
	if err := json.Unmarshal(input, &messages); err != nil {
		return count(string(input))
	}

	total := 0
	for _, m := range messages {
		total += tokensPerMessage
		obj, ok := m.(map[string]any)
		if !ok {
			total += count(stringify(m))
			continue
		}
		for key, value := range obj {
			total += count(stringify(value))
			if key == "role" {
				total += tokensPerRole
			}
		}
	}

	if tools := toolSpecs(params); tools != "" {
		total += count(tools)
	}
	return total + replyPriming
}

func toolSpecs(params json.RawMessage) string {
	if !hasJSON(params) {
		return ""
	}
	var p map[string]json.RawMessage
	if err := json.Unmarshal(params, &p); err != nil {
		return ""
	}
	for _, key := range []string{"functions", "tools"} {
		if raw, ok := p[key]; ok && hasJSON(raw) {
			return string(raw)
		}
	}
	return ""
}

// outputText prefers the text field of an object output.
func outputText(output json.RawMessage) string {
	var obj map[string]any
	if err := json.Unmarshal(output, &obj); err == nil {
		if text, ok := obj["text"].(string); ok && text != "" {
			return text
		}
	}
	return string(output)
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return "null"
	}
	buf, err := domain.EncodeJSON(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(buf)
}

// Estimate approximates a token count at four characters per token.
func Estimate(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

func isUnset(n *int) bool { return n == nil || *n == 0 }

func hasJSON(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}
