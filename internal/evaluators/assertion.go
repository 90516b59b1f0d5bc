package evaluators

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xiaot623/gogo/telemetry/internal/adapter/llm"
	"github.com/xiaot623/gogo/telemetry/internal/domain"
)

const judgePrompt = `You evaluate the output of an AI system against an assertion.
Answer with a JSON object {"passed": boolean, "reason": string} and nothing else.`

type assertionParams struct {
	Assertion string `json:"assertion"`
	Model     string `json:"model"`
}

type verdict struct {
	Passed bool   `json:"passed"`
	Reason string `json:"reason"`
}

// assertion asks an LLM judge whether the run satisfies a natural-language
// assertion.
type assertion struct {
	client llm.LLMClient
	model  string
}

func (a *assertion) Evaluate(ctx context.Context, raw json.RawMessage, run *domain.Run) (*Outcome, error) {
	var params assertionParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if strings.TrimSpace(params.Assertion) == "" {
		return nil, domain.Invalid("params.assertion", "is required")
	}
	model := params.Model
	if model == "" {
		model = a.model
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Assertion: %s\n\n", params.Assertion)
	fmt.Fprintf(&b, "Input:\n%s\n\n", strings.Join(messageTexts(run.Input), "\n"))
	fmt.Fprintf(&b, "Output:\n%s\n", strings.Join(messageTexts(run.Output), "\n"))

	zero := 0.0
	resp, err := a.client.CreateChatCompletion(ctx, &llm.ChatCompletionRequest{
		Model: model,
		Messages: []llm.ChatMessage{
			{Role: "system", Content: judgePrompt},
			{Role: "user", Content: b.String()},
		},
		Temperature:    &zero,
		ResponseFormat: map[string]any{"type": "json_object"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to ask judge: %w", err)
	}

	var v verdict
	if err := json.Unmarshal([]byte(stripFence(resp.Content())), &v); err != nil {
		return nil, fmt.Errorf("judge returned an unreadable verdict: %w", err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal assertion result: %w", err)
	}
	return &Outcome{Result: data}, nil
}

// stripFence removes a surrounding markdown code fence.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
