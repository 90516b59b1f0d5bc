package tokens

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/telemetry/internal/domain"
)

type runMap map[string]*domain.Run

func (m runMap) GetRun(ctx context.Context, id string) (*domain.Run, error) {
	return m[id], nil
}

func intPtr(n int) *int { return &n }

func TestCompleteUsageCountsPromptAndCompletion(t *testing.T) {
	runs := runMap{"r1": {
		ID:    "r1",
		Type:  domain.RunTypeLLM,
		Name:  "gpt-4o",
		Input: json.RawMessage(`[{"role":"user","content":"What is the capital of France?"}]`),
	}}
	c := NewCounter(runs)

	usage, err := c.CompleteUsage(context.Background(), &domain.Event{
		Type:   domain.RunTypeLLM,
		Event:  domain.EventEnd,
		RunID:  "r1",
		Output: json.RawMessage(`{"role":"assistant","text":"Paris."}`),
	})
	require.NoError(t, err)
	require.NotNil(t, usage.Prompt)
	require.NotNil(t, usage.Completion)
	// Framing alone contributes seven tokens.
	assert.Greater(t, *usage.Prompt, tokensPerMessage+tokensPerRole+replyPriming)
	assert.Greater(t, *usage.Completion, 0)
}

func TestCompleteUsageKeepsReportedCounts(t *testing.T) {
	runs := runMap{"r1": {ID: "r1", Name: "claude-3-haiku", Input: json.RawMessage(`"hello"`)}}
	c := NewCounter(runs)

	usage, err := c.CompleteUsage(context.Background(), &domain.Event{
		RunID:       "r1",
		Output:      json.RawMessage(`"world"`),
		TokensUsage: &domain.TokensUsage{Prompt: intPtr(42)},
	})
	require.NoError(t, err)
	assert.Equal(t, 42, *usage.Prompt)
	require.NotNil(t, usage.Completion)
	assert.Greater(t, *usage.Completion, 0)
}

func TestCompleteUsageUnknownRun(t *testing.T) {
	c := NewCounter(runMap{})
	reported := &domain.TokensUsage{Prompt: intPtr(1)}

	usage, err := c.CompleteUsage(context.Background(), &domain.Event{RunID: "missing", TokensUsage: reported})
	require.NoError(t, err)
	assert.Same(t, reported, usage)
}

func TestCompleteUsageHonorsCanceledContext(t *testing.T) {
	c := NewCounter(runMap{"r1": {ID: "r1", Name: "gpt-4"}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.CompleteUsage(ctx, &domain.Event{RunID: "r1"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEstimate(t *testing.T) {
	assert.Equal(t, 0, Estimate(""))
	assert.Equal(t, 1, Estimate("abc"))
	assert.Equal(t, 3, Estimate("hello world!"))
}

func TestEncodingName(t *testing.T) {
	assert.Equal(t, "gpt-4o", encodingName("GPT-4o"))
	assert.Equal(t, defaultEncoding, encodingName("claude-3-opus"))
	assert.Equal(t, defaultEncoding, encodingName("gemini-pro"))
}

func TestOutputText(t *testing.T) {
	assert.Equal(t, "hi", outputText(json.RawMessage(`{"text":"hi"}`)))
	assert.Equal(t, `{"content":"x"}`, outputText(json.RawMessage(`{"content":"x"}`)))
}
