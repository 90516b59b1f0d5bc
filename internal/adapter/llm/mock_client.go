package llm

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// MockClient answers every assertion with a verdict derived from the prompt.
// A prompt containing "[fail]" fails; everything else passes.
type MockClient struct{}

// NewMockClient creates a new mock LLM client.
func NewMockClient() *MockClient {
	return &MockClient{}
}

// CreateChatCompletion returns a canned JSON verdict.
func (m *MockClient) CreateChatCompletion(ctx context.Context, req *ChatCompletionRequest) (*ChatCompletionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	content := `{"passed":true,"reason":"[MOCK] assertion holds"}`
	for _, msg := range req.Messages {
		if strings.Contains(msg.Content, "[fail]") {
			content = `{"passed":false,"reason":"[MOCK] assertion does not hold"}`
			break
		}
	}

	prompt := 0
	for _, msg := range req.Messages {
		prompt += len(msg.Content) / 4
	}
	return &ChatCompletionResponse{
		ID:    fmt.Sprintf("mock-chatcmpl-%d", time.Now().UnixNano()),
		Model: req.Model,
		Choices: []Choice{{
			Message:      &ChatMessage{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
		Usage: &Usage{
			PromptTokens:     prompt,
			CompletionTokens: len(content) / 4,
			TotalTokens:      prompt + len(content)/4,
		},
	}, nil
}
