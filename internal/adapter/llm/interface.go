// Package llm provides a client for OpenAI-compatible chat completion APIs.
package llm

import "context"

// LLMClient defines the chat completion operations used by assertion
// evaluators.
type LLMClient interface {
	// CreateChatCompletion sends a non-streaming chat completion request.
	CreateChatCompletion(ctx context.Context, req *ChatCompletionRequest) (*ChatCompletionResponse, error)
}

var (
	_ LLMClient = (*Client)(nil)
	_ LLMClient = (*MockClient)(nil)
)
