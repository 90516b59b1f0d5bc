package llm

import (
	"log/slog"
	"os"
	"time"
)

const (
	// EnvLLMMode selects the client implementation.
	EnvLLMMode = "TELEMETRY_LLM_MODE"
	// ModeMock indicates mock mode should be used.
	ModeMock = "MOCK"
)

// NewLLMClient returns a MockClient when TELEMETRY_LLM_MODE=MOCK and a real
// Client otherwise.
func NewLLMClient(baseURL, apiKey string, timeout time.Duration, logger *slog.Logger) LLMClient {
	if os.Getenv(EnvLLMMode) == ModeMock {
		if logger != nil {
			logger.Info("using mock LLM client", "env", EnvLLMMode)
		}
		return NewMockClient()
	}
	return NewClient(baseURL, apiKey, timeout)
}
