// Package cost prices llm runs from a static per-model table.
package cost

import (
	"math"
	"strings"
	"time"

	"github.com/xiaot623/gogo/telemetry/internal/domain"
)

// Price is USD per 1000 tokens.
type Price struct {
	Models []string
	Input  float64
	Output float64
}

// Entries are matched in order against the cleaned model name, so more
// specific names come first.
var prices = []Price{
	{Models: []string{"gpt-4o-mini"}, Input: 0.00015, Output: 0.0006},
	{Models: []string{"gpt-4o"}, Input: 0.005, Output: 0.015},
	{Models: []string{"ft:gpt-3.5-turbo"}, Input: 0.003, Output: 0.006},
	{Models: []string{"gpt-3.5-turbo-0613", "gpt-3.5-turbo-0301"}, Input: 0.0015, Output: 0.002},
	{Models: []string{"gpt-3.5-turbo-instruct"}, Input: 0.0015, Output: 0.002},
	{Models: []string{"gpt-3.5-turbo-16k"}, Input: 0.003, Output: 0.004},
	{Models: []string{"gpt-3.5-turbo-1106"}, Input: 0.001, Output: 0.002},
	{Models: []string{"gpt-3.5-turbo", "gpt-3.5-turbo-0125"}, Input: 0.0005, Output: 0.0015},
	{Models: []string{"text-davinci-003"}, Input: 0.02, Output: 0.02},
	{Models: []string{"gpt-4-turbo", "gpt-4-vision", "gpt-4-1106", "gpt-4-0125"}, Input: 0.01, Output: 0.03},
	{Models: []string{"gpt-4-32k"}, Input: 0.06, Output: 0.12},
	{Models: []string{"gpt-4", "gpt-4-0613", "gpt-4-0314"}, Input: 0.03, Output: 0.06},
	{Models: []string{"claude-instant-1", "claude-instant-v1"}, Input: 0.0008, Output: 0.0024},
	{Models: []string{"claude-2", "claude-v2", "claude-1", "claude-v1"}, Input: 0.008, Output: 0.024},
	{Models: []string{"claude-3-opus"}, Input: 0.015, Output: 0.075},
	{Models: []string{"claude-3-5-sonnet"}, Input: 0.003, Output: 0.015},
	{Models: []string{"claude-3-sonnet"}, Input: 0.003, Output: 0.015},
	{Models: []string{"claude-3-haiku"}, Input: 0.00025, Output: 0.00125},
	{Models: []string{"text-bison", "chat-bison", "code-bison", "codechat-bison"}, Input: 0.0005, Output: 0.0005},
	{Models: []string{"gemini-1.5-pro"}, Input: 0.0035, Output: 0.0105},
	{Models: []string{"gemini-1.5-flash"}, Input: 0.00035, Output: 0.00105},
	{Models: []string{"command-nightly", "command"}, Input: 0.015, Output: 0.015},
	{Models: []string{"mistral-tiny"}, Input: 0.00014, Output: 0.00042},
	{Models: []string{"mistral-small", "mistral-medium"}, Input: 0.0006, Output: 0.0018},
}

// Runs faster than this were served from a cache and cost nothing.
const cachedCallThreshold = 10 * time.Millisecond

var nameReplacer = strings.NewReplacer(
	"gpt4", "gpt-4",
	"gpt3", "gpt-3",
	"gpt-35", "gpt-3.5",
	"claude3", "claude-3",
	"claude2", "claude-2",
	"claude1", "claude-1",
)

// CleanModelName normalizes vendor spellings, e.g. Azure's "gpt-35-turbo".
func CleanModelName(name string) string {
	return nameReplacer.Replace(strings.ToLower(name))
}

// Lookup returns the price entry for a model name.
func Lookup(model string) (Price, bool) {
	cleaned := CleanModelName(model)
	for _, p := range prices {
		for _, m := range p.Models {
			if strings.Contains(cleaned, m) {
				return p, true
			}
		}
	}
	return Price{}, false
}

// Calculate prices a finished llm run. It returns nil for non-llm runs,
// unknown models and cached calls.
func Calculate(run *domain.Run) *float64 {
	if run == nil || run.Type != domain.RunTypeLLM || run.Name == "" {
		return nil
	}
	if run.EndedAt != nil {
		if d := run.EndedAt.Sub(run.CreatedAt); d > 0 && d < cachedCallThreshold {
			return nil
		}
	}

	p, ok := Lookup(run.Name)
	if !ok {
		return nil
	}

	prompt, completion := 0, 0
	if run.PromptTokens != nil {
		prompt = *run.PromptTokens
	}
	if run.CompletionTokens != nil {
		completion = *run.CompletionTokens
	}

	total := (p.Input*float64(prompt))/1000 + (p.Output*float64(completion))/1000
	total = math.Round(total*1e10) / 1e10
	return &total
}
