package domain

import (
	"encoding/json"
	"time"
)

// DefaultEvaluatorFilter applies when an evaluator has no filter tree.
var DefaultEvaluatorFilter = json.RawMessage(`["AND",{"id":"type","params":{"type":"llm"}}]`)

// Evaluator is a configured judgment rule over matching runs.
type Evaluator struct {
	ID        string          `json:"id"`
	ProjectID string          `json:"projectId"`
	Name      string          `json:"name"`
	Kind      EvaluatorKind   `json:"kind"`
	Mode      EvaluatorMode   `json:"mode"`
	Params    json.RawMessage `json:"params,omitempty"`
	Filters   json.RawMessage `json:"filters,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// FilterTree returns the evaluator's filter, falling back to the default.
func (e *Evaluator) FilterTree() json.RawMessage {
	if len(e.Filters) == 0 || string(e.Filters) == "null" {
		return DefaultEvaluatorFilter
	}
	return e.Filters
}

// EvaluationResult is the single result row for a (run, evaluator) pair.
type EvaluationResult struct {
	EvaluatorID string          `json:"evaluatorId"`
	RunID       string          `json:"runId"`
	Result      json.RawMessage `json:"result"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// RunToxicity is the denormalized toxicity summary of a run.
type RunToxicity struct {
	RunID        string          `json:"runId"`
	ToxicInput   bool            `json:"toxicInput"`
	ToxicOutput  bool            `json:"toxicOutput"`
	InputLabels  []string        `json:"inputLabels"`
	OutputLabels []string        `json:"outputLabels"`
	Messages     json.RawMessage `json:"messages,omitempty"`
}
