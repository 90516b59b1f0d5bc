// Package policy evaluates OPA rego modules against runs.
package policy

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// DefaultQuery is evaluated when a policy evaluator names no query.
const DefaultQuery = "data.telemetry.result"

// Engine is a prepared rego query.
type Engine struct {
	query rego.PreparedEvalQuery
}

// Decision is the outcome of a policy against one run.
type Decision struct {
	Passed bool   `json:"passed"`
	Reason string `json:"reason,omitempty"`
}

// NewEngine compiles module and prepares query. An empty query uses
// DefaultQuery.
func NewEngine(ctx context.Context, module, query string) (*Engine, error) {
	if query == "" {
		query = DefaultQuery
	}
	r := rego.New(
		rego.Query(query),
		rego.Module("telemetry.rego", module),
	)

	prepared, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}
	return &Engine{query: prepared}, nil
}

// Evaluate runs the query with input as the rego input document.
//
// The query may produce a boolean, a string (passes when "allow" or
// "pass"), or an object with passed and reason fields. An undefined result
// is a failure with reason "undefined".
func (e *Engine) Evaluate(ctx context.Context, input any) (Decision, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Decision{}, fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{Passed: false, Reason: "undefined"}, nil
	}

	switch v := results[0].Expressions[0].Value.(type) {
	case bool:
		return Decision{Passed: v}, nil
	case string:
		return Decision{Passed: v == "allow" || v == "pass", Reason: v}, nil
	case map[string]any:
		d := Decision{}
		d.Passed, _ = v["passed"].(bool)
		d.Reason, _ = v["reason"].(string)
		return d, nil
	default:
		return Decision{}, fmt.Errorf("unexpected policy result type %T", v)
	}
}

// Input converts a value into the generic document rego expects.
func Input(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal policy input: %w", err)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal policy input: %w", err)
	}
	return doc, nil
}
