package evaluators

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/xiaot623/gogo/telemetry/internal/domain"
	"github.com/xiaot623/gogo/telemetry/policy"
)

type policyParams struct {
	Module string `json:"module"`
	Query  string `json:"query"`
}

// policyEvaluator evaluates a rego module from the evaluator params with the
// run as input. Prepared queries are cached per module and query.
type policyEvaluator struct {
	mu      sync.Mutex
	engines map[policyParams]*policy.Engine
}

func newPolicyEvaluator() *policyEvaluator {
	return &policyEvaluator{engines: make(map[policyParams]*policy.Engine)}
}

func (p *policyEvaluator) engine(ctx context.Context, params policyParams) (*policy.Engine, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.engines[params]; ok {
		return e, nil
	}
	e, err := policy.NewEngine(ctx, params.Module, params.Query)
	if err != nil {
		return nil, domain.Invalid("params.module", "%v", err)
	}
	p.engines[params] = e
	return e, nil
}

func (p *policyEvaluator) Evaluate(ctx context.Context, raw json.RawMessage, run *domain.Run) (*Outcome, error) {
	var params policyParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if params.Module == "" {
		return nil, domain.Invalid("params.module", "is required")
	}

	engine, err := p.engine(ctx, params)
	if err != nil {
		return nil, err
	}
	input, err := policy.Input(run)
	if err != nil {
		return nil, err
	}
	decision, err := engine.Evaluate(ctx, input)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(decision)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal policy result: %w", err)
	}
	return &Outcome{Result: data}, nil
}
