// Package evaluators implements the judgment backends the scheduler runs
// against matching runs.
package evaluators

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/xiaot623/gogo/telemetry/internal/adapter/classifier"
	"github.com/xiaot623/gogo/telemetry/internal/adapter/llm"
	"github.com/xiaot623/gogo/telemetry/internal/domain"
)

// Outcome is what one evaluation produced. Toxicity is set only by the
// toxicity kind.
type Outcome struct {
	Result   json.RawMessage
	Toxicity *domain.RunToxicity
}

// Evaluator judges a single run. A nil Outcome with a nil error means the
// result is unknown and nothing should be stored.
type Evaluator interface {
	Evaluate(ctx context.Context, params json.RawMessage, run *domain.Run) (*Outcome, error)
}

// Registry dispatches evaluations by evaluator kind.
type Registry struct {
	kinds  map[domain.EvaluatorKind]Evaluator
	logger *slog.Logger
}

// NewRegistry wires every built-in kind. judgeModel is the default model for
// assertion evaluators.
func NewRegistry(cls classifier.Classifier, judge llm.LLMClient, judgeModel string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{kinds: make(map[domain.EvaluatorKind]Evaluator), logger: logger}
	r.Register(domain.EvaluatorKindLanguage, &classified{client: cls, method: classifier.MethodLanguage, items: languageItems, logger: logger})
	r.Register(domain.EvaluatorKindTopics, &classified{client: cls, method: classifier.MethodTopics, items: topicItems, logger: logger})
	r.Register(domain.EvaluatorKindSentiment, &classified{client: cls, method: classifier.MethodSentiment, items: sentimentItems, logger: logger})
	r.Register(domain.EvaluatorKindPII, &classified{client: cls, method: classifier.MethodPII, items: piiItems, logger: logger})
	r.Register(domain.EvaluatorKindToxicity, &toxicity{client: cls, logger: logger})
	r.Register(domain.EvaluatorKindPolicy, newPolicyEvaluator())
	r.Register(domain.EvaluatorKindAssertion, &assertion{client: judge, model: judgeModel})
	return r
}

// Register installs or replaces the evaluator of a kind.
func (r *Registry) Register(kind domain.EvaluatorKind, e Evaluator) {
	r.kinds[kind] = e
}

// Evaluate runs the evaluator's kind against run.
func (r *Registry) Evaluate(ctx context.Context, ev *domain.Evaluator, run *domain.Run) (*Outcome, error) {
	e, ok := r.kinds[ev.Kind]
	if !ok {
		return nil, fmt.Errorf("no backend for evaluator kind %q", ev.Kind)
	}
	return e.Evaluate(ctx, ev.Params, run)
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return domain.Invalid("params", "%v", err)
	}
	return nil
}
