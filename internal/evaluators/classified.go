package evaluators

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/xiaot623/gogo/telemetry/internal/adapter/classifier"
	"github.com/xiaot623/gogo/telemetry/internal/domain"
)

// Sentiment scores at or above positiveScore are positive and at or below
// negativeScore negative.
const (
	positiveScore = 0.7
	negativeScore = 0.4
)

type item = map[string]any

// sides is the stored result shape of every classifier-backed kind.
type sides struct {
	Input  []item `json:"input"`
	Output []item `json:"output"`
}

// classification is one classifier call over the input and output texts of
// a run, split back per side.
type classification struct {
	inputs, outputs []string
	in, out         []json.RawMessage
}

func classify(ctx context.Context, client classifier.Classifier, method string, params json.RawMessage, run *domain.Run, logger *slog.Logger) (*classification, error) {
	c := &classification{inputs: messageTexts(run.Input), outputs: messageTexts(run.Output)}
	texts := make([]string, 0, len(c.inputs)+len(c.outputs))
	texts = append(append(texts, c.inputs...), c.outputs...)
	if len(texts) == 0 {
		return c, nil
	}

	results, err := client.Classify(ctx, method, texts, params)
	if errors.Is(err, classifier.ErrTimeout) {
		logger.Warn("classifier timed out, result unknown", "method", method, "run_id", run.ID)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to classify %s: %w", method, err)
	}
	c.in, c.out = results[:len(c.inputs)], results[len(c.inputs):]
	return c, nil
}

// classified covers the kinds whose result is a list of items per side.
type classified struct {
	client classifier.Classifier
	method string
	items  func(raw json.RawMessage) ([]item, error)
	logger *slog.Logger
}

func (k *classified) Evaluate(ctx context.Context, params json.RawMessage, run *domain.Run) (*Outcome, error) {
	c, err := classify(ctx, k.client, k.method, params, run, k.logger)
	if err != nil || c == nil {
		return nil, err
	}

	out := sides{Input: []item{}, Output: []item{}}
	if out.Input, err = k.collect(c.in); err != nil {
		return nil, err
	}
	if out.Output, err = k.collect(c.out); err != nil {
		return nil, err
	}
	data, err := domain.EncodeJSON(out)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s result: %w", k.method, err)
	}
	return &Outcome{Result: data}, nil
}

func (k *classified) collect(results []json.RawMessage) ([]item, error) {
	all := []item{}
	for _, raw := range results {
		if len(raw) == 0 || string(raw) == "null" {
			continue
		}
		items, err := k.items(raw)
		if err != nil {
			return nil, fmt.Errorf("unexpected %s result %s: %w", k.method, raw, err)
		}
		all = append(all, items...)
	}
	return all, nil
}

// languageItems reads {"isoCode": "en", "confidence": 0.98}.
func languageItems(raw json.RawMessage) ([]item, error) {
	var r struct {
		ISOCode    string   `json:"isoCode"`
		Confidence *float64 `json:"confidence"`
	}
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, err
	}
	if r.ISOCode == "" {
		return nil, nil
	}
	it := item{"isoCode": r.ISOCode}
	if r.Confidence != nil {
		it["confidence"] = *r.Confidence
	}
	return []item{it}, nil
}

// topicItems reads a list of topic names or {"topic": ...} objects.
func topicItems(raw json.RawMessage) ([]item, error) {
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []item
	for _, entry := range list {
		var name string
		if err := json.Unmarshal(entry, &name); err != nil {
			var obj struct {
				Topic string `json:"topic"`
			}
			if err := json.Unmarshal(entry, &obj); err != nil {
				return nil, err
			}
			name = obj.Topic
		}
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, item{"topic": name})
	}
	return out, nil
}

// sentimentItems reads a bare score or {"score": ...}.
func sentimentItems(raw json.RawMessage) ([]item, error) {
	var score float64
	if err := json.Unmarshal(raw, &score); err != nil {
		var obj struct {
			Score *float64 `json:"score"`
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, err
		}
		if obj.Score == nil {
			return nil, nil
		}
		score = *obj.Score
	}
	return []item{{"score": score, "label": sentimentLabel(score)}}, nil
}

func sentimentLabel(score float64) string {
	switch {
	case score >= positiveScore:
		return "positive"
	case score <= negativeScore:
		return "negative"
	}
	return "neutral"
}

// piiItems reads a list of {"type": "email", "entity": "a@b.c"}.
func piiItems(raw json.RawMessage) ([]item, error) {
	var list []struct {
		Type   string `json:"type"`
		Entity string `json:"entity"`
	}
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, err
	}
	var out []item
	for _, e := range list {
		if e.Type == "" {
			continue
		}
		it := item{"type": e.Type}
		if e.Entity != "" {
			it["entity"] = e.Entity
		}
		out = append(out, it)
	}
	return out, nil
}

// toxicity also summarizes the run into a RunToxicity row.
type toxicity struct {
	client classifier.Classifier
	logger *slog.Logger
}

type toxicVerdict struct {
	Toxic  bool     `json:"toxic"`
	Labels []string `json:"labels"`
}

type toxicMessage struct {
	Field  string   `json:"field"`
	Text   string   `json:"text"`
	Labels []string `json:"labels"`
}

func (k *toxicity) Evaluate(ctx context.Context, params json.RawMessage, run *domain.Run) (*Outcome, error) {
	c, err := classify(ctx, k.client, classifier.MethodToxicity, params, run, k.logger)
	if err != nil || c == nil {
		return nil, err
	}

	tox := &domain.RunToxicity{RunID: run.ID, InputLabels: []string{}, OutputLabels: []string{}}
	out := sides{Input: []item{}, Output: []item{}}
	flagged := []toxicMessage{}

	side := func(field string, texts []string, results []json.RawMessage) ([]item, []string, bool, error) {
		items := []item{}
		labels := make(map[string]bool)
		toxic := false
		for i, raw := range results {
			if len(raw) == 0 || string(raw) == "null" {
				continue
			}
			var v toxicVerdict
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, nil, false, fmt.Errorf("unexpected toxicity result %s: %w", raw, err)
			}
			if !v.Toxic && len(v.Labels) == 0 {
				continue
			}
			toxic = true
			for _, l := range v.Labels {
				if !labels[l] {
					labels[l] = true
					items = append(items, item{"label": l})
				}
			}
			flagged = append(flagged, toxicMessage{Field: field, Text: texts[i], Labels: v.Labels})
		}
		sorted := make([]string, 0, len(labels))
		for l := range labels {
			sorted = append(sorted, l)
		}
		sort.Strings(sorted)
		return items, sorted, toxic, nil
	}

	if out.Input, tox.InputLabels, tox.ToxicInput, err = side("input", c.inputs, c.in); err != nil {
		return nil, err
	}
	if out.Output, tox.OutputLabels, tox.ToxicOutput, err = side("output", c.outputs, c.out); err != nil {
		return nil, err
	}

	if tox.Messages, err = domain.EncodeJSON(flagged); err != nil {
		return nil, fmt.Errorf("failed to marshal toxic messages: %w", err)
	}
	data, err := domain.EncodeJSON(out)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal toxicity result: %w", err)
	}
	return &Outcome{Result: data, Toxicity: tox}, nil
}
