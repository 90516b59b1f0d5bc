package filter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/xiaot623/gogo/telemetry/internal/domain"
)

// These kinds read feedback of child runs or evaluator output, which a run
// alone does not carry, so they compile to SQL only.

type (
	feedbackKind struct{}
	toxicityKind struct{}
)

// classifiedKind matches an attribute of the items an evaluator of kind
// wrote under $.input or $.output of its result.
type classifiedKind struct {
	kind      domain.EvaluatorKind
	key, attr string
	negatable bool
}

// feedback

func feedbackTypes(p params) ([]map[string]any, error) {
	raw, ok := p["types"].([]any)
	if !ok || len(raw) == 0 {
		return nil, fmt.Errorf("types must be a non-empty list")
	}
	out := make([]map[string]any, 0, len(raw))
	for _, el := range raw {
		switch v := el.(type) {
		case map[string]any:
			out = append(out, v)
		case string:
			dec := json.NewDecoder(bytes.NewReader([]byte(v)))
			dec.UseNumber()
			var m map[string]any
			if err := dec.Decode(&m); err != nil {
				return nil, fmt.Errorf("feedback type %q: %w", v, err)
			}
			out = append(out, m)
		default:
			return nil, fmt.Errorf("feedback types must be objects")
		}
	}
	for _, m := range out {
		if len(m) == 0 {
			return nil, fmt.Errorf("empty feedback type")
		}
	}
	return out, nil
}

// feedbackCondition renders one feedback type against the column col.
func feedbackCondition(col string, want map[string]any) (Fragment, error) {
	keys := make([]string, 0, len(want))
	for k := range want {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	var args []any
	for _, k := range keys {
		if k == "comment" {
			parts = append(parts, "coalesce(json_extract("+col+", '$.comment'), '') != ''")
			continue
		}
		path, err := jsonPath(k)
		if err != nil {
			return Fragment{}, err
		}
		switch v := want[k].(type) {
		case nil:
			parts = append(parts, "json_type("+col+", ?) = 'null'")
			args = append(args, path)
		case string, bool:
			parts = append(parts, "json_extract("+col+", ?) = ?")
			args = append(args, path, v)
		case json.Number:
			f, err := v.Float64()
			if err != nil {
				return Fragment{}, err
			}
			parts = append(parts, "json_extract("+col+", ?) = ?")
			args = append(args, path, f)
		default:
			return Fragment{}, fmt.Errorf("feedback value of %q must be a scalar", k)
		}
	}
	return Fragment{SQL: strings.Join(parts, " AND "), Args: args}, nil
}

func (feedbackKind) compile(p params) (Fragment, error) {
	types, err := feedbackTypes(p)
	if err != nil {
		return Fragment{}, err
	}
	parts := make([]string, 0, len(types))
	var args []any
	for _, want := range types {
		own, err := feedbackCondition("r.feedback", want)
		if err != nil {
			return Fragment{}, err
		}
		child, err := feedbackCondition("c.feedback", want)
		if err != nil {
			return Fragment{}, err
		}
		parts = append(parts, "("+own.SQL+") OR EXISTS (SELECT 1 FROM runs c WHERE c.parent_run_id = r.id AND "+child.SQL+")")
		args = append(args, own.Args...)
		args = append(args, child.Args...)
	}
	return Fragment{SQL: strings.Join(parts, " OR "), Args: args}, nil
}

// languages, topics, sentiment, pii

var resultPaths = map[string][]string{
	"input":  {"$.input"},
	"output": {"$.output"},
	"any":    {"$.input", "$.output"},
}

func (k classifiedKind) compile(p params) (Fragment, error) {
	values, err := p.list(k.key)
	if err != nil {
		return Fragment{}, err
	}
	field, err := p.oneOf("field", "any", "input", "output", "any")
	if err != nil {
		return Fragment{}, err
	}
	negate := false
	if k.negatable {
		mode, err := p.oneOf("type", "contains", "contains", "notcontains")
		if err != nil {
			return Fragment{}, err
		}
		negate = mode == "notcontains"
	}

	in, inArgs := inList(values)
	parts := make([]string, 0, 2)
	var args []any
	for _, path := range resultPaths[field] {
		parts = append(parts, "EXISTS (SELECT 1 FROM evaluation_results res"+
			" JOIN evaluators ev ON ev.id = res.evaluator_id,"+
			" json_each(res.result, ?) j"+
			" WHERE res.run_id = r.id AND ev.kind = ?"+
			" AND json_extract(j.value, '$."+k.attr+"') IN ("+in+"))")
		args = append(args, path, string(k.kind))
		args = append(args, inArgs...)
	}

	sql := strings.Join(parts, " OR ")
	if negate {
		sql = "NOT (" + sql + ")"
	}
	return Fragment{SQL: sql, Args: args}, nil
}

// toxicity

func (toxicityKind) compile(p params) (Fragment, error) {
	field, err := p.oneOf("field", "any", "input", "output", "any")
	if err != nil {
		return Fragment{}, err
	}
	mode, err := p.oneOf("type", "contains", "contains", "notcontains")
	if err != nil {
		return Fragment{}, err
	}

	var cond string
	switch field {
	case "input":
		cond = "t.toxic_input = 1"
	case "output":
		cond = "t.toxic_output = 1"
	default:
		cond = "t.toxic_input = 1 OR t.toxic_output = 1"
	}
	sql := "EXISTS (SELECT 1 FROM run_toxicity t WHERE t.run_id = r.id AND (" + cond + "))"
	if mode == "notcontains" {
		sql = "NOT " + sql
	}
	return Fragment{SQL: sql}, nil
}
