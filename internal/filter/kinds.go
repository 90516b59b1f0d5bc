package filter

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/xiaot623/gogo/telemetry/internal/domain"
)

// Kind is a predicate kind. The set is closed: kinds are registered in the
// static registry below and nowhere else.
type Kind interface {
	compile(p params) (Fragment, error)
}

// tester is implemented by kinds that can also be evaluated in memory.
type tester interface {
	Kind
	tester(p params) (func(*domain.Run) bool, error)
}

type (
	typeKind     struct{}
	nameListKind struct{ key, alias, runType string }
	usersKind    struct{}
	tagsKind     struct{}
	statusKind   struct{}
	metadataKind struct{}
	nameKind     struct{}
	searchKind   struct{}
	stringKind   struct{}
	lengthKind   struct{}
	dateKind     struct{}
	durationKind struct{}
	costKind     struct{}
	tokensKind   struct{}
)

var registry = map[string]Kind{
	"type":          typeKind{},
	"models":        nameListKind{key: "models", alias: "names"},
	"tools":         nameListKind{key: "tools", runType: string(domain.RunTypeTool)},
	"custom-events": nameListKind{key: "customEvents", runType: string(domain.RunTypeCustomEvent)},
	"users":         usersKind{},
	"tags":          tagsKind{},
	"status":        statusKind{},
	"metadata":      metadataKind{},
	"name":          nameKind{},
	"search":        searchKind{},
	"string":        stringKind{},
	"length":        lengthKind{},
	"date":          dateKind{},
	"duration":      durationKind{},
	"cost":          costKind{},
	"tokens":        tokensKind{},
	"feedback":      feedbackKind{},
	"languages":     classifiedKind{kind: domain.EvaluatorKindLanguage, key: "codes", attr: "isoCode"},
	"topics":        classifiedKind{kind: domain.EvaluatorKindTopics, key: "topics", attr: "topic"},
	"sentiment":     classifiedKind{kind: domain.EvaluatorKindSentiment, key: "sentiment", attr: "label"},
	"pii":           classifiedKind{kind: domain.EvaluatorKindPII, key: "entities", attr: "type", negatable: true},
	"toxicity":      toxicityKind{},
}

// text is the value of a coalesced *_text column.
func text(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	return string(raw)
}

// type

func (typeKind) compile(p params) (Fragment, error) {
	t, err := p.nonEmptyStr("type")
	if err != nil {
		return Fragment{}, err
	}
	if t == string(domain.RunTypeTrace) {
		return Fragment{SQL: "r.type IN ('agent', 'chain') AND r.parent_run_id IS NULL"}, nil
	}
	return Fragment{SQL: "r.type = ?", Args: []any{t}}, nil
}

func (typeKind) tester(p params) (func(*domain.Run) bool, error) {
	t, err := p.nonEmptyStr("type")
	if err != nil {
		return nil, err
	}
	if t == string(domain.RunTypeTrace) {
		return func(r *domain.Run) bool {
			return (r.Type == domain.RunTypeAgent || r.Type == domain.RunTypeChain) && r.ParentRunID == ""
		}, nil
	}
	return func(r *domain.Run) bool { return string(r.Type) == t }, nil
}

// models, tools, custom-events

// names reads the list under key, falling back to alias when key is absent.
func (k nameListKind) names(p params) ([]string, error) {
	if _, ok := p[k.key]; !ok && k.alias != "" {
		return p.list(k.alias)
	}
	return p.list(k.key)
}

func (k nameListKind) compile(p params) (Fragment, error) {
	names, err := k.names(p)
	if err != nil {
		return Fragment{}, err
	}
	in, args := inList(names)
	if k.runType == "" {
		return Fragment{SQL: "r.name IN (" + in + ")", Args: args}, nil
	}
	return Fragment{
		SQL:  "r.type = ? AND r.name IN (" + in + ")",
		Args: append([]any{k.runType}, args...),
	}, nil
}

func (k nameListKind) tester(p params) (func(*domain.Run) bool, error) {
	names, err := k.names(p)
	if err != nil {
		return nil, err
	}
	return func(r *domain.Run) bool {
		if k.runType != "" && string(r.Type) != k.runType {
			return false
		}
		return r.Name != "" && contains(names, r.Name)
	}, nil
}

// users

func (usersKind) compile(p params) (Fragment, error) {
	users, err := p.list("users")
	if err != nil {
		return Fragment{}, err
	}
	in, args := inList(users)
	return Fragment{SQL: "r.external_user_id IN (" + in + ")", Args: args}, nil
}

func (usersKind) tester(p params) (func(*domain.Run) bool, error) {
	users, err := p.list("users")
	if err != nil {
		return nil, err
	}
	return func(r *domain.Run) bool {
		return r.ExternalUserID != "" && contains(users, r.ExternalUserID)
	}, nil
}

// tags

func (tagsKind) compile(p params) (Fragment, error) {
	tags, err := p.list("tags")
	if err != nil {
		return Fragment{}, err
	}
	in, args := inList(tags)
	return Fragment{
		SQL:  "EXISTS (SELECT 1 FROM json_each(r.tags) WHERE json_each.value IN (" + in + "))",
		Args: args,
	}, nil
}

func (tagsKind) tester(p params) (func(*domain.Run) bool, error) {
	tags, err := p.list("tags")
	if err != nil {
		return nil, err
	}
	return func(r *domain.Run) bool {
		for _, t := range r.Tags {
			if contains(tags, t) {
				return true
			}
		}
		return false
	}, nil
}

// status

func (statusKind) compile(p params) (Fragment, error) {
	s, err := p.nonEmptyStr("status")
	if err != nil {
		return Fragment{}, err
	}
	return Fragment{SQL: "r.status = ?", Args: []any{s}}, nil
}

func (statusKind) tester(p params) (func(*domain.Run) bool, error) {
	s, err := p.nonEmptyStr("status")
	if err != nil {
		return nil, err
	}
	return func(r *domain.Run) bool { return string(r.Status) == s }, nil
}

// metadata

type metadataMatch struct {
	key, path, value string
	number           *float64
}

func parseMetadata(p params) (metadataMatch, error) {
	key, err := p.nonEmptyStr("key")
	if err != nil {
		return metadataMatch{}, err
	}
	path, err := jsonPath(key)
	if err != nil {
		return metadataMatch{}, err
	}
	var value string
	switch v := p["value"].(type) {
	case bool:
		value = strconv.FormatBool(v)
	case nil:
		if _, present := p["value"]; !present {
			return metadataMatch{}, fmt.Errorf("missing value")
		}
		value = "null"
	default:
		if value, err = p.str("value"); err != nil {
			return metadataMatch{}, err
		}
	}
	m := metadataMatch{key: key, path: path, value: value}
	if numericString.MatchString(value) {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			m.number = &f
		}
	}
	return m, nil
}

func (metadataKind) compile(p params) (Fragment, error) {
	m, err := parseMetadata(p)
	if err != nil {
		return Fragment{}, err
	}
	parts := []string{"(json_type(r.metadata, ?) = 'text' AND json_extract(r.metadata, ?) = ?)"}
	args := []any{m.path, m.path, m.value}
	switch m.value {
	case "true", "false", "null":
		parts = append(parts, "json_type(r.metadata, ?) = '"+m.value+"'")
		args = append(args, m.path)
	}
	if m.number != nil {
		parts = append(parts, "(json_type(r.metadata, ?) IN ('integer', 'real') AND json_extract(r.metadata, ?) = ?)")
		args = append(args, m.path, m.path, *m.number)
	}
	return Fragment{SQL: strings.Join(parts, " OR "), Args: args}, nil
}

func (metadataKind) tester(p params) (func(*domain.Run) bool, error) {
	m, err := parseMetadata(p)
	if err != nil {
		return nil, err
	}
	return func(r *domain.Run) bool {
		v, ok := r.Metadata[m.key]
		if !ok {
			return false
		}
		switch t := v.(type) {
		case string:
			return t == m.value
		case bool:
			return strconv.FormatBool(t) == m.value
		case nil:
			return m.value == "null"
		case json.Number:
			f, err := t.Float64()
			return err == nil && m.number != nil && f == *m.number
		case float64:
			return m.number != nil && t == *m.number
		case int:
			return m.number != nil && float64(t) == *m.number
		case int64:
			return m.number != nil && float64(t) == *m.number
		}
		return false
	}, nil
}

// name

func (nameKind) compile(p params) (Fragment, error) {
	m, err := parseStringMatch(p, "value")
	if err != nil {
		return Fragment{}, err
	}
	f := m.sql("r.name")
	return Fragment{SQL: "r.name IS NOT NULL AND (" + f.SQL + ")", Args: f.Args}, nil
}

func (nameKind) tester(p params) (func(*domain.Run) bool, error) {
	m, err := parseStringMatch(p, "value")
	if err != nil {
		return nil, err
	}
	return func(r *domain.Run) bool { return r.Name != "" && m.test(r.Name) }, nil
}

// search

var searchColumns = []string{"r.input_text", "r.output_text", "r.error_text"}

func (searchKind) compile(p params) (Fragment, error) {
	q, err := p.nonEmptyStr("query")
	if err != nil {
		return Fragment{}, err
	}
	parts := make([]string, len(searchColumns))
	args := make([]any, len(searchColumns))
	for i, col := range searchColumns {
		parts[i] = "instr(lower(" + col + "), lower(?)) > 0"
		args[i] = q
	}
	return Fragment{SQL: strings.Join(parts, " OR "), Args: args}, nil
}

func (searchKind) tester(p params) (func(*domain.Run) bool, error) {
	q, err := p.nonEmptyStr("query")
	if err != nil {
		return nil, err
	}
	q = asciiLower(q)
	return func(r *domain.Run) bool {
		for _, raw := range []json.RawMessage{r.Input, r.Output, r.Error} {
			if strings.Contains(asciiLower(text(raw)), q) {
				return true
			}
		}
		return false
	}, nil
}

// string

type textField struct {
	sql  string
	text func(*domain.Run) string
}

var textFields = map[string]textField{
	"input":  {sql: "r.input_text", text: func(r *domain.Run) string { return text(r.Input) }},
	"output": {sql: "r.output_text", text: func(r *domain.Run) string { return text(r.Output) }},
	"error":  {sql: "r.error_text", text: func(r *domain.Run) string { return text(r.Error) }},
	"any": {
		sql:  "(r.input_text || r.output_text)",
		text: func(r *domain.Run) string { return text(r.Input) + text(r.Output) },
	},
}

type stringFilter struct {
	field  textField
	negate bool
	match  stringMatch
}

func parseStringFilter(p params) (stringFilter, error) {
	fieldName, err := p.oneOf("fields", "any", "input", "output", "any")
	if err != nil {
		return stringFilter{}, err
	}
	mode, err := p.oneOf("type", "contains", "contains", "starts", "ends", "notcontains")
	if err != nil {
		return stringFilter{}, err
	}
	needle, err := p.str("text")
	if err != nil {
		return stringFilter{}, err
	}

	var op string
	switch mode {
	case "starts":
		op = OpStartsWith
	case "ends":
		op = OpEndsWith
	default:
		op = OpContains
	}
	if !p.flag("sensitive") {
		op = "i" + op
	}
	return stringFilter{
		field:  textFields[fieldName],
		negate: mode == "notcontains",
		match:  stringMatch{op: op, needle: needle},
	}, nil
}

func (stringKind) compile(p params) (Fragment, error) {
	f, err := parseStringFilter(p)
	if err != nil {
		return Fragment{}, err
	}
	frag := f.match.sql(f.field.sql)
	if f.negate {
		frag.SQL = "NOT (" + frag.SQL + ")"
	}
	return frag, nil
}

func (stringKind) tester(p params) (func(*domain.Run) bool, error) {
	f, err := parseStringFilter(p)
	if err != nil {
		return nil, err
	}
	return func(r *domain.Run) bool {
		return f.match.test(f.field.text(r)) != f.negate
	}, nil
}

// length

func parseLength(p params) (textField, string, string, float64, error) {
	fieldName, err := p.oneOf("field", "output", "input", "output", "error")
	if err != nil {
		return textField{}, "", "", 0, err
	}
	op, sqlOp, err := numericOperator(p)
	if err != nil {
		return textField{}, "", "", 0, err
	}
	n, err := p.number("length")
	if err != nil {
		return textField{}, "", "", 0, err
	}
	return textFields[fieldName], op, sqlOp, n, nil
}

func (lengthKind) compile(p params) (Fragment, error) {
	field, _, sqlOp, n, err := parseLength(p)
	if err != nil {
		return Fragment{}, err
	}
	return Fragment{SQL: "length(" + field.sql + ") " + sqlOp + " ?", Args: []any{n}}, nil
}

func (lengthKind) tester(p params) (func(*domain.Run) bool, error) {
	field, op, _, n, err := parseLength(p)
	if err != nil {
		return nil, err
	}
	return func(r *domain.Run) bool {
		return compareFloat(op, float64(utf8.RuneCountInString(field.text(r))), n)
	}, nil
}

// date

func parseDate(p params) (string, string, int64, error) {
	op, sqlOp, err := numericOperator(p)
	if err != nil {
		return "", "", 0, err
	}
	t, err := p.date("date")
	if err != nil {
		return "", "", 0, err
	}
	return op, sqlOp, t.UnixMilli(), nil
}

func (dateKind) compile(p params) (Fragment, error) {
	_, sqlOp, ms, err := parseDate(p)
	if err != nil {
		return Fragment{}, err
	}
	return Fragment{SQL: "r.created_at " + sqlOp + " ?", Args: []any{ms}}, nil
}

func (dateKind) tester(p params) (func(*domain.Run) bool, error) {
	op, _, ms, err := parseDate(p)
	if err != nil {
		return nil, err
	}
	return func(r *domain.Run) bool { return compareInt(op, r.CreatedAt.UnixMilli(), ms) }, nil
}

// duration, cost

func parseComparison(p params, key string) (string, string, float64, error) {
	op, sqlOp, err := numericOperator(p)
	if err != nil {
		return "", "", 0, err
	}
	v, err := p.number(key)
	if err != nil {
		return "", "", 0, err
	}
	return op, sqlOp, v, nil
}

func (durationKind) compile(p params) (Fragment, error) {
	_, sqlOp, v, err := parseComparison(p, "duration")
	if err != nil {
		return Fragment{}, err
	}
	return Fragment{SQL: "r.duration " + sqlOp + " ?", Args: []any{v}}, nil
}

func (durationKind) tester(p params) (func(*domain.Run) bool, error) {
	op, _, v, err := parseComparison(p, "duration")
	if err != nil {
		return nil, err
	}
	return func(r *domain.Run) bool {
		d, ok := r.Duration()
		return ok && compareFloat(op, d, v)
	}, nil
}

func (costKind) compile(p params) (Fragment, error) {
	_, sqlOp, v, err := parseComparison(p, "cost")
	if err != nil {
		return Fragment{}, err
	}
	return Fragment{SQL: "r.cost " + sqlOp + " ?", Args: []any{v}}, nil
}

func (costKind) tester(p params) (func(*domain.Run) bool, error) {
	op, _, v, err := parseComparison(p, "cost")
	if err != nil {
		return nil, err
	}
	return func(r *domain.Run) bool { return r.Cost != nil && compareFloat(op, *r.Cost, v) }, nil
}

// tokens

var tokenColumns = map[string]string{
	"prompt":     "r.prompt_tokens",
	"completion": "r.completion_tokens",
	"total":      "(r.prompt_tokens + r.completion_tokens)",
}

func (tokensKind) compile(p params) (Fragment, error) {
	field, err := p.oneOf("field", "total", "prompt", "completion", "total")
	if err != nil {
		return Fragment{}, err
	}
	_, sqlOp, v, err := parseComparison(p, "tokens")
	if err != nil {
		return Fragment{}, err
	}
	return Fragment{SQL: tokenColumns[field] + " " + sqlOp + " ?", Args: []any{v}}, nil
}

func (tokensKind) tester(p params) (func(*domain.Run) bool, error) {
	field, err := p.oneOf("field", "total", "prompt", "completion", "total")
	if err != nil {
		return nil, err
	}
	op, _, v, err := parseComparison(p, "tokens")
	if err != nil {
		return nil, err
	}
	return func(r *domain.Run) bool {
		var n int
		switch field {
		case "prompt":
			if r.PromptTokens == nil {
				return false
			}
			n = *r.PromptTokens
		case "completion":
			if r.CompletionTokens == nil {
				return false
			}
			n = *r.CompletionTokens
		default:
			if r.PromptTokens == nil || r.CompletionTokens == nil {
				return false
			}
			n = *r.PromptTokens + *r.CompletionTokens
		}
		return compareFloat(op, float64(n), v)
	}, nil
}
