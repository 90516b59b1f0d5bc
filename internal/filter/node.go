// Package filter compiles nested AND/OR filter trees over runs into
// parameterized SQLite fragments, and for most predicate kinds into an
// equivalent in-memory tester.
//
// The tree has two shapes:
//
//	["AND", child, child, ...]      logic node, operator AND or OR
//	{"id": "type", "params": {...}} leaf referencing a predicate kind
package filter

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/xiaot623/gogo/telemetry/internal/domain"
)

// Node is a Logic or a Leaf.
type Node interface {
	node()
}

// Op is a boolean combinator.
type Op string

const (
	OpAnd Op = "AND"
	OpOr  Op = "OR"
)

// Logic combines its children with Op.
type Logic struct {
	Op       Op
	Children []Node
}

// Leaf references a registered predicate kind.
type Leaf struct {
	ID     string
	Params map[string]any
}

func (Logic) node() {}
func (Leaf) node()  {}

// And builds an AND node.
func And(children ...Node) Logic { return Logic{Op: OpAnd, Children: children} }

// Or builds an OR node.
func Or(children ...Node) Logic { return Logic{Op: OpOr, Children: children} }

// Parse decodes a filter tree.
func Parse(raw json.RawMessage) (Node, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, domain.Invalid("filters", "malformed json: %v", err)
	}
	return parseValue(v, "filters")
}

func parseValue(v any, path string) (Node, error) {
	switch t := v.(type) {
	case []any:
		return parseLogic(t, path)
	case map[string]any:
		return parseLeaf(t, path)
	}
	return nil, domain.Invalid(path, "expected an array or an object")
}

func parseLogic(items []any, path string) (Node, error) {
	if len(items) == 0 {
		return nil, domain.Invalid(path, "empty logic node")
	}
	opName, ok := items[0].(string)
	if !ok {
		return nil, domain.Invalid(path, "logic node must start with AND or OR")
	}
	op := Op(strings.ToUpper(opName))
	if op != OpAnd && op != OpOr {
		return nil, domain.Invalid(path, "unknown operator %q", opName)
	}
	if len(items) < 2 {
		return nil, domain.Invalid(path, "%s needs at least one child", op)
	}

	logic := Logic{Op: op, Children: make([]Node, 0, len(items)-1)}
	for i, item := range items[1:] {
		child, err := parseValue(item, path+"["+strconv.Itoa(i+1)+"]")
		if err != nil {
			return nil, err
		}
		logic.Children = append(logic.Children, child)
	}
	return logic, nil
}

func parseLeaf(obj map[string]any, path string) (Node, error) {
	id, ok := obj["id"].(string)
	if !ok || id == "" {
		return nil, domain.Invalid(path, "leaf needs a string id")
	}
	leaf := Leaf{ID: id, Params: map[string]any{}}
	switch p := obj["params"].(type) {
	case nil:
	case map[string]any:
		leaf.Params = p
	default:
		return nil, domain.Invalid(path, "params of %q must be an object", id)
	}
	return leaf, nil
}

// Marshal encodes a tree back to its JSON form.
func Marshal(n Node) (json.RawMessage, error) {
	return json.Marshal(toValue(n))
}

func toValue(n Node) any {
	switch t := n.(type) {
	case Logic:
		out := make([]any, 0, len(t.Children)+1)
		out = append(out, string(t.Op))
		for _, c := range t.Children {
			out = append(out, toValue(c))
		}
		return out
	case Leaf:
		params := t.Params
		if params == nil {
			params = map[string]any{}
		}
		return map[string]any{"id": t.ID, "params": params}
	}
	return nil
}
