package filter

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/xiaot623/gogo/telemetry/internal/domain"
)

// Fragment is a parenthesized SQL predicate over the runs alias r with its
// positional arguments.
type Fragment struct {
	SQL  string `json:"sql"`
	Args []any  `json:"args"`
}

// alwaysTrue replaces any leaf that cannot be compiled.
var alwaysTrue = Fragment{SQL: "(1 = 1)"}

// Compiler turns filter trees into SQL and in-memory matchers. Leaves that
// reference unknown kinds or carry bad params degrade to always-true and
// are logged.
type Compiler struct {
	logger *slog.Logger
}

// New creates a Compiler.
func New(logger *slog.Logger) *Compiler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compiler{logger: logger}
}

// Compile renders n as a single SQL predicate.
func (c *Compiler) Compile(n Node) Fragment {
	switch t := n.(type) {
	case Logic:
		parts := make([]string, 0, len(t.Children))
		var args []any
		for _, child := range t.Children {
			f := c.Compile(child)
			parts = append(parts, f.SQL)
			args = append(args, f.Args...)
		}
		if len(parts) == 0 {
			return alwaysTrue
		}
		return Fragment{SQL: "(" + strings.Join(parts, " "+string(t.Op)+" ") + ")", Args: args}
	case Leaf:
		return c.compileLeaf(t)
	}
	return alwaysTrue
}

// CompileJSON parses and compiles a raw filter tree.
func (c *Compiler) CompileJSON(raw json.RawMessage) (Fragment, error) {
	n, err := Parse(raw)
	if err != nil {
		return Fragment{}, err
	}
	return c.Compile(n), nil
}

func (c *Compiler) compileLeaf(leaf Leaf) Fragment {
	kind, ok := registry[leaf.ID]
	if !ok {
		c.degraded(leaf, &domain.DegradedError{Reason: "unregistered filter " + leaf.ID})
		return alwaysTrue
	}
	f, err := kind.compile(params(leaf.Params))
	if err != nil {
		c.degraded(leaf, &domain.DegradedError{Reason: "bad params for filter " + leaf.ID, Err: err})
		return alwaysTrue
	}
	return Fragment{SQL: "(" + f.SQL + ")", Args: f.Args}
}

// Matcher returns an in-memory tester equivalent to Compile(n). ok is false
// when some leaf has a SQL-only kind.
func (c *Compiler) Matcher(n Node) (func(*domain.Run) bool, bool) {
	switch t := n.(type) {
	case Logic:
		children := make([]func(*domain.Run) bool, 0, len(t.Children))
		for _, child := range t.Children {
			m, ok := c.Matcher(child)
			if !ok {
				return nil, false
			}
			children = append(children, m)
		}
		if t.Op == OpOr {
			return func(r *domain.Run) bool {
				for _, m := range children {
					if m(r) {
						return true
					}
				}
				return false
			}, true
		}
		return func(r *domain.Run) bool {
			for _, m := range children {
				if !m(r) {
					return false
				}
			}
			return true
		}, true
	case Leaf:
		return c.matchLeaf(t)
	}
	return matchAll, true
}

func (c *Compiler) matchLeaf(leaf Leaf) (func(*domain.Run) bool, bool) {
	kind, ok := registry[leaf.ID]
	if !ok {
		c.degraded(leaf, &domain.DegradedError{Reason: "unregistered filter " + leaf.ID})
		return matchAll, true
	}
	t, ok := kind.(tester)
	if !ok {
		return nil, false
	}
	m, err := t.tester(params(leaf.Params))
	if err != nil {
		c.degraded(leaf, &domain.DegradedError{Reason: "bad params for filter " + leaf.ID, Err: err})
		return matchAll, true
	}
	return m, true
}

func (c *Compiler) degraded(leaf Leaf, err error) {
	c.logger.Warn("filter leaf compiled as always-true", "filter", leaf.ID, "error", err)
}

func matchAll(*domain.Run) bool { return true }

// Kinds lists the registered predicate ids and whether each one has an
// in-memory tester.
func Kinds() map[string]bool {
	out := make(map[string]bool, len(registry))
	for id, k := range registry {
		_, dual := k.(tester)
		out[id] = dual
	}
	return out
}
