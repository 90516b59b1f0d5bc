package filter

import (
	"fmt"
	"strings"
)

// Operator names accepted in leaf params.
const (
	OpGT          = "gt"
	OpGTE         = "gte"
	OpLT          = "lt"
	OpLTE         = "lte"
	OpEQ          = "eq"
	OpNEQ         = "neq"
	OpIEquals     = "iequals"
	OpIContains   = "icontains"
	OpContains    = "contains"
	OpStartsWith  = "startswith"
	OpIStartsWith = "istartswith"
	OpEndsWith    = "endswith"
	OpIEndsWith   = "iendswith"
)

var numericOperators = map[string]string{
	OpGT:  ">",
	OpGTE: ">=",
	OpLT:  "<",
	OpLTE: "<=",
	OpEQ:  "=",
	OpNEQ: "!=",
}

func numericOperator(p params) (string, string, error) {
	name, err := p.str("operator")
	if err != nil {
		return "", "", err
	}
	sqlOp, ok := numericOperators[name]
	if !ok {
		return "", "", fmt.Errorf("operator %q is not numeric", name)
	}
	return name, sqlOp, nil
}

func compareFloat(op string, a, b float64) bool {
	switch op {
	case OpGT:
		return a > b
	case OpGTE:
		return a >= b
	case OpLT:
		return a < b
	case OpLTE:
		return a <= b
	case OpEQ:
		return a == b
	case OpNEQ:
		return a != b
	}
	return false
}

func compareInt(op string, a, b int64) bool {
	switch op {
	case OpGT:
		return a > b
	case OpGTE:
		return a >= b
	case OpLT:
		return a < b
	case OpLTE:
		return a <= b
	case OpEQ:
		return a == b
	case OpNEQ:
		return a != b
	}
	return false
}

// stringMatch is a text operator over a non-NULL SQL expression.
type stringMatch struct {
	op     string
	needle string
}

var textOperators = map[string]bool{
	OpEQ: true, OpNEQ: true, OpIEquals: true, OpIContains: true, OpContains: true,
	OpStartsWith: true, OpIStartsWith: true, OpEndsWith: true, OpIEndsWith: true,
}

func parseStringMatch(p params, valueKey string) (stringMatch, error) {
	op, err := p.str("operator")
	if err != nil {
		return stringMatch{}, err
	}
	if !textOperators[op] {
		return stringMatch{}, fmt.Errorf("operator %q is not a text operator", op)
	}
	needle, err := p.str(valueKey)
	if err != nil {
		return stringMatch{}, err
	}
	return stringMatch{op: op, needle: needle}, nil
}

func (m stringMatch) insensitive() bool {
	return strings.HasPrefix(m.op, "i")
}

// sql renders the match against expr, which must not be NULL.
func (m stringMatch) sql(expr string) Fragment {
	x, needle := expr, "?"
	if m.insensitive() {
		x, needle = "lower("+expr+")", "lower(?)"
	}

	switch m.op {
	case OpEQ, OpIEquals:
		return Fragment{SQL: x + " = " + needle, Args: []any{m.needle}}
	case OpNEQ:
		return Fragment{SQL: x + " != " + needle, Args: []any{m.needle}}
	case OpContains, OpIContains:
		return Fragment{SQL: "instr(" + x + ", " + needle + ") > 0", Args: []any{m.needle}}
	case OpStartsWith, OpIStartsWith:
		return Fragment{
			SQL:  "substr(" + x + ", 1, length(?)) = " + needle,
			Args: []any{m.needle, m.needle},
		}
	default: // OpEndsWith, OpIEndsWith
		return Fragment{
			SQL:  "(? = '' OR substr(" + x + ", -length(?)) = " + needle + ")",
			Args: []any{m.needle, m.needle, m.needle},
		}
	}
}

func (m stringMatch) test(s string) bool {
	needle := m.needle
	if m.insensitive() {
		s, needle = asciiLower(s), asciiLower(needle)
	}

	switch m.op {
	case OpEQ, OpIEquals:
		return s == needle
	case OpNEQ:
		return s != needle
	case OpContains, OpIContains:
		return strings.Contains(s, needle)
	case OpStartsWith, OpIStartsWith:
		return strings.HasPrefix(s, needle)
	default:
		return strings.HasSuffix(s, needle)
	}
}
