package filter

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

type params map[string]any

func (p params) str(key string) (string, error) {
	switch v := p[key].(type) {
	case string:
		return v, nil
	case json.Number:
		return v.String(), nil
	case nil:
		return "", fmt.Errorf("missing %s", key)
	}
	return "", fmt.Errorf("%s must be a string", key)
}

// strOr returns the string param or def when absent.
func (p params) strOr(key, def string) (string, error) {
	if _, ok := p[key]; !ok {
		return def, nil
	}
	if p[key] == nil {
		return def, nil
	}
	return p.str(key)
}

// nonEmptyStr requires a string param with at least one character.
func (p params) nonEmptyStr(key string) (string, error) {
	s, err := p.str(key)
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", fmt.Errorf("%s must not be empty", key)
	}
	return s, nil
}

// list accepts a non-empty array of strings or numbers. A single string is
// treated as a one-element list.
func (p params) list(key string) ([]string, error) {
	switch v := p[key].(type) {
	case string:
		return []string{v}, nil
	case []any:
		if len(v) == 0 {
			return nil, fmt.Errorf("%s must not be empty", key)
		}
		out := make([]string, 0, len(v))
		for _, el := range v {
			switch s := el.(type) {
			case string:
				out = append(out, s)
			case json.Number:
				out = append(out, s.String())
			case float64:
				out = append(out, strconv.FormatFloat(s, 'f', -1, 64))
			default:
				return nil, fmt.Errorf("%s must contain strings", key)
			}
		}
		return out, nil
	case []string:
		if len(v) == 0 {
			return nil, fmt.Errorf("%s must not be empty", key)
		}
		return v, nil
	case nil:
		return nil, fmt.Errorf("missing %s", key)
	}
	return nil, fmt.Errorf("%s must be a list", key)
}

func (p params) number(key string) (float64, error) {
	var f float64
	switch v := p[key].(type) {
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return 0, fmt.Errorf("%s: %w", key, err)
		}
		f = parsed
	case float64:
		f = v
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	case string:
		if !numericString.MatchString(strings.TrimSpace(v)) {
			return 0, fmt.Errorf("%s must be a number", key)
		}
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", key, err)
		}
		f = parsed
	case nil:
		return 0, fmt.Errorf("missing %s", key)
	default:
		return 0, fmt.Errorf("%s must be a number", key)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%s must be finite", key)
	}
	return f, nil
}

// flag accepts true or "true".
func (p params) flag(key string) bool {
	switch v := p[key].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	}
	return false
}

// oneOf returns the string param if it is one of the allowed values; def
// applies when the param is absent.
func (p params) oneOf(key, def string, allowed ...string) (string, error) {
	s, err := p.strOr(key, def)
	if err != nil {
		return "", err
	}
	for _, a := range allowed {
		if s == a {
			return s, nil
		}
	}
	return "", fmt.Errorf("%s: unsupported value %q", key, s)
}

var numericString = regexp.MustCompile(`^-?[0-9]+(\.[0-9]+)?([eE][-+]?[0-9]+)?$`)

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func (p params) date(key string) (time.Time, error) {
	s, err := p.nonEmptyStr(key)
	if err != nil {
		return time.Time{}, err
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, strings.TrimSpace(s)); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable %s %q", key, s)
}

// jsonPath builds a JSON1 path addressing a top-level object key.
func jsonPath(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("empty key")
	}
	if strings.ContainsAny(key, `"\`) {
		return "", fmt.Errorf("unsupported key %q", key)
	}
	return `$."` + key + `"`, nil
}

func inList(values []string) (string, []any) {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", "), args
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// asciiLower matches the SQLite built-in lower(), which folds ASCII only.
func asciiLower(s string) string {
	for i := 0; i < len(s); i++ {
		if c := s[i]; c >= 'A' && c <= 'Z' {
			b := []byte(s)
			for j := i; j < len(b); j++ {
				if b[j] >= 'A' && b[j] <= 'Z' {
					b[j] += 'a' - 'A'
				}
			}
			return string(b)
		}
	}
	return s
}
