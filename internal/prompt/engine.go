// Package prompt implements the PromptEngine component (§4.4): a sandboxed
// template renderer over the evaluation scope {input, state, outputs, env}
// with pipe filters. Grounded on the teacher's regex-based
// internal/application/template engine for the {{...}} extraction pattern,
// extended with github.com/expr-lang/expr for the expression grammar inside
// each placeholder (dotted access, boolean expressions, length()) since the
// teacher's own engine only resolves bare dotted paths.
package prompt

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/expr-lang/expr"

	"github.com/smilemakc/cascade/internal/hashing"
	"github.com/smilemakc/cascade/internal/toon"
)

// placeholderPattern matches {{ ... }}, non-greedy, single-line expressions —
// the grammar surface actually used by cascades is small (§9 Design Notes).
var placeholderPattern = regexp.MustCompile(`\{\{\s*(.*?)\s*\}\}`)

// Scope is the evaluation context a template is rendered against (§4.4).
type Scope struct {
	Input        map[string]any
	State        map[string]any
	Outputs      map[string]any
	Env          map[string]any
	CheckpointID string
	SessionID    string
}

func (s Scope) env() map[string]any {
	return map[string]any{
		"input":         orEmpty(s.Input),
		"state":         orEmpty(s.State),
		"outputs":       orEmpty(s.Outputs),
		"env":           orEmpty(s.Env),
		"checkpoint_id": s.CheckpointID,
		"session_id":    s.SessionID,
		"length":        lengthOf,
	}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func lengthOf(v any) int {
	switch t := v.(type) {
	case []any:
		return len(t)
	case map[string]any:
		return len(t)
	case string:
		return len(t)
	default:
		return 0
	}
}

// Filter is a first-class function applied via a pipe, e.g. `{{ x | tojson }}`.
type Filter func(any) (any, error)

// Filters is the built-in filter registry named in §4.4.
var Filters = map[string]Filter{
	"tojson": func(v any) (any, error) {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("prompt: tojson: %w", err)
		}
		return string(raw), nil
	},
	"to_json": func(v any) (any, error) {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("prompt: to_json: %w", err)
		}
		return string(raw), nil
	},
	"totoon": func(v any) (any, error) {
		encoded, _ := toon.Encode(v)
		return encoded, nil
	},
	"structure_hash": func(v any) (any, error) {
		raw, err := hashing.SortedJSON(v)
		if err != nil {
			return nil, fmt.Errorf("prompt: structure_hash: %w", err)
		}
		return hashing.ContentHash(string(raw)), nil
	},
	"from_json": func(v any) (any, error) {
		s, ok := v.(string)
		if !ok {
			return v, nil
		}
		var out any
		if err := json.Unmarshal([]byte(s), &out); err != nil {
			return nil, fmt.Errorf("prompt: from_json: %w", err)
		}
		return out, nil
	},
}

// Engine renders templates against a Scope.
type Engine struct {
	filters map[string]Filter
}

// New returns an Engine with the built-in filter set.
func New() *Engine {
	return &Engine{filters: Filters}
}

// Render evaluates tmpl against scope. If tmpl, once trimmed, is exactly one
// {{...}} expression, the native evaluated value is returned (list/dict
// preservation, §4.4); otherwise each placeholder is stringified and spliced
// into the surrounding text. Missing variables (an absent key of a scope map,
// or an unknown top-level name) evaluate to nil and render as empty string.
// Field access on a missing value (state.a.b with no state.a) is an
// evaluation error.
func (e *Engine) Render(tmpl string, scope Scope) (any, error) {
	trimmed := strings.TrimSpace(tmpl)
	if m := placeholderPattern.FindStringSubmatch(trimmed); m != nil && m[0] == trimmed {
		return e.evalExpr(m[1], scope)
	}

	var evalErr error
	result := placeholderPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		if evalErr != nil {
			return ""
		}
		inner := placeholderPattern.FindStringSubmatch(match)[1]
		v, err := e.evalExpr(inner, scope)
		if err != nil {
			evalErr = err
			return ""
		}
		return stringify(v)
	})
	if evalErr != nil {
		return nil, evalErr
	}
	return result, nil
}

// RenderString is a convenience wrapper that always returns a string.
func (e *Engine) RenderString(tmpl string, scope Scope) (string, error) {
	v, err := e.Render(tmpl, scope)
	if err != nil {
		return "", err
	}
	return stringify(v), nil
}

// RenderMap renders every string value in m (recursively) against scope,
// preserving native types produced by whole-expression templates — this is
// how DeterministicExecutor renders `cell.inputs` (§4.5 step 1).
func (e *Engine) RenderMap(m map[string]any, scope Scope) (map[string]any, error) {
	out := make(map[string]any, len(m))
	for k, v := range m {
		rv, err := e.renderValue(v, scope)
		if err != nil {
			return nil, err
		}
		out[k] = rv
	}
	return out, nil
}

func (e *Engine) renderValue(v any, scope Scope) (any, error) {
	switch t := v.(type) {
	case string:
		return e.Render(t, scope)
	case map[string]any:
		return e.RenderMap(t, scope)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			rv, err := e.renderValue(item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	default:
		return v, nil
	}
}

// EvalBool evaluates a boolean expression (used for loop_until and
// predicate wards, §4.7 item 4-5) against {outputs, state} plus the wider
// scope.
func (e *Engine) EvalBool(expression string, scope Scope) (bool, error) {
	v, err := e.evalExpr(expression, scope)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("prompt: expression %q did not evaluate to a boolean (got %T)", expression, v)
	}
	return b, nil
}

// evalExpr splits on top-level pipes, evaluates the base expression with
// expr-lang, then applies each named filter in sequence.
func (e *Engine) evalExpr(inner string, scope Scope) (any, error) {
	parts := splitPipes(inner)
	base := strings.TrimSpace(parts[0])

	program, err := expr.Compile(base, expr.Env(scope.env()), expr.AllowUndefinedVariables())
	if err != nil {
		// Missing variables are a contract, not an error (§4.4); expr-lang
		// only errors this way for genuinely malformed expressions.
		return nil, fmt.Errorf("prompt: compile %q: %w", base, err)
	}
	result, err := expr.Run(program, scope.env())
	if err != nil {
		return nil, fmt.Errorf("prompt: eval %q: %w", base, err)
	}

	for _, f := range parts[1:] {
		name := strings.TrimSpace(f)
		filter, ok := e.filters[name]
		if !ok {
			return nil, fmt.Errorf("prompt: unknown filter %q", name)
		}
		result, err = filter(result)
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

// splitPipes splits on '|' outside of string literals, so filter chains like
// `outputs.load.rows | totoon` split cleanly while `state.label == "a|b"`
// does not.
func splitPipes(s string) []string {
	var parts []string
	var cur strings.Builder
	inQuotes := false
	var quoteChar byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case inQuotes:
			cur.WriteByte(c)
			if c == quoteChar && (i == 0 || s[i-1] != '\\') {
				inQuotes = false
			}
		case c == '\'' || c == '"':
			inQuotes = true
			quoteChar = c
			cur.WriteByte(c)
		case c == '|':
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	parts = append(parts, cur.String())
	return parts
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(raw)
	}
}
