// Package domain holds the declarative data model (§3 of the engine
// specification): cascades, cells, and the configuration blocks attached to
// them. Values in this package are immutable once validated — the
// scheduler, cell loop, and candidate engine only ever read them.
package domain

import "fmt"

// Cascade is an immutable declarative pipeline, validated before execution.
type Cascade struct {
	CascadeID    string         `json:"cascade_id" yaml:"cascade_id"`
	Cells        []*Cell        `json:"cells" yaml:"cells"`
	InputsSchema map[string]any `json:"inputs_schema,omitempty" yaml:"inputs_schema,omitempty"`
	Rules        RulesConfig    `json:"rules" yaml:"rules"`
}

// CellByName returns the cell with the given name, or nil.
func (c *Cascade) CellByName(name string) *Cell {
	for _, cell := range c.Cells {
		if cell.Name == name {
			return cell
		}
	}
	return nil
}

// Validate checks the structural invariants named in §3.1: cell names are
// non-empty and unique, every cell is an LLM or a deterministic cell, every
// handoff target names a cell in the cascade, and every context source names
// a prior cell or the cell itself. The handoff graph is not checked for
// cycles.
func (c *Cascade) Validate() error {
	if c.CascadeID == "" {
		return fmt.Errorf("cascade: cascade_id is required")
	}
	seen := make(map[string]bool, len(c.Cells))
	for i, cell := range c.Cells {
		if cell.Name == "" {
			return fmt.Errorf("cascade %s: cell at index %d has empty name", c.CascadeID, i)
		}
		if seen[cell.Name] {
			return fmt.Errorf("cascade %s: duplicate cell name %q", c.CascadeID, cell.Name)
		}
		seen[cell.Name] = true
		if cell.Tool == "" && cell.Instructions == "" {
			return fmt.Errorf("cascade %s: cell %q is neither an LLM cell nor a deterministic cell", c.CascadeID, cell.Name)
		}
	}
	for _, cell := range c.Cells {
		for _, h := range cell.Handoffs {
			if h != cell.Name && c.CellByName(h) == nil {
				return fmt.Errorf("cascade %s: cell %q handoff references unknown cell %q", c.CascadeID, cell.Name, h)
			}
		}
		if cell.Context != nil {
			precedingOrSelf := map[string]bool{cell.Name: true}
			for _, prior := range c.Cells {
				if prior.Name == cell.Name {
					break
				}
				precedingOrSelf[prior.Name] = true
			}
			for _, src := range cell.Context.Sources {
				if !precedingOrSelf[src.Name] {
					return fmt.Errorf("cascade %s: cell %q context source references non-prior cell %q", c.CascadeID, cell.Name, src.Name)
				}
			}
		}
	}
	return nil
}

// Cell is one execution unit within a cascade: exactly one of an LLM cell
// (Instructions set) or a deterministic cell (Tool set).
type Cell struct {
	Name string `json:"name" yaml:"name"`

	// LLM cell fields.
	Instructions string            `json:"instructions,omitempty" yaml:"instructions,omitempty"`
	Model        string            `json:"model,omitempty" yaml:"model,omitempty"`
	OutputSchema map[string]any    `json:"output_schema,omitempty" yaml:"output_schema,omitempty"`
	Traits       *TraitsConfig     `json:"traits,omitempty" yaml:"traits,omitempty"`
	Candidates   *CandidatesConfig `json:"candidates,omitempty" yaml:"candidates,omitempty"`
	Context      *ContextConfig    `json:"context,omitempty" yaml:"context,omitempty"`
	Wards        []WardConfig      `json:"wards,omitempty" yaml:"wards,omitempty"`
	Handoffs     []string          `json:"handoffs,omitempty" yaml:"handoffs,omitempty"`

	// Deterministic cell fields.
	Tool   string         `json:"tool,omitempty" yaml:"tool,omitempty"`
	Inputs map[string]any `json:"inputs,omitempty" yaml:"inputs,omitempty"`

	// Rules apply at cell level; an unset max_turns falls back to
	// DefaultMaxTurns, not to the cascade-level Rules.
	Rules RulesConfig `json:"rules,omitempty" yaml:"rules,omitempty"`
}

// IsDeterministic reports whether this cell invokes a tool rather than an LLM.
func (c *Cell) IsDeterministic() bool { return c.Tool != "" }

// TraitsConfig selects the tool catalog exposed to an LLM cell: either an
// explicit list, or the literal "manifest" meaning "whole registry, filtered
// by tag policy" (§4.7 item 1).
type TraitsConfig struct {
	Manifest bool     `json:"manifest,omitempty" yaml:"manifest,omitempty"`
	Names    []string `json:"names,omitempty" yaml:"names,omitempty"`
}

// CandidatesConfig controls parallel candidate fan-out for a cell (§3.1, §4.8).
type CandidatesConfig struct {
	// Factor is either a literal count or a template expression evaluated
	// against {outputs, state} that must resolve to a non-negative integer.
	Factor        any    `json:"factor" yaml:"factor"`
	Mode          string `json:"mode" yaml:"mode"` // evaluate | aggregate | first
	EvaluatorCell *Cell  `json:"evaluator,omitempty" yaml:"evaluator,omitempty"`
}

const (
	CandidateModeEvaluate  = "evaluate"
	CandidateModeAggregate = "aggregate"
	CandidateModeFirst     = "first"
)

// RulesConfig bounds turn/loop behavior for a cell or cascade (§3.1).
//
// MaxTurns is a pointer so that an explicit 0 (§8: "max_turns = 0 → cell
// fails immediately") is distinguishable from an absent field, which
// defaults to DefaultMaxTurns.
type RulesConfig struct {
	MaxTurns  *int   `json:"max_turns,omitempty" yaml:"max_turns,omitempty"`
	LoopUntil string `json:"loop_until,omitempty" yaml:"loop_until,omitempty"`

	// OnError names a sub-cell to run with the error injected into scope
	// (§4.5); if empty, the owning cascade fails on unrecovered errors.
	OnError *Cell `json:"on_error,omitempty" yaml:"on_error,omitempty"`

	// OnErrorStrategy generalizes the binary on_error contract (SPEC_FULL
	// supplement, grounded on the teacher's error_strategies.go): fail_fast
	// (default), continue_on_error, best_effort.
	OnErrorStrategy string `json:"on_error_strategy,omitempty" yaml:"on_error_strategy,omitempty"`
}

const DefaultMaxTurns = 10

// EffectiveMaxTurns returns the configured MaxTurns, or DefaultMaxTurns if
// unset. An explicit 0 is returned as 0 (§8: "max_turns = 0 → cell fails
// immediately").
func (r RulesConfig) EffectiveMaxTurns() int {
	if r.MaxTurns == nil {
		return DefaultMaxTurns
	}
	return *r.MaxTurns
}

const (
	ErrStrategyFailFast        = "fail_fast"
	ErrStrategyContinueOnError = "continue_on_error"
	ErrStrategyBestEffort      = "best_effort"
)

// WardConfig is a guardrail evaluated after a turn (§3.1, §4.7 item 4).
type WardConfig struct {
	Kind   string `json:"kind" yaml:"kind"` // regex | jsonschema | predicate
	Spec   string `json:"spec" yaml:"spec"`
	OnFail string `json:"on_fail" yaml:"on_fail"` // retry | fail
}

const (
	WardKindRegex      = "regex"
	WardKindJSONSchema = "jsonschema"
	WardKindPredicate  = "predicate"

	WardOnFailRetry = "retry"
	WardOnFailFail  = "fail"
)

// ContextConfig declares which prior cells feed an LLM cell's prompt (§3.1).
type ContextConfig struct {
	Sources []ContextSource `json:"sources" yaml:"sources"`
}

// ContextSource names one prior cell and what to pull from its record.
type ContextSource struct {
	Name    string   `json:"name" yaml:"name"`
	Include []string `json:"include" yaml:"include"` // output | tool_calls | reasoning
	AsRole  string   `json:"as_role" yaml:"as_role"` // user | assistant | system
	Format  string   `json:"format" yaml:"format"`   // auto | json | toon | repr
}

const (
	IncludeOutput    = "output"
	IncludeToolCalls = "tool_calls"
	IncludeReasoning = "reasoning"

	FormatAuto = "auto"
	FormatJSON = "json"
	FormatTOON = "toon"
	FormatRepr = "repr"
)
