package toolexec

import (
	"context"
	"fmt"
	"strings"

	"github.com/smilemakc/cascade/internal/cascadeerr"
	"github.com/smilemakc/cascade/internal/domain"
	"github.com/smilemakc/cascade/internal/echo"
	"github.com/smilemakc/cascade/internal/prompt"
)

// ToolTargetKind enumerates the dispatch kinds parsed from a tool spec (§4.5).
type ToolTargetKind string

const (
	KindRegistered ToolTargetKind = "registered"
	KindPython     ToolTargetKind = "python"
	KindSQL        ToolTargetKind = "sql"
	KindShell      ToolTargetKind = "shell"
)

// ParseToolTarget implements §4.5's parse_tool_target(spec).
func ParseToolTarget(spec string) (kind ToolTargetKind, modulePath string, symbol string) {
	switch {
	case strings.HasPrefix(spec, "python:"):
		rest := strings.TrimPrefix(spec, "python:")
		idx := strings.LastIndex(rest, ".")
		if idx < 0 {
			return KindPython, rest, ""
		}
		return KindPython, rest[:idx], rest[idx+1:]
	case strings.HasPrefix(spec, "sql:"):
		return KindSQL, strings.TrimPrefix(spec, "sql:"), ""
	case strings.HasPrefix(spec, "shell:"):
		return KindShell, strings.TrimPrefix(spec, "shell:"), ""
	default:
		return KindRegistered, spec, ""
	}
}

// Executor implements the DeterministicExecutor component (§4.5).
type Executor struct {
	registry *Registry
	prompt   *prompt.Engine
	loader   ExternalToolLoader // may be nil if no python:/sql:/shell: tools are used
}

func NewExecutor(registry *Registry, promptEngine *prompt.Engine, loader ExternalToolLoader) *Executor {
	return &Executor{registry: registry, prompt: promptEngine, loader: loader}
}

// Result is the outcome of executing one deterministic cell.
type Result struct {
	Output map[string]any
	Routed string // the output's "_route" value when it is a string, e.g. "success" | "error"; "" (no hint) otherwise
}

// Execute runs cell.tool against rendered inputs, per §4.5.
func (e *Executor) Execute(ctx context.Context, cell *domain.Cell, ec *echo.Echo) (Result, error) {
	scope := prompt.Scope{
		Input:     ec.StateSnapshot(),
		State:     ec.StateSnapshot(),
		Outputs:   ec.LineageOutputsByName(),
		SessionID: ec.SessionID,
	}
	renderedInputs, err := e.prompt.RenderMap(cell.Inputs, scope)
	if err != nil {
		return Result{}, &cascadeerr.DeterministicExecutionError{CellName: cell.Name, Tool: cell.Tool, Inputs: cell.Inputs, Original: err}
	}

	tool, err := e.resolve(ctx, cell.Tool)
	if err != nil {
		return Result{}, &cascadeerr.DeterministicExecutionError{CellName: cell.Name, Tool: cell.Tool, Inputs: renderedInputs, Original: err}
	}

	output, err := tool.Invoke(ctx, renderedInputs)
	if err != nil {
		return Result{}, &cascadeerr.DeterministicExecutionError{CellName: cell.Name, Tool: cell.Tool, Inputs: renderedInputs, Original: err}
	}

	routed := ""
	if r, ok := output["_route"].(string); ok {
		routed = r
	}

	if _, hasRows := output["rows"]; hasRows {
		ec.UpdateState("_"+cell.Name, output)
	}

	return Result{Output: output, Routed: routed}, nil
}

func (e *Executor) resolve(ctx context.Context, spec string) (Tool, error) {
	kind, path, symbol := ParseToolTarget(spec)
	if kind == KindRegistered {
		return e.registry.Get(path)
	}
	if e.loader == nil {
		return nil, fmt.Errorf("toolexec: no external loader configured for %s tool %q", kind, spec)
	}
	return e.loader.Load(ctx, string(kind), path, symbol)
}
