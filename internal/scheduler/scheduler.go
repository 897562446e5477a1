// Package scheduler implements the PhaseScheduler (§4.9): it walks a
// cascade's cells in order (or as directed by handoffs), dispatching each to
// the DeterministicExecutor or CellLoop (optionally wrapped by the
// CandidateEngine), and handles self-loops, sub-cascades, and termination.
// Grounded on the teacher's internal/application/executor.WorkflowEngine
// step-walking loop, adapted from an edge-directed DAG walk to the
// cascade's handoff-directed cell sequence.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/smilemakc/cascade/internal/candidate"
	"github.com/smilemakc/cascade/internal/cascadeerr"
	"github.com/smilemakc/cascade/internal/cellloop"
	"github.com/smilemakc/cascade/internal/domain"
	"github.com/smilemakc/cascade/internal/echo"
	"github.com/smilemakc/cascade/internal/hashing"
	"github.com/smilemakc/cascade/internal/logging"
	"github.com/smilemakc/cascade/internal/prompt"
	"github.com/smilemakc/cascade/internal/toolexec"
	"github.com/smilemakc/cascade/internal/tracing"
)

// DefaultCascadeMaxTurns bounds cascade-level cell invocations (distinct from
// a single cell's own rules.max_turns) when the cascade's rules set max_turns
// to 0. An unset cascade max_turns falls back to domain.DefaultMaxTurns (10).
const DefaultCascadeMaxTurns = 100

// DefaultSubCascadeDepthLimit bounds recursive sub-cascade nesting (§9).
const DefaultSubCascadeDepthLimit = 8

// SubCascadeLoader resolves a sub-cascade path to a validated Cascade.
type SubCascadeLoader interface {
	Load(ctx context.Context, path string) (*domain.Cascade, error)
}

// Deps bundles the PhaseScheduler's collaborators.
type Deps struct {
	CellLoop           *cellloop.Loop
	Executor           *toolexec.Executor
	Candidates         *candidate.Engine
	Logger             *logging.Logger
	Prompt             *prompt.Engine
	SubCascades        SubCascadeLoader // nil if sub-cascades are not used
	SubCascadeDepthLim int
}

// Scheduler walks a cascade to completion.
type Scheduler struct {
	deps Deps
}

func New(deps Deps) *Scheduler {
	if deps.SubCascadeDepthLim == 0 {
		deps.SubCascadeDepthLim = DefaultSubCascadeDepthLimit
	}
	return &Scheduler{deps: deps}
}

// Run walks cascade starting at its first cell, returning the user-visible result (§7).
func (s *Scheduler) Run(ctx context.Context, cascade *domain.Cascade, ec *echo.Echo) domain.CascadeResult {
	return s.run(ctx, cascade, ec, 0, "")
}

// RunFrom walks cascade starting at startCell rather than the first cell.
// Used by BranchManager to resume a session at the cell following a
// checkpoint (§4.11 step 5).
func (s *Scheduler) RunFrom(ctx context.Context, cascade *domain.Cascade, ec *echo.Echo, startCell string) domain.CascadeResult {
	return s.run(ctx, cascade, ec, 0, startCell)
}

func (s *Scheduler) run(ctx context.Context, cascade *domain.Cascade, ec *echo.Echo, depth int, startCell string) domain.CascadeResult {
	start := time.Now()

	genusHash, err := s.computeGenusHash(cascade, ec)
	if err != nil {
		return failureResult(cascade.CascadeID, "", cascadeerr.KindValidation, err.Error(), start)
	}
	ec.GenusHash = genusHash
	ec.CurrentCascadeID = cascade.CascadeID

	inputJSON, _ := json.Marshal(ec.StateSnapshot())
	s.log(ctx, ec, cascade.CascadeID, "", domain.LogRow{NodeType: domain.NodeTypeCascadeStart, GenusHash: genusHash, Content: string(inputJSON), ContentType: "cascade_input"})

	maxTurns := cascade.Rules.EffectiveMaxTurns()
	if maxTurns == 0 {
		maxTurns = DefaultCascadeMaxTurns
	}

	var totalCost float64
	cellName := startCell
	if cellName == "" {
		cellName = firstCellName(cascade)
	}
	visited := 0

	for cellName != "" {
		if visited >= maxTurns {
			err := cascadeerr.New(cascadeerr.KindTimeout, ec.SessionID, cascade.CascadeID, cellName, "cascade-level max_turns exhausted", nil, false)
			s.log(ctx, ec, cascade.CascadeID, cellName, domain.LogRow{NodeType: domain.NodeTypeError, Content: err.Error()})
			return failureResultAt(cascade.CascadeID, cellName, cascadeerr.KindTimeout, err.Error(), ec, totalCost, start)
		}
		visited++

		cell := cascade.CellByName(cellName)
		if cell == nil {
			break
		}
		ec.CurrentCellName = cell.Name
		s.log(ctx, ec, cascade.CascadeID, cell.Name, domain.LogRow{NodeType: domain.NodeTypePhaseStart})

		if strings.HasPrefix(cell.Tool, "cascade:") {
			cost, err := s.runSubCascade(ctx, cascade, cell, ec, depth)
			totalCost += cost
			if err != nil {
				return s.failOrRecover(ctx, cascade, cell, ec, err, totalCost, start)
			}
		} else if cell.IsDeterministic() {
			cost, err := s.runDeterministic(ctx, cascade, cell, ec)
			totalCost += cost
			if err != nil {
				return s.failOrRecover(ctx, cascade, cell, ec, err, totalCost, start)
			}
		} else {
			cost, err := s.runLLM(ctx, cascade, cell, ec)
			totalCost += cost
			if err != nil {
				return s.failOrRecover(ctx, cascade, cell, ec, err, totalCost, start)
			}
		}

		s.log(ctx, ec, cascade.CascadeID, cell.Name, domain.LogRow{NodeType: domain.NodeTypePhaseEnd})

		next, isSelfLoop := s.nextCell(cascade, cell, ec)
		if isSelfLoop {
			continue // re-enter the same cell, counts against cascade max_turns
		}
		cellName = next
	}

	lineage := ec.LineageSnapshot()
	result := domain.CascadeResult{
		Status:     "success",
		Lineage:    toResultLineage(lineage),
		FinalState: ec.StateSnapshot(),
		Cost:       totalCost,
		DurationMS: time.Since(start).Milliseconds(),
	}
	s.log(ctx, ec, cascade.CascadeID, "", domain.LogRow{NodeType: domain.NodeTypeCascadeCompleted, Cost: totalCost, DurationMS: result.DurationMS})
	return result
}

func (s *Scheduler) computeGenusHash(cascade *domain.Cascade, ec *echo.Echo) (string, error) {
	cells := make([]hashing.GenusHashCell, len(cascade.Cells))
	for i, c := range cascade.Cells {
		typ := "llm"
		if c.IsDeterministic() {
			typ = "deterministic"
		}
		cells[i] = hashing.GenusHashCell{Name: c.Name, Type: typ, Tool: c.Tool}
	}
	input := ec.StateSnapshot()
	return hashing.GenusHash(hashing.GenusHashInput{
		CascadeID:        cascade.CascadeID,
		Cells:            cells,
		InputFingerprint: hashing.InputFingerprint(input),
		InputData:        input,
	})
}

func (s *Scheduler) runDeterministic(ctx context.Context, cascade *domain.Cascade, cell *domain.Cell, ec *echo.Echo) (float64, error) {
	result, err := s.deps.Executor.Execute(ctx, cell, ec)
	if err != nil {
		return 0, s.handleCellError(cascade, cell, ec, err)
	}
	if result.Routed == "error" {
		ec.AddError(cell.Name, string(cascadeerr.KindTool), fmt.Sprintf("%v", result.Output["error"]))
	}
	ec.AddLineage(cell.Name, result.Output, echo.NewTraceID())
	return 0, nil
}

func (s *Scheduler) runLLM(ctx context.Context, cascade *domain.Cascade, cell *domain.Cell, ec *echo.Echo) (float64, error) {
	runCtx := cellloop.WithEcho(ctx, ec)

	if cell.Candidates != nil {
		runFunc := func(ctx context.Context, c *domain.Cell, variantEcho *echo.Echo) (map[string]any, float64, error) {
			outcome := s.deps.CellLoop.Run(cellloop.WithEcho(ctx, variantEcho), cascade.CascadeID, c)
			if outcome.State != cellloop.StateDone {
				return nil, 0, outcome.Err
			}
			return outcome.Output, 0, nil
		}
		candOutcome, err := s.deps.Candidates.Run(runCtx, cell, ec, runFunc, nil)
		if err != nil {
			return 0, s.handleCellError(cascade, cell, ec, err)
		}
		switch candOutcome.Mode {
		case domain.CandidateModeAggregate:
			outputs := make([]any, len(candOutcome.All))
			for i, r := range candOutcome.All {
				outputs[i] = r.Output
			}
			ec.AddLineage(cell.Name, map[string]any{"candidates": outputs}, echo.NewTraceID())
		default:
			if candOutcome.Winner == nil {
				return 0, s.handleCellError(cascade, cell, ec, fmt.Errorf("candidate: no successful candidate for cell %q", cell.Name))
			}
			ec.AddLineage(cell.Name, candOutcome.Winner.Output, echo.NewTraceID())
		}
		return 0, nil
	}

	outcome := s.deps.CellLoop.Run(runCtx, cascade.CascadeID, cell)
	if outcome.State != cellloop.StateDone {
		return 0, s.handleCellError(cascade, cell, ec, outcome.Err)
	}
	ec.AddLineage(cell.Name, outcome.Output, echo.NewTraceID())
	return 0, nil
}

func (s *Scheduler) runSubCascade(ctx context.Context, parentCascade *domain.Cascade, cell *domain.Cell, ec *echo.Echo, depth int) (float64, error) {
	if s.deps.SubCascades == nil {
		return 0, fmt.Errorf("scheduler: cell %q targets a sub-cascade but no SubCascadeLoader is configured", cell.Name)
	}
	if depth+1 >= s.deps.SubCascadeDepthLim {
		return 0, cascadeerr.New(cascadeerr.KindValidation, ec.SessionID, parentCascade.CascadeID, cell.Name, "sub-cascade depth limit exceeded", nil, false)
	}

	path := strings.TrimPrefix(cell.Tool, "cascade:")
	child, err := s.deps.SubCascades.Load(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("scheduler: loading sub-cascade %q: %w", path, err)
	}

	scope := prompt.Scope{State: ec.StateSnapshot(), Outputs: ec.LineageOutputsByName(), SessionID: ec.SessionID}
	inputs, err := s.deps.Prompt.RenderMap(cell.Inputs, scope)
	if err != nil {
		return 0, err
	}

	childEcho := echo.New(echo.NewTraceID(), ec.CallerID, ec.SessionID)
	for k, v := range inputs {
		childEcho.UpdateState(k, v)
	}

	spanCtx, _, endSpan := tracing.SubCascadeAwait(ctx, parentCascade.CascadeID, path, depth+1)
	childResult := s.run(spanCtx, child, childEcho, depth+1, "")
	if childResult.Status != "success" {
		endSpan(fmt.Errorf("sub-cascade failed"))
	} else {
		endSpan(nil)
	}
	ec.Merge(cell.Name, childEcho)
	if childResult.Status != "success" {
		msg := "sub-cascade failed"
		if childResult.Error != nil {
			msg = childResult.Error.Message
		}
		return childResult.Cost, fmt.Errorf("scheduler: sub-cascade %q: %s", path, msg)
	}
	return childResult.Cost, nil
}

// handleCellError records the error on the Echo and applies
// rules.on_error_strategy (the generalized supplement): continue_on_error and
// best_effort swallow the error, fail_fast (the default) returns it. The
// rules.on_error recovery cell (§4.5/§4.7 item 6) is run by failOrRecover.
func (s *Scheduler) handleCellError(cascade *domain.Cascade, cell *domain.Cell, ec *echo.Echo, cellErr error) error {
	ec.AddError(cell.Name, string(kindOf(cellErr)), cellErr.Error())

	strategy := cell.Rules.OnErrorStrategy
	if strategy == "" {
		strategy = domain.ErrStrategyFailFast
	}
	if strategy == domain.ErrStrategyContinueOnError || strategy == domain.ErrStrategyBestEffort {
		return nil
	}
	return cellErr
}

func (s *Scheduler) failOrRecover(ctx context.Context, cascade *domain.Cascade, cell *domain.Cell, ec *echo.Echo, cellErr error, cost float64, start time.Time) domain.CascadeResult {
	if cell.Rules.OnError != nil {
		ec.UpdateState("error", map[string]any{"cell": cell.Name, "message": cellErr.Error()})
		recoveryErr := cell.Rules.OnError
		if recoveryErr.IsDeterministic() {
			if _, err := s.runDeterministic(ctx, cascade, recoveryErr, ec); err == nil {
				return domain.CascadeResult{Status: "success", Lineage: toResultLineage(ec.LineageSnapshot()), FinalState: ec.StateSnapshot(), Cost: cost, DurationMS: time.Since(start).Milliseconds()}
			}
		} else {
			if _, err := s.runLLM(ctx, cascade, recoveryErr, ec); err == nil {
				return domain.CascadeResult{Status: "success", Lineage: toResultLineage(ec.LineageSnapshot()), FinalState: ec.StateSnapshot(), Cost: cost, DurationMS: time.Since(start).Milliseconds()}
			}
		}
	}

	kind, _ := cascadeerr.KindOf(cellErr)
	return failureResultAt(cascade.CascadeID, cell.Name, kind, cellErr.Error(), ec, cost, start)
}

// nextCell resolves routing after a cell completes (§4.9 item 2): honor an
// explicit `_route_to` hint in the cell's output, else the first-listed
// handoff, else sequential order. Returns isSelfLoop=true when the chosen
// target is the cell itself and rules.loop_until is not yet satisfied.
func (s *Scheduler) nextCell(cascade *domain.Cascade, cell *domain.Cell, ec *echo.Echo) (string, bool) {
	if len(cell.Handoffs) == 0 {
		return sequentialNext(cascade, cell.Name), false
	}

	target := cell.Handoffs[0]
	if lineage := ec.LineageSnapshot(); len(lineage) > 0 {
		if m, ok := lineage[len(lineage)-1].Output.(map[string]any); ok {
			if routeTo, ok := m["_route_to"].(string); ok && contains(cell.Handoffs, routeTo) {
				target = routeTo
			}
		}
	}

	if target == cell.Name {
		done, _ := s.loopUntilDone(cell, ec)
		if !done {
			return cell.Name, true
		}
		return sequentialNext(cascade, cell.Name), false
	}
	return target, false
}

func (s *Scheduler) loopUntilDone(cell *domain.Cell, ec *echo.Echo) (bool, error) {
	if cell.Rules.LoopUntil == "" {
		return true, nil
	}
	return s.deps.Prompt.EvalBool(cell.Rules.LoopUntil, prompt.Scope{Outputs: ec.LineageOutputsByName(), State: ec.StateSnapshot()})
}

func sequentialNext(cascade *domain.Cascade, current string) string {
	for i, c := range cascade.Cells {
		if c.Name == current && i+1 < len(cascade.Cells) {
			return cascade.Cells[i+1].Name
		}
	}
	return ""
}

func firstCellName(cascade *domain.Cascade) string {
	if len(cascade.Cells) == 0 {
		return ""
	}
	return cascade.Cells[0].Name
}

func contains(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}

func (s *Scheduler) log(ctx context.Context, ec *echo.Echo, cascadeID, cellName string, row domain.LogRow) {
	if s.deps.Logger == nil {
		return
	}
	row.CascadeID = cascadeID
	row.CellName = cellName
	row.SessionID = ec.SessionID
	row.GenusHash = ec.GenusHash
	s.deps.Logger.Log(ctx, row)
}

func kindOf(err error) cascadeerr.Kind {
	if k, ok := cascadeerr.KindOf(err); ok {
		return k
	}
	return cascadeerr.KindDeterministic
}

func toResultLineage(entries []echo.LineageEntry) []domain.LineageEntry {
	out := make([]domain.LineageEntry, len(entries))
	for i, e := range entries {
		out[i] = domain.LineageEntry{Cell: e.Cell, Output: e.Output, TraceID: e.TraceID}
	}
	return out
}

func failureResult(cascadeID, cellName string, kind cascadeerr.Kind, message string, start time.Time) domain.CascadeResult {
	return domain.CascadeResult{
		Status:     "failed",
		DurationMS: time.Since(start).Milliseconds(),
		At:         &domain.FailurePoint{Cell: cellName, Cascade: cascadeID},
		Error:      &domain.ResultError{Kind: string(kind), Message: message},
	}
}

func failureResultAt(cascadeID, cellName string, kind cascadeerr.Kind, message string, ec *echo.Echo, cost float64, start time.Time) domain.CascadeResult {
	return domain.CascadeResult{
		Status:     "failed",
		Lineage:    toResultLineage(ec.LineageSnapshot()),
		FinalState: ec.StateSnapshot(),
		Cost:       cost,
		DurationMS: time.Since(start).Milliseconds(),
		At:         &domain.FailurePoint{Cell: cellName, Cascade: cascadeID},
		Error:      &domain.ResultError{Kind: string(kind), Message: message},
	}
}
