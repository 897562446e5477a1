// Package candidate implements the CandidateEngine (§4.8): parallel
// candidate fan-out for a cell, with copy-on-write Echo isolation and
// evaluate/aggregate/first winner selection. Grounded on the teacher's
// internal/application/executor worker-pool dispatch (bounded goroutine fan-
// out over a channel of results), adapted from node-level parallel edges to
// candidate-level parallel cell variants.
package candidate

import (
	"context"
	"fmt"
	"sync"

	"github.com/smilemakc/cascade/internal/domain"
	"github.com/smilemakc/cascade/internal/echo"
	"github.com/smilemakc/cascade/internal/prompt"
)

// DefaultWorkerPoolSize bounds concurrent candidate variants (§5).
const DefaultWorkerPoolSize = 8

// RunFunc executes one candidate variant of cell against an isolated Echo,
// returning its output. Supplied by the scheduler, which knows whether cell
// is deterministic or LLM and wires the right executor.
type RunFunc func(ctx context.Context, cell *domain.Cell, variantEcho *echo.Echo) (output map[string]any, cost float64, err error)

// EvaluatorFunc scores a set of candidate outputs, returning one score per
// candidate in the same order (§4.8 mode=evaluate).
type EvaluatorFunc func(ctx context.Context, cell *domain.Cell, outputs []map[string]any) ([]float64, error)

// CandidateResult is one variant's outcome.
type CandidateResult struct {
	Index    int
	Output   map[string]any
	Cost     float64
	Duration float64
	Err      error
	Score    float64
	echo     *echo.Echo
}

// Engine runs a cell's candidate fan-out.
type Engine struct {
	poolSize int
	prompt   *prompt.Engine
}

func New(promptEngine *prompt.Engine) *Engine {
	return &Engine{poolSize: DefaultWorkerPoolSize, prompt: promptEngine}
}

// Outcome is the final, selected (or aggregated) result of a candidate run.
type Outcome struct {
	Mode   string
	Winner *CandidateResult  // set for first/evaluate
	All    []CandidateResult // set for aggregate, and always populated for introspection
}

// Run resolves cell.Candidates.Factor, spawns that many variants of run under
// a bounded pool, and selects a winner per cell.Candidates.Mode (§4.8).
func (e *Engine) Run(ctx context.Context, cell *domain.Cell, parent *echo.Echo, run RunFunc, evaluator EvaluatorFunc) (Outcome, error) {
	factor, err := e.resolveFactor(cell, parent)
	if err != nil {
		return Outcome{}, err
	}
	if factor <= 0 {
		// §8 boundary: factor=0 is a no-op; caller records a "skipped" lineage entry.
		return Outcome{Mode: cell.Candidates.Mode}, nil
	}

	mode := cell.Candidates.Mode
	if mode == "" {
		mode = domain.CandidateModeFirst
	}

	if mode == domain.CandidateModeFirst {
		results, winner := e.spawnFirst(ctx, cell, parent, factor, run)
		if winner != nil {
			parent.Merge(cell.Name+":candidate", winner.echo)
		}
		return Outcome{Mode: mode, Winner: winner, All: results}, nil
	}

	results := e.spawn(ctx, cell, parent, factor, run)

	switch mode {

	case domain.CandidateModeAggregate:
		return Outcome{Mode: mode, All: results}, nil

	case domain.CandidateModeEvaluate:
		winner, err := e.selectByEvaluator(ctx, cell, results, evaluator)
		if err != nil {
			return Outcome{}, err
		}
		if winner != nil {
			parent.Merge(cell.Name+":candidate", winner.echo)
		}
		return Outcome{Mode: mode, Winner: winner, All: results}, nil

	default:
		return Outcome{}, fmt.Errorf("candidate: unknown mode %q", mode)
	}
}

func (e *Engine) resolveFactor(cell *domain.Cell, parent *echo.Echo) (int, error) {
	switch f := cell.Candidates.Factor.(type) {
	case int:
		return f, nil
	case float64:
		return int(f), nil
	case string:
		scope := prompt.Scope{Outputs: parent.LineageOutputsByName(), State: parent.StateSnapshot()}
		v, err := e.prompt.Render(f, scope)
		if err != nil {
			return 0, fmt.Errorf("candidate: resolving factor expression: %w", err)
		}
		switch n := v.(type) {
		case int:
			return n, nil
		case float64:
			return int(n), nil
		default:
			return 0, fmt.Errorf("candidate: factor expression did not resolve to a number (got %T)", v)
		}
	default:
		return 0, fmt.Errorf("candidate: unsupported factor type %T", cell.Candidates.Factor)
	}
}

// spawn runs `factor` variants under a bounded worker pool, each against an
// isolated copy-on-write Echo snapshot (§4.8 items 2-3).
func (e *Engine) spawn(ctx context.Context, cell *domain.Cell, parent *echo.Echo, factor int, run RunFunc) []CandidateResult {
	sem := make(chan struct{}, e.poolSize)
	results := make([]CandidateResult, factor)
	var wg sync.WaitGroup

	variantCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for i := 0; i < factor; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()

			variantEcho := parent.Clone()
			output, cost, err := run(variantCtx, cell, variantEcho)
			results[idx] = CandidateResult{Index: idx, Output: output, Cost: cost, Err: err, echo: variantEcho}
		}(i)
	}
	wg.Wait()
	return results
}

// spawnFirst runs `factor` variants under a bounded pool for mode='first'
// (§4.8 item 5): each variant reports its completion over a channel, and as
// soon as the first success is reported, the shared context is cancelled so
// the remaining, losing variants abort instead of running to completion.
// The winner is whichever variant completes successfully first, not
// necessarily index 0.
func (e *Engine) spawnFirst(ctx context.Context, cell *domain.Cell, parent *echo.Echo, factor int, run RunFunc) ([]CandidateResult, *CandidateResult) {
	sem := make(chan struct{}, e.poolSize)
	results := make([]CandidateResult, factor)

	variantCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type report struct {
		idx int
		ok  bool
	}
	reports := make(chan report, factor)
	var wg sync.WaitGroup

	for i := 0; i < factor; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()

			variantEcho := parent.Clone()
			output, cost, err := run(variantCtx, cell, variantEcho)
			results[idx] = CandidateResult{Index: idx, Output: output, Cost: cost, Err: err, echo: variantEcho}
			reports <- report{idx: idx, ok: err == nil}
		}(i)
	}

	go func() {
		wg.Wait()
		close(reports)
	}()

	winnerIdx := -1
	for rep := range reports {
		if rep.ok && winnerIdx == -1 {
			winnerIdx = rep.idx
			cancel() // abort the remaining, losing variants
		}
	}

	if winnerIdx == -1 {
		return results, nil
	}
	return results, &results[winnerIdx]
}

func firstSuccess(results []CandidateResult) *CandidateResult {
	for i := range results {
		if results[i].Err == nil {
			return &results[i]
		}
	}
	return nil
}

// selectByEvaluator scores every successful candidate once and picks the
// arg-max, ties broken by (lowest cost, lowest index) (§4.8 item 5).
func (e *Engine) selectByEvaluator(ctx context.Context, cell *domain.Cell, results []CandidateResult, evaluator EvaluatorFunc) (*CandidateResult, error) {
	if evaluator == nil {
		return firstSuccess(results), nil
	}

	var idxs []int
	var outputs []map[string]any
	for i, r := range results {
		if r.Err == nil {
			idxs = append(idxs, i)
			outputs = append(outputs, r.Output)
		}
	}
	if len(outputs) == 0 {
		return nil, nil
	}

	scores, err := evaluator(ctx, cell, outputs)
	if err != nil {
		return nil, fmt.Errorf("candidate: evaluator failed: %w", err)
	}
	for i, idx := range idxs {
		results[idx].Score = scores[i]
	}

	best := idxs[0]
	for _, idx := range idxs[1:] {
		switch {
		case results[idx].Score > results[best].Score:
			best = idx
		case results[idx].Score == results[best].Score && results[idx].Cost < results[best].Cost:
			best = idx
		}
	}
	return &results[best], nil
}
