// Package cellloop implements the CellLoop turn machine (§4.7): the
// READY → SENDING → AWAITING_TOOLS → VALIDATING → DONE|RETRY|FAILED state
// machine that drives one LLM cell to completion. Grounded on the teacher's
// internal/application/executor.WorkflowEngine step loop (retry/backoff
// policy, log-row emission per step) adapted from a DAG-step shape to a
// single-cell multi-turn shape.
package cellloop

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	hex "github.com/tmthrgd/go-hex"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/xeipuuv/gojsonschema"

	"github.com/smilemakc/cascade/internal/cascadeerr"
	"github.com/smilemakc/cascade/internal/checkpoint"
	"github.com/smilemakc/cascade/internal/contextasm"
	"github.com/smilemakc/cascade/internal/domain"
	"github.com/smilemakc/cascade/internal/echo"
	"github.com/smilemakc/cascade/internal/logging"
	"github.com/smilemakc/cascade/internal/prompt"
	"github.com/smilemakc/cascade/internal/provider"
	"github.com/smilemakc/cascade/internal/toolexec"
	"github.com/smilemakc/cascade/internal/tracing"
)

// requestDecisionTool is the reserved tool name an LLM cell invokes to
// suspend on a human checkpoint (§4.12), analogous to the scheduler's
// "cascade:" prefix convention for sub-cascade launches: a fixed name the
// CellLoop intercepts itself rather than dispatching through the tool
// registry.
const requestDecisionTool = "request_decision"

// State names one point in the turn machine (§4.7).
type State string

const (
	StateReady         State = "READY"
	StateSending       State = "SENDING"
	StateAwaitingTools State = "AWAITING_TOOLS"
	StateValidating    State = "VALIDATING"
	StateDone          State = "DONE"
	StateRetry         State = "RETRY"
	StateFailed        State = "FAILED"
)

const maxProviderRetryAttempts = 3

// ToolConcurrency bounds parallel-safe tool dispatch within one turn (§4.7 item 3).
const ToolConcurrency = 4

// Deps bundles the CellLoop's external collaborators.
type Deps struct {
	Provider     provider.ModelProvider
	DefaultModel string
	Tools        *toolexec.Registry
	Prompt       *prompt.Engine
	Context      *contextasm.Assembler
	Logger       *logging.Logger
	Checkpoints  *checkpoint.Broker // nil disables request_decision support
}

// Loop drives one cell (LLM path) through the turn machine.
type Loop struct {
	deps Deps
}

func New(deps Deps) *Loop {
	return &Loop{deps: deps}
}

// Outcome is the terminal result of running a cell to DONE or FAILED.
type Outcome struct {
	State  State
	Output map[string]any
	Turns  int
	Err    error
}

// Run executes cell against ec until DONE or FAILED, or ctx is cancelled.
func (l *Loop) Run(ctx context.Context, cascadeID string, cell *domain.Cell) Outcome {
	maxTurns := cell.Rules.EffectiveMaxTurns()
	if maxTurns == 0 {
		err := cascadeerr.New(cascadeerr.KindValidation, sessionIDFromCtx(ctx), cascadeID, cell.Name, "max_turns is 0: cell fails immediately", nil, false)
		return Outcome{State: StateFailed, Err: err}
	}

	messages, err := l.buildBaseMessages(ctx, cascadeID, cell, ctxEcho(ctx))
	if err != nil {
		return Outcome{State: StateFailed, Err: err}
	}

	var lastOutput map[string]any
	for turn := 1; turn <= maxTurns; turn++ {
		select {
		case <-ctx.Done():
			return Outcome{State: StateFailed, Turns: turn - 1, Err: ctx.Err()}
		default:
		}

		turnTraceID := echo.NewTraceID()
		resp, err := l.send(ctx, cascadeID, cell, messages, turnTraceID)
		if err != nil {
			return Outcome{State: StateFailed, Turns: turn, Err: err}
		}

		messages = append(messages, provider.Message{Role: "assistant", Content: resp.Content})

		if len(resp.ToolCalls) > 0 {
			toolMsgs, abort := l.runTools(ctx, cascadeID, cell, resp.ToolCalls, turnTraceID, turn)
			messages = append(messages, toolMsgs...)
			if abort != nil {
				return Outcome{State: StateFailed, Turns: turn, Err: abort}
			}
			continue // tool results feed the next SENDING turn
		}

		output, ward, wardMsg, err := l.validate(cell, resp)
		if err != nil {
			return Outcome{State: StateFailed, Turns: turn, Err: err}
		}
		if ward == domain.WardOnFailRetry {
			if wardMsg == "" {
				wardMsg = "output failed validation, revise and try again"
			}
			messages = append(messages, provider.Message{Role: "system", Content: wardMsg})
			continue
		}
		if ward == domain.WardOnFailFail {
			return Outcome{State: StateFailed, Turns: turn, Err: cascadeerr.New(cascadeerr.KindWardFatal, sessionIDFromCtx(ctx), cascadeID, cell.Name, "ward failed with on_fail=fail", nil, false)}
		}

		lastOutput = output
		loopDone, err := l.loopUntilSatisfied(cell, output)
		if err != nil {
			return Outcome{State: StateFailed, Turns: turn, Err: err}
		}
		if loopDone {
			return Outcome{State: StateDone, Output: output, Turns: turn}
		}
		messages = append(messages, provider.Message{Role: "system", Content: "loop_until not yet satisfied, continue"})
	}

	return Outcome{State: StateFailed, Output: lastOutput, Turns: maxTurns, Err: cascadeerr.New(cascadeerr.KindTimeout, sessionIDFromCtx(ctx), cascadeID, cell.Name, "max_turns exhausted", nil, false)}
}

// buildBaseMessages assembles the READY-state prompt: context messages → rendered instructions, with no separate system message (§4.7 item 1).
func (l *Loop) buildBaseMessages(ctx context.Context, cascadeID string, cell *domain.Cell, ec *echo.Echo) ([]provider.Message, error) {
	var messages []provider.Message

	if ec != nil {
		ctxMessages, attrs, err := l.deps.Context.Build(cell, ec)
		if err != nil {
			return nil, err
		}
		messages = append(messages, ctxMessages...)
		l.logContextAttribution(ctx, cascadeID, cell, attrs)
	}

	scope := prompt.Scope{SessionID: ""}
	if ec != nil {
		scope = prompt.Scope{Input: ec.StateSnapshot(), State: ec.StateSnapshot(), Outputs: ec.LineageOutputsByName(), SessionID: ec.SessionID}
	}
	instructions, err := l.deps.Prompt.RenderString(cell.Instructions, scope)
	if err != nil {
		return nil, err
	}
	messages = append(messages, provider.Message{Role: "user", Content: instructions})
	return messages, nil
}

// logContextAttribution records one system log row per injected context
// source, carrying the JSON/TOON size pair the analytics worker later uses
// for context-vs-new cost attribution (§4.10 cell_context_breakdown).
func (l *Loop) logContextAttribution(ctx context.Context, cascadeID string, cell *domain.Cell, attrs []contextasm.Attribution) {
	if l.deps.Logger == nil {
		return
	}
	for _, a := range attrs {
		l.deps.Logger.Log(ctx, domain.LogRow{
			CascadeID:           cascadeID,
			CellName:            cell.Name,
			TraceID:             echo.NewTraceID(),
			NodeType:            domain.NodeTypeSystem,
			ContentType:         "context_source",
			Content:             a.SourceName,
			DataFormat:          a.DataFormat,
			DataSizeJSON:        a.SizeJSON,
			DataSizeTOON:        a.SizeTOON,
			DataTokenSavingsPct: a.SavingsPct,
		})
	}
}

func (l *Loop) send(ctx context.Context, cascadeID string, cell *domain.Cell, messages []provider.Message, traceID string) (provider.Response, error) {
	model := cell.Model
	if model == "" {
		model = l.deps.DefaultModel
	}
	tools := l.toolCatalog(cell)
	opts := provider.Options{Model: model, ResponseSchema: cell.OutputSchema}

	var lastErr error
	for attempt := 1; attempt <= maxProviderRetryAttempts; attempt++ {
		spanCtx, _, endSpan := tracing.ProviderCall(ctx, cascadeID, cell.Name, model)
		start := time.Now()
		resp, err := l.deps.Provider.Chat(spanCtx, messages, tools, opts)
		duration := time.Since(start)
		endSpan(err)
		if err == nil {
			l.logTurn(ctx, cascadeID, cell, traceID, resp, duration, model)
			return resp, nil
		}
		lastErr = err
		if !provider.IsTransient(err) {
			return provider.Response{}, cascadeerr.New(cascadeerr.KindProviderPermanent, sessionIDFromCtx(ctx), cascadeID, cell.Name, err.Error(), err, false)
		}
		backoff := time.Duration(math.Pow(2, float64(attempt-1))) * 200 * time.Millisecond
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return provider.Response{}, ctx.Err()
		}
	}
	return provider.Response{}, cascadeerr.New(cascadeerr.KindProviderTransient, sessionIDFromCtx(ctx), cascadeID, cell.Name, fmt.Sprintf("exhausted %d retry attempts: %v", maxProviderRetryAttempts, lastErr), lastErr, true)
}

func (l *Loop) toolCatalog(cell *domain.Cell) []provider.ToolSpec {
	if cell.Traits == nil {
		return nil
	}
	var tools []toolexec.Tool
	if cell.Traits.Manifest {
		tools = toolexec.AllTools(l.deps.Tools.List())
	} else {
		for _, name := range cell.Traits.Names {
			if t, err := l.deps.Tools.Get(name); err == nil {
				tools = append(tools, t)
			}
		}
	}
	out := make([]provider.ToolSpec, len(tools))
	for i, t := range tools {
		out[i] = provider.ToolSpec{Name: t.Name(), Description: t.Description(), Parameters: t.Parameters()}
	}
	return out
}

func (l *Loop) logTurn(ctx context.Context, cascadeID string, cell *domain.Cell, traceID string, resp provider.Response, duration time.Duration, model string) {
	if l.deps.Logger == nil {
		return
	}
	l.deps.Logger.Log(ctx, domain.LogRow{
		CascadeID:  cascadeID,
		CellName:   cell.Name,
		TraceID:    traceID,
		NodeType:   domain.NodeTypeTurn,
		TokensIn:   resp.Usage.TokensIn,
		TokensOut:  resp.Usage.TokensOut,
		Cost:       resp.Usage.Cost,
		DurationMS: duration.Milliseconds(),
		Model:      model,
	})
}

// runTools dispatches one turn's tool calls (§4.7 item 3). Calls to tools
// registered via NewParallelSafeTool run concurrently, bounded by
// ToolConcurrency; request_decision and any tool that hasn't opted into
// ParallelSafe run sequentially in call order. Results land at their
// original index regardless of dispatch order, so the assistant always
// sees tool results matched to its tool_call_ids.
func (l *Loop) runTools(ctx context.Context, cascadeID string, cell *domain.Cell, calls []provider.ToolCall, turnTraceID string, turn int) ([]provider.Message, error) {
	results := make([]provider.Message, len(calls))
	sem := make(chan struct{}, ToolConcurrency)
	var wg sync.WaitGroup

	for i, call := range calls {
		i, call := i, call
		if call.Name == requestDecisionTool {
			results[i] = l.runCheckpoint(ctx, cascadeID, cell, call, turnTraceID, turn)
			continue
		}
		if !l.isParallelSafe(call.Name) {
			results[i] = l.runOneTool(ctx, cascadeID, cell, call, turnTraceID)
			continue
		}

		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = l.runOneTool(ctx, cascadeID, cell, call, turnTraceID)
		}()
	}
	wg.Wait()
	return results, nil
}

// isParallelSafe reports whether name is registered and opts into
// concurrent dispatch. An unregistered tool is treated as not parallel-safe
// so its error path runs through the same sequential branch as before.
func (l *Loop) isParallelSafe(name string) bool {
	tool, err := l.deps.Tools.Get(name)
	if err != nil {
		return false
	}
	ps, ok := tool.(toolexec.ParallelSafe)
	return ok && ps.ParallelSafe()
}

// runCheckpoint suspends the turn on a human response (§4.12). It persists
// the full Echo snapshot alongside the checkpoint record so BranchManager
// can later reconstruct state at this exact point (§4.11 step 1) without
// replaying every intervening log row.
func (l *Loop) runCheckpoint(ctx context.Context, cascadeID string, cell *domain.Cell, call provider.ToolCall, parentTraceID string, turn int) provider.Message {
	if l.deps.Checkpoints == nil {
		return l.toolErrorMessage(ctx, cascadeID, cell, call, uuid.NewString(), parentTraceID, fmt.Errorf("cellloop: cell %q requested a checkpoint but no CheckpointBroker is configured", cell.Name))
	}

	expectedShape, _ := call.Arguments["expected_shape"].(map[string]any)
	var timeout time.Duration
	if secs, ok := call.Arguments["timeout_seconds"].(float64); ok {
		timeout = time.Duration(secs) * time.Second
	}

	// The snapshot row is logged before the checkpoint record is created, so
	// its timestamp is not later than the checkpoint's CreatedAt, the cutoff
	// BranchManager replays up to.
	traceID := uuid.NewString()
	if l.deps.Logger != nil && ctxEcho(ctx) != nil {
		snapshot, err := msgpack.Marshal(ctxEcho(ctx).StateSnapshot())
		if err == nil {
			l.deps.Logger.Log(ctx, domain.LogRow{
				CascadeID: cascadeID, CellName: cell.Name, TraceID: traceID, ParentID: parentTraceID,
				NodeType: domain.NodeTypeCheckpoint, ContentType: "echo_state_snapshot",
				DataFormat: "msgpack_hex", Content: hex.EncodeToString(snapshot),
			})
		}
	}

	sessionID := sessionIDFromCtx(ctx)
	spanCtx, _, endSpan := tracing.CheckpointWait(ctx, sessionID, "")
	resp := l.deps.Checkpoints.RequestDecision(spanCtx, sessionID, cell.Name, turn, expectedShape, timeout)
	endSpan(resp.Err)

	if resp.Err != nil {
		return l.toolErrorMessage(ctx, cascadeID, cell, call, traceID, parentTraceID, resp.Err)
	}
	content, _ := toJSON(map[string]any{"response": resp.Value, "reasoning": resp.Reasoning, "confidence": resp.Confidence})
	return provider.Message{Role: "tool", Content: content, ToolCallID: call.ID, Name: call.Name}
}

func (l *Loop) runOneTool(ctx context.Context, cascadeID string, cell *domain.Cell, call provider.ToolCall, parentTraceID string) provider.Message {
	traceID := uuid.NewString()
	if l.deps.Logger != nil {
		l.deps.Logger.Log(ctx, domain.LogRow{CascadeID: cascadeID, CellName: cell.Name, TraceID: traceID, ParentID: parentTraceID, NodeType: domain.NodeTypeToolCall})
	}

	tool, err := l.deps.Tools.Get(call.Name)
	if err != nil {
		return l.toolErrorMessage(ctx, cascadeID, cell, call, traceID, parentTraceID, err)
	}
	spanCtx, _, endSpan := tracing.ToolCall(ctx, cascadeID, cell.Name, call.Name)
	out, err := tool.Invoke(spanCtx, call.Arguments)
	endSpan(err)
	if err != nil {
		return l.toolErrorMessage(ctx, cascadeID, cell, call, traceID, parentTraceID, err)
	}
	if l.deps.Logger != nil {
		l.deps.Logger.Log(ctx, domain.LogRow{CascadeID: cascadeID, CellName: cell.Name, TraceID: traceID, ParentID: parentTraceID, NodeType: domain.NodeTypeToolResult})
	}
	content, _ := toJSON(out)
	return provider.Message{Role: "tool", Content: content, ToolCallID: call.ID, Name: call.Name}
}

func (l *Loop) toolErrorMessage(ctx context.Context, cascadeID string, cell *domain.Cell, call provider.ToolCall, traceID, parentTraceID string, toolErr error) provider.Message {
	if l.deps.Logger != nil {
		l.deps.Logger.Log(ctx, domain.LogRow{CascadeID: cascadeID, CellName: cell.Name, TraceID: traceID, ParentID: parentTraceID, NodeType: domain.NodeTypeToolResult, Content: toolErr.Error()})
	}
	errPayload, _ := toJSON(map[string]any{"error": toolErr.Error(), "_route": "error"})
	return provider.Message{Role: "tool", Content: errPayload, ToolCallID: call.ID, Name: call.Name}
}

func (l *Loop) validate(cell *domain.Cell, resp provider.Response) (output map[string]any, wardVerdict, message string, err error) {
	output = map[string]any{"content": resp.Content, "reasoning": resp.Reasoning}
	if len(cell.OutputSchema) > 0 {
		var parsed map[string]any
		if jerr := jsonUnmarshal(resp.Content, &parsed); jerr != nil {
			return nil, domain.WardOnFailRetry, fmt.Sprintf("output is not valid JSON: %v", jerr), nil
		}
		for k, v := range parsed {
			output[k] = v
		}

		raw, merr := toJSON(parsed)
		if merr != nil {
			return nil, "", "", merr
		}
		result, serr := gojsonschema.Validate(gojsonschema.NewGoLoader(cell.OutputSchema), gojsonschema.NewStringLoader(raw))
		if serr != nil {
			return nil, "", "", fmt.Errorf("cellloop: output_schema: %w", serr)
		}
		if !result.Valid() {
			descs := make([]string, 0, len(result.Errors()))
			for _, e := range result.Errors() {
				descs = append(descs, e.String())
			}
			return nil, domain.WardOnFailRetry, fmt.Sprintf("output does not satisfy output_schema: %s", strings.Join(descs, "; ")), nil
		}
	}

	for _, ward := range cell.Wards {
		ok, werr := evaluateWard(ward, output, l.deps.Prompt)
		if werr != nil {
			return nil, "", "", werr
		}
		if !ok {
			return output, ward.OnFail, "", nil
		}
	}
	return output, "", "", nil
}

func (l *Loop) loopUntilSatisfied(cell *domain.Cell, output map[string]any) (bool, error) {
	if cell.Rules.LoopUntil == "" {
		return true, nil
	}
	return l.deps.Prompt.EvalBool(cell.Rules.LoopUntil, prompt.Scope{Outputs: map[string]any{cell.Name: output}, State: output})
}

func ctxEcho(ctx context.Context) *echo.Echo {
	v, _ := ctx.Value(echoContextKey{}).(*echo.Echo)
	return v
}

// WithEcho attaches an Echo to ctx for the duration of a Loop.Run call.
func WithEcho(ctx context.Context, e *echo.Echo) context.Context {
	return context.WithValue(ctx, echoContextKey{}, e)
}

type echoContextKey struct{}

func sessionIDFromCtx(ctx context.Context) string {
	if lc, ok := logging.ExecContextFrom(ctx); ok {
		return lc.SessionID
	}
	return ""
}
