package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smilemakc/cascade/internal/candidate"
	"github.com/smilemakc/cascade/internal/cellloop"
	"github.com/smilemakc/cascade/internal/contextasm"
	"github.com/smilemakc/cascade/internal/domain"
	"github.com/smilemakc/cascade/internal/echo"
	"github.com/smilemakc/cascade/internal/logging"
	"github.com/smilemakc/cascade/internal/prompt"
	"github.com/smilemakc/cascade/internal/provider"
	"github.com/smilemakc/cascade/internal/store"
	"github.com/smilemakc/cascade/internal/toolexec"
)

type scriptedProvider struct {
	responses []provider.Response
	n         int
}

func (p *scriptedProvider) Chat(ctx context.Context, messages []provider.Message, tools []provider.ToolSpec, opts provider.Options) (provider.Response, error) {
	i := p.n
	p.n++
	if i >= len(p.responses) {
		return provider.Response{Content: "done"}, nil
	}
	return p.responses[i], nil
}

func newScheduler(t *testing.T, mp provider.ModelProvider, tools *toolexec.Registry, subCascades SubCascadeLoader) *Scheduler {
	t.Helper()
	if tools == nil {
		tools = toolexec.NewRegistry()
	}
	promptEngine := prompt.New()
	loop := cellloop.New(cellloop.Deps{
		Provider:     mp,
		DefaultModel: "gpt-4o-mini",
		Tools:        tools,
		Prompt:       promptEngine,
		Context:      contextasm.New(),
		Logger:       logging.New(store.NewMemoryStore()),
	})
	return New(Deps{
		CellLoop:    loop,
		Executor:    toolexec.NewExecutor(tools, promptEngine, nil),
		Candidates:  candidate.New(promptEngine),
		Logger:      logging.New(store.NewMemoryStore()),
		Prompt:      promptEngine,
		SubCascades: subCascades,
	})
}

func TestRun_SequentialDeterministicCells(t *testing.T) {
	tools := toolexec.NewRegistry()
	tools.Register(toolexec.NewTool("double", "", nil, func(ctx context.Context, args map[string]any) (map[string]any, error) {
		n, _ := args["n"].(float64)
		return map[string]any{"result": n * 2}, nil
	}))
	sched := newScheduler(t, nil, tools, nil)

	cascade := &domain.Cascade{
		CascadeID: "double-twice",
		Cells: []*domain.Cell{
			{Name: "first", Tool: "double", Inputs: map[string]any{"n": "{{ input.n }}"}},
			{Name: "second", Tool: "double", Inputs: map[string]any{"n": "{{ outputs.first.result }}"}},
		},
	}
	ec := echo.New("s1", "caller", "")
	ec.UpdateState("n", float64(5))

	result := sched.Run(context.Background(), cascade, ec)
	require.Equal(t, "success", result.Status)
	require.Len(t, result.Lineage, 2)
	assert.Equal(t, float64(20), result.Lineage[1].Output.(map[string]any)["result"])
}

func TestRun_RouteToHonorsHandoffHint(t *testing.T) {
	tools := toolexec.NewRegistry()
	tools.Register(toolexec.NewTool("route", "", nil, func(ctx context.Context, args map[string]any) (map[string]any, error) {
		return map[string]any{"_route_to": "publish"}, nil
	}))
	tools.Register(toolexec.NewTool("noop", "", nil, func(ctx context.Context, args map[string]any) (map[string]any, error) {
		return map[string]any{}, nil
	}))
	sched := newScheduler(t, nil, tools, nil)

	cascade := &domain.Cascade{
		CascadeID: "route-test",
		Cells: []*domain.Cell{
			{Name: "decide", Tool: "route", Inputs: map[string]any{}, Handoffs: []string{"review", "publish"}},
			{Name: "review", Tool: "noop", Inputs: map[string]any{}},
			{Name: "publish", Tool: "noop", Inputs: map[string]any{}},
		},
	}
	ec := echo.New("s1", "caller", "")
	result := sched.Run(context.Background(), cascade, ec)
	require.Equal(t, "success", result.Status)
	require.Len(t, result.Lineage, 2)
	assert.Equal(t, "decide", result.Lineage[0].Cell)
	assert.Equal(t, "publish", result.Lineage[1].Cell)
}

func TestRun_LoopUntilSelfLoopsThenExits(t *testing.T) {
	tools := toolexec.NewRegistry()
	calls := 0
	tools.Register(toolexec.NewTool("increment", "", nil, func(ctx context.Context, args map[string]any) (map[string]any, error) {
		calls++
		return map[string]any{"n": calls}, nil
	}))
	sched := newScheduler(t, nil, tools, nil)

	cascade := &domain.Cascade{
		CascadeID: "loop-test",
		Cells: []*domain.Cell{
			{
				Name:     "increment",
				Tool:     "increment",
				Inputs:   map[string]any{},
				Handoffs: []string{"increment"},
				Rules:    domain.RulesConfig{LoopUntil: "outputs.increment.n >= 3"},
			},
			{Name: "done", Tool: "increment", Inputs: map[string]any{}},
		},
	}
	ec := echo.New("s1", "caller", "")
	result := sched.Run(context.Background(), cascade, ec)
	require.Equal(t, "success", result.Status)
	assert.Equal(t, 4, calls, "3 self-loop iterations plus the final 'done' cell's own tool call")
}

func TestRun_SubCascadeDispatch(t *testing.T) {
	tools := toolexec.NewRegistry()
	sub := &domain.Cascade{
		CascadeID: "child",
		Cells: []*domain.Cell{
			{Name: "only", Tool: "echo_input", Inputs: map[string]any{}},
		},
	}
	tools.Register(toolexec.NewTool("echo_input", "", nil, func(ctx context.Context, args map[string]any) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	}))
	loader := fakeLoader{cascades: map[string]*domain.Cascade{"child": sub}}
	sched := newScheduler(t, nil, tools, loader)

	cascade := &domain.Cascade{
		CascadeID: "parent",
		Cells: []*domain.Cell{
			{Name: "delegate", Tool: "cascade:child", Inputs: map[string]any{}},
		},
	}
	ec := echo.New("s1", "caller", "")
	result := sched.Run(context.Background(), cascade, ec)
	require.Equal(t, "success", result.Status)
}

func TestRun_SubCascadeMissingLoaderFails(t *testing.T) {
	sched := newScheduler(t, nil, nil, nil)
	cascade := &domain.Cascade{
		CascadeID: "parent",
		Cells: []*domain.Cell{
			{Name: "delegate", Tool: "cascade:child", Inputs: map[string]any{}},
		},
	}
	ec := echo.New("s1", "caller", "")
	result := sched.Run(context.Background(), cascade, ec)
	assert.Equal(t, "failed", result.Status)
}

func TestRun_OnErrorStrategyContinueSkipsFailure(t *testing.T) {
	tools := toolexec.NewRegistry()
	tools.Register(toolexec.NewTool("boom", "", nil, func(ctx context.Context, args map[string]any) (map[string]any, error) {
		return nil, assertErr("tool exploded")
	}))
	sched := newScheduler(t, nil, tools, nil)

	cascade := &domain.Cascade{
		CascadeID: "resilient",
		Cells: []*domain.Cell{
			{Name: "risky", Tool: "boom", Inputs: map[string]any{}, Rules: domain.RulesConfig{OnErrorStrategy: domain.ErrStrategyContinueOnError}},
		},
	}
	ec := echo.New("s1", "caller", "")
	result := sched.Run(context.Background(), cascade, ec)
	assert.Equal(t, "success", result.Status)
}

func TestRun_FailFastByDefault(t *testing.T) {
	tools := toolexec.NewRegistry()
	tools.Register(toolexec.NewTool("boom", "", nil, func(ctx context.Context, args map[string]any) (map[string]any, error) {
		return nil, assertErr("tool exploded")
	}))
	sched := newScheduler(t, nil, tools, nil)

	cascade := &domain.Cascade{
		CascadeID: "brittle",
		Cells: []*domain.Cell{
			{Name: "risky", Tool: "boom", Inputs: map[string]any{}},
		},
	}
	ec := echo.New("s1", "caller", "")
	result := sched.Run(context.Background(), cascade, ec)
	assert.Equal(t, "failed", result.Status)
	require.NotNil(t, result.At)
	assert.Equal(t, "risky", result.At.Cell)
}

func TestRun_LLMCellUsesCellLoop(t *testing.T) {
	mp := &scriptedProvider{responses: []provider.Response{{Content: "written"}}}
	sched := newScheduler(t, mp, nil, nil)

	cascade := &domain.Cascade{
		CascadeID: "writer",
		Cells:     []*domain.Cell{{Name: "draft", Instructions: "write something"}},
	}
	ec := echo.New("s1", "caller", "")
	result := sched.Run(context.Background(), cascade, ec)
	require.Equal(t, "success", result.Status)
	require.Len(t, result.Lineage, 1)
	assert.Equal(t, "written", result.Lineage[0].Output.(map[string]any)["content"])
}

func TestRunFrom_ResumesAtGivenCell(t *testing.T) {
	tools := toolexec.NewRegistry()
	ran := []string{}
	tools.Register(toolexec.NewTool("mark", "", nil, func(ctx context.Context, args map[string]any) (map[string]any, error) {
		return map[string]any{}, nil
	}))
	sched := newScheduler(t, nil, tools, nil)
	_ = ran

	cascade := &domain.Cascade{
		CascadeID: "resume-test",
		Cells: []*domain.Cell{
			{Name: "first", Tool: "mark", Inputs: map[string]any{}},
			{Name: "second", Tool: "mark", Inputs: map[string]any{}},
		},
	}
	ec := echo.New("s1", "caller", "")
	result := sched.RunFrom(context.Background(), cascade, ec, "second")
	require.Equal(t, "success", result.Status)
	require.Len(t, result.Lineage, 1)
	assert.Equal(t, "second", result.Lineage[0].Cell)
}

func TestRun_EmitsPhaseStartBeforeAndPhaseEndAfterEachCell(t *testing.T) {
	mp := &scriptedProvider{responses: []provider.Response{{Content: "written"}}}
	promptEngine := prompt.New()
	loop := cellloop.New(cellloop.Deps{
		Provider:     mp,
		DefaultModel: "gpt-4o-mini",
		Tools:        toolexec.NewRegistry(),
		Prompt:       promptEngine,
		Context:      contextasm.New(),
		Logger:       logging.New(store.NewMemoryStore()),
	})
	memStore := store.NewMemoryStore()
	sched := New(Deps{
		CellLoop:   loop,
		Executor:   toolexec.NewExecutor(toolexec.NewRegistry(), promptEngine, nil),
		Candidates: candidate.New(promptEngine),
		Logger:     logging.New(memStore, logging.WithFlushInterval(time.Millisecond)),
		Prompt:     promptEngine,
	})

	cascade := &domain.Cascade{
		CascadeID: "writer",
		Cells:     []*domain.Cell{{Name: "draft", Instructions: "write something"}},
	}
	ec := echo.New("s1", "caller", "")
	result := sched.Run(context.Background(), cascade, ec)
	require.Equal(t, "success", result.Status)

	require.Eventually(t, func() bool {
		rows, _ := memStore.RowsForSession(context.Background(), "s1")
		return len(rows) >= 4
	}, time.Second, time.Millisecond)

	rows, err := memStore.RowsForSession(context.Background(), "s1")
	require.NoError(t, err)
	var types []domain.NodeType
	for _, r := range rows {
		types = append(types, r.NodeType)
	}
	assert.Contains(t, types, domain.NodeTypeCascadeStart)
	assert.Contains(t, types, domain.NodeTypePhaseStart)
	assert.Contains(t, types, domain.NodeTypePhaseEnd)
	assert.Contains(t, types, domain.NodeTypeCascadeCompleted)

	var startIdx, endIdx int = -1, -1
	for i, ty := range types {
		if ty == domain.NodeTypePhaseStart {
			startIdx = i
		}
		if ty == domain.NodeTypePhaseEnd {
			endIdx = i
		}
	}
	require.NotEqual(t, -1, startIdx)
	require.NotEqual(t, -1, endIdx)
	assert.Less(t, startIdx, endIdx, "phase_start must be emitted before phase_end")
}

type fakeLoader struct {
	cascades map[string]*domain.Cascade
}

func (f fakeLoader) Load(_ context.Context, path string) (*domain.Cascade, error) {
	c, ok := f.cascades[path]
	if !ok {
		return nil, assertErr("not found: " + path)
	}
	return c, nil
}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }

func assertErr(msg string) error { return &testError{msg: msg} }
