package toolexec

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smilemakc/cascade/internal/domain"
	"github.com/smilemakc/cascade/internal/echo"
	"github.com/smilemakc/cascade/internal/prompt"
)

func TestParseToolTarget(t *testing.T) {
	cases := []struct {
		spec       string
		kind       ToolTargetKind
		modulePath string
		symbol     string
	}{
		{"double", KindRegistered, "double", ""},
		{"python:pkg.mod.fn", KindPython, "pkg.mod", "fn"},
		{"python:fn", KindPython, "fn", ""},
		{"sql:select_orders", KindSQL, "select_orders", ""},
		{"shell:run.sh", KindShell, "run.sh", ""},
	}
	for _, tc := range cases {
		kind, modulePath, symbol := ParseToolTarget(tc.spec)
		assert.Equal(t, tc.kind, kind, tc.spec)
		assert.Equal(t, tc.modulePath, modulePath, tc.spec)
		assert.Equal(t, tc.symbol, symbol, tc.spec)
	}
}

func TestRegistry_RegisterGetUnregister(t *testing.T) {
	r := NewRegistry()
	tool := NewTool("double", "doubles", nil, func(ctx context.Context, args map[string]any) (map[string]any, error) {
		return nil, nil
	})
	r.Register(tool)

	assert.True(t, r.Has("double"))
	got, err := r.Get("double")
	require.NoError(t, err)
	assert.Equal(t, "double", got.Name())

	r.Unregister("double")
	assert.False(t, r.Has("double"))
	_, err = r.Get("double")
	assert.Error(t, err)
}

func TestRegistry_ListIsSorted(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		n := name
		r.Register(NewTool(n, "", nil, func(ctx context.Context, args map[string]any) (map[string]any, error) { return nil, nil }))
	}
	names := make([]string, 0, 3)
	for _, tool := range r.List() {
		names = append(names, tool.Name())
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, names)
}

func TestNewParallelSafeTool(t *testing.T) {
	safe := NewParallelSafeTool("fetch", "", nil, func(ctx context.Context, args map[string]any) (map[string]any, error) { return nil, nil })
	unsafe := NewTool("write", "", nil, func(ctx context.Context, args map[string]any) (map[string]any, error) { return nil, nil })

	assert.True(t, safe.(ParallelSafe).ParallelSafe())
	assert.False(t, unsafe.(ParallelSafe).ParallelSafe())
}

func TestExecutor_Execute_RendersInputsAndInvokesTool(t *testing.T) {
	registry := NewRegistry()
	registry.Register(NewTool("double", "", nil, func(ctx context.Context, args map[string]any) (map[string]any, error) {
		n, _ := args["n"].(float64)
		return map[string]any{"result": n * 2}, nil
	}))
	exec := NewExecutor(registry, prompt.New(), nil)

	ec := echo.New("s1", "c1", "")
	ec.UpdateState("n", float64(21))
	cell := &domain.Cell{Name: "double_it", Tool: "double", Inputs: map[string]any{"n": "{{ state.n }}"}}

	result, err := exec.Execute(context.Background(), cell, ec)
	require.NoError(t, err)
	assert.Equal(t, float64(42), result.Output["result"])
}

func TestExecutor_Execute_UnknownToolErrors(t *testing.T) {
	exec := NewExecutor(NewRegistry(), prompt.New(), nil)
	ec := echo.New("s1", "c1", "")
	cell := &domain.Cell{Name: "missing", Tool: "nope", Inputs: map[string]any{}}

	_, err := exec.Execute(context.Background(), cell, ec)
	assert.Error(t, err)
}

func TestExecutor_Execute_ExternalToolWithoutLoaderErrors(t *testing.T) {
	exec := NewExecutor(NewRegistry(), prompt.New(), nil)
	ec := echo.New("s1", "c1", "")
	cell := &domain.Cell{Name: "query", Tool: "sql:select_orders", Inputs: map[string]any{}}

	_, err := exec.Execute(context.Background(), cell, ec)
	assert.Error(t, err)
}

func TestExecutor_Execute_RoutingHintFromOutput(t *testing.T) {
	registry := NewRegistry()
	registry.Register(NewTool("check", "", nil, func(ctx context.Context, args map[string]any) (map[string]any, error) {
		return map[string]any{"_route": "retry"}, nil
	}))
	exec := NewExecutor(registry, prompt.New(), nil)
	ec := echo.New("s1", "c1", "")
	cell := &domain.Cell{Name: "check", Tool: "check", Inputs: map[string]any{}}

	result, err := exec.Execute(context.Background(), cell, ec)
	require.NoError(t, err)
	assert.Equal(t, "retry", result.Routed)
}
