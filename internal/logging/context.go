package logging

import "context"

// ExecContext carries the identity fields the scheduler/cell loop establish
// before any work inside a cell runs (§4.2): the Logger auto-injects
// whatever the caller omitted on a given row from the ExecContext active on
// the ctx passed to Log.
type ExecContext struct {
	SessionID       string
	ParentSessionID string
	CallerID        string
	CascadeID       string
	CellName        string
	CellIndex       int
	TraceID         string
	ParentID        string
	GenusHash       string
	SpeciesHash     string
}

type execCtxKey struct{}

// WithExecContext returns a context carrying ec for downstream Log calls.
func WithExecContext(ctx context.Context, ec ExecContext) context.Context {
	return context.WithValue(ctx, execCtxKey{}, ec)
}

// ExecContextFrom extracts the ExecContext installed by WithExecContext, if any.
func ExecContextFrom(ctx context.Context) (ExecContext, bool) {
	ec, ok := ctx.Value(execCtxKey{}).(ExecContext)
	return ec, ok
}
