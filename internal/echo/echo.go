// Package echo implements the Echo component (§4.1): the per-session
// mutable state container threaded through a cascade's execution. Grounded
// on the teacher's backend/pkg/engine/execution_state.go mutex+map pattern,
// extended with the append-only history/lineage/errors slices and the
// merge() operation the spec requires for sub-cascade absorption.
package echo

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// HistoryEntry is one append-only message record (§3.1).
type HistoryEntry struct {
	Role       string
	Content    any
	ToolCallID string
	TraceID    string
	ParentID   string
	NodeType   string
	Timestamp  time.Time
}

// LineageEntry records one cell's completion output (§3.1, §4.1).
type LineageEntry struct {
	Cell    string
	Output  any
	TraceID string
}

// ErrorEntry is a non-fatal error record attached to a session (§3.1).
type ErrorEntry struct {
	Cell    string
	Kind    string
	Message string
	At      time.Time
}

// Echo is the per-session state container. All mutation methods are safe
// for concurrent use; reads return copies suitable for handing to a
// candidate snapshot.
type Echo struct {
	SessionID       string
	CallerID        string
	ParentSessionID string
	GenusHash       string

	CurrentCascadeID string
	CurrentCellName  string

	// BranchPointCheckpointID is set on branches created by BranchManager
	// (§4.11 step 3); empty on ordinary sessions.
	BranchPointCheckpointID string

	mu      sync.Mutex
	state   map[string]any
	history []HistoryEntry
	lineage []LineageEntry
	errors  []ErrorEntry
}

// New creates an Echo for a fresh session.
func New(sessionID, callerID, parentSessionID string) *Echo {
	return &Echo{
		SessionID:       sessionID,
		CallerID:        callerID,
		ParentSessionID: parentSessionID,
		state:           make(map[string]any),
	}
}

// NewTraceID returns a fresh trace identifier for one unit of work (a turn,
// a tool call, a phase).
func NewTraceID() string { return uuid.NewString() }

// UpdateState overwrites key with value; no merge semantics (§4.1).
func (e *Echo) UpdateState(key string, value any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state[key] = value
}

// GetState reads a single key.
func (e *Echo) GetState(key string) (any, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.state[key]
	return v, ok
}

// StateSnapshot returns a shallow copy of state, safe to hand to a candidate
// or a template scope without further synchronization (§5: copy-on-write).
func (e *Echo) StateSnapshot() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]any, len(e.state))
	for k, v := range e.state {
		out[k] = v
	}
	return out
}

// AddHistory copies entry, stamps trace/parent/node-type metadata, and
// appends (§4.1).
func (e *Echo) AddHistory(role string, content any, traceID, parentID, nodeType string) HistoryEntry {
	entry := HistoryEntry{
		Role:      role,
		Content:   content,
		TraceID:   traceID,
		ParentID:  parentID,
		NodeType:  nodeType,
		Timestamp: time.Now().UTC(),
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = append(e.history, entry)
	return entry
}

// HistorySnapshot returns a read-only copy of the append-only history. Two
// snapshots taken at different times are always such that the earlier is a
// prefix of the later (§8 invariant 1), since history is append-only under
// the same lock as every other mutation.
func (e *Echo) HistorySnapshot() []HistoryEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]HistoryEntry, len(e.history))
	copy(out, e.history)
	return out
}

// AddLineage appends a lineage entry after a cell completes (§4.1).
func (e *Echo) AddLineage(cell string, output any, traceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lineage = append(e.lineage, LineageEntry{Cell: cell, Output: output, TraceID: traceID})
}

// LineageSnapshot returns a copy of the lineage slice.
func (e *Echo) LineageSnapshot() []LineageEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]LineageEntry, len(e.lineage))
	copy(out, e.lineage)
	return out
}

// LineageOutputsByName returns a name->output map for use as the `outputs`
// scope in template rendering.
func (e *Echo) LineageOutputsByName() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]any, len(e.lineage))
	for _, l := range e.lineage {
		out[l.Cell] = l.Output
	}
	return out
}

// AddError records a non-fatal error (§4.1); it never blocks other cells
// unless the cascade's rules say so.
func (e *Echo) AddError(cell, kind, message string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errors = append(e.errors, ErrorEntry{Cell: cell, Kind: kind, Message: message, At: time.Now().UTC()})
}

// ErrorsSnapshot returns a copy of the error list.
func (e *Echo) ErrorsSnapshot() []ErrorEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ErrorEntry, len(e.errors))
	copy(out, e.errors)
	return out
}

// Merge absorbs a completed sub-cascade's child Echo into the parent (§4.1):
// child state overwrites matching keys, lineage and errors are concatenated,
// and a lineage entry naming the sub-cascade is appended with the child's
// final state as its output.
func (e *Echo) Merge(subCascadeName string, child *Echo) {
	childState := child.StateSnapshot()
	childLineage := child.LineageSnapshot()
	childErrors := child.ErrorsSnapshot()

	e.mu.Lock()
	defer e.mu.Unlock()
	for k, v := range childState {
		e.state[k] = v
	}
	for _, l := range childLineage {
		e.lineage = append(e.lineage, l)
	}
	for _, err := range childErrors {
		e.errors = append(e.errors, err)
	}
	e.lineage = append(e.lineage, LineageEntry{
		Cell:    subCascadeName,
		Output:  childState,
		TraceID: NewTraceID(),
	})
}

// LoadSnapshot replaces state/history/lineage/errors wholesale, preserving
// the given entries' original timestamps/trace ids rather than re-stamping
// them. Used by BranchManager to rebuild an Echo from a parent session's
// persisted snapshot (§4.11 steps 1-2); callers own truncation before
// calling this.
func (e *Echo) LoadSnapshot(state map[string]any, history []HistoryEntry, lineage []LineageEntry, errs []ErrorEntry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = make(map[string]any, len(state))
	for k, v := range state {
		e.state[k] = v
	}
	e.history = append([]HistoryEntry(nil), history...)
	e.lineage = append([]LineageEntry(nil), lineage...)
	e.errors = append([]ErrorEntry(nil), errs...)
}

// Clone produces an isolated copy-on-write snapshot for a candidate variant
// (§4.8 item 3): state is copied, history/lineage/errors share the parent's
// already-committed values by value copy (cheap, since they only grow).
// Writes to the clone's state never affect the parent; the candidate engine
// merges the winner's state back explicitly.
func (e *Echo) Clone() *Echo {
	e.mu.Lock()
	state := make(map[string]any, len(e.state))
	for k, v := range e.state {
		state[k] = v
	}
	history := make([]HistoryEntry, len(e.history))
	copy(history, e.history)
	lineage := make([]LineageEntry, len(e.lineage))
	copy(lineage, e.lineage)
	errs := make([]ErrorEntry, len(e.errors))
	copy(errs, e.errors)
	e.mu.Unlock()

	return &Echo{
		SessionID:        e.SessionID,
		CallerID:         e.CallerID,
		ParentSessionID:  e.ParentSessionID,
		GenusHash:        e.GenusHash,
		CurrentCascadeID: e.CurrentCascadeID,
		CurrentCellName:  e.CurrentCellName,
		state:            state,
		history:          history,
		lineage:          lineage,
		errors:           errs,
	}
}
