// Package branch implements the BranchManager (§4.11): creating a new
// session that forks off an earlier session at a checkpoint, with an
// operator-supplied answer substituted for the one the checkpoint was
// waiting on. Grounded on the teacher's internal/application/executor
// workflow-resume-from-step pattern, adapted from "resume a paused DAG step"
// to "fork a new session from a point in another session's history".
package branch

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	hex "github.com/tmthrgd/go-hex"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/smilemakc/cascade/internal/domain"
	"github.com/smilemakc/cascade/internal/echo"
)

// SessionReader retrieves the full log-row history for a session, the
// source of truth BranchManager replays to reconstruct an Echo snapshot.
type SessionReader interface {
	RowsForSession(ctx context.Context, sessionID string) ([]domain.LogRow, error)
}

// CheckpointReader resolves a checkpoint id to its record, giving the branch
// point's cell name and timestamp.
type CheckpointReader interface {
	Get(ctx context.Context, id string) (domain.Checkpoint, error)
}

// CascadeLoader resolves a cascade id back to its definition, so the branch
// can be re-scheduled with the same cell graph the parent session ran.
type CascadeLoader interface {
	Load(ctx context.Context, cascadeID string) (*domain.Cascade, error)
}

// SchedulerRunner is the subset of *scheduler.Scheduler the BranchManager
// depends on; kept as an interface so branch doesn't import scheduler
// (scheduler already depends on cellloop/candidate/toolexec, and branch has
// no need of those).
type SchedulerRunner interface {
	RunFrom(ctx context.Context, cascade *domain.Cascade, ec *echo.Echo, startCell string) domain.CascadeResult
}

// SessionIDFunc mints a new session id for the branch; injectable for tests.
type SessionIDFunc func() string

type Manager struct {
	sessions    SessionReader
	checkpoints CheckpointReader
	cascades    CascadeLoader
	scheduler   SchedulerRunner
	newID       SessionIDFunc
}

func New(sessions SessionReader, checkpoints CheckpointReader, cascades CascadeLoader, scheduler SchedulerRunner, newID SessionIDFunc) *Manager {
	if newID == nil {
		newID = echo.NewTraceID
	}
	return &Manager{sessions: sessions, checkpoints: checkpoints, cascades: cascades, scheduler: scheduler, newID: newID}
}

// CreateBranch implements §4.11's create_branch(parent_session, checkpoint,
// new_response) in its five steps.
func (m *Manager) CreateBranch(ctx context.Context, parentSessionID, checkpointID string, newResponse any) (domain.CascadeResult, error) {
	cp, err := m.checkpoints.Get(ctx, checkpointID)
	if err != nil {
		return domain.CascadeResult{}, fmt.Errorf("branch: loading checkpoint %q: %w", checkpointID, err)
	}
	if cp.SessionID != parentSessionID {
		return domain.CascadeResult{}, fmt.Errorf("branch: checkpoint %q belongs to session %q, not %q", checkpointID, cp.SessionID, parentSessionID)
	}

	rows, err := m.sessions.RowsForSession(ctx, parentSessionID)
	if err != nil {
		return domain.CascadeResult{}, fmt.Errorf("branch: loading parent session %q: %w", parentSessionID, err)
	}
	if len(rows) == 0 {
		return domain.CascadeResult{}, fmt.Errorf("branch: parent session %q has no history", parentSessionID)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Timestamp.Before(rows[j].Timestamp) })

	// Step 1-2: load the parent snapshot and truncate to the checkpoint's timestamp.
	cascadeID := cascadeIDFromRows(rows)
	genusHash := genusHashFromRows(rows)
	state, history, lineage, errs := replaySnapshot(rows, cp.CreatedAt)

	cascade, err := m.cascades.Load(ctx, cascadeID)
	if err != nil {
		return domain.CascadeResult{}, fmt.Errorf("branch: loading cascade %q: %w", cascadeID, err)
	}

	// Step 3: a fresh Echo carrying the parent/branch-point linkage.
	child := echo.New(m.newID(), "", parentSessionID)
	child.GenusHash = genusHash
	child.BranchPointCheckpointID = checkpointID
	child.LoadSnapshot(state, history, lineage, errs)

	// Step 4: inject the operator's answer as if the checkpoint cell had
	// received it directly.
	child.UpdateState("checkpoint_response", newResponse)
	child.AddLineage(cp.CellName, map[string]any{"response": newResponse, "_branched_from": checkpointID}, echo.NewTraceID())

	// Step 5: resume at the cell following the checkpoint's cell.
	nextCell := cellAfter(cascade, cp.CellName)
	if nextCell == "" {
		return domain.CascadeResult{}, fmt.Errorf("branch: checkpoint cell %q has no successor in cascade %q", cp.CellName, cascadeID)
	}

	result := m.scheduler.RunFrom(ctx, cascade, child, nextCell)
	return result, nil
}

// Descendants walks allRows (the full log, or a store-backed equivalent) and
// returns every session id whose chain of parent_session_id links back to
// root, directly or transitively — the tree-query capability §4.11 branch
// trees need for "show me every path explored from this decision point".
func Descendants(allRows []domain.LogRow, root string) []string {
	parentOf := make(map[string]string)
	for _, row := range allRows {
		if row.SessionID == "" {
			continue
		}
		if _, seen := parentOf[row.SessionID]; !seen {
			parentOf[row.SessionID] = row.ParentSessionID
		}
	}

	children := make(map[string][]string)
	for sess, parent := range parentOf {
		if parent != "" {
			children[parent] = append(children[parent], sess)
		}
	}

	var out []string
	var walk func(string)
	walk = func(id string) {
		for _, child := range children[id] {
			out = append(out, child)
			walk(child)
		}
	}
	walk(root)
	sort.Strings(out)
	return out
}

func cascadeIDFromRows(rows []domain.LogRow) string {
	for _, row := range rows {
		if row.CascadeID != "" {
			return row.CascadeID
		}
	}
	return ""
}

func genusHashFromRows(rows []domain.LogRow) string {
	for _, row := range rows {
		if row.GenusHash != "" {
			return row.GenusHash
		}
	}
	return ""
}

// replaySnapshot rebuilds an Echo's constituent parts from one session's log
// rows, considering only rows at or before cutoff (§4.11 step 2). State is
// seeded from the cascade_input row (the cascade_start row's copy of the
// initial state) and then replayed forward through checkpoint rows, which
// each carry a complete Echo.StateSnapshot() taken at that instant — the
// freshest one at or before cutoff wins. History/lineage/errors are rebuilt
// from the rows directly; cell output payloads logged rows don't carry
// (e.g. a deterministic tool's raw output) are not recoverable from the log
// alone and are left nil, matching what a resumed session can actually see.
func replaySnapshot(rows []domain.LogRow, cutoff time.Time) (map[string]any, []echo.HistoryEntry, []echo.LineageEntry, []echo.ErrorEntry) {
	state := make(map[string]any)
	var history []echo.HistoryEntry
	var lineage []echo.LineageEntry
	var errs []echo.ErrorEntry

	for _, row := range rows {
		if row.Timestamp.After(cutoff) {
			break
		}

		switch row.NodeType {
		case domain.NodeTypeCascadeStart:
			if row.ContentType == "cascade_input" {
				var parsed map[string]any
				if json.Unmarshal([]byte(row.Content), &parsed) == nil {
					state = parsed
				}
			}
		case domain.NodeTypeCheckpoint:
			if row.ContentType == "echo_state_snapshot" && row.DataFormat == "msgpack_hex" {
				raw, err := hex.DecodeString(row.Content)
				if err == nil {
					var parsed map[string]any
					if msgpack.Unmarshal(raw, &parsed) == nil {
						state = parsed
					}
				}
			}
		case domain.NodeTypeUser, domain.NodeTypeAgent, domain.NodeTypeSystem, domain.NodeTypeTurn, domain.NodeTypeToolCall, domain.NodeTypeToolResult:
			history = append(history, echo.HistoryEntry{
				Role:      string(row.NodeType),
				Content:   row.Content,
				TraceID:   row.TraceID,
				ParentID:  row.ParentID,
				NodeType:  string(row.NodeType),
				Timestamp: row.Timestamp,
			})
		case domain.NodeTypePhaseEnd:
			lineage = append(lineage, echo.LineageEntry{Cell: row.CellName, TraceID: row.TraceID})
		case domain.NodeTypeError:
			errs = append(errs, echo.ErrorEntry{Cell: row.CellName, Message: row.Content, At: row.Timestamp})
		}
	}
	return state, history, lineage, errs
}

func cellAfter(cascade *domain.Cascade, name string) string {
	for i, c := range cascade.Cells {
		if c.Name == name && i+1 < len(cascade.Cells) {
			return cascade.Cells[i+1].Name
		}
	}
	return ""
}
