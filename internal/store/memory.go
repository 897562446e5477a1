// Package store provides the persistence layer behind the Logger, the
// AnalyticsWorker, and BranchManager's session replay (§6.4). MemoryStore is
// a process-local implementation used by tests and single-process
// deployments; store/postgres provides the bun-backed production
// implementation over the same four-table layout.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/smilemakc/cascade/internal/domain"
)

// MemoryStore holds log rows and computed analytics rows in process memory,
// grounded on the teacher's internal/infrastructure/storage/memory.go
// in-memory event store (same "slice behind a mutex, linear scan on read"
// shape), generalized from workflow events to cascade log rows.
type MemoryStore struct {
	mu         sync.RWMutex
	rows       []domain.LogRow
	cascadeRow map[string]domain.CascadeAnalytics // sessionID -> row
	cellRows   map[string][]domain.CellAnalytics  // sessionID -> rows
	breakdown  map[string][]domain.CellContextBreakdown
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cascadeRow: make(map[string]domain.CascadeAnalytics),
		cellRows:   make(map[string][]domain.CellAnalytics),
		breakdown:  make(map[string][]domain.CellContextBreakdown),
	}
}

// WriteLogRows satisfies logging.RowWriter.
func (s *MemoryStore) WriteLogRows(_ context.Context, rows []domain.LogRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, rows...)
	return nil
}

// RowsForSession satisfies analytics.LogReader and branch.SessionReader.
func (s *MemoryStore) RowsForSession(_ context.Context, sessionID string) ([]domain.LogRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.LogRow
	for _, r := range s.rows {
		if r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// AllRows returns every row ever written, for BranchManager.Descendants-style
// tree queries that need the full parent_session_id graph.
func (s *MemoryStore) AllRows(_ context.Context) ([]domain.LogRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.LogRow, len(s.rows))
	copy(out, s.rows)
	return out, nil
}

// CostSamplesByCascade satisfies analytics.BaselineSource (global tier: all
// runs of this cascade_id, regardless of input cluster).
func (s *MemoryStore) CostSamplesByCascade(_ context.Context, cascadeID string) ([]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []float64
	for _, row := range s.cascadeRow {
		if row.CascadeID == cascadeID {
			out = append(out, row.TotalCost)
		}
	}
	return out, nil
}

// CostSamplesByCluster satisfies analytics.BaselineSource (cluster tier:
// same cascade_id and input_category).
func (s *MemoryStore) CostSamplesByCluster(_ context.Context, cascadeID, inputCategory string) ([]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []float64
	for _, row := range s.cascadeRow {
		if row.CascadeID == cascadeID && row.InputCategory == inputCategory {
			out = append(out, row.TotalCost)
		}
	}
	return out, nil
}

// DurationSamplesByCluster mirrors CostSamplesByCluster for duration.
func (s *MemoryStore) DurationSamplesByCluster(_ context.Context, cascadeID, inputCategory string) ([]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []float64
	for _, row := range s.cascadeRow {
		if row.CascadeID == cascadeID && row.InputCategory == inputCategory {
			out = append(out, float64(row.TotalDurationMS))
		}
	}
	return out, nil
}

// CostSamplesByGenus satisfies analytics.BaselineSource (genus tier: the
// tightest cluster, runs sharing the exact same cell-structure hash).
func (s *MemoryStore) CostSamplesByGenus(_ context.Context, genusHash string) ([]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []float64
	for _, row := range s.cascadeRow {
		if row.GenusHash == genusHash {
			out = append(out, row.TotalCost)
		}
	}
	return out, nil
}

// WriteCascadeAnalytics satisfies analytics.Writer.
func (s *MemoryStore) WriteCascadeAnalytics(_ context.Context, row domain.CascadeAnalytics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cascadeRow[row.SessionID] = row
	return nil
}

func (s *MemoryStore) WriteCellAnalytics(_ context.Context, rows []domain.CellAnalytics) error {
	if len(rows) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cellRows[rows[0].SessionID] = append(s.cellRows[rows[0].SessionID], rows...)
	return nil
}

func (s *MemoryStore) WriteCellContextBreakdown(_ context.Context, rows []domain.CellContextBreakdown) error {
	if len(rows) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.breakdown[rows[0].SessionID] = append(s.breakdown[rows[0].SessionID], rows...)
	return nil
}

// CascadeAnalyticsFor returns the computed cascade-level row for a session, if any.
func (s *MemoryStore) CascadeAnalyticsFor(sessionID string) (domain.CascadeAnalytics, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.cascadeRow[sessionID]
	return row, ok
}
