// Package postgres is the production store (§6.4): a bun/pgdialect/pgdriver
// backed columnar log plus the three analytics tables, over the required
// indexes (session_id,timestamp), (cascade_id,timestamp), genus_hash, and
// species_hash. Grounded on the teacher's
// internal/infrastructure/storage/bun_store.go connection/schema pattern,
// generalized from the teacher's workflow/execution/event tables to the
// cascade engine's universal log row plus analytics rollups.
package postgres

import (
	"context"
	"database/sql"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/smilemakc/cascade/internal/domain"
)

// Store is the bun-backed implementation of logging.RowWriter,
// analytics.LogReader/BaselineSource/Writer, and branch.SessionReader.
type Store struct {
	db *bun.DB
}

func New(dsn string) *Store {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	return &Store{db: bun.NewDB(sqldb, pgdialect.New())}
}

// NewWithDB wraps an already-configured bun.DB, for callers that need custom
// connection pooling or query hooks.
func NewWithDB(db *bun.DB) *Store {
	return &Store{db: db}
}

type logRowModel struct {
	bun.BaseModel `bun:"table:cascade_log_rows,alias:lr"`
	domain.LogRow
	ID int64 `bun:"id,pk,autoincrement"`
}

type cascadeAnalyticsModel struct {
	bun.BaseModel `bun:"table:cascade_analytics,alias:ca"`
	domain.CascadeAnalytics
}

type cellAnalyticsModel struct {
	bun.BaseModel `bun:"table:cell_analytics,alias:cla"`
	domain.CellAnalytics
}

type cellContextBreakdownModel struct {
	bun.BaseModel `bun:"table:cell_context_breakdown,alias:ccb"`
	domain.CellContextBreakdown
}

// InitSchema creates the four tables and their required indexes (§6.4) if
// they don't already exist.
func (s *Store) InitSchema(ctx context.Context) error {
	models := []any{
		(*logRowModel)(nil),
		(*cascadeAnalyticsModel)(nil),
		(*cellAnalyticsModel)(nil),
		(*cellContextBreakdownModel)(nil),
	}
	for _, model := range models {
		if _, err := s.db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return err
		}
	}

	indexes := []struct {
		name    string
		columns []string
	}{
		{"idx_cascade_log_rows_session_ts", []string{"session_id", "timestamp"}},
		{"idx_cascade_log_rows_cascade_ts", []string{"cascade_id", "timestamp"}},
		{"idx_cascade_log_rows_genus_hash", []string{"genus_hash"}},
		{"idx_cascade_log_rows_species_hash", []string{"species_hash"}},
	}
	for _, idx := range indexes {
		if _, err := s.db.NewCreateIndex().Model((*logRowModel)(nil)).
			Index(idx.name).IfNotExists().Column(idx.columns...).Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

// WriteLogRows satisfies logging.RowWriter.
func (s *Store) WriteLogRows(ctx context.Context, rows []domain.LogRow) error {
	if len(rows) == 0 {
		return nil
	}
	models := make([]*logRowModel, len(rows))
	for i, r := range rows {
		models[i] = &logRowModel{LogRow: r}
	}
	_, err := s.db.NewInsert().Model(&models).Exec(ctx)
	return err
}

// RowsForSession satisfies analytics.LogReader and branch.SessionReader.
func (s *Store) RowsForSession(ctx context.Context, sessionID string) ([]domain.LogRow, error) {
	var models []logRowModel
	if err := s.db.NewSelect().Model(&models).
		Where("session_id = ?", sessionID).
		OrderExpr("timestamp ASC").
		Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]domain.LogRow, len(models))
	for i, m := range models {
		out[i] = m.LogRow
	}
	return out, nil
}

func (s *Store) costSamples(ctx context.Context, where string, args ...any) ([]float64, error) {
	var samples []float64
	err := s.db.NewSelect().Model((*cascadeAnalyticsModel)(nil)).
		Column("total_cost").Where(where, args...).Scan(ctx, &samples)
	return samples, err
}

// CostSamplesByCascade satisfies analytics.BaselineSource (global tier).
func (s *Store) CostSamplesByCascade(ctx context.Context, cascadeID string) ([]float64, error) {
	return s.costSamples(ctx, "cascade_id = ?", cascadeID)
}

// CostSamplesByCluster satisfies analytics.BaselineSource (cluster tier).
func (s *Store) CostSamplesByCluster(ctx context.Context, cascadeID, inputCategory string) ([]float64, error) {
	return s.costSamples(ctx, "cascade_id = ? AND input_category = ?", cascadeID, inputCategory)
}

// CostSamplesByGenus satisfies analytics.BaselineSource (genus tier).
func (s *Store) CostSamplesByGenus(ctx context.Context, genusHash string) ([]float64, error) {
	return s.costSamples(ctx, "genus_hash = ?", genusHash)
}

// DurationSamplesByCluster mirrors CostSamplesByCluster for duration.
func (s *Store) DurationSamplesByCluster(ctx context.Context, cascadeID, inputCategory string) ([]float64, error) {
	var samples []float64
	err := s.db.NewSelect().Model((*cascadeAnalyticsModel)(nil)).
		Column("total_duration_ms").
		Where("cascade_id = ? AND input_category = ?", cascadeID, inputCategory).
		Scan(ctx, &samples)
	return samples, err
}

// WriteCascadeAnalytics satisfies analytics.Writer.
func (s *Store) WriteCascadeAnalytics(ctx context.Context, row domain.CascadeAnalytics) error {
	model := &cascadeAnalyticsModel{CascadeAnalytics: row}
	_, err := s.db.NewInsert().Model(model).
		On("CONFLICT (session_id) DO UPDATE").
		Exec(ctx)
	return err
}

func (s *Store) WriteCellAnalytics(ctx context.Context, rows []domain.CellAnalytics) error {
	if len(rows) == 0 {
		return nil
	}
	models := make([]*cellAnalyticsModel, len(rows))
	for i, r := range rows {
		models[i] = &cellAnalyticsModel{CellAnalytics: r}
	}
	_, err := s.db.NewInsert().Model(&models).
		On("CONFLICT (session_id, cell_name) DO UPDATE").
		Exec(ctx)
	return err
}

func (s *Store) WriteCellContextBreakdown(ctx context.Context, rows []domain.CellContextBreakdown) error {
	if len(rows) == 0 {
		return nil
	}
	models := make([]*cellContextBreakdownModel, len(rows))
	for i, r := range rows {
		models[i] = &cellContextBreakdownModel{CellContextBreakdown: r}
	}
	_, err := s.db.NewInsert().Model(&models).
		On("CONFLICT (session_id, cell_name, context_message_hash) DO UPDATE").
		Exec(ctx)
	return err
}
