package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smilemakc/cascade/internal/domain"
)

func TestMemoryStore_RowsForSessionOrdersByTimestamp(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	t0 := time.Now()
	require.NoError(t, s.WriteLogRows(ctx, []domain.LogRow{
		{SessionID: "a", CascadeID: "c1", Content: "second", Timestamp: t0.Add(time.Second)},
		{SessionID: "b", CascadeID: "c1", Content: "other session", Timestamp: t0},
		{SessionID: "a", CascadeID: "c1", Content: "first", Timestamp: t0},
	}))

	rows, err := s.RowsForSession(ctx, "a")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "first", rows[0].Content)
	assert.Equal(t, "second", rows[1].Content)
}

func TestMemoryStore_BaselinesByTier(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.WriteCascadeAnalytics(ctx, domain.CascadeAnalytics{SessionID: "s1", CascadeID: "c1", GenusHash: "g1", InputCategory: "small", TotalCost: 1.0}))
	require.NoError(t, s.WriteCascadeAnalytics(ctx, domain.CascadeAnalytics{SessionID: "s2", CascadeID: "c1", GenusHash: "g1", InputCategory: "large", TotalCost: 5.0}))

	global, err := s.CostSamplesByCascade(ctx, "c1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []float64{1.0, 5.0}, global)

	cluster, err := s.CostSamplesByCluster(ctx, "c1", "small")
	require.NoError(t, err)
	assert.Equal(t, []float64{1.0}, cluster)

	genus, err := s.CostSamplesByGenus(ctx, "g1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []float64{1.0, 5.0}, genus)
}
