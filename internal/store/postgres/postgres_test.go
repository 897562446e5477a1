package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/smilemakc/cascade/internal/domain"
	"github.com/smilemakc/cascade/internal/store/postgres"
)

// TestStore_RoundTrip requires a reachable Postgres instance; set
// CASCADE_TEST_POSTGRES_DSN to run it. Grounded on the teacher's
// bun_store_test.go skip-without-DSN pattern for its own Postgres-backed
// store.
func TestStore_RoundTrip(t *testing.T) {
	dsn := os.Getenv("CASCADE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("set CASCADE_TEST_POSTGRES_DSN to run this integration test")
	}

	ctx := context.Background()
	store := postgres.New(dsn)
	require.NoError(t, store.InitSchema(ctx))

	row := domain.LogRow{SessionID: "sess-1", CascadeID: "c1", NodeType: domain.NodeTypeTurn, Cost: 0.01}
	require.NoError(t, store.WriteLogRows(ctx, []domain.LogRow{row}))

	rows, err := store.RowsForSession(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "c1", rows[0].CascadeID)
}
