package logging

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smilemakc/cascade/internal/domain"
	"github.com/smilemakc/cascade/internal/store"
)

type fakeWriter struct {
	mu   sync.Mutex
	rows []domain.LogRow
	err  error
}

func (w *fakeWriter) WriteLogRows(ctx context.Context, rows []domain.LogRow) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.rows = append(w.rows, rows...)
	return nil
}

func (w *fakeWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.rows)
}

func TestLog_WritesThroughToStore(t *testing.T) {
	s := store.NewMemoryStore()
	l := New(s, WithFlushInterval(5*time.Millisecond))
	defer l.Close()

	l.Log(context.Background(), domain.LogRow{SessionID: "s1", CascadeID: "c1", NodeType: domain.NodeTypeTurn, Content: "hi"})

	require.Eventually(t, func() bool {
		rows, err := s.RowsForSession(context.Background(), "s1")
		return err == nil && len(rows) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestLog_FillsIdentityFromExecContext(t *testing.T) {
	w := &fakeWriter{}
	l := New(w, WithFlushInterval(5*time.Millisecond))
	defer l.Close()

	ctx := WithExecContext(context.Background(), ExecContext{
		SessionID: "s1", CascadeID: "c1", CellName: "draft", TraceID: "t1",
	})
	l.Log(ctx, domain.LogRow{NodeType: domain.NodeTypeTurn})

	require.Eventually(t, func() bool { return w.count() == 1 }, time.Second, 5*time.Millisecond)
	w.mu.Lock()
	row := w.rows[0]
	w.mu.Unlock()
	assert.Equal(t, "s1", row.SessionID)
	assert.Equal(t, "c1", row.CascadeID)
	assert.Equal(t, "draft", row.CellName)
	assert.Equal(t, "t1", row.TraceID)
}

func TestLog_ExplicitFieldsAreNotOverwritten(t *testing.T) {
	w := &fakeWriter{}
	l := New(w, WithFlushInterval(5*time.Millisecond))
	defer l.Close()

	ctx := WithExecContext(context.Background(), ExecContext{SessionID: "from-ctx"})
	l.Log(ctx, domain.LogRow{SessionID: "explicit", NodeType: domain.NodeTypeTurn})

	require.Eventually(t, func() bool { return w.count() == 1 }, time.Second, 5*time.Millisecond)
	w.mu.Lock()
	row := w.rows[0]
	w.mu.Unlock()
	assert.Equal(t, "explicit", row.SessionID)
}

func TestLog_StampsTimestampWhenMissing(t *testing.T) {
	w := &fakeWriter{}
	l := New(w, WithFlushInterval(5*time.Millisecond))
	defer l.Close()

	before := time.Now().UTC()
	l.Log(context.Background(), domain.LogRow{NodeType: domain.NodeTypeTurn})

	require.Eventually(t, func() bool { return w.count() == 1 }, time.Second, 5*time.Millisecond)
	w.mu.Lock()
	row := w.rows[0]
	w.mu.Unlock()
	assert.False(t, row.Timestamp.Before(before))
}

func TestLog_DropsLowestSeverityAtHighWaterMark(t *testing.T) {
	w := &fakeWriter{}
	// flushInterval far longer than the test so rows stay queued.
	l := New(w, WithHighWaterMark(2), WithFlushInterval(time.Hour), WithBatchSize(1000))
	defer l.Close()

	l.Log(context.Background(), domain.LogRow{NodeType: domain.NodeTypeTurn, Content: "low"})
	l.Log(context.Background(), domain.LogRow{NodeType: domain.NodeTypeError, Content: "high"})
	// queue is now at the high-water mark; this incoming row is at least as
	// severe as the lowest-severity queued row (turn), which gets evicted.
	l.Log(context.Background(), domain.LogRow{NodeType: domain.NodeTypeCascadeStart, Content: "evicts-turn"})

	assert.Equal(t, int64(1), l.Dropped())

	l.mu.Lock()
	queued := append([]domain.LogRow(nil), l.queue...)
	l.mu.Unlock()
	require.Len(t, queued, 2)
	for _, r := range queued {
		assert.NotEqual(t, "low", r.Content)
	}
}

func TestLog_DropsIncomingWhenLessSevereThanQueued(t *testing.T) {
	w := &fakeWriter{}
	l := New(w, WithHighWaterMark(1), WithFlushInterval(time.Hour), WithBatchSize(1000))
	defer l.Close()

	l.Log(context.Background(), domain.LogRow{NodeType: domain.NodeTypeCascadeCompleted, Content: "keep"})
	l.Log(context.Background(), domain.LogRow{NodeType: domain.NodeTypeTurn, Content: "dropped"})

	assert.Equal(t, int64(1), l.Dropped())
	l.mu.Lock()
	queued := append([]domain.LogRow(nil), l.queue...)
	l.mu.Unlock()
	require.Len(t, queued, 1)
	assert.Equal(t, "keep", queued[0].Content)
}

func TestLog_AfterCloseIsNoOp(t *testing.T) {
	w := &fakeWriter{}
	l := New(w, WithFlushInterval(5*time.Millisecond))
	l.Close()

	l.Log(context.Background(), domain.LogRow{NodeType: domain.NodeTypeTurn})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, w.count())
}

func TestClose_DrainsQueueBeforeStopping(t *testing.T) {
	w := &fakeWriter{}
	l := New(w, WithFlushInterval(time.Hour), WithBatchSize(1000))

	for i := 0; i < 5; i++ {
		l.Log(context.Background(), domain.LogRow{NodeType: domain.NodeTypeTurn})
	}
	l.Close()

	require.Eventually(t, func() bool { return w.count() == 5 }, time.Second, 5*time.Millisecond)
}
