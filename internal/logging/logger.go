// Package logging implements the Logger component (§4.2): an append-only
// sink for LogRow values with auto-injected identity fields, batched
// delivery to the store, and bounded backpressure that protects critical
// rows. Each batch is written once: a batch whose write fails is logged and
// dropped, not retried. Grounded on the teacher's ObserverManager fan-out pattern
// (backend/internal/infrastructure/monitoring/observer.go) for the
// "never blocks cascade progress beyond enqueue" contract, generalized from
// an in-process observer fan-out to a queued, store-backed writer.
package logging

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/smilemakc/cascade/internal/domain"
	"github.com/smilemakc/cascade/internal/obslog"
	"github.com/smilemakc/cascade/internal/tracing"
)

// RowWriter persists a batch of log rows. internal/store implementations
// satisfy this.
type RowWriter interface {
	WriteLogRows(ctx context.Context, rows []domain.LogRow) error
}

// Logger is the append-only sink. Log() never blocks beyond an in-memory
// enqueue; a dedicated writer goroutine drains to the store.
type Logger struct {
	writer        RowWriter
	highWaterMark int
	batchSize     int
	flushInterval time.Duration

	mu      sync.Mutex
	queue   []domain.LogRow
	closed  bool
	dropped int64

	obs  zerolog.Logger
	done chan struct{}
}

// Option configures a Logger.
type Option func(*Logger)

func WithHighWaterMark(n int) Option { return func(l *Logger) { l.highWaterMark = n } }
func WithBatchSize(n int) Option     { return func(l *Logger) { l.batchSize = n } }
func WithFlushInterval(d time.Duration) Option {
	return func(l *Logger) { l.flushInterval = d }
}

// New creates a Logger writing to writer and starts its drain goroutine.
func New(writer RowWriter, opts ...Option) *Logger {
	l := &Logger{
		writer:        writer,
		highWaterMark: 10000,
		batchSize:     100,
		flushInterval: 200 * time.Millisecond,
		obs:           obslog.L("logging"),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	go l.drain()
	return l
}

// Log enqueues one row (§4.2 contract). Missing identity fields are filled
// from the ExecContext on ctx. This call never blocks on I/O.
func (l *Logger) Log(ctx context.Context, row domain.LogRow) {
	row = l.fillIdentity(ctx, row)
	if row.Timestamp.IsZero() {
		row.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	if len(l.queue) >= l.highWaterMark {
		l.dropOne(row)
	} else {
		l.queue = append(l.queue, row)
	}
}

func (l *Logger) fillIdentity(ctx context.Context, row domain.LogRow) domain.LogRow {
	ec, ok := ExecContextFrom(ctx)
	if !ok {
		return row
	}
	if row.SessionID == "" {
		row.SessionID = ec.SessionID
	}
	if row.ParentSessionID == "" {
		row.ParentSessionID = ec.ParentSessionID
	}
	if row.CallerID == "" {
		row.CallerID = ec.CallerID
	}
	if row.CascadeID == "" {
		row.CascadeID = ec.CascadeID
	}
	if row.CellName == "" {
		row.CellName = ec.CellName
	}
	if row.CellIndex == 0 {
		row.CellIndex = ec.CellIndex
	}
	if row.TraceID == "" {
		row.TraceID = ec.TraceID
	}
	if row.ParentID == "" {
		row.ParentID = ec.ParentID
	}
	if row.GenusHash == "" {
		row.GenusHash = ec.GenusHash
	}
	if row.SpeciesHash == "" {
		row.SpeciesHash = ec.SpeciesHash
	}
	return row
}

// dropOne implements the backpressure policy (§4.2): evict the
// lowest-severity row currently queued if it is no more important than the
// incoming one; otherwise drop the incoming row itself. Caller holds l.mu.
func (l *Logger) dropOne(incoming domain.LogRow) {
	minIdx, minSev := -1, int(^uint(0)>>1)
	for i, r := range l.queue {
		s := domain.SeverityRank(r.NodeType)
		if s < minSev {
			minSev, minIdx = s, i
		}
	}
	incomingSev := domain.SeverityRank(incoming.NodeType)
	if minIdx >= 0 && minSev <= incomingSev {
		evicted := l.queue[minIdx].NodeType
		l.queue = append(l.queue[:minIdx], l.queue[minIdx+1:]...)
		l.queue = append(l.queue, incoming)
		l.dropped++
		l.obs.Warn().Str("dropped_node_type", string(evicted)).Msg("logger: queue at high-water mark, dropped lowest-severity row")
		return
	}
	l.dropped++
	l.obs.Warn().Str("dropped_node_type", string(incoming.NodeType)).Msg("logger: queue at high-water mark, dropped incoming row")
}

// Dropped returns the total number of rows dropped for backpressure.
func (l *Logger) Dropped() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// drain is the single writer goroutine; it batches rows and flushes either
// when batchSize is reached or flushInterval elapses.
func (l *Logger) drain() {
	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	for {
		batch := l.take(l.batchSize)
		if len(batch) > 0 {
			l.flush(batch)
			continue
		}
		select {
		case <-ticker.C:
		case <-l.done:
			// Final drain before exit.
			for {
				final := l.take(l.batchSize)
				if len(final) == 0 {
					return
				}
				l.flush(final)
			}
		}
	}
}

func (l *Logger) take(n int) []domain.LogRow {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil
	}
	if n > len(l.queue) {
		n = len(l.queue)
	}
	batch := make([]domain.LogRow, n)
	copy(batch, l.queue[:n])
	l.queue = l.queue[n:]
	return batch
}

func (l *Logger) flush(batch []domain.LogRow) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ctx, _, endSpan := tracing.LoggerEnqueue(ctx, string(batch[0].NodeType))
	err := l.writer.WriteLogRows(ctx, batch)
	endSpan(err)
	if err != nil {
		l.obs.Error().Err(err).Int("rows", len(batch)).Msg("logging: write batch failed, rows dropped (at-least-once not guaranteed past this point)")
	}
}

// Close stops the writer goroutine after draining the current queue.
func (l *Logger) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()
	close(l.done)
}
