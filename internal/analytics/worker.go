// Package analytics implements the AnalyticsWorker (§4.10): a post-run,
// asynchronous pass over one finished session's log rows that produces the
// cascade_analytics/cell_analytics/cell_context_breakdown rows. Grounded on
// the teacher's internal/infrastructure/monitoring background collector
// pattern (fire-and-forget goroutine dispatch, errors logged and swallowed,
// never on the request's critical path).
package analytics

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/smilemakc/cascade/internal/domain"
	"github.com/smilemakc/cascade/internal/obslog"
)

// minBaselineSamples is the §4.10 threshold below which a baseline tier
// yields an empty/NaN result rather than failing the worker.
const minBaselineSamples = 10

// LogReader retrieves the log rows written for one finished session.
type LogReader interface {
	RowsForSession(ctx context.Context, sessionID string) ([]domain.LogRow, error)
}

// BaselineSource supplies prior-run cost samples for the three baseline tiers (§4.10).
type BaselineSource interface {
	CostSamplesByCascade(ctx context.Context, cascadeID string) ([]float64, error)
	CostSamplesByCluster(ctx context.Context, cascadeID, inputCategory string) ([]float64, error)
	CostSamplesByGenus(ctx context.Context, genusHash string) ([]float64, error)
	DurationSamplesByCluster(ctx context.Context, cascadeID, inputCategory string) ([]float64, error)
}

// Writer persists the computed analytics rows.
type Writer interface {
	WriteCascadeAnalytics(ctx context.Context, row domain.CascadeAnalytics) error
	WriteCellAnalytics(ctx context.Context, rows []domain.CellAnalytics) error
	WriteCellContextBreakdown(ctx context.Context, rows []domain.CellContextBreakdown) error
}

// Worker computes analytics for finished sessions on a background pool.
type Worker struct {
	reader    LogReader
	baselines BaselineSource
	writer    Writer
	poolSize  int
	sem       chan struct{}
}

// DefaultPoolSize is the background worker pool size (§4.10: "runs on a
// background worker pool").
const DefaultPoolSize = 4

func New(reader LogReader, baselines BaselineSource, writer Writer, poolSize int) *Worker {
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}
	return &Worker{reader: reader, baselines: baselines, writer: writer, poolSize: poolSize, sem: make(chan struct{}, poolSize)}
}

// Enqueue triggers analytics for sessionID on a background goroutine; it
// never blocks the caller beyond acquiring a pool slot (§4.10: "must never
// block cascade return").
func (w *Worker) Enqueue(sessionID string) {
	go func() {
		w.sem <- struct{}{}
		defer func() { <-w.sem }()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := w.Process(ctx, sessionID); err != nil {
			obslog.L("analytics").Error().Err(err).Str("session_id", sessionID).Msg("analytics worker failed")
		}
	}()
}

// Process computes and persists all three analytics rows for sessionID.
// Errors are returned to the caller (Enqueue logs and swallows them; tests
// call Process directly to assert on the error).
func (w *Worker) Process(ctx context.Context, sessionID string) error {
	rows, err := w.reader.RowsForSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	agg := aggregate(rows)
	score := inputComplexityScore(agg.inputJSON)
	category := domain.CategoryForScore(score)

	globalCosts, _ := w.baselines.CostSamplesByCascade(ctx, agg.cascadeID)
	clusterCosts, _ := w.baselines.CostSamplesByCluster(ctx, agg.cascadeID, category)
	clusterDurations, _ := w.baselines.DurationSamplesByCluster(ctx, agg.cascadeID, category)
	genusCosts, _ := w.baselines.CostSamplesByGenus(ctx, agg.genusHash)

	globalAvg, _ := meanStddev(globalCosts)
	clusterAvg, clusterStddev := meanStddev(clusterCosts)
	_, durationStddev := meanStddev(clusterDurations)
	clusterDurationAvg, _ := meanStddev(clusterDurations)
	genusAvg, _ := meanStddev(genusCosts)

	costZ := zScore(agg.totalCost, clusterAvg, clusterStddev)
	durationZ := zScore(float64(agg.totalDurationMS), clusterDurationAvg, durationStddev)

	now := agg.lastTimestamp
	cascadeRow := domain.CascadeAnalytics{
		SessionID:            sessionID,
		CascadeID:            agg.cascadeID,
		GenusHash:            agg.genusHash,
		InputComplexityScore: score,
		InputCategory:        category,
		InputFingerprint:     fingerprintOf(agg.inputJSON),
		TotalCost:            agg.totalCost,
		TotalDurationMS:      agg.totalDurationMS,
		TokensIn:             agg.tokensIn,
		TokensOut:            agg.tokensOut,
		MessageCount:         agg.messageCount,
		CellCount:            len(agg.cells),
		ErrorCount:           agg.errorCount,
		GlobalAvgCost:        nanIfFew(globalAvg, len(globalCosts)),
		ClusterAvgCost:       nanIfFew(clusterAvg, len(clusterCosts)),
		ClusterStddevCost:    nanIfFew(clusterStddev, len(clusterCosts)),
		GenusAvgCost:         nanIfFew(genusAvg, len(genusCosts)),
		GenusRunCount:        len(genusCosts),
		CostZScore:           costZ,
		DurationZScore:       durationZ,
		IsCostOutlier:        math.Abs(costZ) > 2,
		IsDurationOutlier:    math.Abs(durationZ) > 2,
		CostPerMessage:       safeDiv(agg.totalCost, float64(agg.messageCount)),
		CostPerToken:         safeDiv(agg.totalCost, float64(agg.tokensIn+agg.tokensOut)),
		TokensPerMessage:     safeDiv(float64(agg.tokensIn+agg.tokensOut), float64(agg.messageCount)),
		HourOfDay:            now.Hour(),
		DayOfWeek:            int(now.Weekday()),
		IsWeekend:            now.Weekday() == time.Saturday || now.Weekday() == time.Sunday,
	}

	cellRows, breakdownRows, totalContextCost, totalNewCost := buildCellAnalytics(sessionID, agg)
	cascadeRow.TotalContextCostEstimated = totalContextCost
	cascadeRow.TotalNewCostEstimated = totalNewCost
	cascadeRow.ContextCostPct = safeDiv(totalContextCost, totalContextCost+totalNewCost) * 100
	cascadeRow.CellsWithContext, cascadeRow.AvgCellContextPct, cascadeRow.MaxCellContextPct = contextCellSummary(cellRows)

	if err := w.writer.WriteCascadeAnalytics(ctx, cascadeRow); err != nil {
		return err
	}
	if len(cellRows) > 0 {
		if err := w.writer.WriteCellAnalytics(ctx, cellRows); err != nil {
			return err
		}
	}
	if len(breakdownRows) > 0 {
		if err := w.writer.WriteCellContextBreakdown(ctx, breakdownRows); err != nil {
			return err
		}
	}
	return nil
}

func nanIfFew(v float64, n int) float64 {
	if n < minBaselineSamples {
		return math.NaN()
	}
	return v
}

func meanStddev(samples []float64) (mean, stddev float64) {
	if len(samples) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, s := range samples {
		sum += s
	}
	mean = sum / float64(len(samples))
	variance := 0.0
	for _, s := range samples {
		d := s - mean
		variance += d * d
	}
	variance /= float64(len(samples))
	return mean, math.Sqrt(variance)
}

func zScore(value, mean, stddev float64) float64 {
	if stddev <= 0 {
		return 0
	}
	return (value - mean) / stddev
}

func safeDiv(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// inputComplexityScore implements §4.10's exact formula over the top-level input JSON.
func inputComplexityScore(inputJSON string) float64 {
	if inputJSON == "" {
		return 0
	}
	var parsed any
	if err := json.Unmarshal([]byte(inputJSON), &parsed); err != nil {
		return 0
	}
	charCount := len(inputJSON)
	estTokens := charCount / 4
	depth := jsonDepth(parsed)
	arrayItems := countArrayItems(parsed)

	score := 0.4*float64(charCount)/10000 +
		0.3*float64(estTokens)/2500 +
		0.15*float64(depth)/10 +
		0.15*float64(arrayItems)/1000
	return clamp01(score)
}

func jsonDepth(v any) int {
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 0 {
			return 0
		}
		max := 0
		for _, vv := range t {
			if d := jsonDepth(vv); d > max {
				max = d
			}
		}
		return max + 1
	case []any:
		if len(t) == 0 {
			return 0
		}
		max := 0
		for _, vv := range t {
			if d := jsonDepth(vv); d > max {
				max = d
			}
		}
		return max + 1
	default:
		return 0
	}
}

func countArrayItems(v any) int {
	switch t := v.(type) {
	case map[string]any:
		count := 0
		for _, vv := range t {
			count += countArrayItems(vv)
		}
		return count
	case []any:
		count := len(t)
		for _, vv := range t {
			count += countArrayItems(vv)
		}
		return count
	default:
		return 0
	}
}

func fingerprintOf(inputJSON string) map[string]any {
	if inputJSON == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(inputJSON), &m); err != nil {
		return nil
	}
	fp := make(map[string]any, len(m))
	for k := range m {
		fp[k] = "present"
	}
	return fp
}
