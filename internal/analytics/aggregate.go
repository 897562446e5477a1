package analytics

import (
	"time"

	"github.com/smilemakc/cascade/internal/domain"
)

// cellAgg accumulates the per-cell raw metrics pulled from turn/tool_call
// log rows before the final species-relative stats are computed.
type cellAgg struct {
	name           string
	cost           float64
	durationMS     int64
	tokens         int
	breakdownItems []domain.CellContextBreakdown
}

// sessionAgg is the raw per-session rollup built from one pass over
// RowsForSession, before baselines/z-scores are computed.
type sessionAgg struct {
	cascadeID       string
	genusHash       string
	inputJSON       string
	totalCost       float64
	totalDurationMS int64
	tokensIn        int
	tokensOut       int
	messageCount    int
	errorCount      int
	lastTimestamp   time.Time
	cells           map[string]*cellAgg
	cellOrder       []string
}

// aggregate walks one session's log rows once, bucketing cost/duration/token
// metrics per cell and capturing the context-source attribution rows logged
// by the CellLoop (§4.10, §3.1's data_size_json/toon/savings fields).
func aggregate(rows []domain.LogRow) sessionAgg {
	agg := sessionAgg{cells: make(map[string]*cellAgg)}

	for _, row := range rows {
		if row.CascadeID != "" {
			agg.cascadeID = row.CascadeID
		}
		if row.GenusHash != "" {
			agg.genusHash = row.GenusHash
		}
		if row.Timestamp.After(agg.lastTimestamp) {
			agg.lastTimestamp = row.Timestamp
		}

		switch row.NodeType {
		case domain.NodeTypeCascadeStart:
			if row.ContentType == "cascade_input" {
				agg.inputJSON = row.Content
			}
		case domain.NodeTypeTurn:
			agg.totalCost += row.Cost
			agg.totalDurationMS += row.DurationMS
			agg.tokensIn += row.TokensIn
			agg.tokensOut += row.TokensOut
			agg.messageCount++
			c := agg.cellFor(row.CellName)
			c.cost += row.Cost
			c.durationMS += row.DurationMS
			c.tokens += row.TokensIn + row.TokensOut
		case domain.NodeTypeToolCall, domain.NodeTypeToolResult, domain.NodeTypeAgent, domain.NodeTypeUser:
			agg.messageCount++
		case domain.NodeTypeError:
			agg.errorCount++
		case domain.NodeTypeSystem:
			if row.ContentType == "context_source" {
				c := agg.cellFor(row.CellName)
				estTokens := row.DataSizeJSON / 4
				c.breakdownItems = append(c.breakdownItems, domain.CellContextBreakdown{
					CellName:             row.CellName,
					ContextMessageHash:   row.TraceID,
					ContextMessageCell:   row.Content,
					ContextMessageTokens: estTokens,
				})
			}
		}
	}
	return agg
}

func (a *sessionAgg) cellFor(name string) *cellAgg {
	if name == "" {
		name = "_cascade"
	}
	c, ok := a.cells[name]
	if !ok {
		c = &cellAgg{name: name}
		a.cells[name] = c
		a.cellOrder = append(a.cellOrder, name)
	}
	return c
}

// buildCellAnalytics turns the raw per-cell rollup into CellAnalytics rows
// and the per-message context breakdown, estimating each context message's
// cost as its proportional share of the cell's total token count (§4.10).
func buildCellAnalytics(sessionID string, agg sessionAgg) (cells []domain.CellAnalytics, breakdown []domain.CellContextBreakdown, totalContextCost, totalNewCost float64) {
	for _, name := range agg.cellOrder {
		c := agg.cells[name]
		if name == "_cascade" {
			continue
		}

		cellContextTokens := 0
		for _, item := range c.breakdownItems {
			cellContextTokens += item.ContextMessageTokens
		}
		estimatedContextCost := 0.0
		if c.tokens > 0 && cellContextTokens > 0 {
			frac := float64(cellContextTokens) / float64(c.tokens+cellContextTokens)
			estimatedContextCost = c.cost * frac
		}
		estimatedNewCost := c.cost - estimatedContextCost

		contextPct := safeDiv(estimatedContextCost, c.cost) * 100
		for i := range c.breakdownItems {
			item := &c.breakdownItems[i]
			item.SessionID = sessionID
			item.CellIndex = indexOf(agg.cellOrder, name)
			if cellContextTokens > 0 {
				item.ContextMessageCostEst = estimatedContextCost * float64(item.ContextMessageTokens) / float64(cellContextTokens)
			}
			item.ContextMessagePct = safeDiv(item.ContextMessageCostEst, c.cost) * 100
			breakdown = append(breakdown, *item)
		}

		cells = append(cells, domain.CellAnalytics{
			SessionID:               sessionID,
			CellName:                name,
			CascadeID:               agg.cascadeID,
			CellCost:                c.cost,
			CellDurationMS:          c.durationMS,
			CellTokens:              c.tokens,
			CellCostPct:             safeDiv(c.cost, agg.totalCost) * 100,
			CellDurationPct:         safeDiv(float64(c.durationMS), float64(agg.totalDurationMS)) * 100,
			ContextCostEstimated:    estimatedContextCost,
			NewMessageCostEstimated: estimatedNewCost,
			ContextCostPct:          contextPct,
			ContextDepthAvg:         float64(len(c.breakdownItems)),
		})
		totalContextCost += estimatedContextCost
		totalNewCost += estimatedNewCost
	}
	return cells, breakdown, totalContextCost, totalNewCost
}

// contextCellSummary returns the count of cells that used context and the
// avg/max context-cost percentage across them (§4.10 cascade-level fields).
func contextCellSummary(cells []domain.CellAnalytics) (count int, avgPct, maxPct float64) {
	var sum float64
	for _, c := range cells {
		if c.ContextCostEstimated > 0 {
			count++
			sum += c.ContextCostPct
			if c.ContextCostPct > maxPct {
				maxPct = c.ContextCostPct
			}
		}
	}
	if count > 0 {
		avgPct = sum / float64(count)
	}
	return count, avgPct, maxPct
}

func indexOf(ss []string, v string) int {
	for i, s := range ss {
		if s == v {
			return i
		}
	}
	return -1
}
