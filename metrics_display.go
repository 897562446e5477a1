package cascade

import (
	"fmt"

	"github.com/smilemakc/cascade/internal/domain"
)

// ANSI colors & styles. They are written unconditionally, with no check for
// whether stdout is a terminal; callers typically only invoke this from
// example programs and demos.
const (
	colorReset  = "\033[0m"
	colorBlue   = "\033[34m"
	colorCyan   = "\033[36m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorRed    = "\033[31m"
	bold        = "\033[1m"
)

// DisplayAnalytics prints one session's computed analytics (§4.10) in a
// formatted, human-readable way. Intended for examples and debugging, not
// for production log output (use the structured logger for that).
func DisplayAnalytics(row domain.CascadeAnalytics, cells []domain.CellAnalytics) {
	title := func(text string) {
		fmt.Printf("\n%s%s=== %s ===%s\n\n", bold, colorBlue, text, colorReset)
	}
	section := func(text string) {
		fmt.Printf("%s%s%s\n", bold, text, colorReset)
	}
	kv := func(label string, value any) {
		fmt.Printf("  %s%-26s%s: %v\n", colorCyan, label, colorReset, value)
	}

	title(fmt.Sprintf("Cascade Analytics: %s", row.SessionID))

	section("Summary:")
	kv("Cascade ID", row.CascadeID)
	kv("Genus Hash", row.GenusHash)
	kv("Input Category", row.InputCategory)
	kv("Input Complexity", fmt.Sprintf("%.3f", row.InputComplexityScore))
	kv("Cell Count", row.CellCount)
	kv("Error Count", row.ErrorCount)
	kv("Total Cost (USD)", fmt.Sprintf("$%.4f", row.TotalCost))
	kv("Total Duration", fmt.Sprintf("%dms", row.TotalDurationMS))
	kv("Tokens In/Out", fmt.Sprintf("%d/%d", row.TokensIn, row.TokensOut))

	section("\nBaselines:")
	kv("Global Avg Cost", fmt.Sprintf("$%.4f", row.GlobalAvgCost))
	kv("Cluster Avg Cost", fmt.Sprintf("$%.4f", row.ClusterAvgCost))
	kv("Genus Avg Cost", fmt.Sprintf("$%.4f", row.GenusAvgCost))
	costOutlier := fmt.Sprintf("%.2f", row.CostZScore)
	if row.IsCostOutlier {
		costOutlier = fmt.Sprintf("%s%s (outlier)%s", colorRed, costOutlier, colorReset)
	}
	kv("Cost Z-Score", costOutlier)
	durOutlier := fmt.Sprintf("%.2f", row.DurationZScore)
	if row.IsDurationOutlier {
		durOutlier = fmt.Sprintf("%s%s (outlier)%s", colorYellow, durOutlier, colorReset)
	}
	kv("Duration Z-Score", durOutlier)

	section("\nContext cost attribution:")
	kv("Context Cost Estimated", fmt.Sprintf("$%.4f", row.TotalContextCostEstimated))
	kv("Context Cost Pct", fmt.Sprintf("%.1f%%", row.ContextCostPct*100))
	kv("Cells With Context", row.CellsWithContext)

	if len(cells) > 0 {
		section("\nPer-cell:")
		for _, c := range cells {
			flag := ""
			if c.IsCostOutlier {
				flag = colorRed + " (outlier)" + colorReset
			}
			fmt.Printf("  %s%s%s: $%.4f (%.1f%% of total)%s\n", bold, c.CellName, colorReset, c.CellCost, c.CellCostPct*100, flag)
		}
	}

	fmt.Println()
}
