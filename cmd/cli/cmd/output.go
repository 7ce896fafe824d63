package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// riskIcon marks a flake risk level.
func riskIcon(level string) string {
	switch level {
	case "high":
		return colorRed + "✗" + colorReset
	case "moderate":
		return colorYellow + "▲" + colorReset
	case "low":
		return colorCyan + "◯" + colorReset
	default:
		return colorGreen + "✓" + colorReset
	}
}

func colorizeRisk(level string) string {
	switch level {
	case "high":
		return colorRed + level + colorReset
	case "moderate":
		return colorYellow + level + colorReset
	case "low":
		return colorCyan + level + colorReset
	default:
		return level
	}
}

// colorizePercent is green at 80% and above, yellow from 50%, red below.
func colorizePercent(p float64) string {
	color := colorRed
	switch {
	case p >= 80:
		color = colorGreen
	case p >= 50:
		color = colorYellow
	}
	return fmt.Sprintf("%s%.1f%%%s", color, p, colorReset)
}

func relativeTime(t time.Time) string {
	duration := time.Since(t)

	if duration < time.Minute {
		return fmt.Sprintf("%ds", int(duration.Seconds()))
	} else if duration < time.Hour {
		return fmt.Sprintf("%dm", int(duration.Minutes()))
	} else if duration < 24*time.Hour {
		return fmt.Sprintf("%dh", int(duration.Hours()))
	} else {
		days := int(duration.Hours() / 24)
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
