package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"qarunner/pkg/api"
)

var flakyCmd = &cobra.Command{
	Use:   "flaky",
	Short: "Inspect flaky tests",
	Long:  `Show tests whose pass/fail history looks flaky, ranked by flake rate.`,
}

var flakyListCmd = &cobra.Command{
	Use:   "list [project_id]",
	Short: "List flaky tests of a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return listFlaky(cmd, args[0], false)
	},
}

var flakyAnalyzeCmd = &cobra.Command{
	Use:   "analyze [project_id]",
	Short: "Re-analyze a project, bypassing cached results",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return listFlaky(cmd, args[0], true)
	},
}

var flakySummaryCmd = &cobra.Command{
	Use:   "summary [project_id]",
	Short: "Count flaky tests of a project by risk",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		projectID, err := parseID("project", args[0])
		if err != nil {
			return err
		}
		s, err := newClient().FlakySummary(cmd.Context(), projectID)
		if err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(cmd, s)
		}

		cmd.Printf("%sFlaky Tests%s\n", colorBold, colorReset)
		cmd.Println("──────────────────────────────")
		cmd.Printf("%sTotal:%s        %d\n", colorDim, colorReset, s.TotalFlaky)
		cmd.Printf("%sAvg rate:%s     %.1f%%\n", colorDim, colorReset, s.AvgFlakeRate)
		cmd.Printf("%s High:         %d\n", riskIcon("high"), s.HighRisk)
		cmd.Printf("%s Moderate:     %d\n", riskIcon("moderate"), s.MediumRisk)
		cmd.Printf("%s Low:          %d\n", riskIcon("low"), s.LowRisk)
		return nil
	},
}

var flakyTestCmd = &cobra.Command{
	Use:   "test [test_case_id]",
	Short: "Analyze a single test case",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		testID, err := parseID("test case", args[0])
		if err != nil {
			return err
		}
		days, _ := cmd.Flags().GetInt("days")

		a, err := newClient().TestFlakiness(cmd.Context(), testID, days)
		if err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(cmd, a)
		}
		printFlakyTest(cmd, *a)
		return nil
	},
}

func listFlaky(cmd *cobra.Command, rawID string, refresh bool) error {
	projectID, err := parseID("project", rawID)
	if err != nil {
		return err
	}
	days, _ := cmd.Flags().GetInt("days")

	resp, err := newClient().FlakyTests(cmd.Context(), projectID, days, refresh)
	if err != nil {
		return err
	}
	if jsonOutput() {
		return printJSON(cmd, resp)
	}

	if len(resp.Tests) == 0 {
		cmd.Printf("No flaky tests found in the last %d days.\n", resp.Days)
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "TEST CASE\tRUNS\tPASS\tFAIL\tFLAKY\tRATE\tRISK\tRECOMMENDATION")
	for _, t := range resp.Tests {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%.1f%%\t%s\t%s\n",
			t.TestCaseID,
			t.TotalRuns,
			t.Passed,
			t.Failed,
			t.Flaky,
			t.FlakeRate,
			t.RiskLevel,
			truncate(t.Recommendation, 60),
		)
	}
	return w.Flush()
}

func printFlakyTest(cmd *cobra.Command, t api.FlakyTest) {
	cmd.Printf("%s %sTest Flakiness%s\n", riskIcon(t.RiskLevel), colorBold, colorReset)
	cmd.Println("──────────────────────────────")
	cmd.Printf("%sTest case:%s   %s\n", colorDim, colorReset, t.TestCaseID)
	if t.Reason != "" {
		cmd.Printf("%sResult:%s      %s\n", colorDim, colorReset, t.Reason)
	}
	cmd.Printf("%sRuns:%s        %d (%d passed, %d failed, %d flaky)\n", colorDim, colorReset, t.TotalRuns, t.Passed, t.Failed, t.Flaky)
	cmd.Printf("%sFlake rate:%s  %.1f%% [%.1f%%, %.1f%%]\n", colorDim, colorReset, t.FlakeRate, t.ConfidenceLower*100, t.ConfidenceUpper*100)
	cmd.Printf("%sFlaky:%s       %t\n", colorDim, colorReset, t.IsFlaky)
	cmd.Printf("%sRisk:%s        %s\n", colorDim, colorReset, colorizeRisk(t.RiskLevel))
	cmd.Printf("%sAdvice:%s      %s\n", colorDim, colorReset, t.Recommendation)
	if !t.AnalyzedAt.IsZero() {
		cmd.Printf("%sAnalyzed:%s    %s ago\n", colorDim, colorReset, relativeTime(t.AnalyzedAt))
	}
}

func parseID(what, raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s id %q: %w", what, raw, err)
	}
	return id, nil
}

func init() {
	for _, c := range []*cobra.Command{flakyListCmd, flakyAnalyzeCmd, flakyTestCmd} {
		c.Flags().IntP("days", "d", 0, "History window in days (default: server setting)")
	}
	flakyCmd.AddCommand(flakyListCmd, flakyAnalyzeCmd, flakySummaryCmd, flakyTestCmd)
	rootCmd.AddCommand(flakyCmd)
}
