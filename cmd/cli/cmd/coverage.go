package cmd

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var coverageCmd = &cobra.Command{
	Use:   "coverage [project_id]",
	Short: "Show API route coverage of a project",
	Long: `Show which inventory routes the project's test runs exercised, per category,
and list untested critical routes.

Example:
  qactl coverage 6f1c2a1e-8a43-4f5e-9a51-0b2c3d4e5f60 --days 14
  qactl coverage <uuid> --refresh --routes`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		projectID, err := parseID("project", args[0])
		if err != nil {
			return err
		}
		flags := cmd.Flags()
		days, _ := flags.GetInt("days")
		refresh, _ := flags.GetBool("refresh")
		showRoutes, _ := flags.GetBool("routes")

		rep, err := newClient().Coverage(cmd.Context(), projectID, days, refresh)
		if err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(cmd, rep)
		}

		s := rep.Summary
		cmd.Printf("%sRoute Coverage%s\n", colorBold, colorReset)
		cmd.Println("──────────────────────────────")
		cmd.Printf("%sCoverage:%s    %s (%d of %d routes)\n", colorDim, colorReset, colorizePercent(s.CoveragePercent), s.TestedRoutes, s.TotalRoutes)
		cmd.Printf("%sUntested:%s    %d\n", colorDim, colorReset, s.UntestedRoutes)
		cmd.Printf("%sDiscovered:%s  %d\n", colorDim, colorReset, s.DiscoveredRoutes)
		cmd.Printf("%sRuns:%s        %d\n", colorDim, colorReset, s.RunsAnalyzed)

		out := cmd.OutOrStdout()
		if len(rep.ByCategory) > 0 {
			categories := make([]string, 0, len(rep.ByCategory))
			for c := range rep.ByCategory {
				categories = append(categories, c)
			}
			sort.Strings(categories)

			cmd.Println()
			w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "CATEGORY\tTESTED\tTOTAL\tCOVERAGE")
			for _, c := range categories {
				cc := rep.ByCategory[c]
				fmt.Fprintf(w, "%s\t%d\t%d\t%.1f%%\n", c, cc.Tested, cc.Total, cc.CoveragePercent)
			}
			w.Flush()
		}

		if len(rep.UntestedCritical) > 0 {
			cmd.Printf("\n%s✗ Untested critical routes%s\n", colorRed, colorReset)
			for _, r := range rep.UntestedCritical {
				cmd.Printf("  %s %s\n", r.Method, r.Path)
			}
		}

		if showRoutes && len(rep.Routes) > 0 {
			cmd.Println()
			w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "METHOD\tPATH\tCATEGORY\tTESTS")
			for _, r := range rep.Routes {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", r.Method, r.Path, r.Category, r.TestCount)
			}
			w.Flush()
		}
		return nil
	},
}

func init() {
	flags := coverageCmd.Flags()
	flags.IntP("days", "d", 0, "Trend window in days (default: server setting)")
	flags.Bool("refresh", false, "Recompute instead of using the cached report")
	flags.Bool("routes", false, "List every route with its test count")

	rootCmd.AddCommand(coverageCmd)
}
