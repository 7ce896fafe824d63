package cmd

import (
	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job queue counts by status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		stats, err := newClient().QueueStats(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(cmd, stats)
		}

		cmd.Printf("%sJob Queue%s\n", colorBold, colorReset)
		cmd.Println("──────────────────────────────")
		cmd.Printf("%s◯ Queued:%s    %d\n", colorCyan, colorReset, stats.Queued)
		cmd.Printf("%s⏳ Running:%s  %d\n", colorYellow, colorReset, stats.Running)
		cmd.Printf("%s✓ Done:%s      %d\n", colorGreen, colorReset, stats.Done)
		cmd.Printf("%s✗ Error:%s     %d\n", colorRed, colorReset, stats.Error)
		cmd.Printf("%sTotal:%s       %d\n", colorDim, colorReset, stats.Total)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
