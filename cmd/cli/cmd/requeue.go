package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"qarunner/pkg/api"
)

var requeueCmd = &cobra.Command{
	Use:   "requeue",
	Short: "Move errored jobs back to the queue",
	Long: `Requeue errored jobs that have been idle for --older-than and still have attempts left.
With --lease, jobs stuck in running longer than the lease are reclaimed as well.

Example:
  qactl requeue --older-than 15m
  qactl requeue --older-than 1h --max-attempts 5 --lease 30m`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		olderThan, _ := flags.GetDuration("older-than")
		maxAttempts, _ := flags.GetInt("max-attempts")
		lease, _ := flags.GetDuration("lease")

		req := api.RequeueRequest{
			OlderThan:   olderThan.String(),
			MaxAttempts: maxAttempts,
		}
		if lease > 0 {
			req.Lease = lease.String()
		}

		resp, err := newClient().Requeue(cmd.Context(), req)
		if err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(cmd, resp)
		}

		cmd.Printf("✓ Requeued %d errored job(s).\n", resp.Requeued)
		if lease > 0 {
			cmd.Printf("  Reclaimed %d stale running job(s).\n", resp.Reclaimed)
		}
		return nil
	},
}

func init() {
	flags := requeueCmd.Flags()
	flags.Duration("older-than", 15*time.Minute, "Only requeue jobs errored at least this long ago")
	flags.Int("max-attempts", 0, "Skip jobs with this many attempts (default: server setting)")
	flags.Duration("lease", 0, "Also reclaim running jobs locked longer than this")

	rootCmd.AddCommand(requeueCmd)
}
