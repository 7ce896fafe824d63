package cmd

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"qarunner/pkg/api"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Enqueue a pipeline job",
	Long:  `Enqueue a plan, generate or run job. Workers pick jobs up in FIFO order.`,
}

var enqueuePlanCmd = &cobra.Command{
	Use:   "plan",
	Short: "Plan test scenarios for a pull request",
	Long: `Enqueue a plan job. The worker reads the pull request diff and asks the model for test scenarios.

Example:
  qactl enqueue plan --project 6f1c2a1e-8a43-4f5e-9a51-0b2c3d4e5f60 --pr https://github.com/acme/shop/pull/42
  qactl enqueue plan --project <uuid> --pr <url> --auto-generate --auto-run --open-issue`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		project, _ := flags.GetString("project")
		prURL, _ := flags.GetString("pr")
		autoGenerate, _ := flags.GetBool("auto-generate")
		autoRun, _ := flags.GetBool("auto-run")
		openIssue, _ := flags.GetBool("open-issue")

		projectID, err := uuid.Parse(project)
		if err != nil {
			return fmt.Errorf("--project must be a UUID: %w", err)
		}
		if prURL == "" {
			return fmt.Errorf("--pr is required")
		}

		return enqueue(cmd, api.KindPlan, api.PlanPayload{
			ProjectID:    projectID,
			PRURL:        prURL,
			AutoGenerate: autoGenerate || autoRun,
			AutoRun:      autoRun,
			OpenIssue:    openIssue,
		})
	},
}

var enqueueGenerateCmd = &cobra.Command{
	Use:   "generate [plan_id]",
	Short: "Generate test code for an existing plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		planID, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid plan id %q: %w", args[0], err)
		}
		autoRun, _ := cmd.Flags().GetBool("auto-run")
		openIssue, _ := cmd.Flags().GetBool("open-issue")

		return enqueue(cmd, api.KindGenerate, api.GeneratePayload{PlanID: planID, AutoRun: autoRun, OpenIssue: openIssue})
	},
}

var enqueueRunCmd = &cobra.Command{
	Use:   "run [run_id]",
	Short: "Execute the test cases of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		runID, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid run id %q: %w", args[0], err)
		}
		openIssue, _ := cmd.Flags().GetBool("open-issue")

		return enqueue(cmd, api.KindRun, api.RunPayload{RunID: runID, OpenIssue: openIssue})
	},
}

func enqueue(cmd *cobra.Command, kind string, payload any) error {
	result, err := newClient().EnqueueJob(cmd.Context(), kind, payload)
	if err != nil {
		return err
	}
	if jsonOutput() {
		return printJSON(cmd, result)
	}
	cmd.Printf("✓ %s job enqueued!\nJob ID: %d\n", kind, result.JobID)
	return nil
}

func init() {
	planFlags := enqueuePlanCmd.Flags()
	planFlags.StringP("project", "p", "", "Project UUID (required)")
	planFlags.String("pr", "", "Pull request URL (required)")
	planFlags.Bool("auto-generate", false, "Enqueue a generate job once the plan is stored")
	planFlags.Bool("auto-run", false, "Run the generated tests (implies --auto-generate)")
	planFlags.Bool("open-issue", false, "Open a GitHub issue when tests fail")

	enqueueGenerateCmd.Flags().Bool("auto-run", false, "Run the generated tests")
	enqueueGenerateCmd.Flags().Bool("open-issue", false, "Open a GitHub issue when tests fail")
	enqueueRunCmd.Flags().Bool("open-issue", false, "Open a GitHub issue when tests fail")

	enqueueCmd.AddCommand(enqueuePlanCmd, enqueueGenerateCmd, enqueueRunCmd)
	rootCmd.AddCommand(enqueueCmd)
}
