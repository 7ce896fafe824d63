package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "qactl",
	Short: "qactl is a command line tool for the qarunner QA pipeline",
	Long: `qactl is the command-line interface for qarunner.

qarunner turns pull requests into end-to-end tests: a plan job asks a model
for test scenarios, a generate job writes the test code, and a run job executes
it and records every result. Execution history feeds flakiness and route
coverage reports.

Common workflows:

  Plan, generate and run tests for a pull request:
    qactl enqueue plan --project <uuid> --pr https://github.com/acme/shop/pull/42 --auto-generate --auto-run

  Re-run an existing test run:
    qactl enqueue run <run-id>

  Check the job queue:
    qactl stats

  List flaky tests of a project:
    qactl flaky list <project-id> --days 14

  Show route coverage:
    qactl coverage <project-id>

Configuration:
  Set the API endpoint and credentials via environment variables or a config file:
    QARUNNER_URL      Controller URL (default: http://localhost:6161)
    QARUNNER_TOKEN    API token for authentication`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search config in home directory with name ".qactl"
		viper.AddConfigPath(home)
		viper.SetConfigName(".qactl")
		viper.SetConfigType("yaml")
	}

	// Read environment variables that match "QARUNNER_VARNAME"
	viper.SetEnvPrefix("QARUNNER")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func newClient() *QAClient {
	return NewQAClient(viper.GetString("url"), viper.GetString("token"))
}

func jsonOutput() bool {
	return viper.GetString("output") == "json"
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.qactl.yaml)")

	rootCmd.PersistentFlags().String("url", "http://localhost:6161", "qarunner controller URL")
	viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))

	rootCmd.PersistentFlags().StringP("token", "t", "", "API token for authentication")
	viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))

	rootCmd.PersistentFlags().StringP("output", "o", "table", "Output format: table or json")
	viper.BindPFlag("output", rootCmd.PersistentFlags().Lookup("output"))
}
