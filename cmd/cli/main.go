// Package main is the entry point for qactl, the qarunner CLI.
// It enqueues pipeline jobs and reads flakiness and coverage reports from the controller.
package main

import (
	"os"

	"qarunner/cmd/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
