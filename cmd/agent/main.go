package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	// A missing .env is normal; anything else (bad syntax, permissions) is not.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "fatal: .env:", err)
		os.Exit(1)
	}

	var cfgPath string
	rootCmd := &cobra.Command{
		Use:   "studyagent",
		Short: "Sync a course calendar into assignments and notify about new ones",
		Long: `studyagent pulls ICS calendar feeds on an interval, turns assignment-like
events into per-user assignments and sends one notification per new assignment.

Configuration comes from --config (JSON or YAML, optional), then from the
environment. A .env file in the working directory is loaded first.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (json or yaml)")

	rootCmd.AddCommand(runCmd(&cfgPath))
	rootCmd.AddCommand(syncCmd(&cfgPath))
	rootCmd.AddCommand(checkCmd(&cfgPath))
	rootCmd.AddCommand(profileCmd(&cfgPath))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
