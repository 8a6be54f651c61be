package main

import (
	"errors"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var envFile string
	rootCmd := &cobra.Command{
		Use:           "realtime",
		Short:         "Workshop realtime coordination server",
		Long:          "realtime runs the session registry, event bus, notification dispatcher and sync engine behind one HTTP and WebSocket API.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return loadDotEnv(envFile)
		},
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional dotenv file loaded before reading configuration")

	serve := newServeCmd()
	rootCmd.RunE = serve.RunE
	rootCmd.AddCommand(serve, newMigrateCmd())
	return rootCmd
}

// loadDotEnv loads path when it exists. Variables already set in the
// environment win.
func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
