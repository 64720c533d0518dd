package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "geminicord",
		Short:         "Discord chatbot backed by Gemini, with response caching and rate limiting",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var configPath string
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (defaults and environment only when empty)")

	root.AddCommand(
		newServeCmd(&configPath),
		newCacheCmd(&configPath),
		newVersionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "geminicord", version)
		},
	}
}
