package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Version information set at build time
	Version   = "0.1.0"
	BuildTime = "dev"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "collabtext",
	Short: "Collaborative text editing sync server",
	Long: `collabtext admits websocket clients into shared editing sessions,
merges their edits and writes the converged text back to storage.

Run 'collabtext serve' to start the server.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "collabtext %s (%s)\n", Version, BuildTime)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")
	rootCmd.SetVersionTemplate(fmt.Sprintf("collabtext %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}
