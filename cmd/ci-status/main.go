package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

var rootFlags struct {
	configPath string
	dbDriver   string
	dbDSN      string
	debug      bool
	logMode    string
}

var rootCmd = &cobra.Command{
	Use:   "ci-status",
	Short: "Reconcile build server results into CI and product statuses",
	Long: "ci-status polls build servers, evaluates the configured rules against their\n" +
		"build history and keeps a deduplicated status history per CI system and product.",
	SilenceUsage: true,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVarP(&rootFlags.configPath, "config", "c", "", "YAML config file path")
	f.StringVar(&rootFlags.dbDriver, "db-driver", "sqlite", "Database driver: sqlite or postgres")
	f.StringVar(&rootFlags.dbDSN, "db", "ci-status.db", "Database DSN (file path for sqlite)")
	f.BoolVar(&rootFlags.debug, "debug", false, "Enable debug logs")
	f.StringVar(&rootFlags.logMode, "log-mode", "dev", "Log format: dev or prod")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.Version = version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
