package main

import (
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/rahul/datastory/pkg/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "datastory",
	Short: "Search for the best chart-illustrated report over a dataset",
	Long: `datastory builds an analytical report in stages (chapters, chart tasks,
charts, captions, narrative) and uses Monte-Carlo tree search to pick the
version a multimodal model scores highest.

Examples:
  datastory run --dataset sales.csv --query "Why did revenue grow in 2023?"
  datastory audit                      # list recent runs
  datastory audit --run <id> --json    # per-iteration records of one run
  datastory export --run <id> --out ./out`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file (defaults and environment when empty)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(exportCmd)
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Printf("\033[91m[ FAIL ] %v\033[0m", err)
		os.Exit(1)
	}
}
