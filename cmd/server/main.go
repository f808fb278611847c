package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "lbe-engine",
	Short: "Liquidity bootstrapping event settlement engine",
	Long: `lbe-engine runs liquidity bootstrapping events on a record ledger.

Contributors deposit into sharded seller records during discovery. Once
discovery ends the settlement worker counts the shards, collects every
order and either seeds an AMM pool or refunds the contributors.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
		slog.SetDefault(logger)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("LBE_CONFIG"), "Path to YAML config (or set LBE_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("lbe-engine failed", "err", err)
		os.Exit(1)
	}
}
