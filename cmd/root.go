package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/facture-cli/internal/config"
)

// cfg is loaded once per invocation before any subcommand runs.
var cfg *config.Config

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "facture-cli",
	Short: "Electricity invoice extraction pipeline",
	Long: `OCRs electricity invoices, extracts structured fields with an LLM,
scores confidence and learns supplier patterns from human corrections.

Configuration is read from --config (or ./config.yaml) and FACTURE_* env vars.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(*cobra.Command, []string) {
		_ = zap.L().Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level (debug, info, warn, error)")
}

// setup loads configuration, applies flag overrides and installs the
// global logger.
func setup(cmd *cobra.Command, _ []string) error {
	c, err := config.LoadFile(configPath)
	if err != nil {
		return eris.Wrap(err, "load config")
	}
	if logLevel != "" {
		c.Log.Level = logLevel
	}
	if err := config.InitLogger(c.Log); err != nil {
		return eris.Wrap(err, "init logger")
	}
	cfg = c

	zap.L().Debug("config loaded",
		zap.String("command", cmd.CommandPath()),
		zap.String("store_driver", cfg.Store.Driver),
		zap.String("llm_provider", cfg.LLM.Provider),
	)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
