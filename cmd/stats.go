package main

import (
	"github.com/spf13/cobra"

	"github.com/sells-group/facture-cli/internal/monitoring"
)

var (
	statsLookback int
	statsAlerts   bool
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print extraction health metrics for a lookback window",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd.Context(), "store")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		lookback := statsLookback
		if lookback <= 0 {
			lookback = cfg.Monitoring.LookbackWindowHours
		}

		snap, err := monitoring.NewCollector(st, cfg.Extraction.ValidationThreshold).Collect(cmd.Context(), lookback)
		if err != nil {
			return err
		}
		if !statsAlerts {
			return printJSON(cmd.OutOrStdout(), snap)
		}
		return printJSON(cmd.OutOrStdout(), struct {
			*monitoring.MetricsSnapshot
			Alerts []monitoring.Alert `json:"alerts"`
		}{snap, monitoring.NewAlerter(cfg.Monitoring).Evaluate(snap)})
	},
}

func init() {
	statsCmd.Flags().IntVar(&statsLookback, "lookback", 0, "lookback window in hours (default from config)")
	statsCmd.Flags().BoolVar(&statsAlerts, "alerts", false, "also evaluate alert thresholds")
	rootCmd.AddCommand(statsCmd)
}
