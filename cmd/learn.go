package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/facture-cli/internal/learning"
	"github.com/sells-group/facture-cli/internal/model"
)

var learnFile string

var learnCmd = &cobra.Command{
	Use:   "learn",
	Short: "Record corrections from a JSON file and update supplier patterns",
	Long:  `Reads {"extraction_id", "facture_id", "corrections": {field: {"extracted", "corrected"}}} and feeds it to the learning loop.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var req model.LearnRequest
		if err := readJSONFile(learnFile, &req); err != nil {
			return err
		}

		ctx := cmd.Context()
		st, err := openStore(ctx, "learning")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		loop := learning.New(st, learning.Options{CreateMissing: cfg.Extraction.CreateMissingPatterns})
		summary, err := loop.Learn(ctx, req)
		if err != nil {
			return eris.Wrap(err, "learn")
		}
		return printJSON(cmd.OutOrStdout(), summary)
	},
}

func init() {
	learnCmd.Flags().StringVar(&learnFile, "file", "", "path to the corrections JSON file (required)")
	_ = learnCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(learnCmd)
}
