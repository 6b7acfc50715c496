package main

import (
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/facture-cli/internal/model"
)

var (
	extractID       string
	extractURL      string
	extractSupplier string
)

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Extract one invoice and print the result as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, "extraction")
		if err != nil {
			return err
		}
		defer env.Close()

		resp, err := env.Pipeline.Extract(ctx, model.ExtractionRequest{
			FactureID:    extractID,
			FileURL:      extractURL,
			SupplierHint: extractSupplier,
		})
		if err != nil {
			return eris.Wrap(err, "extract")
		}
		return printJSON(cmd.OutOrStdout(), resp)
	},
}

func init() {
	extractCmd.Flags().StringVar(&extractID, "id", "", "facture ID (required)")
	extractCmd.Flags().StringVar(&extractURL, "url", "", "invoice URL or local path (required)")
	extractCmd.Flags().StringVar(&extractSupplier, "supplier", "", "supplier hint for few-shot patterns")
	_ = extractCmd.MarkFlagRequired("id")
	_ = extractCmd.MarkFlagRequired("url")
	rootCmd.AddCommand(extractCmd)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func readJSONFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return eris.Wrapf(err, "read %s", path)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return eris.Wrapf(err, "parse %s", path)
	}
	return nil
}
