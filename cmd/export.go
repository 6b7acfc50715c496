package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/facture-cli/internal/export"
)

var (
	exportOut   string
	exportAll   bool
	exportLimit int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write invoices awaiting validation to an XLSX workbook",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd.Context(), "store")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		f, err := os.Create(exportOut)
		if err != nil {
			return eris.Wrapf(err, "create %s", exportOut)
		}

		n, err := export.WriteValidationWorkbook(cmd.Context(), st, f, export.Options{All: exportAll, Limit: exportLimit})
		if cerr := f.Close(); err == nil && cerr != nil {
			err = eris.Wrapf(cerr, "close %s", exportOut)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %d invoices to %s\n", n, exportOut)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportOut, "out", "a_valider.xlsx", "output workbook path")
	exportCmd.Flags().BoolVar(&exportAll, "all", false, "export every invoice, not only those needing validation")
	exportCmd.Flags().IntVar(&exportLimit, "limit", 0, "max number of invoices (0 = store default)")
	rootCmd.AddCommand(exportCmd)
}
