package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/facture-cli/internal/model"
	"github.com/sells-group/facture-cli/internal/prompt"
)

// promptStore is the prompt half of store.Store.
type promptStore interface {
	ListPrompts(ctx context.Context) ([]model.PromptConfig, error)
	CreatePrompt(ctx context.Context, p model.PromptConfig) (*model.PromptConfig, error)
	ActivatePrompt(ctx context.Context, id string) error
}

var promptCmd = &cobra.Command{
	Use:   "prompt",
	Short: "Manage versioned extraction prompts",
}

var promptListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored prompts",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd.Context(), "store")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		prompts, err := st.ListPrompts(cmd.Context())
		if err != nil {
			return err
		}
		return writePromptTable(cmd.OutOrStdout(), prompts)
	},
}

var (
	promptAddVersion  string
	promptAddFile     string
	promptAddModel    string
	promptAddActivate bool
)

var promptAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Store a new prompt version from a template file",
	RunE: func(cmd *cobra.Command, args []string) error {
		tmpl, err := os.ReadFile(promptAddFile)
		if err != nil {
			return eris.Wrapf(err, "read template %s", promptAddFile)
		}
		if !strings.Contains(string(tmpl), prompt.OCRPlaceholder) {
			return eris.Errorf("template %s has no %s placeholder", promptAddFile, prompt.OCRPlaceholder)
		}

		st, err := openStore(cmd.Context(), "store")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		p, err := st.CreatePrompt(cmd.Context(), model.PromptConfig{
			Version:   promptAddVersion,
			Template:  string(tmpl),
			ModelName: promptAddModel,
			Active:    promptAddActivate,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created prompt %s (%s)\n", p.Version, p.ID)
		return nil
	},
}

var promptActivateCmd = &cobra.Command{
	Use:   "activate <id>",
	Short: "Make a stored prompt the active one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd.Context(), "store")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.ActivatePrompt(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "activated prompt %s\n", args[0])
		return nil
	},
}

var promptSeedFile string

var promptSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load prompts from a YAML seed file, skipping versions already stored",
	RunE: func(cmd *cobra.Command, args []string) error {
		prompts, err := prompt.LoadSeed(promptSeedFile)
		if err != nil {
			return err
		}

		st, err := openStore(cmd.Context(), "store")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		created, err := seedPrompts(cmd.Context(), st, prompts)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "seeded %d of %d prompts\n", created, len(prompts))
		return nil
	},
}

func init() {
	promptAddCmd.Flags().StringVar(&promptAddVersion, "version", "", "prompt version label (required)")
	promptAddCmd.Flags().StringVar(&promptAddFile, "file", "", "path to the template file (required)")
	promptAddCmd.Flags().StringVar(&promptAddModel, "model", prompt.Default().ModelName, "model the prompt targets")
	promptAddCmd.Flags().BoolVar(&promptAddActivate, "activate", false, "make the new prompt active")
	_ = promptAddCmd.MarkFlagRequired("version")
	_ = promptAddCmd.MarkFlagRequired("file")

	promptSeedCmd.Flags().StringVar(&promptSeedFile, "file", "prompts.yaml", "path to the YAML seed file")

	promptCmd.AddCommand(promptListCmd, promptAddCmd, promptActivateCmd, promptSeedCmd)
	rootCmd.AddCommand(promptCmd)
}

// seedPrompts stores every prompt whose version is not stored yet and
// returns how many were created.
func seedPrompts(ctx context.Context, st promptStore, prompts []model.PromptConfig) (int, error) {
	existing, err := st.ListPrompts(ctx)
	if err != nil {
		return 0, err
	}
	seen := make(map[string]bool, len(existing))
	for _, p := range existing {
		seen[p.Version] = true
	}

	created := 0
	for _, p := range prompts {
		if seen[p.Version] {
			zap.L().Debug("prompt version already stored", zap.String("version", p.Version))
			continue
		}
		if _, err := st.CreatePrompt(ctx, p); err != nil {
			return created, eris.Wrapf(err, "seed prompt %s", p.Version)
		}
		seen[p.Version] = true
		created++
	}
	return created, nil
}

func writePromptTable(w io.Writer, prompts []model.PromptConfig) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tVERSION\tMODEL\tACTIVE\tCREATED")
	for _, p := range prompts {
		active := ""
		if p.Active {
			active = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", p.ID, p.Version, p.ModelName, active, p.CreatedAt.Format("2006-01-02 15:04"))
	}
	return tw.Flush()
}
