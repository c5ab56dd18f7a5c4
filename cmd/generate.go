package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var fullPass bool

func init() {
	generateCmd.Flags().BoolVar(&fullPass, "full", false, "Regenerate every file instead of only what changed")
	rootCmd.AddCommand(generateCmd)
}

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Run one generation pass and print its summary as JSON",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		p, err := openProject(ctx)
		if err != nil {
			return err
		}
		defer p.Close()

		sum, err := p.runPass(ctx, fullPass)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(sum); err != nil {
			return fmt.Errorf("encode summary: %w", err)
		}
		if sum.FilesFailed > 0 {
			return fmt.Errorf("%d file(s) failed", sum.FilesFailed)
		}
		return nil
	},
}
