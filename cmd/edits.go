package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var clearAll bool

func init() {
	editsClearCmd.Flags().BoolVar(&clearAll, "all", false, "Clear every user-edit flag")
	editsCmd.AddCommand(editsListCmd, editsClearCmd)
	rootCmd.AddCommand(editsCmd)
}

var editsCmd = &cobra.Command{
	Use:   "edits",
	Short: "Inspect and clear user-edit flags on generated files",
}

var editsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List files flagged as edited by hand",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := openProject(cmd.Context())
		if err != nil {
			return err
		}
		defer p.Close()

		edits := p.orch.UserEdits()
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(edits); err != nil {
			return err
		}
		for _, e := range edits {
			if e.WarningShown {
				continue
			}
			if _, err := p.orch.MarkWarningShown(cmd.Context(), e.Filepath); err != nil {
				p.log.Warn("mark warning shown", zap.String("path", e.Filepath), zap.Error(err))
			}
		}
		return nil
	},
}

var editsClearCmd = &cobra.Command{
	Use:   "clear [path]",
	Short: "Clear a user-edit flag so the next pass may overwrite the file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if clearAll == (len(args) == 1) {
			return errors.New("give exactly one of a path or --all")
		}
		ctx := cmd.Context()
		p, err := openProject(ctx)
		if err != nil {
			return err
		}
		defer p.Close()

		if clearAll {
			cleared, err := p.orch.ClearAllUserEdits(ctx)
			for _, c := range cleared {
				fmt.Println(c)
			}
			return err
		}

		rel, err := p.orch.RelPath(args[0])
		if err != nil {
			return err
		}
		abs := p.orch.AbsPath(rel)
		ok, err := p.orch.ClearUserEdit(ctx, abs)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s is not flagged as user-edited", abs)
		}
		fmt.Println(abs)
		return nil
	},
}
