package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentic-research/trellis/internal/reconcile"
	"github.com/agentic-research/trellis/internal/watch"
)

func init() {
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Regenerate on manifest changes and track manual edits to generated files",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		p, err := openProject(ctx)
		if err != nil {
			return err
		}
		defer p.Close()

		pass := func(ctx context.Context) {
			sum, err := p.runPass(ctx, false)
			switch {
			case errors.Is(err, reconcile.ErrPassInProgress):
				p.log.Debug("pass already running, change will be picked up next time")
			case err != nil:
				p.log.Error("generation pass", zap.Error(err))
			case sum.FilesFailed > 0:
				p.log.Warn("generation pass had failures", zap.Int("failed", sum.FilesFailed))
			}
		}
		pass(ctx)

		opts := p.gen.Options()
		w, err := watch.New(p.orch.Root(), p.orch,
			watch.WithDirs(opts.SrcDir, opts.ComponentsDir),
			watch.WithManifest(p.cfg.Manifest, pass),
			watch.WithDebounce(p.cfg.Debounce()),
			watch.WithSweep(p.cfg.StaleAfter(), func() { p.tracker.SweepStale(p.cfg.StaleAfter()) }),
			watch.WithLogger(p.log))
		if err != nil {
			return err
		}
		if err := w.Start(ctx); err != nil {
			return err
		}
		p.log.Info("watching", zap.String("root", p.orch.Root()), zap.String("manifest", p.cfg.Manifest))
		<-ctx.Done()
		w.Stop()

		st := w.Stats()
		p.log.Info("watch stopped",
			zap.Int("changes", st.Changes),
			zap.Int("removals", st.Removals),
			zap.Int("manifestEvents", st.ManifestEvents),
			zap.Int("errors", st.Errors))
		return nil
	},
}
