package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentic-research/trellis/api"
	"github.com/agentic-research/trellis/internal/codegen"
	"github.com/agentic-research/trellis/internal/config"
	"github.com/agentic-research/trellis/internal/control"
	"github.com/agentic-research/trellis/internal/events"
	"github.com/agentic-research/trellis/internal/hashtrack"
	"github.com/agentic-research/trellis/internal/manifest"
	"github.com/agentic-research/trellis/internal/reconcile"
	"github.com/agentic-research/trellis/internal/state"
	"github.com/agentic-research/trellis/internal/writer"
)

var (
	configPath   string
	manifestPath string
	logLevel     string
	devLogs      bool
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultFile, "Path to trellis.hcl")
	rootCmd.PersistentFlags().StringVarP(&manifestPath, "manifest", "m", "", "Manifest path (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&devLogs, "dev-logs", false, "Human-readable console logs")
}

var rootCmd = &cobra.Command{
	Use:           "trellis",
	Short:         "Trellis: keeps generated component sources in sync with the builder manifest",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// project is everything a command needs to run passes against one project.
type project struct {
	cfg     *config.Config
	log     *zap.Logger
	tracker *hashtrack.Tracker
	gen     *codegen.TSX
	orch    *reconcile.Orchestrator
	bus     *events.Bus
	ctl     *control.Controller
	closers []func() error
}

// openProject loads configuration, takes the project lock and restores the
// persisted caches.
func openProject(ctx context.Context) (*project, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if manifestPath != "" {
		cfg.Manifest = manifestPath
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	log, err := newLogger(cfg.LogLevel, devLogs)
	if err != nil {
		return nil, err
	}
	p := &project{cfg: cfg, log: log}
	p.closers = append(p.closers, func() error {
		_ = log.Sync() // stderr sync fails on some platforms
		return nil
	})

	ctl, err := control.OpenOrCreate(cfg.ControlPath())
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("open control file: %w", err)
	}
	p.closers = append(p.closers, ctl.Close)
	if err := ctl.Lock(); err != nil {
		p.Close()
		return nil, fmt.Errorf("%s: %w", ctl.Path(), err)
	}
	p.ctl = ctl

	store, err := openStore(cfg)
	if err != nil {
		p.Close()
		return nil, err
	}
	if c, ok := store.(interface{ Close() error }); ok {
		p.closers = append(p.closers, c.Close)
	}

	p.bus = events.NewBus(events.WithLogger(log))
	p.closers = append(p.closers, func() error { p.bus.Close(); return nil })
	p.bus.Subscribe(events.UserEditConflict, func(e events.Event) {
		log.Warn("skipped user-edited file; clear it with `trellis edits clear`",
			zap.String("path", e.Path), zap.String("component", e.ComponentID))
	})
	p.bus.Subscribe(events.UserEditDetected, func(e events.Event) {
		log.Info("user edit detected", zap.String("path", e.Path))
	})
	p.bus.SubscribeAll(func(e events.Event) {
		log.Debug("event", zap.String("kind", string(e.Kind)), zap.String("path", e.Path), zap.String("error", e.Error))
	})

	p.tracker = hashtrack.New(hashtrack.WithLogger(log))
	fs := osfs.New(cfg.ProjectRoot)
	w := writer.New(fs, p.tracker,
		writer.WithBatchSize(cfg.MaxConcurrentWrites),
		writer.WithLogger(log))
	p.gen = codegen.NewTSX(cfg.CodegenOptions())
	p.orch = reconcile.New(cfg.ProjectRoot, p.gen, w, p.tracker,
		reconcile.WithStore(store),
		reconcile.WithEmitter(p.bus),
		reconcile.WithSequencer(ctl),
		reconcile.WithLogger(log),
		reconcile.WithStaleAfter(cfg.StaleAfter()))

	if err := p.orch.Load(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func openStore(cfg *config.Config) (state.Store, error) {
	switch cfg.Store {
	case config.StoreSQLite:
		if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir state dir: %w", err)
		}
		return state.OpenSQLiteStore(cfg.SQLitePath())
	case config.StoreMemory:
		return state.NewMemoryStore(), nil
	default:
		return state.NewFileStore(osfs.New(cfg.StateDir), "."), nil
	}
}

// loadManifest reads the configured manifest and logs structural problems.
func (p *project) loadManifest() (*api.Manifest, error) {
	m, err := manifest.LoadFile(p.cfg.Manifest, p.cfg.ManifestSelector)
	if err != nil {
		return nil, err
	}
	for _, problem := range manifest.Check(m) {
		p.log.Warn("manifest problem", zap.Error(problem))
	}
	return m, nil
}

// runPass executes one pass and records it in the control file.
func (p *project) runPass(ctx context.Context, full bool) (*reconcile.Summary, error) {
	m, err := p.loadManifest()
	if err != nil {
		return nil, err
	}
	var sum *reconcile.Summary
	if full {
		sum, err = p.orch.GenerateAll(ctx, m)
	} else {
		sum, err = p.orch.GenerateIncremental(ctx, m)
	}
	if err != nil {
		return nil, err
	}
	if err := p.ctl.RecordPass(sum.PassID, time.Now()); err != nil {
		p.log.Warn("record pass", zap.Error(err))
	} else if err := p.ctl.Sync(); err != nil {
		p.log.Warn("sync control file", zap.Error(err))
	}
	return sum, nil
}

// Close releases resources in reverse order of acquisition.
func (p *project) Close() {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		fmt.Fprintln(os.Stderr, "close:", err)
	}
}

func newLogger(level string, dev bool) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	if dev {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = lvl
	return cfg.Build()
}
