// Package watch turns filesystem notifications into reconciliation input:
// changes to generated files are classified as self-writes or user edits,
// and changes to the manifest trigger an incremental pass.
package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/agentic-research/trellis/internal/writer"
)

// Observer receives settled changes to generated files. Paths are relative
// to the project root, slash separated.
type Observer interface {
	ObserveChange(ctx context.Context, rel string, content []byte) bool
	ObserveRemoval(ctx context.Context, rel string)
}

// Stats counts watcher activity.
type Stats struct {
	Changes        int
	Removals       int
	ManifestEvents int
	Sweeps         int
	Errors         int
	LastEventPath  string
	LastEventTime  time.Time
}

// Watcher watches generated-source directories and the manifest file.
type Watcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	root        string
	dirs        []string
	obs         Observer
	log         *zap.Logger
	debounceMap map[string]time.Time
	debounceDur time.Duration
	tick        time.Duration

	manifest   string
	onManifest func(ctx context.Context)

	sweepEvery time.Duration
	sweep      func()

	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
	stats   Stats
}

type Option func(*Watcher)

// WithDirs sets the directories (relative to root) holding generated files.
func WithDirs(dirs ...string) Option {
	return func(w *Watcher) { w.dirs = dirs }
}

// WithManifest calls fn once the manifest at path has settled after a change.
func WithManifest(path string, fn func(ctx context.Context)) Option {
	return func(w *Watcher) {
		w.manifest = filepath.Clean(path)
		w.onManifest = fn
	}
}

// WithDebounce sets how long a path must be quiet before it is processed.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounceDur = d
			w.tick = max(d/2, time.Millisecond)
		}
	}
}

// WithSweep runs fn every interval, typically the stale pending-write sweep.
func WithSweep(interval time.Duration, fn func()) Option {
	return func(w *Watcher) {
		w.sweepEvery = interval
		w.sweep = fn
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// New creates a Watcher for the project at root.
func New(root string, obs Observer, opts ...Option) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		watcher:     fw,
		root:        filepath.Clean(root),
		obs:         obs,
		log:         zap.NewNop(),
		debounceMap: make(map[string]time.Time),
		debounceDur: 200 * time.Millisecond,
		tick:        100 * time.Millisecond,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	return w, nil
}

// Start begins watching. It is non-blocking; the event loop runs until Stop
// is called or ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	for _, d := range w.dirs {
		abs := filepath.Join(w.root, filepath.FromSlash(d))
		if err := os.MkdirAll(abs, 0o755); err != nil {
			w.log.Warn("create watched dir", zap.String("dir", abs), zap.Error(err))
		}
		if err := w.watcher.Add(abs); err != nil {
			w.log.Warn("watch dir", zap.String("dir", abs), zap.Error(err))
		}
	}
	if w.manifest != "" {
		// Editors replace files on save; watching the directory survives that.
		if err := w.watcher.Add(filepath.Dir(w.manifest)); err != nil {
			w.log.Warn("watch manifest dir", zap.String("manifest", w.manifest), zap.Error(err))
		}
	}

	go w.run(ctx)
	return nil
}

// Stop stops the watcher and waits for the event loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		w.log.Error("close watcher", zap.Error(err))
	}
}

// Stats returns a copy of the activity counters.
func (w *Watcher) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	debounceTicker := time.NewTicker(w.tick)
	defer debounceTicker.Stop()

	var sweepC <-chan time.Time
	if w.sweep != nil && w.sweepEvery > 0 {
		t := time.NewTicker(w.sweepEvery)
		defer t.Stop()
		sweepC = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("watcher error", zap.Error(err))
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()
		case <-debounceTicker.C:
			w.processDebounced(ctx)
		case <-sweepC:
			w.sweep()
			w.mu.Lock()
			w.stats.Sweeps++
			w.mu.Unlock()
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op == fsnotify.Chmod {
		return
	}
	name := filepath.Clean(event.Name)
	if strings.HasPrefix(filepath.Base(name), writer.TempPrefix) {
		return
	}

	if event.Has(fsnotify.Create) && w.isWatchedDir(name) {
		if info, err := os.Stat(name); err == nil && info.IsDir() {
			if err := w.watcher.Add(name); err != nil {
				w.log.Warn("watch created dir", zap.String("dir", name), zap.Error(err))
			}
		}
		return
	}

	if name != w.manifest && !w.inWatchedDir(name) {
		return
	}

	w.mu.Lock()
	w.stats.LastEventPath = name
	w.stats.LastEventTime = time.Now()
	w.debounceMap[name] = time.Now()
	w.mu.Unlock()
}

func (w *Watcher) isWatchedDir(abs string) bool {
	for _, d := range w.dirs {
		if abs == filepath.Join(w.root, filepath.FromSlash(d)) {
			return true
		}
	}
	return false
}

func (w *Watcher) inWatchedDir(abs string) bool {
	return w.isWatchedDir(filepath.Dir(abs))
}

// processDebounced handles paths that have been quiet for the debounce window.
func (w *Watcher) processDebounced(ctx context.Context) {
	w.mu.Lock()
	now := time.Now()
	var settled []string
	for p, at := range w.debounceMap {
		if now.Sub(at) >= w.debounceDur {
			settled = append(settled, p)
			delete(w.debounceMap, p)
		}
	}
	w.mu.Unlock()

	for _, p := range settled {
		if p == w.manifest {
			w.mu.Lock()
			w.stats.ManifestEvents++
			w.mu.Unlock()
			if w.onManifest != nil {
				w.onManifest(ctx)
			}
			continue
		}
		w.dispatch(ctx, p)
	}
}

func (w *Watcher) dispatch(ctx context.Context, abs string) {
	rel, err := filepath.Rel(w.root, abs)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)

	content, err := os.ReadFile(abs)
	switch {
	case errors.Is(err, os.ErrNotExist):
		w.obs.ObserveRemoval(ctx, rel)
		w.mu.Lock()
		w.stats.Removals++
		w.mu.Unlock()
	case err != nil:
		w.log.Error("read changed file", zap.String("path", rel), zap.Error(err))
		w.mu.Lock()
		w.stats.Errors++
		w.mu.Unlock()
	default:
		if w.obs.ObserveChange(ctx, rel, content) {
			w.log.Debug("file flagged as user-edited", zap.String("path", rel))
		}
		w.mu.Lock()
		w.stats.Changes++
		w.mu.Unlock()
	}
}
