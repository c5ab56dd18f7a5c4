// Package reconcile runs generation passes: it diffs the manifest against the
// hash cache, writes what changed through the safe writer, and leaves files
// a human has edited alone.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentic-research/trellis/api"
	"github.com/agentic-research/trellis/internal/detect"
	"github.com/agentic-research/trellis/internal/events"
	"github.com/agentic-research/trellis/internal/graph"
	"github.com/agentic-research/trellis/internal/hashtrack"
	"github.com/agentic-research/trellis/internal/state"
	"github.com/agentic-research/trellis/internal/writer"
)

var (
	// ErrPassInProgress is returned when a pass is requested while another runs.
	ErrPassInProgress = errors.New("generation pass already in progress")
	ErrNilManifest    = errors.New("nil manifest")
)

// DefaultStaleAfter is how long a pending self-write may stay unresolved
// before the sweep at pass start clears it.
const DefaultStaleAfter = 30 * time.Second

// Generator renders source files. Implementations must be pure.
type Generator interface {
	ComponentPath(c *api.Component) string
	PathForName(displayName string) string
	GenerateComponent(c *api.Component, m *api.Manifest) ([]byte, error)
	AppPath() string
	GenerateApp(roots []*api.Component, m *api.Manifest) ([]byte, error)
	BootstrapPath() string
	GenerateBootstrap(m *api.Manifest) ([]byte, error)
}

// Sequencer hands out monotonically increasing pass numbers.
type Sequencer interface {
	Next() (uint64, error)
}

type Orchestrator struct {
	root       string
	gen        Generator
	writer     *writer.Writer
	tracker    *hashtrack.Tracker
	store      state.Store
	emitter    events.Emitter
	seq        Sequencer
	log        *zap.Logger
	now        func() time.Time
	staleAfter time.Duration

	// Owned by the running pass; pass serializes access.
	pass     sync.Mutex
	detector *detect.Detector

	edits *state.EditRegistry

	mu             sync.Mutex
	owners         map[string]string // generated path -> component id
	forced         map[string]struct{}
	appDirty       bool
	bootstrapDirty bool
	status         Status
}

type Option func(*Orchestrator)

// WithStore sets the persistence backend. The default keeps state in memory.
func WithStore(s state.Store) Option {
	return func(o *Orchestrator) {
		if s != nil {
			o.store = s
		}
	}
}

func WithEmitter(e events.Emitter) Option {
	return func(o *Orchestrator) {
		if e != nil {
			o.emitter = e
		}
	}
}

func WithSequencer(s Sequencer) Option {
	return func(o *Orchestrator) { o.seq = s }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithStaleAfter sets the stale pending-write threshold. Zero disables the sweep.
func WithStaleAfter(d time.Duration) Option {
	return func(o *Orchestrator) { o.staleAfter = d }
}

// New returns an orchestrator for the project at root. w must write through
// tracker; root is used only to key user-edit records by absolute path.
func New(root string, gen Generator, w *writer.Writer, tracker *hashtrack.Tracker, opts ...Option) *Orchestrator {
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	o := &Orchestrator{
		root:       root,
		gen:        gen,
		writer:     w,
		tracker:    tracker,
		store:      state.NewMemoryStore(),
		emitter:    events.Nop{},
		log:        zap.NewNop(),
		now:        time.Now,
		staleAfter: DefaultStaleAfter,
		detector:   detect.New(nil),
		edits:      state.NewEditRegistry(nil),
		owners:     make(map[string]string),
		forced:     make(map[string]struct{}),
		status:     Status{State: StateIdle},
	}
	for _, opt := range opts {
		opt(o)
	}
	o.detector.SetClock(o.now)
	return o
}

// Load replaces the in-memory caches with the persisted ones. A cache that
// cannot be loaded is replaced by an empty one, which makes the next pass
// regenerate everything.
func (o *Orchestrator) Load(ctx context.Context) error {
	if !o.pass.TryLock() {
		return ErrPassInProgress
	}
	defer o.pass.Unlock()

	hashes, err := o.store.LoadHashes(ctx)
	if err != nil {
		o.log.Warn("hash cache unavailable, starting empty", zap.Error(err))
		hashes = state.NewHashCache()
	}
	o.detector.Reset(hashes)
	o.mu.Lock()
	o.appDirty, o.bootstrapDirty = hashes.AppStale, hashes.BootstrapStale
	o.mu.Unlock()

	edits, err := o.store.LoadEdits(ctx)
	if err != nil {
		o.log.Warn("user-edit cache unavailable, starting empty", zap.Error(err))
		edits = state.NewUserEditCache()
	}
	o.edits.Reset(edits)

	o.refreshOwners()
	o.log.Debug("caches loaded",
		zap.Int("components", o.detector.Len()),
		zap.Int("userEdits", len(edits.Edits)))
	return nil
}

// GenerateAll regenerates every file for m.
func (o *Orchestrator) GenerateAll(ctx context.Context, m *api.Manifest) (*Summary, error) {
	return o.run(ctx, m, PassFull)
}

// GenerateIncremental writes only what changed since the last pass.
func (o *Orchestrator) GenerateIncremental(ctx context.Context, m *api.Manifest) (*Summary, error) {
	return o.run(ctx, m, PassIncremental)
}

// Status reports the current pass state and the last outcome.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// AbsPath resolves a generated path to the key used for user-edit records.
func (o *Orchestrator) AbsPath(rel string) string {
	return filepath.Join(o.root, filepath.FromSlash(hashtrack.Normalize(rel)))
}

// RelPath is the inverse of AbsPath. Relative input is normalized and returned.
func (o *Orchestrator) RelPath(p string) (string, error) {
	if !filepath.IsAbs(p) {
		return hashtrack.Normalize(p), nil
	}
	rel, err := filepath.Rel(o.root, p)
	if err != nil {
		return "", fmt.Errorf("relative path of %s: %w", p, err)
	}
	return hashtrack.Normalize(rel), nil
}

// Root is the absolute project root.
func (o *Orchestrator) Root() string { return o.root }

type deletion struct {
	path        string
	componentID string
	removed     bool // component left the manifest, as opposed to a rename
}

type plan struct {
	changes   detect.Changes
	write     []string
	removed   []string
	deletes   []deletion
	app       bool
	bootstrap bool
}

type job struct {
	componentID string
	path        string
	content     []byte
}

func (o *Orchestrator) run(ctx context.Context, m *api.Manifest, typ PassType) (*Summary, error) {
	if m == nil {
		return nil, ErrNilManifest
	}
	if !o.pass.TryLock() {
		return nil, ErrPassInProgress
	}
	defer o.pass.Unlock()

	start := o.now()
	sum := &Summary{Type: typ, PassID: uuid.NewString(), Errors: []FileError{}}
	if o.seq != nil {
		if n, err := o.seq.Next(); err != nil {
			o.log.Warn("pass sequence unavailable", zap.Error(err))
		} else {
			sum.Generation = n
		}
	}

	comps := make(map[string]*api.Component, len(m.Components))
	for id, c := range m.Components {
		if c != nil {
			comps[id] = c
		}
	}
	sum.TotalComponents = len(comps)

	o.setRunning(typ, start)
	o.emit(events.Event{Kind: events.GenerationStart, PassID: sum.PassID, Payload: typ})
	log := o.log.With(zap.String("pass", sum.PassID), zap.String("type", string(typ)))

	if o.staleAfter > 0 {
		if stale := o.tracker.SweepStale(o.staleAfter); len(stale) > 0 {
			log.Warn("swept stale pending writes", zap.Strings("paths", stale))
		}
	}

	p, skip := o.plan(comps, typ)
	for _, id := range p.changes.Added {
		o.emit(events.Event{Kind: events.ComponentAdded, PassID: sum.PassID, ComponentID: id})
	}
	for _, id := range p.changes.Modified {
		o.emit(events.Event{Kind: events.ComponentModified, PassID: sum.PassID, ComponentID: id})
	}
	for _, id := range p.changes.Removed {
		o.emit(events.Event{Kind: events.ComponentRemoved, PassID: sum.PassID, ComponentID: id})
	}

	if skip {
		sum.Skipped = true
		log.Debug("no changes, pass skipped")
	} else {
		sum.Breakdown = &Breakdown{
			Added:    len(p.changes.Added),
			Modified: len(p.changes.Modified),
			Removed:  len(p.changes.Removed),
		}
		o.execute(ctx, m, comps, p, sum)
	}

	sum.DurationMs = o.now().Sub(start).Milliseconds()
	o.finish(sum)

	if sum.FilesFailed > 0 {
		o.emit(events.Event{
			Kind:   events.GenerationError,
			PassID: sum.PassID,
			Error:  fmt.Sprintf("%d file(s) failed", sum.FilesFailed),
		})
	}
	o.emit(events.Event{Kind: events.GenerationComplete, PassID: sum.PassID, Payload: *sum})
	log.Info("generation pass finished",
		zap.Bool("skipped", sum.Skipped),
		zap.Int("written", sum.FilesWritten),
		zap.Int("failed", sum.FilesFailed),
		zap.Int64("durationMs", sum.DurationMs))
	return sum, nil
}

// plan decides the file set. skip is true for an incremental pass with
// nothing to do.
func (o *Orchestrator) plan(comps map[string]*api.Component, typ PassType) (p plan, skip bool) {
	p.changes = o.detector.DetectChanges(comps)

	o.mu.Lock()
	appDirty, bootstrapDirty := o.appDirty, o.bootstrapDirty
	var forced []string
	for id := range o.forced {
		if comps[id] != nil {
			forced = append(forced, id)
		}
	}
	o.mu.Unlock()

	switch typ {
	case PassFull:
		p.write = graph.SortedIDs(comps)
		p.app = true
		p.bootstrap = true
	default:
		if !p.changes.HasChanges && len(forced) == 0 && !appDirty && !bootstrapDirty {
			return p, true
		}
		p.write = uniqueSorted(p.changes.Added, p.changes.Modified, forced)
		p.app = p.changes.AppNeedsUpdate || appDirty
		p.bootstrap = bootstrapDirty || !o.exists(o.gen.BootstrapPath())
	}
	p.removed = p.changes.Removed

	// A path still claimed by a live component is never deleted.
	targets := make(map[string]bool, len(comps))
	for _, c := range comps {
		targets[o.gen.ComponentPath(c)] = true
	}
	seen := make(map[string]bool)
	addDelete := func(d deletion) {
		if targets[d.path] || seen[d.path] {
			return
		}
		seen[d.path] = true
		p.deletes = append(p.deletes, d)
	}
	for _, id := range p.removed {
		if e, ok := o.detector.Entry(id); ok {
			addDelete(deletion{path: o.cachedPath(e), componentID: id, removed: true})
		}
	}
	for _, id := range p.write {
		if e, ok := o.detector.Entry(id); ok && e.DisplayName != comps[id].DisplayName {
			addDelete(deletion{path: o.cachedPath(e), componentID: id})
		}
	}
	return p, false
}

func (o *Orchestrator) execute(ctx context.Context, m *api.Manifest, comps map[string]*api.Component, p plan, sum *Summary) {
	// First component (by id) to claim a path owns it.
	owner := make(map[string]string, len(comps))
	for _, id := range graph.SortedIDs(comps) {
		path := o.gen.ComponentPath(comps[id])
		if _, taken := owner[path]; !taken {
			owner[path] = id
		}
	}

	var jobs []job
	for _, id := range p.write {
		c := comps[id]
		path := o.gen.ComponentPath(c)
		if first := owner[path]; first != id {
			o.generationFailed(sum, path, id, fmt.Errorf("output path %s already produced by component %s", path, first))
			continue
		}
		if o.conflict(sum, path, id) {
			continue
		}
		content, err := o.gen.GenerateComponent(c, m)
		if err != nil {
			o.generationFailed(sum, path, id, err)
			continue
		}
		jobs = append(jobs, job{componentID: id, path: path, content: content})
	}

	appPath, bootPath := o.gen.AppPath(), o.gen.BootstrapPath()
	appQueued, bootQueued := false, false
	if p.app && !o.conflict(sum, appPath, "") {
		content, err := o.gen.GenerateApp(graph.SortedRoots(comps), m)
		if err != nil {
			o.generationFailed(sum, appPath, "", err)
		} else {
			jobs = append(jobs, job{path: appPath, content: content})
			appQueued = true
		}
	}
	if p.bootstrap && !o.conflict(sum, bootPath, "") {
		content, err := o.gen.GenerateBootstrap(m)
		if err != nil {
			o.generationFailed(sum, bootPath, "", err)
		} else {
			jobs = append(jobs, job{path: bootPath, content: content})
			bootQueued = true
		}
	}

	written := o.writeJobs(sum, jobs)

	var updated []string
	for _, j := range jobs {
		if j.componentID != "" && written[j.path] {
			updated = append(updated, j.componentID)
		}
	}

	failedRemovals := o.deleteFiles(sum, p.deletes)
	var dropped []string
	for _, id := range p.removed {
		if !failedRemovals[id] {
			dropped = append(dropped, id)
		}
	}

	o.detector.UpdateCache(comps, updated)
	o.detector.Remove(dropped...)

	o.mu.Lock()
	for _, id := range updated {
		delete(o.forced, id)
	}
	switch {
	case appQueued && written[appPath]:
		o.detector.SyncRoots(comps)
		o.appDirty = false
		sum.Breakdown.AppUpdated = true
	case p.app && !o.edits.IsFlagged(o.AbsPath(appPath)):
		// Generation or write failed; retry on the next pass.
		o.appDirty = true
	}
	if bootQueued {
		o.bootstrapDirty = !written[bootPath]
	}
	o.mu.Unlock()

	o.refreshOwners()
	o.saveCaches(ctx, sum)
}

// writeJobs writes in writer-sized batches so progress can be reported
// between them. It returns the set of successfully written paths.
func (o *Orchestrator) writeJobs(sum *Summary, jobs []job) map[string]bool {
	written := make(map[string]bool, len(jobs))
	size := o.writer.BatchSize()
	for start := 0; start < len(jobs); start += size {
		end := min(start+size, len(jobs))
		batch := jobs[start:end]

		files := make([]writer.File, len(batch))
		for i, j := range batch {
			files[i] = writer.File{Path: j.path, Content: j.content}
			o.emit(events.Event{Kind: events.FileWriting, PassID: sum.PassID, ComponentID: j.componentID, Path: j.path})
		}

		for i, res := range o.writer.WriteFiles(files) {
			j := batch[i]
			if res.Success {
				written[j.path] = true
				sum.FilesWritten++
				o.emit(events.Event{Kind: events.FileWritten, PassID: sum.PassID, ComponentID: j.componentID, Path: j.path})
				continue
			}
			kind := ErrorIO
			var setup *writer.SetupError
			if errors.As(res.Err, &setup) {
				kind = ErrorSetup
			}
			sum.FilesFailed++
			sum.addError(kind, j.path, j.componentID, res.Err)
			o.emit(events.Event{Kind: events.FileError, PassID: sum.PassID, ComponentID: j.componentID, Path: j.path, Error: res.Err.Error()})
		}

		o.emit(events.Event{
			Kind:    events.GenerationProgress,
			PassID:  sum.PassID,
			Payload: Progress{Completed: end, Total: len(jobs)},
		})
	}
	return written
}

// Progress is the payload of generation:progress.
type Progress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// deleteFiles removes stale outputs. It returns the removed components whose
// file could not be deleted; their cache entries are kept so the next pass
// retries.
func (o *Orchestrator) deleteFiles(sum *Summary, dels []deletion) map[string]bool {
	var todo []deletion
	for _, d := range dels {
		if o.conflict(sum, d.path, d.componentID) {
			continue
		}
		todo = append(todo, d)
	}
	paths := make([]string, len(todo))
	for i, d := range todo {
		paths[i] = d.path
	}

	failed := make(map[string]bool)
	for i, res := range o.writer.DeleteFiles(paths) {
		d := todo[i]
		if !res.Success {
			sum.FilesFailed++
			sum.addError(ErrorIO, d.path, d.componentID, res.Err)
			o.emit(events.Event{Kind: events.FileError, PassID: sum.PassID, ComponentID: d.componentID, Path: d.path, Error: res.Err.Error()})
			if d.removed {
				failed[d.componentID] = true
			}
			continue
		}
		o.tracker.Forget(d.path)
		sum.Breakdown.Deleted++
		o.emit(events.Event{Kind: events.FileDeleted, PassID: sum.PassID, ComponentID: d.componentID, Path: d.path})
	}
	return failed
}

// conflict reports whether path is flagged as user-edited, emitting the
// conflict event when it is.
func (o *Orchestrator) conflict(sum *Summary, path, componentID string) bool {
	if !o.edits.IsFlagged(o.AbsPath(path)) {
		return false
	}
	if sum.Breakdown != nil {
		sum.Breakdown.Conflicts++
	}
	o.log.Info("skipping user-edited file", zap.String("path", path), zap.String("component", componentID))
	o.emit(events.Event{Kind: events.UserEditConflict, PassID: sum.PassID, ComponentID: componentID, Path: path})
	return true
}

func (o *Orchestrator) generationFailed(sum *Summary, path, componentID string, err error) {
	sum.FilesFailed++
	sum.addError(ErrorGeneration, path, componentID, err)
	o.log.Warn("generation failed", zap.String("path", path), zap.String("component", componentID), zap.Error(err))
	o.emit(events.Event{Kind: events.FileError, PassID: sum.PassID, ComponentID: componentID, Path: path, Error: err.Error()})
}

func (o *Orchestrator) saveCaches(ctx context.Context, sum *Summary) {
	hashes := o.detector.Snapshot()
	o.mu.Lock()
	hashes.AppStale, hashes.BootstrapStale = o.appDirty, o.bootstrapDirty
	o.mu.Unlock()
	if err := o.store.SaveHashes(ctx, hashes); err != nil {
		o.log.Error("save hash cache", zap.Error(err))
		sum.addError(ErrorCache, "", "", fmt.Errorf("save hash cache: %w", err))
	}
	if err := o.store.SaveEdits(ctx, o.edits.Snapshot()); err != nil {
		o.log.Error("save user-edit cache", zap.Error(err))
		sum.addError(ErrorCache, "", "", fmt.Errorf("save user-edit cache: %w", err))
	}
}

func (o *Orchestrator) cachedPath(e state.HashEntry) string {
	return o.gen.PathForName(e.DisplayName)
}

// refreshOwners rebuilds the generated-path index from the hash cache.
// Callers must hold pass.
func (o *Orchestrator) refreshOwners() {
	owners := make(map[string]string, o.detector.Len())
	for _, id := range o.detector.CachedIDs() {
		e, _ := o.detector.Entry(id)
		p := o.cachedPath(e)
		if _, taken := owners[p]; !taken {
			owners[p] = id
		}
	}
	o.mu.Lock()
	o.owners = owners
	o.mu.Unlock()
}

func (o *Orchestrator) exists(path string) bool {
	_, err := o.writer.Filesystem().Stat(path)
	if err == nil {
		return true
	}
	if !errors.Is(err, os.ErrNotExist) {
		o.log.Warn("stat generated file", zap.String("path", path), zap.Error(err))
	}
	return false
}

func (o *Orchestrator) setRunning(typ PassType, at time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.status.State = StateRunning
	o.status.PassType = typ
	o.status.Started = at
}

func (o *Orchestrator) finish(sum *Summary) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.status.State = StateIdle
	o.status.LastOutcome = sum.Outcome()
	cp := *sum
	o.status.LastSummary = &cp
}

func (o *Orchestrator) emit(e events.Event) {
	if e.Time.IsZero() {
		e.Time = o.now()
	}
	o.emitter.Emit(e)
}

func uniqueSorted(lists ...[]string) []string {
	set := make(map[string]struct{})
	for _, l := range lists {
		for _, s := range l {
			set[s] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
