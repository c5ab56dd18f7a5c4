package reconcile

import (
	"context"

	"go.uber.org/zap"

	"github.com/agentic-research/trellis/internal/events"
	"github.com/agentic-research/trellis/internal/hashtrack"
	"github.com/agentic-research/trellis/internal/state"
)

// OwnerOf returns the component whose generated file lives at rel. The
// aggregate and bootstrap files are generated but have no owner.
func (o *Orchestrator) OwnerOf(rel string) (id string, generated bool) {
	rel = hashtrack.Normalize(rel)
	if rel == o.gen.AppPath() || rel == o.gen.BootstrapPath() {
		return "", true
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	id, generated = o.owners[rel]
	return id, generated
}

// ObserveChange classifies a filesystem change to a generated file. Content
// that differs from the last self-write flags the file as user-edited;
// content that matches it again clears an existing flag. It reports whether
// the file is flagged afterwards. Changes seen while a self-write to rel is
// in flight are ignored.
func (o *Orchestrator) ObserveChange(ctx context.Context, rel string, content []byte) bool {
	rel = hashtrack.Normalize(rel)
	id, generated := o.OwnerOf(rel)
	if !generated {
		return false
	}
	abs := o.AbsPath(rel)
	if o.tracker.IsPending(rel) {
		return o.edits.IsFlagged(abs)
	}

	if !o.tracker.IsExternalEdit(rel, content) {
		if o.edits.Clear(abs, o.now().UTC()) {
			o.log.Info("user edit reverted", zap.String("path", rel))
			o.emit(events.Event{Kind: events.UserEditCleared, ComponentID: id, Path: rel})
			o.saveEdits(ctx)
		}
		return false
	}

	if _, known := o.tracker.Known(rel); !known {
		o.log.Debug("no self-write recorded in this process", zap.String("path", rel))
	}
	flagged := o.edits.Flag(state.UserEdit{
		Filepath:    abs,
		ComponentID: id,
		DetectedAt:  o.now().UTC(),
		ContentHash: hashtrack.Fingerprint(content),
	})
	if flagged {
		o.log.Info("user edit detected", zap.String("path", rel), zap.String("component", id))
		o.emit(events.Event{Kind: events.UserEditDetected, ComponentID: id, Path: rel})
		o.saveEdits(ctx)
	}
	return true
}

// ObserveRemoval handles a generated file disappearing outside a pass. Any
// user-edit flag is cleared and the next incremental pass recreates the file.
func (o *Orchestrator) ObserveRemoval(ctx context.Context, rel string) {
	rel = hashtrack.Normalize(rel)
	id, generated := o.OwnerOf(rel)
	if !generated || o.tracker.IsPending(rel) {
		return
	}
	o.tracker.Forget(rel)

	o.mu.Lock()
	switch {
	case id != "":
		o.forced[id] = struct{}{}
	case rel == o.gen.AppPath():
		o.appDirty = true
	case rel == o.gen.BootstrapPath():
		o.bootstrapDirty = true
	}
	o.mu.Unlock()

	if o.edits.Clear(o.AbsPath(rel), o.now().UTC()) {
		o.emit(events.Event{Kind: events.UserEditCleared, ComponentID: id, Path: rel})
		o.saveEdits(ctx)
	}
	o.log.Debug("generated file removed", zap.String("path", rel))
}

// UserEdits lists flagged files ordered by path.
func (o *Orchestrator) UserEdits() []state.UserEdit {
	return o.edits.List()
}

// ClearUserEdit drops the flag for absPath so the next pass may overwrite the
// file. The owning component is regenerated by the next incremental pass.
func (o *Orchestrator) ClearUserEdit(ctx context.Context, absPath string) (bool, error) {
	e, ok := o.edits.Get(absPath)
	if !ok || !o.edits.Clear(absPath, o.now().UTC()) {
		return false, nil
	}
	rel, _ := o.RelPath(absPath)
	o.markForRegeneration(rel, e.ComponentID)
	o.emit(events.Event{Kind: events.UserEditCleared, ComponentID: e.ComponentID, Path: rel})
	return true, o.store.SaveEdits(ctx, o.edits.Snapshot())
}

// ClearAllUserEdits drops every flag and returns the cleared paths.
func (o *Orchestrator) ClearAllUserEdits(ctx context.Context) ([]string, error) {
	edits := o.edits.List()
	cleared := o.edits.ClearAll(o.now().UTC())
	if len(cleared) == 0 {
		return nil, nil
	}
	for _, e := range edits {
		rel, _ := o.RelPath(e.Filepath)
		o.markForRegeneration(rel, e.ComponentID)
		o.emit(events.Event{Kind: events.UserEditCleared, ComponentID: e.ComponentID, Path: rel})
	}
	return cleared, o.store.SaveEdits(ctx, o.edits.Snapshot())
}

// MarkWarningShown records that the user has been told about the edit at absPath.
func (o *Orchestrator) MarkWarningShown(ctx context.Context, absPath string) (bool, error) {
	if !o.edits.MarkWarningShown(absPath) {
		return false, nil
	}
	return true, o.store.SaveEdits(ctx, o.edits.Snapshot())
}

func (o *Orchestrator) markForRegeneration(rel, id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch {
	case id != "":
		o.forced[id] = struct{}{}
	case rel == o.gen.AppPath():
		o.appDirty = true
	case rel == o.gen.BootstrapPath():
		o.bootstrapDirty = true
	}
}

func (o *Orchestrator) saveEdits(ctx context.Context) {
	if err := o.store.SaveEdits(ctx, o.edits.Snapshot()); err != nil {
		o.log.Error("save user-edit cache", zap.Error(err))
	}
}
