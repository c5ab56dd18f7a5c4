// Package writer performs every filesystem mutation of a generation pass.
// Writes are registered with a Tracker first and land through a temp file and
// a rename; deletes bypass the Tracker so external observers see them.
package writer

import (
	"errors"
	"fmt"
	"os"
	"path"
	"time"

	billy "github.com/go-git/go-billy/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultBatchSize bounds how many writes are in flight at once.
const DefaultBatchSize = 5

// Tracker is the self-write registration protocol. BeforeWrite must succeed
// before anything is written; AfterWrite is called exactly once afterwards.
type Tracker interface {
	BeforeWrite(path string, content []byte) error
	AfterWrite(path string, writeErr error)
}

// SetupError means the write was never attempted because registration with
// the Tracker failed.
type SetupError struct {
	Path string
	Err  error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("register write %s: %v", e.Path, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// File is one path and the content to place there.
type File struct {
	Path    string
	Content []byte
}

// Result is the outcome of one write or delete.
type Result struct {
	Success      bool
	Path         string
	Err          error
	BytesWritten int
	Duration     time.Duration
}

type Writer struct {
	fs        billy.Filesystem
	tracker   Tracker
	batchSize int
	perm      os.FileMode
	log       *zap.Logger
}

// Option configures a Writer.
type Option func(*Writer)

// WithBatchSize sets how many writes run concurrently per batch.
func WithBatchSize(n int) Option {
	return func(w *Writer) {
		if n > 0 {
			w.batchSize = n
		}
	}
}

// WithFileMode sets the permissions of written files.
func WithFileMode(m os.FileMode) Option {
	return func(w *Writer) { w.perm = m }
}

func WithLogger(l *zap.Logger) Option {
	return func(w *Writer) {
		if l != nil {
			w.log = l
		}
	}
}

// New returns a Writer rooted at fs. Paths handed to it are relative to fs's root.
func New(fs billy.Filesystem, tracker Tracker, opts ...Option) *Writer {
	w := &Writer{
		fs:        fs,
		tracker:   tracker,
		batchSize: DefaultBatchSize,
		perm:      0o644,
		log:       zap.NewNop(),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// BatchSize reports the configured batch size.
func (w *Writer) BatchSize() int { return w.batchSize }

// Filesystem exposes the underlying filesystem for read-only checks.
func (w *Writer) Filesystem() billy.Filesystem { return w.fs }

// EnsureDir creates dir and its parents. An existing directory is not an error.
func (w *Writer) EnsureDir(dir string) error {
	if dir == "" || dir == "." || dir == "/" {
		return nil
	}
	if err := w.fs.MkdirAll(dir, 0o755); err != nil && !errors.Is(err, os.ErrExist) {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return nil
}

// WriteFile atomically writes content to p.
func (w *Writer) WriteFile(p string, content []byte) (res Result) {
	start := time.Now()
	res.Path = p
	defer func() { res.Duration = time.Since(start) }()

	if err := w.EnsureDir(path.Dir(p)); err != nil {
		res.Err = err
		return res
	}

	if err := w.tracker.BeforeWrite(p, content); err != nil {
		res.Err = &SetupError{Path: p, Err: err}
		w.log.Warn("write not registered, skipping", zap.String("path", p), zap.Error(err))
		return res
	}

	var writeErr error
	defer func() { w.tracker.AfterWrite(p, writeErr) }()

	n, writeErr := WriteAtomic(w.fs, p, content, w.perm)
	if writeErr != nil {
		res.Err = writeErr
		w.log.Debug("write failed", zap.String("path", p), zap.Error(writeErr))
		return res
	}
	res.Success = true
	res.BytesWritten = n
	return res
}

// WriteFiles writes files in fixed-size batches. Each batch runs concurrently
// and must finish before the next begins. Results are in input order, and one
// failure never stops the rest.
func (w *Writer) WriteFiles(files []File) []Result {
	results := make([]Result, len(files))
	for start := 0; start < len(files); start += w.batchSize {
		end := min(start+w.batchSize, len(files))

		var g errgroup.Group
		for i := start; i < end; i++ {
			g.Go(func() error {
				results[i] = w.WriteFile(files[i].Path, files[i].Content)
				return nil
			})
		}
		_ = g.Wait() // per-file errors live in results
	}
	return results
}

// DeleteFile removes p. A missing file counts as success.
func (w *Writer) DeleteFile(p string) (res Result) {
	start := time.Now()
	res.Path = p
	defer func() { res.Duration = time.Since(start) }()

	if err := w.fs.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		res.Err = fmt.Errorf("delete %s: %w", p, err)
		return res
	}
	res.Success = true
	return res
}

// DeleteFiles removes every path in parallel; deletes carry no ordering.
func (w *Writer) DeleteFiles(paths []string) []Result {
	results := make([]Result, len(paths))
	var g errgroup.Group
	for i, p := range paths {
		g.Go(func() error {
			results[i] = w.DeleteFile(p)
			return nil
		})
	}
	_ = g.Wait()
	return results
}
