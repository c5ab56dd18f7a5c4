package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"

	"github.com/agentic-research/trellis/internal/writer"
)

const (
	HashCacheFile = "hash-cache.json"
	UserEditsFile = "user-edits.json"
)

// FileStore persists each cache as an indented JSON document inside dir.
// Saves go through writer.WriteAtomic so a crash never leaves a torn file.
type FileStore struct {
	fs  billy.Filesystem
	dir string
}

// NewFileStore stores documents under dir, relative to fs's root.
func NewFileStore(fs billy.Filesystem, dir string) *FileStore {
	return &FileStore{fs: fs, dir: dir}
}

func (s *FileStore) LoadHashes(ctx context.Context) (*HashCache, error) {
	c := NewHashCache()
	found, err := s.load(HashCacheFile, c)
	if err != nil || !found {
		return NewHashCache(), err
	}
	if c.SchemaVersion != SchemaVersion {
		return NewHashCache(), fmt.Errorf("%s: got %d want %d: %w", HashCacheFile, c.SchemaVersion, SchemaVersion, ErrSchemaMismatch)
	}
	if c.Hashes == nil {
		c.Hashes = make(map[string]HashEntry)
	}
	return c, nil
}

func (s *FileStore) SaveHashes(ctx context.Context, c *HashCache) error {
	return s.save(HashCacheFile, c)
}

func (s *FileStore) LoadEdits(ctx context.Context) (*UserEditCache, error) {
	c := NewUserEditCache()
	found, err := s.load(UserEditsFile, c)
	if err != nil || !found {
		return NewUserEditCache(), err
	}
	if c.SchemaVersion != SchemaVersion {
		return NewUserEditCache(), fmt.Errorf("%s: got %d want %d: %w", UserEditsFile, c.SchemaVersion, SchemaVersion, ErrSchemaMismatch)
	}
	if c.Edits == nil {
		c.Edits = make(map[string]UserEdit)
	}
	return c, nil
}

func (s *FileStore) SaveEdits(ctx context.Context, c *UserEditCache) error {
	return s.save(UserEditsFile, c)
}

func (s *FileStore) load(name string, v any) (bool, error) {
	p := path.Join(s.dir, name)
	data, err := util.ReadFile(s.fs, p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", p, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("parse %s: %w", p, err)
	}
	return true, nil
}

func (s *FileStore) save(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	data = append(data, '\n')
	p := path.Join(s.dir, name)
	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", s.dir, err)
	}
	if _, err := writer.WriteAtomic(s.fs, p, data, 0o644); err != nil {
		return fmt.Errorf("save %s: %w", p, err)
	}
	return nil
}
