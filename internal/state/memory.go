package state

import (
	"context"
	"sync"
)

// MemoryStore keeps both documents in memory. The Err fields let tests
// simulate persistence failures.
type MemoryStore struct {
	mu     sync.Mutex
	hashes *HashCache
	edits  *UserEditCache

	LoadErr error
	SaveErr error
	Saves   int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) LoadHashes(ctx context.Context) (*HashCache, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.LoadErr != nil {
		return nil, s.LoadErr
	}
	if s.hashes == nil {
		return NewHashCache(), nil
	}
	return s.hashes.Clone(), nil
}

func (s *MemoryStore) SaveHashes(ctx context.Context, c *HashCache) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SaveErr != nil {
		return s.SaveErr
	}
	s.Saves++
	s.hashes = c.Clone()
	return nil
}

func (s *MemoryStore) LoadEdits(ctx context.Context) (*UserEditCache, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.LoadErr != nil {
		return nil, s.LoadErr
	}
	if s.edits == nil {
		return NewUserEditCache(), nil
	}
	return NewEditRegistry(s.edits).Snapshot(), nil
}

func (s *MemoryStore) SaveEdits(ctx context.Context, c *UserEditCache) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SaveErr != nil {
		return s.SaveErr
	}
	s.Saves++
	s.edits = NewEditRegistry(c).Snapshot()
	return nil
}
