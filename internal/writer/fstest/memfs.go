// Package fstest provides filesystems for tests that exercise concurrent writes.
package fstest

import (
	"os"
	"sync"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
)

// NewMemFS returns an in-memory filesystem whose operations are serialized,
// so batches of concurrent writes can run against it under -race.
func NewMemFS() billy.Filesystem {
	return &lockedFS{Filesystem: memfs.New(), mu: &sync.Mutex{}}
}

type lockedFS struct {
	billy.Filesystem
	mu *sync.Mutex
}

func (fs *lockedFS) wrap(f billy.File, err error) (billy.File, error) {
	if err != nil {
		return nil, err
	}
	return &lockedFile{File: f, mu: fs.mu}, nil
}

func (fs *lockedFS) Create(filename string) (billy.File, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.wrap(fs.Filesystem.Create(filename))
}

func (fs *lockedFS) Open(filename string) (billy.File, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.wrap(fs.Filesystem.Open(filename))
}

func (fs *lockedFS) OpenFile(filename string, flag int, perm os.FileMode) (billy.File, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.wrap(fs.Filesystem.OpenFile(filename, flag, perm))
}

func (fs *lockedFS) TempFile(dir, prefix string) (billy.File, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.wrap(fs.Filesystem.TempFile(dir, prefix))
}

func (fs *lockedFS) Stat(filename string) (os.FileInfo, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.Filesystem.Stat(filename)
}

func (fs *lockedFS) Lstat(filename string) (os.FileInfo, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.Filesystem.Lstat(filename)
}

func (fs *lockedFS) Rename(from, to string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.Filesystem.Rename(from, to)
}

func (fs *lockedFS) Remove(filename string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.Filesystem.Remove(filename)
}

func (fs *lockedFS) ReadDir(path string) ([]os.FileInfo, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.Filesystem.ReadDir(path)
}

func (fs *lockedFS) MkdirAll(filename string, perm os.FileMode) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.Filesystem.MkdirAll(filename, perm)
}

type lockedFile struct {
	billy.File
	mu *sync.Mutex
}

func (f *lockedFile) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.File.Write(p)
}

func (f *lockedFile) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.File.Read(p)
}

func (f *lockedFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.File.Close()
}
