// Package control manages the project control file: a memory-mapped block
// holding the pass counter and last pass id, plus an exclusive flock that
// keeps two trellis processes from reconciling one project at once.
package control

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	ControlSize = 4096       // 1 page
	Magic       = 0x54524C43 // 'TRLC'
	Version     = 1
)

// ErrLocked is returned by Lock when another process holds the project.
var ErrLocked = errors.New("project is locked by another trellis process")

// Block is the on-disk layout of the control file.
type Block struct {
	Magic      uint32
	Version    uint32
	Generation uint64 // Atomic
	LastPassAt int64  // unix nanoseconds
	LastPassID [64]byte
	Padding    [ControlSize - 88]byte
}

// Controller manages the memory-mapped control file.
type Controller struct {
	path   string
	file   *os.File
	data   []byte
	ptr    *Block
	locked bool
}

// OpenOrCreate opens or creates a control file at the given path.
func OpenOrCreate(path string) (*Controller, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open control file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat: %w", err)
	}

	if info.Size() < ControlSize {
		if err := f.Truncate(ControlSize); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("truncate: %w", err)
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, ControlSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("mmap: %w", err)
	}

	ptr := (*Block)(unsafe.Pointer(&data[0]))

	// Initialize if new
	if ptr.Magic == 0 {
		ptr.Magic = Magic
		ptr.Version = Version
	} else if ptr.Magic != Magic {
		_ = unix.Munmap(data)
		_ = f.Close()
		return nil, fmt.Errorf("invalid magic: %x", ptr.Magic)
	}

	return &Controller{
		path: path,
		file: f,
		data: data,
		ptr:  ptr,
	}, nil
}

// Path is the control file location.
func (c *Controller) Path() string { return c.path }

// Lock takes the exclusive project lock without blocking.
func (c *Controller) Lock() error {
	if err := unix.Flock(int(c.file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) {
			return ErrLocked
		}
		return fmt.Errorf("flock: %w", err)
	}
	c.locked = true
	return nil
}

// Unlock releases the project lock. It is a no-op when not held.
func (c *Controller) Unlock() error {
	if !c.locked {
		return nil
	}
	c.locked = false
	if err := unix.Flock(int(c.file.Fd()), unix.LOCK_UN); err != nil {
		return fmt.Errorf("unlock: %w", err)
	}
	return nil
}

// Generation returns the current pass counter atomically.
func (c *Controller) Generation() uint64 {
	return atomic.LoadUint64(&c.ptr.Generation)
}

// Next advances the pass counter and returns the new value.
func (c *Controller) Next() (uint64, error) {
	return atomic.AddUint64(&c.ptr.Generation, 1), nil
}

// RecordPass stores the id and time of the last completed pass.
func (c *Controller) RecordPass(id string, at time.Time) error {
	if len(id) >= len(c.ptr.LastPassID) {
		return fmt.Errorf("pass id too long (max %d)", len(c.ptr.LastPassID)-1)
	}
	var buf [64]byte
	copy(buf[:], id)
	c.ptr.LastPassID = buf
	atomic.StoreInt64(&c.ptr.LastPassAt, at.UnixNano())
	return nil
}

// LastPass returns what RecordPass stored. ok is false before the first pass.
func (c *Controller) LastPass() (id string, at time.Time, ok bool) {
	ns := atomic.LoadInt64(&c.ptr.LastPassAt)
	if ns == 0 {
		return "", time.Time{}, false
	}
	b := c.ptr.LastPassID[:]
	for i, v := range b {
		if v == 0 {
			b = b[:i]
			break
		}
	}
	return string(b), time.Unix(0, ns), true
}

// Sync flushes the mapping to disk.
func (c *Controller) Sync() error {
	return unix.Msync(c.data, unix.MS_SYNC)
}

// Close releases the lock, unmaps and closes the control file.
func (c *Controller) Close() error {
	_ = c.Unlock() // closing the descriptor drops the lock anyway
	if err := unix.Munmap(c.data); err != nil {
		return err
	}
	return c.file.Close()
}
