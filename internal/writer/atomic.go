package writer

import (
	"fmt"
	"os"
	"path"

	billy "github.com/go-git/go-billy/v5"
)

// TempPrefix marks temp files created by WriteAtomic. Watchers ignore them.
const TempPrefix = ".trellis-tmp-"

// WriteAtomic writes data to a uniquely named temp file next to p, then
// renames it onto p. A failure before the rename leaves any existing file at
// p untouched and removes the temp file.
func WriteAtomic(fs billy.Filesystem, p string, data []byte, perm os.FileMode) (int, error) {
	dir := path.Dir(p)
	tmp, err := fs.TempFile(dir, TempPrefix)
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	n, err := tmp.Write(data)
	if err == nil && n < len(data) {
		err = fmt.Errorf("short write: %d of %d bytes", n, len(data))
	}
	if err != nil {
		_ = tmp.Close()
		_ = fs.Remove(tmpName) // best-effort cleanup
		return 0, fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = fs.Remove(tmpName) // best-effort cleanup
		return 0, fmt.Errorf("close temp: %w", err)
	}

	// temp files are created 0600; generated sources should not be
	if ch, ok := fs.(billy.Change); ok {
		_ = ch.Chmod(tmpName, perm) // best-effort permission sync
	}

	if err := fs.Rename(tmpName, p); err != nil {
		_ = fs.Remove(tmpName) // best-effort cleanup
		return 0, fmt.Errorf("rename temp to %s: %w", p, err)
	}
	return n, nil
}
