package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// Cursor remembers the sequence of the last exported event.
type Cursor interface {
	Load() (int64, error)
	Save(seq int64) error
}

// MemoryCursor keeps the position in memory only; a restart re-exports
// from the beginning.
type MemoryCursor struct {
	mu  sync.Mutex
	seq int64
}

func (c *MemoryCursor) Load() (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq, nil
}

func (c *MemoryCursor) Save(seq int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq = seq
	return nil
}

// FileCursor persists the position as a decimal number in a file.
type FileCursor struct {
	path string
}

// NewFileCursor returns a cursor stored at path.
func NewFileCursor(path string) *FileCursor {
	return &FileCursor{path: path}
}

// Load returns 0 when the file does not exist yet.
func (c *FileCursor) Load() (int64, error) {
	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read cursor: %w", err)
	}
	seq, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse cursor %s: %w", c.path, err)
	}
	return seq, nil
}

// Save writes seq atomically via rename.
func (c *FileCursor) Save(seq int64) error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatInt(seq, 10)+"\n"), 0o644); err != nil {
		return fmt.Errorf("write cursor: %w", err)
	}
	return os.Rename(tmp, c.path)
}
