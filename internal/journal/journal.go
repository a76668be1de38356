// Package journal persists the last allocated order id per client id, so a
// restarted session never reuses ids the broker already saw.
package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Journal reads and writes the client→last-order-id map as a small JSON
// document.
type Journal struct {
	path string
}

// DefaultPath places the journal in the OS temp dir, shared by every
// session on the machine.
func DefaultPath() string {
	return filepath.Join(os.TempDir(), "ezibpy_orders.json")
}

// New opens a journal at path. Empty path uses DefaultPath.
func New(path string) *Journal {
	if path == "" {
		path = DefaultPath()
	}
	return &Journal{path: path}
}

// Path returns the backing file location.
func (j *Journal) Path() string { return j.path }

// Load reads the journal. A missing file is an empty journal, not an
// error.
func (j *Journal) Load() (map[int64]int64, error) {
	b, err := os.ReadFile(j.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[int64]int64{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	var ids map[int64]int64
	if err := json.Unmarshal(b, &ids); err != nil {
		return nil, fmt.Errorf("decode journal: %w", err)
	}
	if ids == nil {
		ids = map[int64]int64{}
	}
	return ids, nil
}

// Save writes the journal atomically: temp file, fsync, rename.
func (j *Journal) Save(ids map[int64]int64) error {
	b, err := json.MarshalIndent(ids, "", "  ")
	if err != nil {
		return fmt.Errorf("encode journal: %w", err)
	}

	tmp := j.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create journal: %w", err)
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		return fmt.Errorf("write journal: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync journal: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close journal: %w", err)
	}
	if err := os.Rename(tmp, j.path); err != nil {
		return fmt.Errorf("replace journal: %w", err)
	}
	return nil
}
