package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

// File keeps every key in one JSON object on disk. The whole document is
// rewritten on each Set through a temp file + rename, so a crash leaves
// either the old or the new version.
type File struct {
	mu     sync.RWMutex
	path   string
	values map[string]string
	logger *logrus.Logger
}

// OpenFile loads path if it exists; a missing file starts empty.
func OpenFile(path string, logger *logrus.Logger) (*File, error) {
	f := &File{path: path, values: make(map[string]string), logger: logger}

	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		logger.WithField("path", path).Debug("Store file not found, starting empty")
	case err != nil:
		return nil, fmt.Errorf("failed to read store %s: %w", path, err)
	default:
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &f.values); err != nil {
				return nil, fmt.Errorf("failed to parse store %s: %w", path, err)
			}
			// a literal null document decodes to a nil map
			if f.values == nil {
				f.values = make(map[string]string)
			}
		}
	}

	logger.WithFields(logrus.Fields{
		"path": path,
		"keys": len(f.values),
	}).Info("Store opened")
	return f, nil
}

func (f *File) Get(key string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.values[key]
	return v, ok
}

func (f *File) Set(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = value
	return f.flushLocked()
}

func (f *File) Close() error { return nil }

func (f *File) flushLocked() error {
	payload, err := json.MarshalIndent(f.values, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal store: %w", err)
	}
	if dir := filepath.Dir(f.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create store directory: %w", err)
		}
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return fmt.Errorf("failed to write store: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("failed to replace store: %w", err)
	}
	return nil
}
