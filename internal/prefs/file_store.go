package prefs

import (
	"os"
	"path/filepath"
	"strings"
)

// FileStore is the on-disk backend: one file per key under Dir. Keys map
// directly to paths, so "dlc/foo/key" becomes "<dir>/dlc/foo/key".
type FileStore struct {
	*base
	dir string
}

type fileBackend struct {
	dir string
}

// NewFileStore opens (and initializes) a file-backed store rooted at
// dir. Initialization walks the tree once, pruning directories left
// empty by a prior crash mid-delete.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	deleteEmptyDirs(dir)
	fs := &fileBackend{dir: dir}
	return &FileStore{base: newBase(fs), dir: dir}, nil
}

func (f *fileBackend) pathFor(key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(f.dir, filepath.FromSlash(key)), nil
}

func (f *fileBackend) getKey(key string) (string, bool) {
	path, err := f.pathFor(key)
	if err != nil {
		return "", false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	return string(data), true
}

func (f *fileBackend) setKey(key, value string) error {
	path, err := f.pathFor(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(value), 0o644)
}

func (f *fileBackend) keyExists(key string) bool {
	path, err := f.pathFor(key)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

func (f *fileBackend) deleteKey(key string) error {
	path, err := f.pathFor(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (f *fileBackend) subKeys(prefix string) []string {
	prefixPath, err := f.pathFor(prefix)
	if err != nil {
		return nil
	}
	var keys []string
	_ = filepath.Walk(f.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if strings.HasPrefix(path, prefixPath) {
			rel, err := filepath.Rel(f.dir, path)
			if err == nil {
				keys = append(keys, filepath.ToSlash(rel))
			}
		}
		return nil
	})
	return keys
}

// deleteEmptyDirs removes directories under root that end up empty,
// recursing depth-first so a chain of now-empty parents is cleaned too.
func deleteEmptyDirs(root string) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sub := filepath.Join(root, e.Name())
		deleteEmptyDirs(sub)
		remaining, err := os.ReadDir(sub)
		if err == nil && len(remaining) == 0 {
			os.Remove(sub)
		}
	}
}
