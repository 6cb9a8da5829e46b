// Package artifacts is the filesystem artifact store used when no registry
// database is configured. One JSON file per model key, last writer wins.
package artifacts

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type Store struct {
	dir string
}

func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("artifacts: empty directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(modelKey string) string {
	return filepath.Join(s.dir, modelKey+".json")
}

func (s *Store) Save(modelKey string, blob []byte) (string, error) {
	if modelKey == "" {
		return "", errors.New("artifacts: empty model key")
	}
	p := s.path(modelKey)
	if err := os.WriteFile(p, blob, 0o644); err != nil {
		return "", err
	}
	return p, nil
}

func (s *Store) Load(modelKey string) ([]byte, error) {
	return os.ReadFile(s.path(modelKey))
}

func (s *Store) Exists(modelKey string) bool {
	_, err := os.Stat(s.path(modelKey))
	return err == nil
}

// List returns the stored model keys in sorted order.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		keys = append(keys, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(keys)
	return keys, nil
}
