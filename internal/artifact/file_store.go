package artifact

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileStore writes artifacts under root/<runID>/<path>.
type FileStore struct {
	root string
}

func NewFileStore(root string) *FileStore {
	return &FileStore{root: strings.TrimSpace(root)}
}

// Dir returns the directory holding runID's artifacts.
func (s *FileStore) Dir(runID string) string {
	return filepath.Join(s.root, strings.TrimSpace(runID))
}

func (s *FileStore) Put(_ context.Context, runID, path string, content []byte) error {
	full, err := s.pathFor(runID, path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.WriteFile(full, content, 0o644)
}

func (s *FileStore) Get(_ context.Context, runID, path string) ([]byte, error) {
	full, err := s.pathFor(runID, path)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return raw, err
}

// GetURL returns a file:// URL for the artifact.
func (s *FileStore) GetURL(_ context.Context, runID, path string) (string, error) {
	full, err := s.pathFor(runID, path)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(full)
	if err != nil {
		return "", err
	}
	return "file://" + filepath.ToSlash(abs), nil
}

func (s *FileStore) List(_ context.Context, runID string) ([]string, error) {
	runRoot, err := s.runRoot(runID)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, 32)
	walkErr := filepath.WalkDir(runRoot, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(runRoot, p)
		if err != nil {
			return err
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if walkErr != nil {
		if errors.Is(walkErr, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, walkErr
	}
	sort.Strings(paths)
	return paths, nil
}

func (s *FileStore) runRoot(runID string) (string, error) {
	if s == nil || s.root == "" {
		return "", fmt.Errorf("root is required")
	}
	runID, err := checkRunID(runID)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, runID), nil
}

func (s *FileStore) pathFor(runID, path string) (string, error) {
	if s == nil || s.root == "" {
		return "", fmt.Errorf("root is required")
	}
	runID, path, err := checkKey(runID, path)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, runID, filepath.FromSlash(path)), nil
}
