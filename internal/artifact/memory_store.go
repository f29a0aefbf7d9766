package artifact

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore keeps artifacts in process; used for dry runs and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (s *MemoryStore) Put(_ context.Context, runID, path string, content []byte) error {
	runID, path, err := checkKey(runID, path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[runID+"/"+path] = append([]byte(nil), content...)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, runID, path string) ([]byte, error) {
	runID, path, err := checkKey(runID, path)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, ok := s.data[runID+"/"+path]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), raw...), nil
}

func (s *MemoryStore) List(_ context.Context, runID string) ([]string, error) {
	runID, err := checkRunID(runID)
	if err != nil {
		return nil, err
	}
	prefix := runID + "/"
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, 16)
	for key := range s.data {
		if strings.HasPrefix(key, prefix) {
			out = append(out, strings.TrimPrefix(key, prefix))
		}
	}
	sort.Strings(out)
	return out, nil
}

// GetURL is unsupported for in-memory artifacts.
func (s *MemoryStore) GetURL(context.Context, string, string) (string, error) {
	return "", nil
}
