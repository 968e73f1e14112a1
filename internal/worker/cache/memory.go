package cache

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type memoryVersion struct {
	entries map[string]Entry
	order   []string
}

type memoryStore struct {
	mu       sync.RWMutex
	versions map[string]*memoryVersion
}

// NewMemory builds an in-process store. Contents do not survive a restart;
// it exists for tests and for profiles that explicitly opt out of durability.
func NewMemory() Store {
	return &memoryStore{versions: make(map[string]*memoryVersion)}
}

func (s *memoryStore) Open(_ context.Context, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.versions[version]; !ok {
		s.versions[version] = &memoryVersion{entries: make(map[string]Entry)}
	}
	return nil
}

func (s *memoryStore) Put(_ context.Context, version, key string, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[version]
	if !ok {
		return fmt.Errorf("cache: memory put: version %q not open", version)
	}
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now().UTC()
	}
	if _, exists := v.entries[key]; !exists {
		v.order = append(v.order, key)
	}
	v.entries[key] = cloneEntry(entry)
	return nil
}

func (s *memoryStore) Get(_ context.Context, version, key string) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.versions[version]
	if !ok {
		return Entry{}, false, nil
	}
	entry, ok := v.entries[key]
	if !ok {
		return Entry{}, false, nil
	}
	return cloneEntry(entry), true, nil
}

func (s *memoryStore) Keys(_ context.Context, version string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.versions[version]
	if !ok {
		return nil, nil
	}
	return append([]string(nil), v.order...), nil
}

func (s *memoryStore) Versions(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.versions))
	for name := range s.versions {
		names = append(names, name)
	}
	return names, nil
}

func (s *memoryStore) Delete(_ context.Context, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.versions, version)
	return nil
}

func (s *memoryStore) Size(_ context.Context, version string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.versions[version]
	if !ok {
		return 0, nil
	}
	return int64(len(v.entries)), nil
}

func (s *memoryStore) Close(_ context.Context) error {
	return nil
}
