package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/strand-protocol/rtkit/pkg/model"
)

// MemoryStore is an in-memory SessionStore backed by a map and a read/write
// mutex.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]model.Session
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]model.Session)}
}

// List returns every session ordered by name.
func (s *MemoryStore) List(_ context.Context) ([]model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Session, 0, len(s.data))
	for _, v := range s.data {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) Get(_ context.Context, name string) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return &v, nil
}

func (s *MemoryStore) Put(_ context.Context, sess *model.Session) error {
	if err := validName(sess.Name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[sess.Name] = *sess
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[name]; !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	delete(s.data, name)
	return nil
}

func (s *MemoryStore) Close() error { return nil }
