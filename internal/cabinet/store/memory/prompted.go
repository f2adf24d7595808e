package memory

import (
	"context"
	"sort"
	"sync"
)

type PromptedKeyStore struct {
	mu    sync.RWMutex
	names map[string]struct{}
}

func NewPromptedKeyStore() *PromptedKeyStore {
	return &PromptedKeyStore{names: make(map[string]struct{})}
}

func (s *PromptedKeyStore) LoadPrompted(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.names))
	for n := range s.names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

func (s *PromptedKeyStore) AddPrompted(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names[name] = struct{}{}
	return nil
}

func (s *PromptedKeyStore) RemovePrompted(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.names, name)
	return nil
}

func (s *PromptedKeyStore) ClearPrompted(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names = make(map[string]struct{})
	return nil
}
