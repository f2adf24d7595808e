package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/BrandonDHaskell/keycabinet/internal/cabinet/store"
	"github.com/BrandonDHaskell/keycabinet/internal/cabinet/types"
)

// AccessStore holds users and activities. It is intended for tests and
// dev environments.
type AccessStore struct {
	mu         sync.RWMutex
	users      map[int64]types.User
	activities map[string]types.Activity
}

func NewAccessStore() *AccessStore {
	return &AccessStore{
		users:      make(map[int64]types.User),
		activities: make(map[string]types.Activity),
	}
}

func (s *AccessStore) PutUser(u types.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

func (s *AccessStore) PutActivity(a types.Activity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activities[strings.TrimSpace(a.Code)] = a
}

func (s *AccessStore) GetUser(_ context.Context, id int64) (types.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return types.User{}, store.ErrNotFound
	}
	return u, nil
}

func (s *AccessStore) GetUserByCard(_ context.Context, cardID string) (types.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if cardID != "" && u.CardID == cardID {
			return u, nil
		}
	}
	return types.User{}, store.ErrNotFound
}

func (s *AccessStore) ListPINUsers(_ context.Context) ([]types.User, error) {
	return s.filter(func(u types.User) bool { return u.PINHash != "" }), nil
}

func (s *AccessStore) ListBiometricUsers(_ context.Context) ([]types.User, error) {
	return s.filter(func(u types.User) bool { return len(u.Fingerprint) > 0 }), nil
}

func (s *AccessStore) filter(keep func(types.User) bool) []types.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.User
	for _, u := range s.users {
		if keep(u) {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *AccessStore) GetActivityByCode(_ context.Context, code string) (types.Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.activities[strings.TrimSpace(code)]
	if !ok {
		return types.Activity{}, store.ErrNotFound
	}
	return a, nil
}
