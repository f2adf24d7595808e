package memory

import (
	"context"
	"sync"
	"time"

	"github.com/BrandonDHaskell/keycabinet/internal/cabinet/store"
	"github.com/BrandonDHaskell/keycabinet/internal/cabinet/types"
)

type SessionStore struct {
	mu       sync.Mutex
	order    []string
	sessions map[string]types.AccessSession
}

func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]types.AccessSession)}
}

func (s *SessionStore) CreateAccessSession(_ context.Context, sess types.AccessSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; !ok {
		s.order = append(s.order, sess.ID)
	}
	s.sessions[sess.ID] = cloneSession(sess)
	return nil
}

func (s *SessionStore) UpdateAccessSession(_ context.Context, sess types.AccessSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; !ok {
		return store.ErrNotFound
	}
	s.sessions[sess.ID] = cloneSession(sess)
	return nil
}

func (s *SessionStore) CountActivityUsage(_ context.Context, code string, from, to time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sess := range s.sessions {
		if !sess.Success || sess.ActivityCode != code {
			continue
		}
		if sess.SignInTime.Before(from) || !sess.SignInTime.Before(to) || len(sess.KeysTaken) == 0 {
			continue
		}
		n++
	}
	return n, nil
}

func (s *SessionStore) LatestSessionTakingKey(_ context.Context, keyID int64, since time.Time) (types.AccessSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		best  types.AccessSession
		found bool
	)
	for _, sess := range s.sessions {
		if sess.SignInTime.Before(since) || !types.ContainsID(sess.KeysTaken, keyID) {
			continue
		}
		if !found || sess.SignInTime.After(best.SignInTime) {
			best, found = sess, true
		}
	}
	if !found {
		return types.AccessSession{}, store.ErrNotFound
	}
	return cloneSession(best), nil
}

// Sessions returns every session in creation order. Test-only helper.
func (s *SessionStore) Sessions() []types.AccessSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.AccessSession, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, cloneSession(s.sessions[id]))
	}
	return out
}

func cloneSession(s types.AccessSession) types.AccessSession {
	s.KeysAllowed = append([]int64(nil), s.KeysAllowed...)
	s.KeysTaken = append([]int64(nil), s.KeysTaken...)
	s.KeysReturned = append([]int64(nil), s.KeysReturned...)
	return s
}
