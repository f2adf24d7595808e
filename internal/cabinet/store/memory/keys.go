package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/BrandonDHaskell/keycabinet/internal/cabinet/store"
	"github.com/BrandonDHaskell/keycabinet/internal/cabinet/types"
)

// KeyStore is an in-memory key inventory plus peg mappings.
type KeyStore struct {
	mu   sync.RWMutex
	keys map[int64]types.Key
	pegs map[uint64]types.PegRegistration
}

func NewKeyStore(keys ...types.Key) *KeyStore {
	s := &KeyStore{
		keys: make(map[int64]types.Key, len(keys)),
		pegs: make(map[uint64]types.PegRegistration),
	}
	for _, k := range keys {
		s.keys[k.ID] = cloneKey(k)
	}
	return s
}

func (s *KeyStore) GetKey(_ context.Context, id int64) (types.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[id]
	if !ok {
		return types.Key{}, store.ErrNotFound
	}
	return cloneKey(k), nil
}

func (s *KeyStore) ListKeys(_ context.Context) ([]types.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Key, 0, len(s.keys))
	for _, k := range s.keys {
		out = append(out, cloneKey(k))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *KeyStore) FindKeyByPeg(_ context.Context, pegID uint64) (types.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if pegID == 0 {
		return types.Key{}, store.ErrNotFound
	}
	for _, k := range s.keys {
		if k.PegID == pegID {
			return cloneKey(k), nil
		}
	}
	return types.Key{}, store.ErrNotFound
}

func (s *KeyStore) UpdateKeyStatus(_ context.Context, k types.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.keys[k.ID]
	if !ok {
		return store.ErrNotFound
	}
	k.Name, k.Home, k.PegID = cur.Name, cur.Home, cur.PegID
	s.keys[k.ID] = cloneKey(k)
	return nil
}

func (s *KeyStore) SetKeyPeg(_ context.Context, id int64, pegID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return store.ErrNotFound
	}
	k.PegID = pegID
	s.keys[id] = k
	return nil
}

func (s *KeyStore) ClearPegMappings(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pegs = make(map[uint64]types.PegRegistration)
	return nil
}

func (s *KeyStore) InsertPegMapping(_ context.Context, reg types.PegRegistration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pegs[reg.PegID] = reg
	return nil
}

func (s *KeyStore) ListPegMappings(_ context.Context) ([]types.PegRegistration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.PegRegistration, 0, len(s.pegs))
	for _, r := range s.pegs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position.Index() < out[j].Position.Index() })
	return out, nil
}

func cloneKey(k types.Key) types.Key {
	if k.Current != nil {
		p := *k.Current
		k.Current = &p
	}
	if k.TakenByUserID != nil {
		u := *k.TakenByUserID
		k.TakenByUserID = &u
	}
	if k.TakenAt != nil {
		t := *k.TakenAt
		k.TakenAt = &t
	}
	if k.AlarmAckAt != nil {
		t := *k.AlarmAckAt
		k.AlarmAckAt = &t
	}
	return k
}
