package service

import (
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// StripInfo describes one strip controller that has answered a command.
type StripInfo struct {
	ID        int       `json:"id"`
	Version   string    `json:"version"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// StripRegistry remembers every strip seen on the bus. Strips are never
// removed; one that stops answering simply stops updating LastSeen.
type StripRegistry struct {
	mu     sync.RWMutex
	strips map[int]*StripInfo
	logger *zap.Logger
	now    func() time.Time
}

func NewStripRegistry(logger *zap.Logger) *StripRegistry {
	return &StripRegistry{
		strips: make(map[int]*StripInfo),
		logger: logger,
		now:    time.Now,
	}
}

// Observe records that strip answered. It matches canbus.StripObserver.
func (r *StripRegistry) Observe(strip int, version []byte) {
	now := r.now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.strips[strip]
	if !ok {
		info = &StripInfo{ID: strip, FirstSeen: now}
		r.strips[strip] = info
		r.logger.Debug("strip added to registry", zap.Int("strip", strip))
	}
	if len(version) > 0 {
		info.Version = hex.EncodeToString(version)
	}
	info.LastSeen = now
}

func (r *StripRegistry) IsKnown(strip int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.strips[strip]
	return ok
}

// List returns the strips ordered by id.
func (r *StripRegistry) List() []StripInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]StripInfo, 0, len(r.strips))
	for _, s := range r.strips {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
