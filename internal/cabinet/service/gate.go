package service

import (
	"errors"
	"sync/atomic"
)

var ErrSessionActive = errors.New("a session is already in progress")

// Gate is the coarse "activity in progress" flag. The session holds it for
// the whole door episode; the escalation scan skips while it is held.
type Gate struct {
	active atomic.Bool
}

// TryEnter claims the gate. It returns false when a session already holds it.
func (g *Gate) TryEnter() bool { return g.active.CompareAndSwap(false, true) }

func (g *Gate) Leave() { g.active.Store(false) }

func (g *Gate) Active() bool { return g.active.Load() }
