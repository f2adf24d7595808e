package store

import (
	"context"
	"errors"
	"time"

	"github.com/BrandonDHaskell/keycabinet/internal/cabinet/types"
)

var ErrNotFound = errors.New("not found")

// KeyStore holds the key inventory. Keys are never deleted.
type KeyStore interface {
	GetKey(ctx context.Context, id int64) (types.Key, error)
	ListKeys(ctx context.Context) ([]types.Key, error)
	FindKeyByPeg(ctx context.Context, pegID uint64) (types.Key, error)
	// UpdateKeyStatus writes the mutable fields of k (position, status,
	// loan and alarm bookkeeping).
	UpdateKeyStatus(ctx context.Context, k types.Key) error
	SetKeyPeg(ctx context.Context, id int64, pegID uint64) error
}

// PegStore holds the result of the last peg registration pass.
type PegStore interface {
	ClearPegMappings(ctx context.Context) error
	InsertPegMapping(ctx context.Context, reg types.PegRegistration) error
	ListPegMappings(ctx context.Context) ([]types.PegRegistration, error)
}

type UserStore interface {
	GetUser(ctx context.Context, id int64) (types.User, error)
	GetUserByCard(ctx context.Context, cardID string) (types.User, error)
	// ListPINUsers returns every user with a PIN set.
	ListPINUsers(ctx context.Context) ([]types.User, error)
	ListBiometricUsers(ctx context.Context) ([]types.User, error)
}

type ActivityStore interface {
	GetActivityByCode(ctx context.Context, code string) (types.Activity, error)
}

// SessionStore persists access sessions.
type SessionStore interface {
	CreateAccessSession(ctx context.Context, s types.AccessSession) error
	UpdateAccessSession(ctx context.Context, s types.AccessSession) error
	// CountActivityUsage counts successful sessions for code in [from, to)
	// that took at least one key, whoever signed in.
	CountActivityUsage(ctx context.Context, code string, from, to time.Time) (int, error)
	// LatestSessionTakingKey returns the newest session since the given time
	// whose taken list contains keyID.
	LatestSessionTakingKey(ctx context.Context, keyID int64, since time.Time) (types.AccessSession, error)
}

// EventStore is the append-only audit log.
type EventStore interface {
	AppendEventLog(ctx context.Context, e types.EventLogEntry) error
	CountKeyEvents(ctx context.Context, keyID int64, id types.EventID) (int, error)
}

// PromptedKeyStore is the durable set of key names with a raised overdue
// alarm. Implementations must be safe for concurrent use.
type PromptedKeyStore interface {
	LoadPrompted(ctx context.Context) ([]string, error)
	AddPrompted(ctx context.Context, name string) error
	RemovePrompted(ctx context.Context, name string) error
	ClearPrompted(ctx context.Context) error
}

// Stores bundles every store the cabinet core uses.
type Stores struct {
	Keys       KeyStore
	Pegs       PegStore
	Users      UserStore
	Activities ActivityStore
	Sessions   SessionStore
	Events     EventStore
	Prompted   PromptedKeyStore
}
