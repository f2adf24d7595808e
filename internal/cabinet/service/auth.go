package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"github.com/BrandonDHaskell/keycabinet/internal/cabinet/store"
	"github.com/BrandonDHaskell/keycabinet/internal/cabinet/types"
)

// AuthFailure is the reason a login was refused.
type AuthFailure string

const (
	AuthInvalidCredential AuthFailure = "invalid_credential"
	AuthInactiveUser      AuthFailure = "inactive_user"
	AuthValidityExpired   AuthFailure = "validity_expired"
	AuthTooManyAttempts   AuthFailure = "too_many_attempts"
	AuthModeDisabled      AuthFailure = "mode_disabled"
)

// Message is the short text shown on the panel.
func (f AuthFailure) Message() string {
	switch f {
	case AuthInactiveUser:
		return "User inactive"
	case AuthValidityExpired:
		return "Access expired"
	case AuthTooManyAttempts:
		return "Try again later"
	case AuthModeDisabled:
		return "Not available"
	default:
		return "Invalid login"
	}
}

// Credential is what the user presented.
type Credential struct {
	Mode   types.AuthMode
	PIN    string
	CardID string
	Sample []byte
}

// AuthResult is either a success carrying the user or a failure carrying
// the reason. UserID is set on failures where the user was identified.
type AuthResult struct {
	Success bool
	UserID  *int64
	Name    string
	RoleID  int
	Reason  AuthFailure
}

func authFailed(reason AuthFailure, u *types.User) AuthResult {
	r := AuthResult{Reason: reason}
	if u != nil {
		id := u.ID
		r.UserID = &id
	}
	return r
}

// Scorer compares a fingerprint sample with a stored template on a 0..100
// scale.
type Scorer interface {
	Score(sample, template []byte) (int, error)
}

const DefaultBiometricThreshold = 96

// AuthConfig tunes biometric matching and login throttling.
type AuthConfig struct {
	// BiometricThreshold is the score a sample must exceed.
	BiometricThreshold int
	// MaxFailures failed logins within FailureWindow lock the keypad out
	// until the window has passed. 0 disables throttling.
	MaxFailures   int
	FailureWindow time.Duration
}

// Authenticator validates credentials against the user store.
type Authenticator struct {
	users     store.UserStore
	scorer    Scorer
	threshold int
	now       func() time.Time

	mu      sync.Mutex
	limiter *rate.Limiter
}

// NewAuthenticator returns an Authenticator over users. scorer may be nil
// when no fingerprint reader is fitted.
func NewAuthenticator(users store.UserStore, scorer Scorer, cfg AuthConfig) *Authenticator {
	if cfg.BiometricThreshold <= 0 {
		cfg.BiometricThreshold = DefaultBiometricThreshold
	}
	a := &Authenticator{users: users, scorer: scorer, threshold: cfg.BiometricThreshold, now: time.Now}
	if cfg.MaxFailures > 0 && cfg.FailureWindow > 0 {
		a.limiter = rate.NewLimiter(rate.Every(cfg.FailureWindow/time.Duration(cfg.MaxFailures)), cfg.MaxFailures)
	}
	return a
}

// Authenticate checks c. The error is reserved for store and driver
// failures; a refused login is a result, not an error.
func (a *Authenticator) Authenticate(ctx context.Context, c Credential) (AuthResult, error) {
	now := a.now()
	if a.throttled(now) {
		return authFailed(AuthTooManyAttempts, nil), nil
	}

	u, err := a.identify(ctx, c)
	if err != nil {
		return AuthResult{}, err
	}

	var res AuthResult
	switch {
	case u == nil:
		res = authFailed(AuthInvalidCredential, nil)
	case !u.Active:
		res = authFailed(AuthInactiveUser, u)
	case !u.WithinValidity(now):
		res = authFailed(AuthValidityExpired, u)
	default:
		id := u.ID
		return AuthResult{Success: true, UserID: &id, Name: u.Name, RoleID: u.RoleID}, nil
	}

	a.noteFailure(now)
	return res, nil
}

func (a *Authenticator) identify(ctx context.Context, c Credential) (*types.User, error) {
	switch c.Mode {
	case types.AuthPIN:
		return a.byPIN(ctx, c.PIN)
	case types.AuthCard:
		return a.byCard(ctx, c.CardID)
	case types.AuthCardPIN:
		u, err := a.byCard(ctx, c.CardID)
		if err != nil || u == nil {
			return nil, err
		}
		if !pinMatches(u.PINHash, c.PIN) {
			return nil, nil
		}
		return u, nil
	case types.AuthBiometric:
		return a.byFingerprint(ctx, c.Sample)
	}
	return nil, nil
}

func (a *Authenticator) byPIN(ctx context.Context, pin string) (*types.User, error) {
	if pin == "" {
		return nil, nil
	}
	users, err := a.users.ListPINUsers(ctx)
	if err != nil {
		return nil, err
	}
	for i := range users {
		if pinMatches(users[i].PINHash, pin) {
			return &users[i], nil
		}
	}
	return nil, nil
}

func (a *Authenticator) byCard(ctx context.Context, card string) (*types.User, error) {
	if card == "" {
		return nil, nil
	}
	u, err := a.users.GetUserByCard(ctx, card)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (a *Authenticator) byFingerprint(ctx context.Context, sample []byte) (*types.User, error) {
	if len(sample) == 0 || a.scorer == nil {
		return nil, nil
	}
	users, err := a.users.ListBiometricUsers(ctx)
	if err != nil {
		return nil, err
	}
	best, bestScore := -1, -1
	for i := range users {
		s, err := a.scorer.Score(sample, users[i].Fingerprint)
		if err != nil {
			return nil, err
		}
		if s > bestScore {
			best, bestScore = i, s
		}
	}
	if best < 0 || bestScore <= a.threshold {
		return nil, nil
	}
	return &users[best], nil
}

func pinMatches(hash, pin string) bool {
	if hash == "" || pin == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pin)) == nil
}

func (a *Authenticator) throttled(now time.Time) bool {
	if a.limiter == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.limiter.TokensAt(now) < 1
}

func (a *Authenticator) noteFailure(now time.Time) {
	if a.limiter == nil {
		return
	}
	a.mu.Lock()
	a.limiter.AllowN(now, 1)
	a.mu.Unlock()
}
