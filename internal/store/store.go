// Package store persists user ledgers. Implementations include PostgreSQL
// (remote source of truth), Redis (read-through cache), SQLite (local
// fallback), and in-memory (for testing). TieredStore combines a remote and
// a local store.
package store

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/atmx/paper-engine/internal/model"
)

var (
	// ErrNotFound is returned when a scope has no saved ledger.
	ErrNotFound = errors.New("store: ledger not found")

	// ErrCorrupt is returned when a saved ledger cannot be decoded.
	ErrCorrupt = errors.New("store: corrupt ledger")

	// ErrPersistenceUnavailable marks a failure of the remote tier.
	ErrPersistenceUnavailable = errors.New("store: persistence unavailable")
)

// GuestScope is used when no authenticated user is known.
const GuestScope Scope = "guest"

// Scope identifies whose ledger is read or written: a user id, or guest.
type Scope string

// ScopeFor resolves the scope of a user id. Blank ids map to GuestScope.
func ScopeFor(userID string) Scope {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return GuestScope
	}
	return Scope(userID)
}

// Guest reports whether s is the unauthenticated scope.
func (s Scope) Guest() bool {
	return s == GuestScope
}

func (s Scope) String() string {
	return string(s)
}

// Store is the persistence interface for one user's positions and wallet.
type Store interface {
	// LoadLedger returns the saved ledger of scope, or ErrNotFound.
	LoadLedger(ctx context.Context, scope Scope) (*model.Ledger, error)

	// SaveLedger replaces the saved ledger of scope.
	SaveLedger(ctx context.Context, scope Scope, ledger *model.Ledger) error
}

// ScopeLister is implemented by stores that can enumerate saved scopes.
type ScopeLister interface {
	ListScopes(ctx context.Context) ([]Scope, error)
}

func sortScopes(scopes []Scope) {
	sort.Slice(scopes, func(i, j int) bool { return scopes[i] < scopes[j] })
}
