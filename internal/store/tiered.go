package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/atmx/paper-engine/internal/metrics"
	"github.com/atmx/paper-engine/internal/model"
)

// TieredStore pairs an authoritative remote store with a local fallback.
// Loads prefer the remote; saves always write the local copy and then try
// the remote. Remote failures are reported as ErrPersistenceUnavailable.
type TieredStore struct {
	remote Store
	local  Store
	logger *slog.Logger
}

// NewTieredStore creates a tiered store. remote may be nil for a
// local-only deployment. A nil logger uses slog.Default().
func NewTieredStore(remote, local Store, logger *slog.Logger) *TieredStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &TieredStore{remote: remote, local: local, logger: logger}
}

func (s *TieredStore) LoadLedger(ctx context.Context, scope Scope) (*model.Ledger, error) {
	if s.remote != nil {
		l, err := s.remote.LoadLedger(ctx, scope)
		switch {
		case err == nil:
			if lerr := s.local.SaveLedger(ctx, scope, l); lerr != nil {
				s.fail("local", "save", scope, lerr)
			}
			return l, nil
		case errors.Is(err, ErrNotFound):
		default:
			s.fail("remote", "load", scope, err)
		}
	}

	l, err := s.local.LoadLedger(ctx, scope)
	switch {
	case err == nil:
		return l, nil
	case errors.Is(err, ErrNotFound):
		return nil, err
	case errors.Is(err, ErrCorrupt):
		s.logger.Warn("discarding unreadable local ledger", "scope", scope, "err", err)
		return nil, fmt.Errorf("%w: %s", ErrNotFound, scope)
	default:
		s.fail("local", "load", scope, err)
		return nil, fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
	}
}

func (s *TieredStore) SaveLedger(ctx context.Context, scope Scope, l *model.Ledger) error {
	var errs []error
	if err := s.local.SaveLedger(ctx, scope, l); err != nil {
		s.fail("local", "save", scope, err)
		errs = append(errs, err)
	}
	if s.remote != nil {
		if err := s.remote.SaveLedger(ctx, scope, l); err != nil {
			s.fail("remote", "save", scope, err)
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrPersistenceUnavailable, errors.Join(errs...))
	}
	return nil
}

// ListScopes lists the remote scopes, or the local ones without a remote.
func (s *TieredStore) ListScopes(ctx context.Context) ([]Scope, error) {
	src := s.local
	if s.remote != nil {
		src = s.remote
	}
	lister, ok := src.(ScopeLister)
	if !ok {
		return nil, fmt.Errorf("store: %T cannot list scopes", src)
	}
	return lister.ListScopes(ctx)
}

func (s *TieredStore) fail(tier, op string, scope Scope, err error) {
	metrics.PersistenceFailures.WithLabelValues(tier, op).Inc()
	s.logger.Warn("ledger persistence failed", "tier", tier, "op", op, "scope", scope, "err", err)
}
