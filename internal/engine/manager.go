package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/atmx/paper-engine/internal/feed"
	"github.com/atmx/paper-engine/internal/metrics"
	"github.com/atmx/paper-engine/internal/model"
	"github.com/atmx/paper-engine/internal/notify"
	"github.com/atmx/paper-engine/internal/store"
)

// PriceSource returns the last known price of assets.
type PriceSource interface {
	LastPrices(assetIDs []string) []model.PriceTick
}

// Manager owns the sessions of every active scope. It fans feed ticks out
// to sessions and keeps the feed's desired subscription set equal to the
// union of the sessions' interest.
type Manager struct {
	cfg      Config
	store    store.Store
	notifier notify.Notifier
	subs     *feed.Subscriptions
	prices   PriceSource
	history  *feed.History
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[store.Scope]*Session
	loading  map[store.Scope]chan struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewManager creates a manager. prices and history may be nil.
func NewManager(cfg Config, st store.Store, n notify.Notifier, subs *feed.Subscriptions,
	prices PriceSource, history *feed.History, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if n == nil {
		n = notify.Multi{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		store:    st,
		notifier: n,
		subs:     subs,
		prices:   prices,
		history:  history,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[store.Scope]*Session),
		loading:  make(map[store.Scope]chan struct{}),
	}
}

// Session returns the running session of scope, loading its ledger on first
// access. A scope with no saved ledger starts a fresh wallet. The ledger is
// loaded without holding the manager lock; concurrent callers for the same
// scope wait for the first load.
func (m *Manager) Session(ctx context.Context, scope store.Scope) (*Session, error) {
	if scope == "" {
		scope = store.GuestScope
	}

	var loaded chan struct{}
	for loaded == nil {
		m.mu.Lock()
		if s, ok := m.sessions[scope]; ok {
			m.mu.Unlock()
			return s, nil
		}
		if m.closed {
			m.mu.Unlock()
			return nil, ErrSessionClosed
		}
		wait, busy := m.loading[scope]
		if !busy {
			loaded = make(chan struct{})
			m.loading[scope] = loaded
		}
		m.mu.Unlock()

		if busy {
			select {
			case <-wait:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	defer func() {
		m.mu.Lock()
		delete(m.loading, scope)
		m.mu.Unlock()
		close(loaded)
	}()

	var l *model.Ledger
	if m.store != nil {
		got, err := m.store.LoadLedger(ctx, scope)
		switch {
		case err == nil:
			l = got
		case errors.Is(err, store.ErrNotFound):
		default:
			return nil, fmt.Errorf("load ledger %s: %w", scope, err)
		}
	}

	s := NewSession(scope, l, m.cfg, m.store, m.notifier, m.logger)
	s.onInterest = m.interestChanged

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		s.Stop()
		return nil, ErrSessionClosed
	}
	m.sessions[scope] = s
	metrics.ActiveSessions.Inc()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		s.Run(m.ctx)
	}()
	m.mu.Unlock()

	positions := 0
	if l != nil {
		positions = len(l.Positions)
	}
	m.logger.Info("session started", "scope", scope, "positions", positions)

	// Mark open positions to the latest known prices. A live tick fanned out
	// since publishing is newer, so the session drops any replay behind it.
	interest := s.Interest()
	if m.prices != nil {
		for _, t := range m.prices.LastPrices(interest) {
			s.Deliver(t)
		}
	}
	if err := m.subs.Add(interest...); err != nil {
		m.logger.Warn("subscribe failed, will retry on reconnect", "scope", scope, "err", err)
	}
	return s, nil
}

// Release stops the session of scope and drops it. Used when the scope of
// a client changes, for example on sign-in.
func (m *Manager) Release(scope store.Scope) {
	m.mu.Lock()
	s, ok := m.sessions[scope]
	if ok {
		delete(m.sessions, scope)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	s.Stop()
	s.Wait()
	metrics.ActiveSessions.Dec()
	m.reconcile()
	m.logger.Info("session released", "scope", scope)
}

// Scopes returns the scopes with a running session.
func (m *Manager) Scopes() []store.Scope {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Scope, 0, len(m.sessions))
	for sc := range m.sessions {
		out = append(out, sc)
	}
	return out
}

// Run fans ticks out to every session until ticks is closed or ctx is done.
func (m *Manager) Run(ctx context.Context, ticks <-chan model.PriceTick) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-ticks:
			if !ok {
				return
			}
			if m.history != nil {
				m.history.Record(t)
			}
			for _, s := range m.snapshotSessions() {
				s.Deliver(t)
			}
		}
	}
}

// ReportStatus broadcasts feed connectivity changes until ctx is done.
func (m *Manager) ReportStatus(ctx context.Context, statuses <-chan feed.Status) {
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-statuses:
			if !ok {
				return
			}
			e := notify.Event{
				Type:    notify.EventConnectivity,
				Scope:   notify.BroadcastScope,
				Status:  string(st),
				Message: "market feed " + string(st),
				Time:    time.Now().UTC(),
			}
			if err := m.notifier.Notify(ctx, e); err != nil {
				m.logger.Warn("failed to deliver connectivity event", "err", err)
			}
		}
	}
}

// Close stops every session and waits for pending saves.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()
	m.wg.Wait()

	m.mu.Lock()
	n := len(m.sessions)
	m.sessions = make(map[store.Scope]*Session)
	m.mu.Unlock()
	metrics.ActiveSessions.Sub(float64(n))
}

func (m *Manager) snapshotSessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// interestChanged runs on a session goroutine after its interest changed.
func (m *Manager) interestChanged(added []string) {
	if len(added) > 0 {
		if err := m.subs.Add(added...); err != nil {
			m.logger.Warn("subscribe failed, will retry on reconnect", "assets", len(added), "err", err)
		}
	}
	m.reconcile()
}

// reconcile drops assets no session is interested in anymore.
func (m *Manager) reconcile() {
	union := make(map[string]bool)
	for _, s := range m.snapshotSessions() {
		for _, id := range s.Interest() {
			union[id] = true
		}
	}
	var stale []string
	for _, id := range m.subs.Assets() {
		if !union[id] {
			stale = append(stale, id)
		}
	}
	if len(stale) > 0 {
		m.subs.Remove(stale...)
	}
}
