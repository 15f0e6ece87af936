// Package engine runs one ledger session per user scope. A session owns
// its positions and wallet and applies every mutation from a single
// goroutine: price ticks and user actions arrive on channels and are
// reduced in arrival order.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/ledger"
	"github.com/atmx/paper-engine/internal/metrics"
	"github.com/atmx/paper-engine/internal/model"
	"github.com/atmx/paper-engine/internal/notify"
	"github.com/atmx/paper-engine/internal/store"
)

// ErrSessionClosed is returned for actions sent to a stopped session.
var ErrSessionClosed = errors.New("engine: session closed")

// Defaults for session tuning.
const (
	DefaultTickBuffer    = 256
	DefaultSaveTimeout   = 5 * time.Second
	DefaultFlushInterval = 5 * time.Second
)

// Config tunes sessions.
type Config struct {
	LeverageLevels  []int
	StartingBalance decimal.Decimal
	TickBuffer      int
	SaveTimeout     time.Duration
	// FlushInterval bounds how long mark-to-market odds stay unsaved.
	FlushInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.TickBuffer <= 0 {
		c.TickBuffer = DefaultTickBuffer
	}
	if c.SaveTimeout <= 0 {
		c.SaveTimeout = DefaultSaveTimeout
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if !c.StartingBalance.IsPositive() {
		c.StartingBalance = ledger.DefaultStartingBalance
	}
}

// Snapshot is a read-only view of a session.
type Snapshot struct {
	Scope     store.Scope          `json:"scope"`
	Positions []model.Position     `json:"positions"`
	Wallet    model.Wallet         `json:"wallet"`
	Portfolio model.PortfolioStats `json:"portfolio"`
	Stats     model.WalletStats    `json:"stats"`
}

type action struct {
	ctx    context.Context
	fn     func(ctx context.Context) error
	result chan error
}

// Session reduces ticks and actions for one scope.
type Session struct {
	scope    store.Scope
	cfg      Config
	store    store.Store
	notifier notify.Notifier
	logger   *slog.Logger

	// onInterest is told about newly watched asset ids after a mutation.
	onInterest func(added []string)

	positions *ledger.Positions
	wallet    *ledger.Wallet
	previews  map[string]bool
	dirty     bool
	// lastTick is the timestamp of the newest tick applied per asset.
	lastTick map[string]time.Time

	ticks   chan model.PriceTick
	actions chan action
	done    chan struct{}
	stopped chan struct{}

	active   atomic.Bool
	stopOnce sync.Once

	mu       sync.RWMutex
	interest []string
}

// NewSession creates a session over a loaded ledger. A nil ledger starts a
// fresh wallet.
func NewSession(scope store.Scope, l *model.Ledger, cfg Config, st store.Store, n notify.Notifier, logger *slog.Logger) *Session {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if n == nil {
		n = notify.Multi{}
	}

	var wallet *ledger.Wallet
	var existing []model.Position
	if l != nil {
		wallet = ledger.RestoreWallet(l.Wallet)
		existing = l.Positions
	} else {
		wallet = ledger.NewWallet(cfg.StartingBalance)
	}

	s := &Session{
		scope:      scope,
		cfg:        cfg,
		store:      st,
		notifier:   n,
		logger:     logger.With("scope", scope),
		onInterest: func([]string) {},
		positions:  ledger.NewPositions(cfg.LeverageLevels, existing),
		wallet:     wallet,
		previews:   make(map[string]bool),
		lastTick:   make(map[string]time.Time),
		ticks:      make(chan model.PriceTick, cfg.TickBuffer),
		actions:    make(chan action),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	s.active.Store(true)
	s.refreshInterest()
	return s
}

// Scope returns the session's scope.
func (s *Session) Scope() store.Scope {
	return s.scope
}

// Active reports whether the session still accepts ticks and actions.
func (s *Session) Active() bool {
	return s.active.Load()
}

// Interest returns the asset ids the session needs prices for: tokens of
// open positions plus previewed assets, sorted.
func (s *Session) Interest() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.interest...)
}

// Run reduces ticks and actions until ctx is cancelled or Stop is called.
// Pending mark-to-market changes are saved before it returns.
func (s *Session) Run(ctx context.Context) {
	defer close(s.stopped)
	defer s.flush()

	flush := time.NewTicker(s.cfg.FlushInterval)
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Stop()
			return
		case <-s.done:
			return
		case t := <-s.ticks:
			if s.active.Load() {
				s.applyTick(ctx, t)
			}
		case a := <-s.actions:
			if !s.active.Load() {
				a.result <- ErrSessionClosed
				continue
			}
			a.result <- a.fn(a.ctx)
		case <-flush.C:
			if s.dirty {
				s.save(ctx)
			}
		}
	}
}

// Stop deactivates the session. Ticks and actions arriving afterwards are
// rejected and never mutate state.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.active.Store(false)
		close(s.done)
	})
}

// Wait blocks until Run has returned.
func (s *Session) Wait() {
	<-s.stopped
}

// Deliver queues a tick. Ticks are applied in delivery order; a tick older
// than the last one applied for its asset is dropped. It returns
// false once the session is stopped.
func (s *Session) Deliver(t model.PriceTick) bool {
	if !s.active.Load() {
		return false
	}
	select {
	case s.ticks <- t:
		return true
	case <-s.done:
		return false
	}
}

// Open opens a position funded from the wallet.
func (s *Session) Open(ctx context.Context, req ledger.OpenRequest) (model.Position, error) {
	var p model.Position
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		p, err = s.open(ctx, req)
		return err
	})
	return p, err
}

// Close realizes a position at its current odds and returns the trade.
func (s *Session) Close(ctx context.Context, id string) (model.Trade, error) {
	var t model.Trade
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		t, err = s.close(ctx, id)
		return err
	})
	return t, err
}

// Reset restores the starting balance and clears the trade history. Open
// positions are kept.
func (s *Session) Reset(ctx context.Context) (model.Wallet, error) {
	var w model.Wallet
	err := s.do(ctx, func(ctx context.Context) error {
		s.wallet.Reset()
		s.save(ctx)
		w = s.wallet.State()
		s.notify(ctx, notify.Event{Type: notify.EventWalletReset, Message: "wallet reset"})
		return nil
	})
	return w, err
}

// Watch adds assets to the session's preview interest so their prices are
// streamed before any position is opened.
func (s *Session) Watch(ctx context.Context, assetIDs ...string) error {
	return s.do(ctx, func(context.Context) error {
		var added []string
		for _, id := range assetIDs {
			if id == "" || s.previews[id] {
				continue
			}
			s.previews[id] = true
			added = append(added, id)
		}
		if len(added) > 0 {
			s.refreshInterest()
			s.onInterest(added)
		}
		return nil
	})
}

// Snapshot returns a consistent view of the session.
func (s *Session) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := s.do(ctx, func(context.Context) error {
		snap = s.snapshot()
		return nil
	})
	return snap, err
}

func (s *Session) do(ctx context.Context, fn func(ctx context.Context) error) error {
	if !s.active.Load() {
		return ErrSessionClosed
	}
	a := action{ctx: ctx, fn: fn, result: make(chan error, 1)}
	select {
	case s.actions <- a:
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	// Accepted actions always run to completion; saves are bounded by
	// SaveTimeout.
	return <-a.result
}

func (s *Session) open(ctx context.Context, req ledger.OpenRequest) (model.Position, error) {
	p, err := s.positions.Open(req, s.wallet.DeductCollateral)
	if err != nil {
		s.reject(ctx, "open", err)
		return model.Position{}, err
	}
	metrics.PositionsOpened.WithLabelValues(string(p.Side), strconv.Itoa(p.Leverage)).Inc()
	s.logger.Info("position opened",
		"position_id", p.ID,
		"market_id", p.MarketID,
		"side", p.Side,
		"size", p.PositionSize.String(),
		"leverage", p.Leverage,
		"entry_odds", p.EntryOdds.String(),
		"liquidation_odds", p.LiquidationOdds.String(),
	)

	before := s.Interest()
	s.refreshInterest()
	if added := diff(s.Interest(), before); len(added) > 0 {
		s.onInterest(added)
	}
	s.save(ctx)
	s.notify(ctx, notify.Event{Type: notify.EventPositionOpened, Position: &p})
	return p, nil
}

func (s *Session) close(ctx context.Context, id string) (model.Trade, error) {
	p, err := s.positions.Close(id)
	if err != nil {
		s.reject(ctx, "close", err)
		return model.Trade{}, err
	}
	t := ledger.TradeFor(p)
	s.wallet.Book(t)
	metrics.PositionsClosed.WithLabelValues(string(p.Status)).Inc()
	s.logger.Info("position closed",
		"position_id", p.ID,
		"pnl", t.PnL.StringFixed(2),
		"outcome", t.Outcome,
		"balance", s.wallet.Balance().StringFixed(2),
	)

	s.refreshInterest()
	s.onInterest(nil)
	s.save(ctx)
	s.notify(ctx, notify.Event{Type: notify.EventPositionClosed, Position: &p, Trade: &t})
	return t, nil
}

func (s *Session) applyTick(ctx context.Context, t model.PriceTick) {
	if !s.tracks(t.AssetID) || !slices.Contains(s.positions.Watched(), t.AssetID) {
		return
	}
	// Never let an older price overwrite a newer one.
	if last, ok := s.lastTick[t.AssetID]; ok && t.Timestamp.Before(last) {
		return
	}
	s.lastTick[t.AssetID] = t.Timestamp
	liquidated := s.positions.ApplyTick(t)
	s.dirty = true
	if len(liquidated) == 0 {
		return
	}

	for i := range liquidated {
		p := liquidated[i]
		trade := ledger.TradeFor(p)
		s.wallet.Book(trade)
		metrics.PositionsClosed.WithLabelValues(string(model.StatusLiquidated)).Inc()
		s.logger.Warn("position liquidated",
			"position_id", p.ID,
			"market_id", p.MarketID,
			"odds", t.Price.String(),
			"liquidation_odds", p.LiquidationOdds.String(),
			"pnl", trade.PnL.StringFixed(2),
		)
		s.notify(ctx, notify.Event{
			Type:     notify.EventLiquidated,
			Message:  fmt.Sprintf("%s liquidated at %s%%", p.Title, t.Price.StringFixed(1)),
			Position: &p,
			Trade:    &trade,
		})
	}
	s.refreshInterest()
	s.onInterest(nil)
	s.save(ctx)
}

func (s *Session) tracks(assetID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := sort.SearchStrings(s.interest, assetID)
	return i < len(s.interest) && s.interest[i] == assetID
}

func (s *Session) snapshot() Snapshot {
	all := s.positions.All()
	w := s.wallet.State()
	return Snapshot{
		Scope:     s.scope,
		Positions: all,
		Wallet:    w,
		Portfolio: ledger.PortfolioStats(all),
		Stats:     ledger.ComputeStats(w),
	}
}

// save persists the ledger. Failures are logged and never returned: the
// in-memory ledger stays authoritative for the running session.
func (s *Session) save(ctx context.Context) {
	if s.store == nil {
		s.dirty = false
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.SaveTimeout)
	defer cancel()
	l := &model.Ledger{Positions: s.positions.All(), Wallet: s.wallet.State()}
	if err := s.store.SaveLedger(ctx, s.scope, l); err != nil {
		s.logger.Warn("failed to save ledger", "err", err)
		return
	}
	s.dirty = false
}

func (s *Session) flush() {
	if s.dirty {
		s.save(context.Background())
	}
}

func (s *Session) reject(ctx context.Context, act string, err error) {
	metrics.RejectedActions.WithLabelValues(act, reason(err)).Inc()
	s.logger.Info("action rejected", "action", act, "err", err)
	s.notify(ctx, notify.Event{Type: notify.EventActionFailed, Message: err.Error()})
}

func (s *Session) notify(ctx context.Context, e notify.Event) {
	e.Scope = string(s.scope)
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	if err := s.notifier.Notify(ctx, e); err != nil {
		s.logger.Warn("failed to deliver notification", "type", e.Type, "err", err)
	}
}

func (s *Session) refreshInterest() {
	seen := make(map[string]bool)
	ids := s.positions.Watched()
	for _, id := range ids {
		seen[id] = true
	}
	for id := range s.previews {
		if !seen[id] {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	s.mu.Lock()
	s.interest = ids
	s.mu.Unlock()
}

func reason(err error) string {
	switch {
	case errors.Is(err, ledger.ErrInsufficientCollateral):
		return "insufficient_collateral"
	case errors.Is(err, ledger.ErrNotFound):
		return "not_found"
	case errors.Is(err, ledger.ErrAlreadyClosed):
		return "already_closed"
	default:
		return "invalid"
	}
}

// diff returns the ids in a that are not in b. Both are sorted.
func diff(a, b []string) []string {
	var out []string
	for _, id := range a {
		i := sort.SearchStrings(b, id)
		if i == len(b) || b[i] != id {
			out = append(out, id)
		}
	}
	return out
}
