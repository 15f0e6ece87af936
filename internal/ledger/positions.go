// Package ledger implements the leveraged position lifecycle and the
// simulated wallet that funds it.
//
// Positions and Wallet are plain state machines with no locking: the engine
// package drives every mutation of one user scope from a single goroutine.
//
// All monetary values use shopspring/decimal; never float64 for money.
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/model"
)

var (
	// ErrInsufficientCollateral is returned when the wallet cannot reserve
	// the collateral a new position needs.
	ErrInsufficientCollateral = errors.New("ledger: insufficient collateral")

	// ErrNotFound is returned for an unknown position id.
	ErrNotFound = errors.New("ledger: position not found")

	// ErrAlreadyClosed is returned when closing a closed or liquidated position.
	ErrAlreadyClosed = errors.New("ledger: position already closed")

	ErrInvalidSide     = errors.New("ledger: side must be yes or no")
	ErrInvalidSize     = errors.New("ledger: position size must be positive")
	ErrInvalidLeverage = errors.New("ledger: unsupported leverage")
	ErrInvalidOdds     = errors.New("ledger: entry odds must be within (0, 100)")
)

var (
	// MinOdds and MaxOdds bound liquidation thresholds. 0% and 100% cannot be
	// represented sanely under leverage.
	MinOdds = decimal.NewFromInt(1)
	MaxOdds = decimal.NewFromInt(99)

	// DefaultLeverageLevels are the discrete levels offered by the simulator.
	DefaultLeverageLevels = []int{1, 2, 5, 10}

	hundred = decimal.NewFromInt(100)
)

// OpenRequest describes a position to open.
type OpenRequest struct {
	Market    model.MarketRef
	Side      model.Side
	Size      decimal.Decimal
	Leverage  int
	EntryOdds decimal.Decimal
}

// Positions owns the positions of one user scope, in insertion order.
type Positions struct {
	levels    map[int]bool // empty: any positive leverage
	positions []*model.Position
	byID      map[string]*model.Position
	now       func() time.Time
}

// NewPositions creates a ledger seeded with previously persisted positions.
// A nil levels slice allows any positive integer leverage.
func NewPositions(levels []int, existing []model.Position) *Positions {
	l := &Positions{
		levels: make(map[int]bool, len(levels)),
		byID:   make(map[string]*model.Position, len(existing)),
		now:    model.Now,
	}
	for _, lv := range levels {
		l.levels[lv] = true
	}
	for i := range existing {
		p := existing[i]
		l.positions = append(l.positions, &p)
		l.byID[p.ID] = &p
	}
	return l
}

// SetClock overrides the time source. Used by tests.
func (l *Positions) SetClock(now func() time.Time) {
	l.now = now
}

// LiquidationOdds returns the odds at which a position is force-closed:
// yes → max(1, entry − 100/leverage), no → min(99, entry + 100/leverage).
func LiquidationOdds(side model.Side, entry decimal.Decimal, leverage int) decimal.Decimal {
	maxLoss := hundred.Div(decimal.NewFromInt(int64(leverage)))
	var liq decimal.Decimal
	if side == model.SideYes {
		liq = entry.Sub(maxLoss)
	} else {
		liq = entry.Add(maxLoss)
	}
	return clamp(liq, MinOdds, MaxOdds)
}

// PnL is linear in leverage and in percentage-point odds movement:
//
//	oddsChange = yes ? current − entry : entry − current
//	pnl        = oddsChange / 100 × positionSize × leverage
func PnL(p model.Position) decimal.Decimal {
	change := p.CurrentOdds.Sub(p.EntryOdds)
	if p.Side == model.SideNo {
		change = change.Neg()
	}
	return change.Div(hundred).Mul(p.PositionSize).Mul(decimal.NewFromInt(int64(p.Leverage)))
}

// Liquidated reports whether odds have crossed the position's threshold.
// The boundary is inclusive.
func Liquidated(p model.Position, odds decimal.Decimal) bool {
	if p.Side == model.SideYes {
		return odds.LessThanOrEqual(p.LiquidationOdds)
	}
	return odds.GreaterThanOrEqual(p.LiquidationOdds)
}

// Validate checks an open request against the ledger's rules.
func (l *Positions) Validate(req OpenRequest) error {
	if !req.Side.Valid() {
		return ErrInvalidSide
	}
	if !req.Size.IsPositive() {
		return ErrInvalidSize
	}
	if req.Leverage <= 0 || (len(l.levels) > 0 && !l.levels[req.Leverage]) {
		return fmt.Errorf("%w: %d", ErrInvalidLeverage, req.Leverage)
	}
	if !req.EntryOdds.IsPositive() || req.EntryOdds.GreaterThanOrEqual(hundred) {
		return fmt.Errorf("%w: %s", ErrInvalidOdds, req.EntryOdds)
	}
	return nil
}

// Open creates a position. reserve is asked to set aside the computed
// collateral before the position is recorded; the ledger itself knows
// nothing about balances. A false return yields ErrInsufficientCollateral.
func (l *Positions) Open(req OpenRequest, reserve func(collateral decimal.Decimal) bool) (model.Position, error) {
	if err := l.Validate(req); err != nil {
		return model.Position{}, err
	}

	collateral := req.Size.Div(decimal.NewFromInt(int64(req.Leverage)))
	if reserve != nil && !reserve(collateral) {
		return model.Position{}, fmt.Errorf("%w: need %s", ErrInsufficientCollateral, collateral.StringFixed(2))
	}

	p := &model.Position{
		ID:              newID(),
		MarketID:        req.Market.ID,
		Title:           req.Market.Title,
		Question:        req.Market.Question,
		Side:            req.Side,
		EntryOdds:       req.EntryOdds,
		CurrentOdds:     req.EntryOdds,
		PositionSize:    req.Size,
		Leverage:        req.Leverage,
		Collateral:      collateral,
		LiquidationOdds: LiquidationOdds(req.Side, req.EntryOdds, req.Leverage),
		Status:          model.StatusOpen,
		TokenID:         tokenFor(req.Market, req.Side),
		OpenTime:        l.now(),
	}
	if p.Question == "" {
		p.Question = p.Title
	}

	l.positions = append(l.positions, p)
	l.byID[p.ID] = p
	return *p, nil
}

// ApplyTick marks every open position on the tick's asset to the new price
// and liquidates those that crossed their threshold. Positions are visited
// in insertion order. The returned slice holds the positions liquidated by
// this tick.
func (l *Positions) ApplyTick(tick model.PriceTick) []model.Position {
	var liquidated []model.Position
	for _, p := range l.positions {
		if p.Status != model.StatusOpen || p.TokenID == "" || p.TokenID != tick.AssetID {
			continue
		}
		p.CurrentOdds = tick.Price
		if Liquidated(*p, tick.Price) {
			at := tick.Timestamp.Truncate(time.Microsecond)
			if at.IsZero() {
				at = l.now()
			}
			p.Status = model.StatusLiquidated
			p.CloseTime = &at
			liquidated = append(liquidated, *p)
		}
	}
	return liquidated
}

// Close realizes a position at its current odds.
func (l *Positions) Close(id string) (model.Position, error) {
	p, ok := l.byID[id]
	if !ok {
		return model.Position{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if p.Status.Terminal() {
		return model.Position{}, fmt.Errorf("%w: %s is %s", ErrAlreadyClosed, id, p.Status)
	}
	at := l.now()
	p.Status = model.StatusClosed
	p.CloseTime = &at
	return *p, nil
}

// Get returns a copy of a position.
func (l *Positions) Get(id string) (model.Position, bool) {
	p, ok := l.byID[id]
	if !ok {
		return model.Position{}, false
	}
	return *p, true
}

// All returns copies of every position in insertion order.
func (l *Positions) All() []model.Position {
	out := make([]model.Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, *p)
	}
	return out
}

// Active returns copies of the open positions.
func (l *Positions) Active() []model.Position {
	var out []model.Position
	for _, p := range l.positions {
		if p.Status == model.StatusOpen {
			out = append(out, *p)
		}
	}
	return out
}

// Watched returns the token ids of open positions, deduplicated.
func (l *Positions) Watched() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, p := range l.positions {
		if p.Status != model.StatusOpen || p.TokenID == "" || seen[p.TokenID] {
			continue
		}
		seen[p.TokenID] = true
		ids = append(ids, p.TokenID)
	}
	return ids
}

// PortfolioStats aggregates collateral, exposure and unrealized P&L over
// open positions.
func PortfolioStats(positions []model.Position) model.PortfolioStats {
	var stats model.PortfolioStats
	for _, p := range positions {
		if p.Status != model.StatusOpen {
			continue
		}
		stats.TotalCollateral = stats.TotalCollateral.Add(p.Collateral)
		stats.TotalExposure = stats.TotalExposure.Add(p.PositionSize)
		stats.UnrealizedPnL = stats.UnrealizedPnL.Add(PnL(p))
		stats.ActiveCount++
	}
	return stats
}

// TradeFor builds the immutable trade record of a position that just left
// the open state.
//
// P&L is taken at the position's last odds, for liquidations too, so it can
// exceed the collateral. The wallet settlement of a liquidation is floored
// at zero: the reserved collateral is the most a liquidation can take.
func TradeFor(p model.Position) model.Trade {
	pnl := PnL(p)

	pnlPercent := decimal.Zero
	if p.Collateral.IsPositive() {
		pnlPercent = pnl.Div(p.Collateral).Mul(hundred)
	}

	settlement := p.Collateral.Add(pnl)
	outcome := model.OutcomeWin
	switch {
	case p.Status == model.StatusLiquidated:
		outcome = model.OutcomeLiquidated
		if settlement.IsNegative() {
			settlement = decimal.Zero
		}
	case pnl.IsNegative():
		outcome = model.OutcomeLoss
	}

	closeTime := model.Now()
	if p.CloseTime != nil {
		closeTime = *p.CloseTime
	}

	return model.Trade{
		ID:           newID(),
		PositionID:   p.ID,
		MarketID:     p.MarketID,
		MarketTitle:  p.Title,
		Side:         p.Side,
		EntryPrice:   p.EntryOdds,
		ExitPrice:    p.CurrentOdds,
		PositionSize: p.PositionSize,
		Leverage:     p.Leverage,
		Collateral:   p.Collateral,
		PnL:          pnl,
		PnLPercent:   pnlPercent,
		Settlement:   settlement,
		OpenTime:     p.OpenTime,
		CloseTime:    closeTime,
		Outcome:      outcome,
	}
}

func tokenFor(m model.MarketRef, side model.Side) string {
	idx := 0
	if side == model.SideNo {
		idx = 1
	}
	if idx < len(m.TokenIDs) {
		return m.TokenIDs[idx]
	}
	return ""
}

func clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}

// newID returns a time-ordered unique identifier.
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
