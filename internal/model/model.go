// Package model defines the core domain types shared across the paper engine.
// All monetary values and odds use shopspring/decimal; never float64 for money.
//
// Odds are held on a 0–100 percent scale with fractional precision.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the outcome a position bets on.
type Side string

const (
	SideYes Side = "yes"
	SideNo  Side = "no"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideYes || s == SideNo
}

// Status is the lifecycle state of a position. Transitions only go forward:
// open → closed | liquidated.
type Status string

const (
	StatusOpen       Status = "open"
	StatusClosed     Status = "closed"
	StatusLiquidated Status = "liquidated"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusLiquidated
}

// Outcome classifies a finished trade.
type Outcome string

const (
	OutcomeWin        Outcome = "win"
	OutcomeLoss       Outcome = "loss"
	OutcomeLiquidated Outcome = "liquidated"
)

// MarketRef identifies the market a position is opened on.
// TokenIDs[0] is the YES token, TokenIDs[1] the NO token.
type MarketRef struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Question string   `json:"question"`
	TokenIDs []string `json:"token_ids"`
}

// Position is a simulated leveraged bet.
type Position struct {
	ID              string          `json:"id"`
	MarketID        string          `json:"market_id"`
	Title           string          `json:"title"`
	Question        string          `json:"question"`
	Side            Side            `json:"side"`
	EntryOdds       decimal.Decimal `json:"entry_odds"`
	CurrentOdds     decimal.Decimal `json:"current_odds"`
	PositionSize    decimal.Decimal `json:"position_size"` // notional
	Leverage        int             `json:"leverage"`
	Collateral      decimal.Decimal `json:"collateral"`       // positionSize / leverage
	LiquidationOdds decimal.Decimal `json:"liquidation_odds"` // fixed at open
	Status          Status          `json:"status"`
	TokenID         string          `json:"token_id,omitempty"`
	OpenTime        time.Time       `json:"open_time"`
	CloseTime       *time.Time      `json:"close_time,omitempty"`
}

// Trade is the immutable record produced once when a position closes or
// is liquidated.
type Trade struct {
	ID           string          `json:"id"`
	PositionID   string          `json:"position_id"`
	MarketID     string          `json:"market_id"`
	MarketTitle  string          `json:"market_title"`
	Side         Side            `json:"side"`
	EntryPrice   decimal.Decimal `json:"entry_price"`
	ExitPrice    decimal.Decimal `json:"exit_price"`
	PositionSize decimal.Decimal `json:"position_size"`
	Leverage     int             `json:"leverage"`
	Collateral   decimal.Decimal `json:"collateral"`
	PnL          decimal.Decimal `json:"pnl"`
	PnLPercent   decimal.Decimal `json:"pnl_percent"` // pnl / collateral * 100
	Settlement   decimal.Decimal `json:"settlement"`  // amount returned to the wallet balance
	OpenTime     time.Time       `json:"open_time"`
	CloseTime    time.Time       `json:"close_time"`
	Outcome      Outcome         `json:"outcome"`
}

// Wallet is a per-user simulated cash account. Collateral of open positions
// is already subtracted from Balance and tracked on the positions.
type Wallet struct {
	Balance         decimal.Decimal `json:"balance"`
	StartingBalance decimal.Decimal `json:"starting_balance"`
	Trades          []Trade         `json:"trades"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Ledger is the persisted state of one user scope.
type Ledger struct {
	Positions []Position `json:"positions"`
	Wallet    Wallet     `json:"wallet"`
}

// PriceTick is a normalized feed datum. Price is a percent.
type PriceTick struct {
	AssetID   string          `json:"asset_id"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// ChartPoint is one sample of the rolling price history.
type ChartPoint struct {
	Time  time.Time       `json:"time"`
	Value decimal.Decimal `json:"value"`
}

// PortfolioStats aggregates open positions only.
type PortfolioStats struct {
	TotalCollateral decimal.Decimal `json:"total_collateral"`
	TotalExposure   decimal.Decimal `json:"total_exposure"`
	UnrealizedPnL   decimal.Decimal `json:"unrealized_pnl"`
	ActiveCount     int             `json:"active_count"`
}

// WalletStats is derived from the trade history.
type WalletStats struct {
	StartingBalance  decimal.Decimal `json:"starting_balance"`
	CurrentBalance   decimal.Decimal `json:"current_balance"`
	TotalPnL         decimal.Decimal `json:"total_pnl"`
	TotalPnLPercent  decimal.Decimal `json:"total_pnl_percent"`
	TotalTrades      int             `json:"total_trades"`
	WinningTrades    int             `json:"winning_trades"`
	LosingTrades     int             `json:"losing_trades"`
	LiquidatedTrades int             `json:"liquidated_trades"`
	WinRate          decimal.Decimal `json:"win_rate"`
	AvgWin           decimal.Decimal `json:"avg_win"`
	AvgLoss          decimal.Decimal `json:"avg_loss"`
	BestTrade        *Trade          `json:"best_trade"`
	WorstTrade       *Trade          `json:"worst_trade"`
	ProfitFactor     decimal.Decimal `json:"profit_factor"`
	// ProfitFactorUnbounded is set when there are winning trades and no
	// losses; ProfitFactor is zero in that case.
	ProfitFactorUnbounded bool            `json:"profit_factor_unbounded"`
	MaxDrawdown           decimal.Decimal `json:"max_drawdown"` // percent
}

// Market is the catalog view of a tradable market.
type Market struct {
	ID          string          `json:"id"`
	ConditionID string          `json:"condition_id,omitempty"`
	Title       string          `json:"title"`
	Question    string          `json:"question"`
	YesPrice    decimal.Decimal `json:"yes_price"`
	NoPrice     decimal.Decimal `json:"no_price"`
	TokenIDs    []string        `json:"token_ids"`
	Volume      decimal.Decimal `json:"volume"`
}

// Ref returns the reference used to open a position on m.
func (m Market) Ref() MarketRef {
	return MarketRef{ID: m.ID, Title: m.Title, Question: m.Question, TokenIDs: m.TokenIDs}
}

// Now returns the current UTC time truncated to microseconds, the finest
// precision every ledger store keeps.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
