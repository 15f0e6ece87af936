package ledger

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/model"
)

// DefaultStartingBalance is the cash a new wallet starts with.
var DefaultStartingBalance = decimal.NewFromInt(10000)

// Wallet tracks the simulated cash balance and the trade history of one
// user scope.
type Wallet struct {
	state model.Wallet
}

// NewWallet creates a fresh wallet holding startingBalance.
func NewWallet(startingBalance decimal.Decimal) *Wallet {
	if !startingBalance.IsPositive() {
		startingBalance = DefaultStartingBalance
	}
	return &Wallet{state: model.Wallet{
		Balance:         startingBalance,
		StartingBalance: startingBalance,
		Trades:          []model.Trade{},
		CreatedAt:       model.Now(),
	}}
}

// RestoreWallet wraps persisted wallet state.
func RestoreWallet(w model.Wallet) *Wallet {
	if !w.StartingBalance.IsPositive() {
		w.StartingBalance = DefaultStartingBalance
	}
	trades := make([]model.Trade, len(w.Trades))
	copy(trades, w.Trades)
	w.Trades = trades
	return &Wallet{state: w}
}

// Balance is the cash available to trade.
func (w *Wallet) Balance() decimal.Decimal {
	return w.state.Balance
}

// State returns a copy of the wallet for persistence and display.
func (w *Wallet) State() model.Wallet {
	s := w.state
	s.Trades = make([]model.Trade, len(w.state.Trades))
	copy(s.Trades, w.state.Trades)
	return s
}

// DeductCollateral reserves amount from the balance. It returns false,
// leaving the balance untouched, when amount exceeds the balance.
func (w *Wallet) DeductCollateral(amount decimal.Decimal) bool {
	if amount.GreaterThan(w.state.Balance) {
		return false
	}
	w.state.Balance = w.state.Balance.Sub(amount)
	return true
}

// Settle returns collateral plus realized P&L to the balance.
func (w *Wallet) Settle(collateral, pnl decimal.Decimal) {
	w.state.Balance = w.state.Balance.Add(collateral).Add(pnl)
}

// RecordTrade appends a trade to the history. It has no balance effect;
// Book is the single point that moves money for a closing event.
func (w *Wallet) RecordTrade(t model.Trade) {
	w.state.Trades = append(w.state.Trades, t)
}

// Book settles a closing event exactly once: the trade's settlement amount
// (collateral plus P&L, floored for liquidations) goes back to the balance
// and the trade is recorded.
func (w *Wallet) Book(t model.Trade) {
	w.Settle(t.Settlement, decimal.Zero)
	w.RecordTrade(t)
}

// Reset restores the starting balance and clears the trade history.
func (w *Wallet) Reset() {
	w.state.Balance = w.state.StartingBalance
	w.state.Trades = []model.Trade{}
	w.state.CreatedAt = model.Now()
}

// Stats derives performance statistics from the trade history.
func (w *Wallet) Stats() model.WalletStats {
	return ComputeStats(w.state)
}

// ComputeStats derives statistics for a wallet snapshot. Trades are replayed
// in the order they were recorded.
func ComputeStats(w model.Wallet) model.WalletStats {
	stats := model.WalletStats{
		StartingBalance: w.StartingBalance,
		CurrentBalance:  w.Balance,
		TotalTrades:     len(w.Trades),
	}

	var totalWins, totalLosses decimal.Decimal
	for i := range w.Trades {
		t := &w.Trades[i]
		stats.TotalPnL = stats.TotalPnL.Add(t.PnL)

		switch t.Outcome {
		case model.OutcomeWin:
			stats.WinningTrades++
			totalWins = totalWins.Add(t.PnL)
		case model.OutcomeLoss:
			stats.LosingTrades++
			totalLosses = totalLosses.Add(t.PnL)
		case model.OutcomeLiquidated:
			stats.LiquidatedTrades++
			totalLosses = totalLosses.Add(t.PnL)
		}

		// Strict comparisons keep the first-seen trade on ties.
		if stats.BestTrade == nil || t.PnL.GreaterThan(stats.BestTrade.PnL) {
			best := *t
			stats.BestTrade = &best
		}
		if stats.WorstTrade == nil || t.PnL.LessThan(stats.WorstTrade.PnL) {
			worst := *t
			stats.WorstTrade = &worst
		}
	}
	totalLosses = totalLosses.Abs()

	if w.StartingBalance.IsPositive() {
		stats.TotalPnLPercent = stats.TotalPnL.Div(w.StartingBalance).Mul(hundred)
	}
	if stats.TotalTrades > 0 {
		stats.WinRate = decimal.NewFromInt(int64(stats.WinningTrades)).
			Div(decimal.NewFromInt(int64(stats.TotalTrades))).Mul(hundred)
	}
	if stats.WinningTrades > 0 {
		stats.AvgWin = totalWins.Div(decimal.NewFromInt(int64(stats.WinningTrades)))
	}
	if n := stats.LosingTrades + stats.LiquidatedTrades; n > 0 {
		stats.AvgLoss = totalLosses.Div(decimal.NewFromInt(int64(n)))
	}

	switch {
	case totalLosses.IsPositive():
		stats.ProfitFactor = totalWins.Div(totalLosses)
	case totalWins.IsPositive():
		stats.ProfitFactorUnbounded = true
	}

	stats.MaxDrawdown = maxDrawdown(w.StartingBalance, w.Trades)
	return stats
}

// maxDrawdown replays trades against a running balance and returns the
// largest percentage decline from any peak.
func maxDrawdown(start decimal.Decimal, trades []model.Trade) decimal.Decimal {
	peak := start
	running := start
	worst := decimal.Zero
	for _, t := range trades {
		running = running.Add(t.PnL)
		if running.GreaterThan(peak) {
			peak = running
		}
		if !peak.IsPositive() {
			continue
		}
		dd := peak.Sub(running).Div(peak).Mul(hundred)
		if dd.GreaterThan(worst) {
			worst = dd
		}
	}
	return worst
}
