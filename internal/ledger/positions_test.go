package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/model"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func market() model.MarketRef {
	return model.MarketRef{
		ID:       "m1",
		Title:    "Will it rain in Lisbon?",
		TokenIDs: []string{"tok-yes", "tok-no"},
	}
}

func tick(asset string, price float64) model.PriceTick {
	return model.PriceTick{AssetID: asset, Price: d(price), Timestamp: time.Now().UTC()}
}

func mustOpen(t *testing.T, l *Positions, side model.Side, size float64, lev int, entry float64) model.Position {
	t.Helper()
	p, err := l.Open(OpenRequest{
		Market:    market(),
		Side:      side,
		Size:      d(size),
		Leverage:  lev,
		EntryOdds: d(entry),
	}, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return p
}

// --- Liquidation threshold ---

func TestLiquidationOdds(t *testing.T) {
	tests := []struct {
		name  string
		side  model.Side
		entry float64
		lev   int
		want  float64
	}{
		{"yes 5x", model.SideYes, 60, 5, 40},
		{"yes 10x", model.SideYes, 50, 10, 40},
		{"yes clamped low", model.SideYes, 5, 1, 1},
		{"yes 2x clamped", model.SideYes, 30, 2, 1},
		{"no 10x", model.SideNo, 30, 10, 40},
		{"no clamped high", model.SideNo, 95, 2, 99},
		{"no 1x clamped", model.SideNo, 10, 1, 99},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := LiquidationOdds(tt.side, d(tt.entry), tt.lev)
			if !got.Equal(d(tt.want)) {
				t.Errorf("LiquidationOdds(%s, %v, %d) = %s, want %v", tt.side, tt.entry, tt.lev, got, tt.want)
			}
		})
	}
}

func TestLiquidationOdds_AlwaysWithinBounds(t *testing.T) {
	for lev := 1; lev <= 50; lev++ {
		for entry := 1; entry < 100; entry++ {
			for _, side := range []model.Side{model.SideYes, model.SideNo} {
				liq := LiquidationOdds(side, decimal.NewFromInt(int64(entry)), lev)
				if liq.LessThan(MinOdds) || liq.GreaterThan(MaxOdds) {
					t.Fatalf("liquidation %s out of [1,99] for side=%s entry=%d lev=%d", liq, side, entry, lev)
				}
			}
		}
	}
}

// --- Open ---

func TestOpen_ComputesCollateralAndThreshold(t *testing.T) {
	l := NewPositions(DefaultLeverageLevels, nil)
	p := mustOpen(t, l, model.SideNo, 100, 10, 30)

	if !p.Collateral.Equal(d(10)) {
		t.Errorf("collateral = %s, want 10", p.Collateral)
	}
	if !p.LiquidationOdds.Equal(d(40)) {
		t.Errorf("liquidation odds = %s, want 40", p.LiquidationOdds)
	}
	if !p.CurrentOdds.Equal(d(30)) {
		t.Errorf("current odds = %s, want entry 30", p.CurrentOdds)
	}
	if p.Status != model.StatusOpen {
		t.Errorf("status = %s, want open", p.Status)
	}
	if p.TokenID != "tok-no" {
		t.Errorf("token = %q, want NO token", p.TokenID)
	}
	if p.ID == "" {
		t.Error("expected non-empty id")
	}
	if p.Question != p.Title {
		t.Errorf("question should fall back to title, got %q", p.Question)
	}
}

func TestOpen_UniqueIDs(t *testing.T) {
	l := NewPositions(nil, nil)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		p := mustOpen(t, l, model.SideYes, 10, 1, 50)
		if seen[p.ID] {
			t.Fatalf("duplicate id %s", p.ID)
		}
		seen[p.ID] = true
	}
}

func TestOpen_Validation(t *testing.T) {
	l := NewPositions(DefaultLeverageLevels, nil)
	tests := []struct {
		name string
		req  OpenRequest
		want error
	}{
		{"bad side", OpenRequest{Side: "maybe", Size: d(10), Leverage: 1, EntryOdds: d(50)}, ErrInvalidSide},
		{"zero size", OpenRequest{Side: model.SideYes, Size: d(0), Leverage: 1, EntryOdds: d(50)}, ErrInvalidSize},
		{"negative size", OpenRequest{Side: model.SideYes, Size: d(-5), Leverage: 1, EntryOdds: d(50)}, ErrInvalidSize},
		{"unsupported leverage", OpenRequest{Side: model.SideYes, Size: d(10), Leverage: 3, EntryOdds: d(50)}, ErrInvalidLeverage},
		{"zero leverage", OpenRequest{Side: model.SideYes, Size: d(10), Leverage: 0, EntryOdds: d(50)}, ErrInvalidLeverage},
		{"odds zero", OpenRequest{Side: model.SideYes, Size: d(10), Leverage: 1, EntryOdds: d(0)}, ErrInvalidOdds},
		{"odds hundred", OpenRequest{Side: model.SideYes, Size: d(10), Leverage: 1, EntryOdds: d(100)}, ErrInvalidOdds},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Open(tt.req, nil)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
	if len(l.All()) != 0 {
		t.Errorf("rejected opens must not add positions, got %d", len(l.All()))
	}
}

func TestOpen_AnyLeverageWhenUnrestricted(t *testing.T) {
	l := NewPositions(nil, nil)
	p := mustOpen(t, l, model.SideYes, 30, 3, 50)
	if !p.Collateral.Equal(d(10)) {
		t.Errorf("collateral = %s, want 10", p.Collateral)
	}
}

func TestOpen_ReserveRejects(t *testing.T) {
	l := NewPositions(DefaultLeverageLevels, nil)
	var asked decimal.Decimal
	_, err := l.Open(OpenRequest{
		Market: market(), Side: model.SideYes, Size: d(500), Leverage: 5, EntryOdds: d(50),
	}, func(c decimal.Decimal) bool {
		asked = c
		return false
	})
	if !errors.Is(err, ErrInsufficientCollateral) {
		t.Fatalf("expected ErrInsufficientCollateral, got %v", err)
	}
	if !asked.Equal(d(100)) {
		t.Errorf("reserve asked for %s, want 100", asked)
	}
	if len(l.All()) != 0 {
		t.Error("position must not be recorded when collateral is refused")
	}
}

// --- ApplyTick ---

func TestApplyTick_LiquidatesAtBoundary(t *testing.T) {
	l := NewPositions(DefaultLeverageLevels, nil)
	p := mustOpen(t, l, model.SideYes, 100, 5, 60)

	if liq := l.ApplyTick(tick("tok-yes", 40.1)); len(liq) != 0 {
		t.Fatalf("40.1 is above the threshold, got liquidations %v", liq)
	}
	got, _ := l.Get(p.ID)
	if got.Status != model.StatusOpen || !got.CurrentOdds.Equal(d(40.1)) {
		t.Fatalf("expected open at 40.1, got %s at %s", got.Status, got.CurrentOdds)
	}

	liq := l.ApplyTick(tick("tok-yes", 40))
	if len(liq) != 1 || liq[0].ID != p.ID {
		t.Fatalf("expected liquidation of %s, got %v", p.ID, liq)
	}
	got, _ = l.Get(p.ID)
	if got.Status != model.StatusLiquidated {
		t.Errorf("status = %s, want liquidated", got.Status)
	}
	if got.CloseTime == nil {
		t.Error("liquidated position should carry a close time")
	}
}

func TestApplyTick_NoSideLiquidatesUpward(t *testing.T) {
	l := NewPositions(DefaultLeverageLevels, nil)
	p := mustOpen(t, l, model.SideNo, 100, 10, 30)

	l.ApplyTick(tick("tok-no", 35))
	got, _ := l.Get(p.ID)
	if got.Status != model.StatusOpen {
		t.Fatalf("35 < 40, should stay open")
	}
	if pnl := PnL(got); !pnl.Equal(d(-50)) {
		t.Errorf("pnl = %s, want -50", pnl)
	}

	if liq := l.ApplyTick(tick("tok-no", 41)); len(liq) != 1 {
		t.Fatalf("expected liquidation above 40")
	}
}

func TestApplyTick_TerminalPositionsFrozen(t *testing.T) {
	l := NewPositions(DefaultLeverageLevels, nil)
	p := mustOpen(t, l, model.SideYes, 100, 5, 60)
	l.ApplyTick(tick("tok-yes", 30))

	if liq := l.ApplyTick(tick("tok-yes", 90)); len(liq) != 0 {
		t.Errorf("terminal position liquidated twice")
	}
	got, _ := l.Get(p.ID)
	if !got.CurrentOdds.Equal(d(30)) {
		t.Errorf("frozen odds = %s, want last open value 30", got.CurrentOdds)
	}
	if got.Status != model.StatusLiquidated {
		t.Errorf("status changed to %s", got.Status)
	}
}

func TestApplyTick_SharedAssetEvaluatedIndependently(t *testing.T) {
	l := NewPositions(DefaultLeverageLevels, nil)
	safe := mustOpen(t, l, model.SideYes, 100, 1, 60)  // liq 1
	risky := mustOpen(t, l, model.SideYes, 100, 10, 60) // liq 50
	other := mustOpen(t, l, model.SideNo, 100, 10, 40)  // different token

	liq := l.ApplyTick(tick("tok-yes", 45))
	if len(liq) != 1 || liq[0].ID != risky.ID {
		t.Fatalf("expected only %s liquidated, got %v", risky.ID, liq)
	}

	s, _ := l.Get(safe.ID)
	if s.Status != model.StatusOpen || !s.CurrentOdds.Equal(d(45)) {
		t.Errorf("safe position should be open at 45, got %s at %s", s.Status, s.CurrentOdds)
	}
	o, _ := l.Get(other.ID)
	if !o.CurrentOdds.Equal(d(40)) {
		t.Errorf("position on another token should not move, got %s", o.CurrentOdds)
	}
}

func TestApplyTick_CollateralInvariant(t *testing.T) {
	l := NewPositions(DefaultLeverageLevels, nil)
	p := mustOpen(t, l, model.SideYes, 250, 2, 50)
	for _, price := range []float64{55, 70, 45, 30, 61.5} {
		l.ApplyTick(tick("tok-yes", price))
		got, _ := l.Get(p.ID)
		if !got.Collateral.Equal(d(125)) {
			t.Fatalf("collateral drifted to %s after tick %v", got.Collateral, price)
		}
		if !got.LiquidationOdds.Equal(d(1)) {
			t.Fatalf("liquidation odds drifted to %s", got.LiquidationOdds)
		}
	}
}

// --- Close ---

func TestClose_RealizesAtCurrentOdds(t *testing.T) {
	l := NewPositions(DefaultLeverageLevels, nil)
	p := mustOpen(t, l, model.SideYes, 100, 2, 50)
	l.ApplyTick(tick("tok-yes", 60))

	closed, err := l.Close(p.ID)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed.Status != model.StatusClosed {
		t.Errorf("status = %s, want closed", closed.Status)
	}
	if pnl := PnL(closed); !pnl.Equal(d(20)) {
		t.Errorf("pnl = %s, want 20", pnl)
	}

	// Later ticks do not reach a closed position.
	l.ApplyTick(tick("tok-yes", 10))
	got, _ := l.Get(p.ID)
	if !got.CurrentOdds.Equal(d(60)) {
		t.Errorf("closed position moved to %s", got.CurrentOdds)
	}
}

func TestClose_Errors(t *testing.T) {
	l := NewPositions(DefaultLeverageLevels, nil)

	if _, err := l.Close("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	p := mustOpen(t, l, model.SideYes, 100, 2, 50)
	if _, err := l.Close(p.ID); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if _, err := l.Close(p.ID); !errors.Is(err, ErrAlreadyClosed) {
		t.Errorf("expected ErrAlreadyClosed on second close, got %v", err)
	}

	liq := mustOpen(t, l, model.SideYes, 100, 10, 50)
	l.ApplyTick(tick("tok-yes", 40))
	if _, err := l.Close(liq.ID); !errors.Is(err, ErrAlreadyClosed) {
		t.Errorf("expected ErrAlreadyClosed for liquidated position, got %v", err)
	}
}

// --- P&L ---

func TestPnL_LinearInLeverage(t *testing.T) {
	base := model.Position{
		Side: model.SideYes, EntryOdds: d(40), CurrentOdds: d(47.5),
		PositionSize: d(200), Leverage: 2,
	}
	doubled := base
	doubled.Leverage = 4

	if !PnL(doubled).Equal(PnL(base).Mul(d(2))) {
		t.Errorf("doubling leverage should double pnl: %s vs %s", PnL(base), PnL(doubled))
	}
}

func TestPnL_NoSideInverted(t *testing.T) {
	p := model.Position{
		Side: model.SideNo, EntryOdds: d(60), CurrentOdds: d(50),
		PositionSize: d(100), Leverage: 1,
	}
	if !PnL(p).Equal(d(10)) {
		t.Errorf("pnl = %s, want 10", PnL(p))
	}
}

// --- Portfolio ---

func TestPortfolioStats_OpenOnly(t *testing.T) {
	l := NewPositions(DefaultLeverageLevels, nil)
	mustOpen(t, l, model.SideYes, 100, 2, 50)
	mustOpen(t, l, model.SideNo, 100, 5, 50)
	closed := mustOpen(t, l, model.SideYes, 1000, 1, 50)
	l.Close(closed.ID)
	l.ApplyTick(tick("tok-yes", 55))

	stats := PortfolioStats(l.All())
	if stats.ActiveCount != 2 {
		t.Errorf("active = %d, want 2", stats.ActiveCount)
	}
	if !stats.TotalCollateral.Equal(d(70)) {
		t.Errorf("collateral = %s, want 70", stats.TotalCollateral)
	}
	if !stats.TotalExposure.Equal(d(200)) {
		t.Errorf("exposure = %s, want 200", stats.TotalExposure)
	}
	// yes 2x: +5 pts → 10; no position untouched → 0.
	if !stats.UnrealizedPnL.Equal(d(10)) {
		t.Errorf("unrealized = %s, want 10", stats.UnrealizedPnL)
	}
}

func TestWatched_OpenTokensOnly(t *testing.T) {
	l := NewPositions(DefaultLeverageLevels, nil)
	mustOpen(t, l, model.SideYes, 100, 2, 50)
	mustOpen(t, l, model.SideYes, 100, 2, 50)
	no := mustOpen(t, l, model.SideNo, 100, 2, 50)
	l.Close(no.ID)

	got := l.Watched()
	if len(got) != 1 || got[0] != "tok-yes" {
		t.Errorf("watched = %v, want [tok-yes]", got)
	}
}

// --- Trade records ---

func TestTradeFor_Outcomes(t *testing.T) {
	l := NewPositions(DefaultLeverageLevels, nil)

	win := mustOpen(t, l, model.SideYes, 100, 2, 50)
	l.ApplyTick(tick("tok-yes", 55))
	closed, _ := l.Close(win.ID)
	tr := TradeFor(closed)
	if tr.Outcome != model.OutcomeWin || !tr.PnL.Equal(d(10)) {
		t.Errorf("expected win of 10, got %s %s", tr.Outcome, tr.PnL)
	}
	if !tr.PnLPercent.Equal(d(20)) {
		t.Errorf("pnl percent = %s, want 20", tr.PnLPercent)
	}
	if !tr.Settlement.Equal(d(60)) {
		t.Errorf("settlement = %s, want collateral 50 + pnl 10", tr.Settlement)
	}
	if !tr.ExitPrice.Equal(d(55)) || !tr.EntryPrice.Equal(d(50)) {
		t.Errorf("prices = %s → %s", tr.EntryPrice, tr.ExitPrice)
	}

	flat := mustOpen(t, l, model.SideNo, 100, 2, 50)
	closed, _ = l.Close(flat.ID)
	if tr := TradeFor(closed); tr.Outcome != model.OutcomeWin {
		t.Errorf("zero pnl counts as win, got %s", tr.Outcome)
	}
}

func TestTradeFor_LiquidationSettlementFloored(t *testing.T) {
	l := NewPositions(DefaultLeverageLevels, nil)
	p := mustOpen(t, l, model.SideNo, 100, 10, 30)
	liq := l.ApplyTick(tick("tok-no", 45))
	if len(liq) != 1 {
		t.Fatalf("expected liquidation")
	}

	tr := TradeFor(liq[0])
	if tr.Outcome != model.OutcomeLiquidated {
		t.Errorf("outcome = %s", tr.Outcome)
	}
	// Known simplification: P&L uses the tick price, not the threshold, so it
	// can exceed the collateral (−150 against 10 reserved).
	if !tr.PnL.Equal(d(-150)) {
		t.Errorf("pnl = %s, want -150", tr.PnL)
	}
	if !tr.Settlement.IsZero() {
		t.Errorf("settlement = %s, want 0", tr.Settlement)
	}
	if tr.PositionID != p.ID {
		t.Errorf("position id = %s", tr.PositionID)
	}
}

// Stored timestamps keep microseconds; ledger clocks must not carry more.
func TestTimestamps_MicrosecondPrecision(t *testing.T) {
	l := NewPositions(DefaultLeverageLevels, nil)
	p := mustOpen(t, l, model.SideYes, 100, 5, 60)
	if !p.OpenTime.Equal(p.OpenTime.Truncate(time.Microsecond)) {
		t.Errorf("OpenTime %v has sub-microsecond precision", p.OpenTime)
	}

	at := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
	liq := l.ApplyTick(model.PriceTick{AssetID: "tok-yes", Price: d(40), Timestamp: at})
	if len(liq) != 1 {
		t.Fatalf("expected one liquidation, got %v", liq)
	}
	if want := at.Truncate(time.Microsecond); !liq[0].CloseTime.Equal(want) {
		t.Errorf("CloseTime = %v, want %v", liq[0].CloseTime, want)
	}

	q := mustOpen(t, l, model.SideNo, 100, 1, 50)
	closed, err := l.Close(q.ID)
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !closed.CloseTime.Equal(closed.CloseTime.Truncate(time.Microsecond)) {
		t.Errorf("CloseTime %v has sub-microsecond precision", closed.CloseTime)
	}

	w := NewWallet(d(1000))
	if created := w.State().CreatedAt; !created.Equal(created.Truncate(time.Microsecond)) {
		t.Errorf("CreatedAt %v has sub-microsecond precision", created)
	}
}
