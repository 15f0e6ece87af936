// Command report prints wallet statistics and trade history of saved
// ledgers as tables.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/olekukonko/tablewriter"

	"github.com/atmx/paper-engine/internal/config"
	"github.com/atmx/paper-engine/internal/ledger"
	"github.com/atmx/paper-engine/internal/model"
	"github.com/atmx/paper-engine/internal/store"
)

type source interface {
	store.Store
	store.ScopeLister
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file (optional)")
	scope := flag.String("scope", "", "print the trade history of one scope")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(1)
	}
	slog.SetDefault(cfg.Logger(os.Stderr))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	src, closeFn, err := openSource(ctx, cfg)
	if err != nil {
		slog.Error("failed to open store", "err", err)
		os.Exit(1)
	}
	defer closeFn()

	if *scope != "" {
		err = printTrades(ctx, os.Stdout, src, store.ScopeFor(*scope))
	} else {
		err = printSummary(ctx, os.Stdout, src)
	}
	if err != nil {
		slog.Error("report failed", "err", err)
		os.Exit(1)
	}
}

// openSource reads from PostgreSQL when configured, else the local file.
func openSource(ctx context.Context, cfg *config.Config) (source, func(), error) {
	if cfg.Storage.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return store.NewPostgresStore(pool), pool.Close, nil
	}
	s, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		return nil, nil, err
	}
	return s, func() { s.Close() }, nil
}

func printSummary(ctx context.Context, w io.Writer, src source) error {
	scopes, err := src.ListScopes(ctx)
	if err != nil {
		return fmt.Errorf("list scopes: %w", err)
	}
	if len(scopes) == 0 {
		fmt.Fprintln(w, "no saved ledgers")
		return nil
	}

	table := tablewriter.NewWriter(w)
	table.Header("Scope", "Balance", "PnL", "PnL %", "Trades", "Win %", "Liq", "PF", "Max DD %", "Open")
	for _, sc := range scopes {
		l, err := src.LoadLedger(ctx, sc)
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrCorrupt) {
			continue
		}
		if err != nil {
			return fmt.Errorf("load %s: %w", sc, err)
		}
		if err := table.Append(summaryRow(sc, l)...); err != nil {
			return fmt.Errorf("append %s: %w", sc, err)
		}
	}
	return table.Render()
}

func summaryRow(sc store.Scope, l *model.Ledger) []any {
	stats := ledger.ComputeStats(l.Wallet)
	open := ledger.PortfolioStats(l.Positions).ActiveCount

	pf := stats.ProfitFactor.StringFixed(2)
	if stats.ProfitFactorUnbounded {
		pf = "inf"
	}
	return []any{
		sc.String(),
		"$" + stats.CurrentBalance.StringFixed(2),
		"$" + stats.TotalPnL.StringFixed(2),
		stats.TotalPnLPercent.StringFixed(2),
		fmt.Sprintf("%d", stats.TotalTrades),
		stats.WinRate.StringFixed(1),
		fmt.Sprintf("%d", stats.LiquidatedTrades),
		pf,
		stats.MaxDrawdown.StringFixed(2),
		fmt.Sprintf("%d", open),
	}
}

func printTrades(ctx context.Context, w io.Writer, src store.Store, sc store.Scope) error {
	l, err := src.LoadLedger(ctx, sc)
	if errors.Is(err, store.ErrNotFound) {
		fmt.Fprintf(w, "no saved ledger for %s\n", sc)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load %s: %w", sc, err)
	}
	if len(l.Wallet.Trades) == 0 {
		fmt.Fprintf(w, "%s has no trades\n", sc)
		return nil
	}

	table := tablewriter.NewWriter(w)
	table.Header("Closed", "Market", "Side", "Lev", "Entry", "Exit", "Size", "PnL", "Outcome")
	for _, t := range l.Wallet.Trades {
		err := table.Append(
			t.CloseTime.UTC().Format("2006-01-02 15:04"),
			truncate(t.MarketTitle, 40),
			string(t.Side),
			fmt.Sprintf("%dx", t.Leverage),
			t.EntryPrice.StringFixed(1),
			t.ExitPrice.StringFixed(1),
			"$"+t.PositionSize.StringFixed(2),
			"$"+t.PnL.StringFixed(2),
			string(t.Outcome),
		)
		if err != nil {
			return fmt.Errorf("append trade %s: %w", t.ID, err)
		}
	}
	return table.Render()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
