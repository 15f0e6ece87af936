package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/model"
)

// Schema creates the ledger tables. Money and odds are NUMERIC for exact
// decimal precision; seq preserves insertion order within a scope.
const Schema = `
CREATE TABLE IF NOT EXISTS wallets (
    scope            TEXT PRIMARY KEY,
    balance          NUMERIC     NOT NULL,
    starting_balance NUMERIC     NOT NULL,
    created_at       TIMESTAMPTZ NOT NULL,
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS positions (
    scope            TEXT        NOT NULL REFERENCES wallets(scope) ON DELETE CASCADE,
    seq              INTEGER     NOT NULL,
    id               TEXT        NOT NULL,
    market_id        TEXT        NOT NULL,
    title            TEXT        NOT NULL DEFAULT '',
    question         TEXT        NOT NULL DEFAULT '',
    side             TEXT        NOT NULL,
    entry_odds       NUMERIC     NOT NULL,
    current_odds     NUMERIC     NOT NULL,
    position_size    NUMERIC     NOT NULL,
    leverage         INTEGER     NOT NULL,
    collateral       NUMERIC     NOT NULL,
    liquidation_odds NUMERIC     NOT NULL,
    status           TEXT        NOT NULL,
    token_id         TEXT        NOT NULL DEFAULT '',
    open_time        TIMESTAMPTZ NOT NULL,
    close_time       TIMESTAMPTZ,
    PRIMARY KEY (scope, id)
);

CREATE TABLE IF NOT EXISTS trades (
    scope         TEXT        NOT NULL REFERENCES wallets(scope) ON DELETE CASCADE,
    seq           INTEGER     NOT NULL,
    id            TEXT        NOT NULL,
    position_id   TEXT        NOT NULL DEFAULT '',
    market_id     TEXT        NOT NULL,
    market_title  TEXT        NOT NULL DEFAULT '',
    side          TEXT        NOT NULL,
    entry_price   NUMERIC     NOT NULL,
    exit_price    NUMERIC     NOT NULL,
    position_size NUMERIC     NOT NULL,
    leverage      INTEGER     NOT NULL,
    collateral    NUMERIC     NOT NULL,
    pnl           NUMERIC     NOT NULL,
    pnl_percent   NUMERIC     NOT NULL,
    settlement    NUMERIC     NOT NULL,
    open_time     TIMESTAMPTZ NOT NULL,
    close_time    TIMESTAMPTZ NOT NULL,
    outcome       TEXT        NOT NULL,
    PRIMARY KEY (scope, id)
);

CREATE INDEX IF NOT EXISTS idx_positions_scope_seq ON positions(scope, seq);
CREATE INDEX IF NOT EXISTS idx_trades_scope_seq    ON trades(scope, seq);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadLedger(ctx context.Context, scope Scope) (*model.Ledger, error) {
	var l model.Ledger
	var balance, starting string

	err := s.pool.QueryRow(ctx,
		`SELECT balance::TEXT, starting_balance::TEXT, created_at
		 FROM wallets WHERE scope = $1`, string(scope)).
		Scan(&balance, &starting, &l.Wallet.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, scope)
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet %s: %w", scope, err)
	}
	l.Wallet.Balance, _ = decimal.NewFromString(balance)
	l.Wallet.StartingBalance, _ = decimal.NewFromString(starting)

	if l.Positions, err = s.loadPositions(ctx, scope); err != nil {
		return nil, err
	}
	if l.Wallet.Trades, err = s.loadTrades(ctx, scope); err != nil {
		return nil, err
	}
	return &l, nil
}

// SaveLedger replaces the scope's rows in one transaction.
func (s *PostgresStore) SaveLedger(ctx context.Context, scope Scope, l *model.Ledger) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		w := l.Wallet
		if _, err := tx.Exec(ctx,
			`INSERT INTO wallets (scope, balance, starting_balance, created_at, updated_at)
			 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4, now())
			 ON CONFLICT (scope) DO UPDATE
			 SET balance = EXCLUDED.balance,
			     starting_balance = EXCLUDED.starting_balance,
			     created_at = EXCLUDED.created_at,
			     updated_at = now()`,
			string(scope), w.Balance.String(), w.StartingBalance.String(), w.CreatedAt,
		); err != nil {
			return fmt.Errorf("upsert wallet %s: %w", scope, err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM positions WHERE scope = $1`, string(scope)); err != nil {
			return fmt.Errorf("clear positions %s: %w", scope, err)
		}
		for i, p := range l.Positions {
			if _, err := tx.Exec(ctx,
				`INSERT INTO positions (scope, seq, id, market_id, title, question, side,
				        entry_odds, current_odds, position_size, leverage, collateral,
				        liquidation_odds, status, token_id, open_time, close_time)
				 VALUES ($1, $2, $3, $4, $5, $6, $7,
				        $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11, $12::NUMERIC,
				        $13::NUMERIC, $14, $15, $16, $17)`,
				string(scope), i, p.ID, p.MarketID, p.Title, p.Question, string(p.Side),
				p.EntryOdds.String(), p.CurrentOdds.String(), p.PositionSize.String(), p.Leverage,
				p.Collateral.String(), p.LiquidationOdds.String(), string(p.Status), p.TokenID,
				p.OpenTime, p.CloseTime,
			); err != nil {
				return fmt.Errorf("insert position %s: %w", p.ID, err)
			}
		}

		if _, err := tx.Exec(ctx, `DELETE FROM trades WHERE scope = $1`, string(scope)); err != nil {
			return fmt.Errorf("clear trades %s: %w", scope, err)
		}
		for i, t := range w.Trades {
			if _, err := tx.Exec(ctx,
				`INSERT INTO trades (scope, seq, id, position_id, market_id, market_title, side,
				        entry_price, exit_price, position_size, leverage, collateral,
				        pnl, pnl_percent, settlement, open_time, close_time, outcome)
				 VALUES ($1, $2, $3, $4, $5, $6, $7,
				        $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11, $12::NUMERIC,
				        $13::NUMERIC, $14::NUMERIC, $15::NUMERIC, $16, $17, $18)`,
				string(scope), i, t.ID, t.PositionID, t.MarketID, t.MarketTitle, string(t.Side),
				t.EntryPrice.String(), t.ExitPrice.String(), t.PositionSize.String(), t.Leverage,
				t.Collateral.String(), t.PnL.String(), t.PnLPercent.String(), t.Settlement.String(),
				t.OpenTime, t.CloseTime, string(t.Outcome),
			); err != nil {
				return fmt.Errorf("insert trade %s: %w", t.ID, err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) ListScopes(ctx context.Context) ([]Scope, error) {
	rows, err := s.pool.Query(ctx, `SELECT scope FROM wallets ORDER BY scope`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scopes []Scope
	for rows.Next() {
		var sc string
		if err := rows.Scan(&sc); err != nil {
			return nil, err
		}
		scopes = append(scopes, Scope(sc))
	}
	return scopes, rows.Err()
}

func (s *PostgresStore) loadPositions(ctx context.Context, scope Scope) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, market_id, title, question, side,
		        entry_odds::TEXT, current_odds::TEXT, position_size::TEXT, leverage,
		        collateral::TEXT, liquidation_odds::TEXT, status, token_id, open_time, close_time
		 FROM positions WHERE scope = $1 ORDER BY seq`, string(scope))
	if err != nil {
		return nil, fmt.Errorf("get positions %s: %w", scope, err)
	}
	defer rows.Close()

	positions := []model.Position{}
	for rows.Next() {
		var p model.Position
		var side, status string
		var entry, current, size, collateral, liq string
		var closeTime *time.Time
		if err := rows.Scan(&p.ID, &p.MarketID, &p.Title, &p.Question, &side,
			&entry, &current, &size, &p.Leverage,
			&collateral, &liq, &status, &p.TokenID, &p.OpenTime, &closeTime); err != nil {
			return nil, err
		}
		p.Side = model.Side(side)
		p.Status = model.Status(status)
		p.EntryOdds, _ = decimal.NewFromString(entry)
		p.CurrentOdds, _ = decimal.NewFromString(current)
		p.PositionSize, _ = decimal.NewFromString(size)
		p.Collateral, _ = decimal.NewFromString(collateral)
		p.LiquidationOdds, _ = decimal.NewFromString(liq)
		p.CloseTime = closeTime
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) loadTrades(ctx context.Context, scope Scope) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, position_id, market_id, market_title, side,
		        entry_price::TEXT, exit_price::TEXT, position_size::TEXT, leverage,
		        collateral::TEXT, pnl::TEXT, pnl_percent::TEXT, settlement::TEXT,
		        open_time, close_time, outcome
		 FROM trades WHERE scope = $1 ORDER BY seq`, string(scope))
	if err != nil {
		return nil, fmt.Errorf("get trades %s: %w", scope, err)
	}
	defer rows.Close()

	trades := []model.Trade{}
	for rows.Next() {
		var t model.Trade
		var side, outcome string
		var entry, exit, size, collateral, pnl, pnlPct, settlement string
		if err := rows.Scan(&t.ID, &t.PositionID, &t.MarketID, &t.MarketTitle, &side,
			&entry, &exit, &size, &t.Leverage,
			&collateral, &pnl, &pnlPct, &settlement,
			&t.OpenTime, &t.CloseTime, &outcome); err != nil {
			return nil, err
		}
		t.Side = model.Side(side)
		t.Outcome = model.Outcome(outcome)
		t.EntryPrice, _ = decimal.NewFromString(entry)
		t.ExitPrice, _ = decimal.NewFromString(exit)
		t.PositionSize, _ = decimal.NewFromString(size)
		t.Collateral, _ = decimal.NewFromString(collateral)
		t.PnL, _ = decimal.NewFromString(pnl)
		t.PnLPercent, _ = decimal.NewFromString(pnlPct)
		t.Settlement, _ = decimal.NewFromString(settlement)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}
