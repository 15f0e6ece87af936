package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/atmx/paper-engine/internal/model"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS ledgers (
    scope      TEXT PRIMARY KEY,
    data       TEXT     NOT NULL,
    updated_at DATETIME NOT NULL
);
`

// SQLiteStore keeps one JSON document per scope in a local SQLite file.
// It is the fallback tier when the remote store is unreachable.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path. ":memory:" gives
// a private in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store.NewSQLiteStore: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store.NewSQLiteStore: apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) LoadLedger(ctx context.Context, scope Scope) (*model.Ledger, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM ledgers WHERE scope = ?`, string(scope)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, scope)
	}
	if err != nil {
		return nil, fmt.Errorf("store.SQLiteStore.LoadLedger: %w", err)
	}

	var l model.Ledger
	if err := json.Unmarshal([]byte(data), &l); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, scope, err)
	}
	return &l, nil
}

func (s *SQLiteStore) SaveLedger(ctx context.Context, scope Scope, l *model.Ledger) error {
	data, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("store.SQLiteStore.SaveLedger: encode: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO ledgers (scope, data, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(scope) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		string(scope), string(data), time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("store.SQLiteStore.SaveLedger: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListScopes(ctx context.Context) ([]Scope, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT scope FROM ledgers`)
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
	sortScopes(scopes)
	return scopes, rows.Err()
}
