package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/model"
	"github.com/atmx/paper-engine/internal/store"
)

func seeded(t *testing.T) *store.MemoryStore {
	t.Helper()
	ms := store.NewMemoryStore()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	l := &model.Ledger{
		Wallet: model.Wallet{
			Balance:         decimal.NewFromInt(1100),
			StartingBalance: decimal.NewFromInt(1000),
			CreatedAt:       now,
			Trades: []model.Trade{{
				ID:           "t1",
				MarketTitle:  "Will it rain in Lisbon tomorrow?",
				Side:         model.SideYes,
				EntryPrice:   decimal.NewFromInt(40),
				ExitPrice:    decimal.NewFromInt(50),
				PositionSize: decimal.NewFromInt(100),
				Leverage:     10,
				Collateral:   decimal.NewFromInt(10),
				PnL:          decimal.NewFromInt(100),
				Settlement:   decimal.NewFromInt(110),
				OpenTime:     now.Add(-time.Hour),
				CloseTime:    now,
				Outcome:      model.OutcomeWin,
			}},
		},
	}
	if err := ms.SaveLedger(context.Background(), "alice", l); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return ms
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	if err := printSummary(context.Background(), &buf, seeded(t)); err != nil {
		t.Fatalf("printSummary: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"alice", "$1100.00", "$100.00", "inf"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
}

func TestPrintSummary_Empty(t *testing.T) {
	var buf bytes.Buffer
	if err := printSummary(context.Background(), &buf, store.NewMemoryStore()); err != nil {
		t.Fatalf("printSummary: %v", err)
	}
	if !strings.Contains(buf.String(), "no saved ledgers") {
		t.Errorf("unexpected output: %s", buf.String())
	}
}

func TestPrintTrades(t *testing.T) {
	ms := seeded(t)

	var buf bytes.Buffer
	if err := printTrades(context.Background(), &buf, ms, "alice"); err != nil {
		t.Fatalf("printTrades: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"2025-03-01", "10x", "win", "Lisbon"} {
		if !strings.Contains(out, want) {
			t.Errorf("trades missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	if err := printTrades(context.Background(), &buf, ms, "bob"); err != nil {
		t.Fatalf("printTrades: %v", err)
	}
	if !strings.Contains(buf.String(), "no saved ledger for bob") {
		t.Errorf("unexpected output: %s", buf.String())
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("abcdefghij", 5); got != "abcd…" {
		t.Errorf("truncate = %q", got)
	}
}

func TestPrintSummary_RowPerScope(t *testing.T) {
	ms := seeded(t)
	fresh := &model.Ledger{Wallet: model.Wallet{
		Balance:         decimal.NewFromInt(500),
		StartingBalance: decimal.NewFromInt(500),
		Trades:          []model.Trade{},
	}}
	if err := ms.SaveLedger(context.Background(), "bob", fresh); err != nil {
		t.Fatalf("seed: %v", err)
	}

	var buf bytes.Buffer
	if err := printSummary(context.Background(), &buf, ms); err != nil {
		t.Fatalf("printSummary: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"alice", "bob", "$500.00"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
}
