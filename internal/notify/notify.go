// Package notify delivers immediate user-facing events: liquidations,
// failed actions, and feed connectivity changes.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/atmx/paper-engine/internal/model"
)

// EventType names a notification.
type EventType string

const (
	EventPositionOpened EventType = "position_opened"
	EventPositionClosed EventType = "position_closed"
	EventLiquidated     EventType = "liquidated"
	EventWalletReset    EventType = "wallet_reset"
	EventActionFailed   EventType = "action_failed"
	EventConnectivity   EventType = "connectivity"
)

// BroadcastScope addresses every connected user.
const BroadcastScope = "*"

// Event is one notification. Scope is the user scope it belongs to, or
// BroadcastScope for process-wide events such as connectivity.
type Event struct {
	Type     EventType       `json:"type"`
	Scope    string          `json:"scope"`
	Message  string          `json:"message,omitempty"`
	Position *model.Position `json:"position,omitempty"`
	Trade    *model.Trade    `json:"trade,omitempty"`
	Status   string          `json:"status,omitempty"`
	Time     time.Time       `json:"time"`
}

// Notifier delivers events.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// LogNotifier writes events to a structured logger.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a log notifier. A nil logger uses slog.Default().
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, e Event) error {
	level := slog.LevelInfo
	switch e.Type {
	case EventLiquidated, EventActionFailed:
		level = slog.LevelWarn
	}
	attrs := []any{"type", e.Type, "scope", e.Scope}
	if e.Message != "" {
		attrs = append(attrs, "message", e.Message)
	}
	if e.Position != nil {
		attrs = append(attrs, "position_id", e.Position.ID, "market_id", e.Position.MarketID)
	}
	if e.Trade != nil {
		attrs = append(attrs, "pnl", e.Trade.PnL.StringFixed(2), "outcome", e.Trade.Outcome)
	}
	if e.Status != "" {
		attrs = append(attrs, "status", e.Status)
	}
	n.logger.Log(ctx, level, "notification", attrs...)
	return nil
}

// Multi fans an event out to several notifiers. Every notifier is called;
// errors are joined.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, e Event) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
