package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/model"
)

type fakePublisher struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return nil
}

type countingNotifier struct {
	calls int
	err   error
}

func (c *countingNotifier) Notify(context.Context, Event) error {
	c.calls++
	return c.err
}

func TestNATSNotifier_Subject(t *testing.T) {
	n := NewNATSNotifier(&fakePublisher{}, "")
	tests := []struct {
		scope string
		typ   EventType
		want  string
	}{
		{"user-1", EventLiquidated, "paper.user-1.liquidated"},
		{"guest", EventActionFailed, "paper.guest.action_failed"},
		{BroadcastScope, EventConnectivity, "paper.all.connectivity"},
		{"a.b>*", EventPositionOpened, "paper.a_b__.position_opened"},
	}
	for _, tt := range tests {
		if got := n.Subject(Event{Scope: tt.scope, Type: tt.typ}); got != tt.want {
			t.Errorf("Subject(%q, %s) = %q, want %q", tt.scope, tt.typ, got, tt.want)
		}
	}
}

func TestNATSNotifier_PublishesJSON(t *testing.T) {
	pub := &fakePublisher{}
	n := NewNATSNotifier(pub, "sim")

	trade := model.Trade{ID: "t1", PnL: decimal.NewFromInt(-150), Outcome: model.OutcomeLiquidated}
	if err := n.Notify(context.Background(), Event{Type: EventLiquidated, Scope: "u1", Trade: &trade}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if len(pub.subjects) != 1 || pub.subjects[0] != "sim.u1.liquidated" {
		t.Fatalf("subjects = %v", pub.subjects)
	}

	var got Event
	if err := json.Unmarshal(pub.payloads[0], &got); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if got.Trade == nil || got.Trade.ID != "t1" || !got.Trade.PnL.Equal(decimal.NewFromInt(-150)) {
		t.Errorf("decoded trade = %+v", got.Trade)
	}
}

func TestNATSNotifier_PublishError(t *testing.T) {
	n := NewNATSNotifier(&fakePublisher{err: errors.New("nats: connection closed")}, "")
	if err := n.Notify(context.Background(), Event{Type: EventConnectivity}); err == nil {
		t.Error("expected publish error")
	}
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	n := NewLogNotifier(slog.New(slog.NewJSONHandler(&buf, nil)))
	p := model.Position{ID: "p1", MarketID: "m1"}
	n.Notify(context.Background(), Event{Type: EventLiquidated, Scope: "u1", Position: &p})

	out := buf.String()
	for _, want := range []string{`"level":"WARN"`, `"type":"liquidated"`, `"position_id":"p1"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output %s missing %s", out, want)
		}
	}
}

func TestMulti_CallsEveryNotifier(t *testing.T) {
	a := &countingNotifier{err: errors.New("boom")}
	b := &countingNotifier{}
	err := Multi{a, nil, b}.Notify(context.Background(), Event{Type: EventWalletReset})
	if err == nil {
		t.Error("expected joined error")
	}
	if a.calls != 1 || b.calls != 1 {
		t.Errorf("calls = %d, %d; want 1, 1", a.calls, b.calls)
	}
}
