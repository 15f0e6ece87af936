// Package feed adapts the upstream market WebSocket feed: it normalizes the
// several payload shapes the feed emits into price ticks, tracks which asset
// ids the process wants prices for, and keeps the upstream connection alive.
package feed

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/metrics"
	"github.com/atmx/paper-engine/internal/model"
)

var (
	one     = decimal.NewFromInt(1)
	two     = decimal.NewFromInt(2)
	hundred = decimal.NewFromInt(100)
)

// level is one entry of an order book side. Only the price matters here.
type level struct {
	Price decimal.Decimal `json:"price"`
}

type priceChange struct {
	AssetID string           `json:"asset_id"`
	Price   *decimal.Decimal `json:"price"`
	BestBid *decimal.Decimal `json:"best_bid"`
	BestAsk *decimal.Decimal `json:"best_ask"`
}

// frame is the union of every object shape the market channel sends.
type frame struct {
	EventType    string           `json:"event_type"`
	AssetID      string           `json:"asset_id"`
	TokenID      string           `json:"token_id"`
	Price        *decimal.Decimal `json:"price"`
	BestBid      *decimal.Decimal `json:"best_bid"`
	BestAsk      *decimal.Decimal `json:"best_ask"`
	Bids         []level          `json:"bids"`
	Asks         []level          `json:"asks"`
	PriceChanges []priceChange    `json:"price_changes"`
}

// Normalizer turns raw feed frames into price ticks on the 0–100 scale and
// remembers the last price seen per asset. It is safe for concurrent use.
type Normalizer struct {
	logger *slog.Logger
	now    func() time.Time

	mu   sync.RWMutex
	last map[string]model.PriceTick
}

// NewNormalizer creates a normalizer. A nil logger uses slog.Default().
func NewNormalizer(logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{
		logger: logger,
		now:    model.Now,
		last:   make(map[string]model.PriceTick),
	}
}

// SetClock overrides the time source. Used by tests.
func (n *Normalizer) SetClock(now func() time.Time) {
	n.now = now
}

// Normalize parses one raw frame. Unrecognized, malformed and out-of-range
// payloads yield no ticks; they are never reported as errors.
func (n *Normalizer) Normalize(raw []byte) []model.PriceTick {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "PONG" || string(raw) == "PING" {
		return nil
	}

	var frames []frame
	if raw[0] == '[' {
		var elems []json.RawMessage
		if err := json.Unmarshal(raw, &elems); err != nil {
			n.drop("malformed array", err)
			return nil
		}
		for _, e := range elems {
			var f frame
			if err := json.Unmarshal(e, &f); err != nil {
				n.drop("malformed element", err)
				continue
			}
			frames = append(frames, f)
		}
	} else {
		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			n.drop("malformed frame", err)
			return nil
		}
		frames = append(frames, f)
	}

	at := n.now()
	var ticks []model.PriceTick
	for _, f := range frames {
		for _, t := range extract(f) {
			if t.AssetID == "" || t.Price.IsNegative() || t.Price.GreaterThan(hundred) {
				continue
			}
			t.Timestamp = at
			ticks = append(ticks, t)
		}
	}
	if len(ticks) == 0 {
		metrics.FeedDroppedFrames.Inc()
		n.logger.Debug("feed frame produced no ticks", "bytes", len(raw))
		return nil
	}

	n.mu.Lock()
	for _, t := range ticks {
		n.last[t.AssetID] = t
	}
	n.mu.Unlock()
	metrics.FeedTicks.Add(float64(len(ticks)))
	return ticks
}

// LastPrice returns the most recent tick normalized for assetID.
func (n *Normalizer) LastPrice(assetID string) (model.PriceTick, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	t, ok := n.last[assetID]
	return t, ok
}

// LastPrices returns the latest tick of each requested asset that has one.
func (n *Normalizer) LastPrices(assetIDs []string) []model.PriceTick {
	n.mu.RLock()
	defer n.mu.RUnlock()
	var out []model.PriceTick
	for _, id := range assetIDs {
		if t, ok := n.last[id]; ok {
			out = append(out, t)
		}
	}
	return out
}

func (n *Normalizer) drop(reason string, err error) {
	metrics.FeedDroppedFrames.Inc()
	n.logger.Debug("dropping feed frame", "reason", reason, "err", err)
}

// extract applies the price priority rules to one frame: batched changes,
// then an explicit price, then best bid/ask, then a book snapshot.
func extract(f frame) []model.PriceTick {
	if len(f.PriceChanges) > 0 {
		ticks := make([]model.PriceTick, 0, len(f.PriceChanges))
		for _, c := range f.PriceChanges {
			asset := c.AssetID
			if asset == "" {
				asset = f.AssetID
			}
			if p, ok := quote(c.Price, c.BestBid, c.BestAsk); ok {
				ticks = append(ticks, model.PriceTick{AssetID: asset, Price: p})
			}
		}
		return ticks
	}

	asset := f.AssetID
	if asset == "" {
		asset = f.TokenID
	}
	if asset == "" {
		return nil
	}
	if p, ok := quote(f.Price, f.BestBid, f.BestAsk); ok {
		return []model.PriceTick{{AssetID: asset, Price: p}}
	}
	if p, ok := bookMid(f.Bids, f.Asks); ok {
		return []model.PriceTick{{AssetID: asset, Price: p}}
	}
	return nil
}

func quote(price, bid, ask *decimal.Decimal) (decimal.Decimal, bool) {
	if price != nil {
		return toPercent(*price), true
	}
	if bid == nil && ask == nil {
		return decimal.Zero, false
	}
	b, a := decimal.Zero, one
	if bid != nil {
		b = *bid
	}
	if ask != nil {
		a = *ask
	}
	return toPercent(b).Add(toPercent(a)).Div(two), true
}

// bookMid is the midpoint of the highest bid and the lowest ask.
func bookMid(bids, asks []level) (decimal.Decimal, bool) {
	if len(bids) == 0 && len(asks) == 0 {
		return decimal.Zero, false
	}
	bestBid := decimal.Zero
	for i, l := range bids {
		if i == 0 || l.Price.GreaterThan(bestBid) {
			bestBid = l.Price
		}
	}
	bestAsk := one
	for i, l := range asks {
		if i == 0 || l.Price.LessThan(bestAsk) {
			bestAsk = l.Price
		}
	}
	return toPercent(bestBid).Add(toPercent(bestAsk)).Div(two), true
}

// toPercent scales a probability in [0,1] to percent. Larger values are
// taken as already being percents.
func toPercent(v decimal.Decimal) decimal.Decimal {
	if v.LessThanOrEqual(one) {
		return v.Mul(hundred)
	}
	return v
}
