package feed

import (
	"sort"
	"sync"
	"time"

	"github.com/atmx/paper-engine/internal/model"
)

const (
	// DefaultHistorySize bounds the points retained per asset.
	DefaultHistorySize = 1200
	// DefaultChartPoints is the number of per-second points a chart returns.
	DefaultChartPoints = 120
)

// History keeps a bounded rolling price history per asset.
type History struct {
	max int

	mu     sync.RWMutex
	points map[string][]model.ChartPoint
}

// NewHistory creates a history retaining at most max points per asset.
func NewHistory(max int) *History {
	if max <= 0 {
		max = DefaultHistorySize
	}
	return &History{max: max, points: make(map[string][]model.ChartPoint)}
}

// Record appends a tick, evicting the oldest point once the bound is hit.
func (h *History) Record(t model.PriceTick) {
	h.mu.Lock()
	defer h.mu.Unlock()
	pts := append(h.points[t.AssetID], model.ChartPoint{Time: t.Timestamp, Value: t.Price})
	if len(pts) > h.max {
		pts = append(pts[:0:0], pts[len(pts)-h.max:]...)
	}
	h.points[t.AssetID] = pts
}

// Chart returns at most limit points for assetID, one per second (the last
// value seen in that second), in ascending time order.
func (h *History) Chart(assetID string, limit int) []model.ChartPoint {
	if limit <= 0 {
		limit = DefaultChartPoints
	}

	h.mu.RLock()
	src := h.points[assetID]
	bySecond := make(map[int64]model.ChartPoint, len(src))
	for _, p := range src {
		sec := p.Time.Unix()
		bySecond[sec] = model.ChartPoint{Time: p.Time.Truncate(time.Second), Value: p.Value}
	}
	h.mu.RUnlock()

	out := make([]model.ChartPoint, 0, len(bySecond))
	for _, p := range bySecond {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
