// Package trade provides the HTTP API for opening and closing simulated
// positions, reading wallets and portfolios, and streaming notifications.
package trade

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/engine"
	"github.com/atmx/paper-engine/internal/feed"
	"github.com/atmx/paper-engine/internal/ledger"
	"github.com/atmx/paper-engine/internal/model"
	"github.com/atmx/paper-engine/internal/store"
)

// ScopeHeader carries the signed-in user id. Requests without it act on
// the guest scope.
const ScopeHeader = "X-User-ID"

// Sessions resolves the session of a scope. *engine.Manager implements it.
type Sessions interface {
	Session(ctx context.Context, scope store.Scope) (*engine.Session, error)
}

// Quotes serves last known prices. *feed.Normalizer implements it.
type Quotes interface {
	LastPrice(assetID string) (model.PriceTick, bool)
}

// Charts serves rolling price history. *feed.History implements it.
type Charts interface {
	Chart(assetID string, limit int) []model.ChartPoint
}

// StatusSource reports upstream feed connectivity.
type StatusSource interface {
	Status() feed.Status
}

// Service handles the paper-trading endpoints.
type Service struct {
	sessions Sessions
	quotes   Quotes
	charts   Charts
	status   StatusSource
	hub      *WSHub
	logger   *slog.Logger
}

// NewService creates a new trade service. Every dependency but sessions
// may be nil.
func NewService(sessions Sessions, quotes Quotes, charts Charts, status StatusSource, hub *WSHub, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		sessions: sessions,
		quotes:   quotes,
		charts:   charts,
		status:   status,
		hub:      hub,
		logger:   logger,
	}
}

// Routes mounts the API under /api/v1.
func (s *Service) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/positions", s.OpenPosition)
		r.Get("/positions", s.ListPositions)
		r.Post("/positions/{positionID}/close", s.ClosePosition)
		r.Get("/portfolio", s.GetPortfolio)
		r.Get("/wallet", s.GetWallet)
		r.Get("/wallet/stats", s.GetWalletStats)
		r.Post("/wallet/reset", s.ResetWallet)
		r.Post("/watch", s.Watch)
		r.Get("/prices/{assetID}", s.GetPrice)
		r.Get("/status", s.GetStatus)
		if s.hub != nil {
			r.Get("/ws", s.hub.HandleWS)
		}
	})
}

// --- Request/Response types ---

// OpenPositionRequest is the JSON body for POST /positions. EntryOdds may
// be omitted when the side's token has a known price.
type OpenPositionRequest struct {
	Market    model.MarketRef `json:"market"`
	Side      model.Side      `json:"side"`
	Size      decimal.Decimal `json:"size"`
	Leverage  int             `json:"leverage"`
	EntryOdds decimal.Decimal `json:"entry_odds"`
}

// WatchRequest is the JSON body for POST /watch.
type WatchRequest struct {
	AssetIDs []string `json:"asset_ids"`
}

// PriceResponse is returned from GET /prices/{assetID}.
type PriceResponse struct {
	AssetID string             `json:"asset_id"`
	Price   *model.PriceTick   `json:"price"`
	Chart   []model.ChartPoint `json:"chart"`
}

// PortfolioResponse is returned from GET /portfolio.
type PortfolioResponse struct {
	Scope     store.Scope          `json:"scope"`
	Positions []model.Position     `json:"positions"`
	Stats     model.PortfolioStats `json:"stats"`
	Balance   decimal.Decimal      `json:"balance"`
}

// --- HTTP Handlers ---

// OpenPosition handles POST /api/v1/positions
func (s *Service) OpenPosition(w http.ResponseWriter, r *http.Request) {
	var req OpenPositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if req.Market.ID == "" {
		writeError(w, "market.id is required", http.StatusBadRequest)
		return
	}
	if !req.Side.Valid() {
		writeError(w, ledger.ErrInvalidSide.Error(), http.StatusBadRequest)
		return
	}
	if req.EntryOdds.IsZero() {
		odds, ok := s.currentOdds(req.Market, req.Side)
		if !ok {
			writeError(w, "entry_odds is required: no price known for market", http.StatusBadRequest)
			return
		}
		req.EntryOdds = odds
	}

	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	pos, err := sess.Open(r.Context(), ledger.OpenRequest{
		Market:    req.Market,
		Side:      req.Side,
		Size:      req.Size,
		Leverage:  req.Leverage,
		EntryOdds: req.EntryOdds,
	})
	if err != nil {
		writeActionError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(pos)
}

// ClosePosition handles POST /api/v1/positions/{positionID}/close
// Settles the position at its current odds and returns the trade.
func (s *Service) ClosePosition(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	t, err := sess.Close(r.Context(), chi.URLParam(r, "positionID"))
	if err != nil {
		writeActionError(w, err)
		return
	}
	writeJSON(w, t)
}

// ListPositions handles GET /api/v1/positions
// ?status=open|closed|liquidated filters the result.
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.snapshot(w, r)
	if !ok {
		return
	}
	positions := snap.Positions
	if st := r.URL.Query().Get("status"); st != "" {
		filtered := []model.Position{}
		for _, p := range positions {
			if string(p.Status) == st {
				filtered = append(filtered, p)
			}
		}
		positions = filtered
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, positions)
}

// GetPortfolio handles GET /api/v1/portfolio
// Returns open positions with their aggregate exposure and P&L.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.snapshot(w, r)
	if !ok {
		return
	}
	active := []model.Position{}
	for _, p := range snap.Positions {
		if p.Status == model.StatusOpen {
			active = append(active, p)
		}
	}
	writeJSON(w, PortfolioResponse{
		Scope:     snap.Scope,
		Positions: active,
		Stats:     snap.Portfolio,
		Balance:   snap.Wallet.Balance,
	})
}

// GetWallet handles GET /api/v1/wallet
func (s *Service) GetWallet(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.snapshot(w, r)
	if !ok {
		return
	}
	wallet := snap.Wallet
	if wallet.Trades == nil {
		wallet.Trades = []model.Trade{}
	}
	writeJSON(w, wallet)
}

// GetWalletStats handles GET /api/v1/wallet/stats
func (s *Service) GetWalletStats(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.snapshot(w, r)
	if !ok {
		return
	}
	writeJSON(w, snap.Stats)
}

// ResetWallet handles POST /api/v1/wallet/reset
func (s *Service) ResetWallet(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	wallet, err := sess.Reset(r.Context())
	if err != nil {
		writeActionError(w, err)
		return
	}
	if wallet.Trades == nil {
		wallet.Trades = []model.Trade{}
	}
	writeJSON(w, wallet)
}

// Watch handles POST /api/v1/watch
// Streams prices of the given assets before any position is opened.
func (s *Service) Watch(w http.ResponseWriter, r *http.Request) {
	var req WatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.AssetIDs) == 0 {
		writeError(w, "asset_ids is required", http.StatusBadRequest)
		return
	}
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if err := sess.Watch(r.Context(), req.AssetIDs...); err != nil {
		writeActionError(w, err)
		return
	}
	writeJSON(w, map[string][]string{"watching": sess.Interest()})
}

// GetPrice handles GET /api/v1/prices/{assetID}
// ?points=N limits the chart length.
func (s *Service) GetPrice(w http.ResponseWriter, r *http.Request) {
	assetID := chi.URLParam(r, "assetID")
	limit := feed.DefaultChartPoints
	if v := r.URL.Query().Get("points"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, "points must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	resp := PriceResponse{AssetID: assetID, Chart: []model.ChartPoint{}}
	if s.quotes != nil {
		if t, ok := s.quotes.LastPrice(assetID); ok {
			resp.Price = &t
		}
	}
	if s.charts != nil {
		if chart := s.charts.Chart(assetID, limit); chart != nil {
			resp.Chart = chart
		}
	}
	if resp.Price == nil && len(resp.Chart) == 0 {
		writeError(w, "no price known for asset", http.StatusNotFound)
		return
	}
	writeJSON(w, resp)
}

// GetStatus handles GET /api/v1/status
func (s *Service) GetStatus(w http.ResponseWriter, r *http.Request) {
	st := feed.StatusDisconnected
	if s.status != nil {
		st = s.status.Status()
	}
	writeJSON(w, map[string]string{"feed": string(st)})
}

func (s *Service) currentOdds(m model.MarketRef, side model.Side) (decimal.Decimal, bool) {
	if s.quotes == nil {
		return decimal.Zero, false
	}
	idx := 0
	if side == model.SideNo {
		idx = 1
	}
	if idx >= len(m.TokenIDs) {
		return decimal.Zero, false
	}
	t, ok := s.quotes.LastPrice(m.TokenIDs[idx])
	return t.Price, ok
}

func (s *Service) session(w http.ResponseWriter, r *http.Request) (*engine.Session, bool) {
	scope := store.ScopeFor(r.Header.Get(ScopeHeader))
	sess, err := s.sessions.Session(r.Context(), scope)
	if err != nil {
		s.logger.Error("session unavailable", "scope", scope, "err", err)
		writeError(w, "session unavailable", http.StatusServiceUnavailable)
		return nil, false
	}
	return sess, true
}

func (s *Service) snapshot(w http.ResponseWriter, r *http.Request) (engine.Snapshot, bool) {
	sess, ok := s.session(w, r)
	if !ok {
		return engine.Snapshot{}, false
	}
	snap, err := sess.Snapshot(r.Context())
	if err != nil {
		writeActionError(w, err)
		return engine.Snapshot{}, false
	}
	return snap, true
}

// writeActionError maps session and ledger errors to HTTP statuses.
func writeActionError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ledger.ErrInsufficientCollateral):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ledger.ErrAlreadyClosed):
		status = http.StatusConflict
	case errors.Is(err, ledger.ErrInvalidSide),
		errors.Is(err, ledger.ErrInvalidSize),
		errors.Is(err, ledger.ErrInvalidLeverage),
		errors.Is(err, ledger.ErrInvalidOdds):
		status = http.StatusBadRequest
	case errors.Is(err, engine.ErrSessionClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusRequestTimeout
	}
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
