package trade

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/paper-engine/internal/metrics"
	"github.com/atmx/paper-engine/internal/notify"
	"github.com/atmx/paper-engine/internal/store"
)

const (
	hubWriteTimeout = 5 * time.Second
	hubPongWait     = 60 * time.Second
	hubPingInterval = 30 * time.Second
)

type hubClient struct {
	conn  *websocket.Conn
	scope store.Scope
}

type hubMessage struct {
	scope string
	data  []byte
}

// WSHub pushes notifications to connected browsers. Each connection is
// bound to one scope and receives that scope's events plus broadcasts.
type WSHub struct {
	clients    map[*hubClient]bool
	broadcast  chan hubMessage
	register   chan *hubClient
	unregister chan *hubClient
	done       chan struct{}
	mu         sync.RWMutex
	logger     *slog.Logger
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(logger *slog.Logger) *WSHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHub{
		clients:    make(map[*hubClient]bool),
		broadcast:  make(chan hubMessage, 256),
		register:   make(chan *hubClient),
		unregister: make(chan *hubClient),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run starts the hub's main event loop. Must be called in a goroutine.
// Connections arriving after it returns are closed immediately.
func (h *WSHub) Run(ctx context.Context) {
	defer close(h.done)
	gauge := metrics.WebSocketClients.WithLabelValues("events")
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				c.conn.Close()
				delete(h.clients, c)
				gauge.Dec()
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			total := len(h.clients)
			h.mu.Unlock()
			gauge.Inc()
			h.logger.Info("ws client connected", "scope", c.scope, "total", total)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.conn.Close()
				gauge.Dec()
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				if msg.scope != notify.BroadcastScope && msg.scope != string(c.scope) {
					continue
				}
				c.conn.SetWriteDeadline(time.Now().Add(hubWriteTimeout))
				if err := c.conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
					c.conn.Close()
					delete(h.clients, c)
					gauge.Dec()
				}
			}
			h.mu.Unlock()
		}
	}
}

// Notify queues e for the clients of its scope.
func (h *WSHub) Notify(_ context.Context, e notify.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- hubMessage{scope: e.Scope, data: data}:
	default:
		// Drop if buffer full to avoid blocking session goroutines.
		h.logger.Warn("ws hub buffer full, event dropped", "type", e.Type, "scope", e.Scope)
	}
	return nil
}

// Clients returns the number of connected clients.
func (h *WSHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws. Browsers
// cannot set headers on WebSocket requests, so the scope may also come
// from the user_id query parameter.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(ScopeHeader)
	if userID == "" {
		userID = r.URL.Query().Get("user_id")
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", "err", err)
		return
	}
	c := &hubClient{conn: conn, scope: store.ScopeFor(userID)}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: keep connection alive and detect disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			select {
			case h.unregister <- c:
			case <-h.done:
				conn.Close()
			}
		}()
		conn.SetReadDeadline(time.Now().Add(hubPongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(hubPongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(hubPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(hubWriteTimeout)); err != nil {
					return
				}
			}
		}
	}()
}
