// Package relay bridges a browser WebSocket to its own upstream market
// channel connection. Frames pass through unchanged; the relay adds
// connectivity frames, keeps the upstream alive and replays the browser's
// subscriptions when it has to reconnect.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/paper-engine/internal/feed"
	"github.com/atmx/paper-engine/internal/metrics"
)

// Frame types sent to the browser in addition to upstream traffic.
const (
	FrameConnected    = "connected"
	FrameDisconnected = "disconnected"
	FrameError        = "error"
)

// StatusFrame is a relay-generated frame.
type StatusFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Config configures the relay. Zero fields take the feed defaults.
type Config struct {
	UpstreamURL      string
	PingInterval     time.Duration
	ReconnectDelay   time.Duration
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.UpstreamURL == "" {
		c.UpstreamURL = feed.DefaultURL
	}
	if c.PingInterval <= 0 {
		c.PingInterval = feed.DefaultPingInterval
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = feed.DefaultReconnectDelay
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = feed.DefaultWriteTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = feed.DefaultHandshakeTimeout
	}
}

// Relay is an http.Handler serving the browser side of the bridge.
type Relay struct {
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// New creates a relay. A nil logger uses slog.Default().
func New(cfg Config, logger *slog.Logger) *Relay {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  feed.DefaultBufferSize,
			WriteBufferSize: feed.DefaultBufferSize,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (rl *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := rl.upgrader.Upgrade(w, r, nil)
	if err != nil {
		rl.logger.Error("relay upgrade failed", "err", err)
		return
	}
	defer conn.Close()
	// Browsers may stay silent for long periods; drop the server read timeout.
	conn.SetReadDeadline(time.Time{})

	gauge := metrics.WebSocketClients.WithLabelValues("relay")
	gauge.Inc()
	defer gauge.Dec()
	rl.logger.Info("relay client connected", "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	s := &session{cfg: rl.cfg, logger: rl.logger, client: conn}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.upstreamLoop(ctx)
	}()

	s.clientLoop()

	cancel()
	s.closeUpstream()
	wg.Wait()
	rl.logger.Info("relay client disconnected", "remote", r.RemoteAddr, "assets", len(s.trackedAssets()))
}

// session is one browser connection and its upstream.
type session struct {
	cfg    Config
	logger *slog.Logger
	client *websocket.Conn

	clientMu sync.Mutex

	mu       sync.Mutex
	upstream *websocket.Conn
	assets   []string
}

// clientLoop forwards browser frames upstream until the browser goes away.
func (s *session) clientLoop() {
	for {
		mt, data, err := s.client.ReadMessage()
		if err != nil {
			return
		}
		s.track(data)
		if err := s.writeUpstream(mt, data); err != nil && !errors.Is(err, feed.ErrNotConnected) {
			s.logger.Debug("relay upstream write failed", "err", err)
		}
	}
}

func (s *session) upstreamLoop(ctx context.Context) {
	for {
		err := s.serveUpstream(ctx)
		if ctx.Err() != nil {
			return
		}

		var closeErr *websocket.CloseError
		if !errors.As(err, &closeErr) {
			s.sendStatus(FrameError, err.Error())
		}
		s.sendStatus(FrameDisconnected, "Polymarket connection closed")
		s.logger.Warn("relay upstream closed", "err", err, "retry_in", s.cfg.ReconnectDelay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.ReconnectDelay):
		}
	}
}

// serveUpstream runs one upstream connection to completion.
func (s *session) serveUpstream(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, s.cfg.UpstreamURL, nil)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if ctx.Err() != nil {
		s.mu.Unlock()
		conn.Close()
		return ctx.Err()
	}
	s.upstream = conn
	assets := slices.Clone(s.assets)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.upstream == conn {
			s.upstream = nil
		}
		s.mu.Unlock()
		conn.Close()
	}()

	s.sendStatus(FrameConnected, "Connected to Polymarket")

	if len(assets) > 0 {
		data, err := json.Marshal(feed.SubscribeRequest{
			Type:                 "market",
			AssetsIDs:            assets,
			CustomFeatureEnabled: true,
		})
		if err != nil {
			return err
		}
		s.logger.Info("relay resubscribing", "assets", len(assets))
		if err := s.writeUpstream(websocket.TextMessage, data); err != nil {
			return err
		}
	}

	done := make(chan struct{})
	defer close(done)
	go s.heartbeat(done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if string(data) == "PONG" {
			continue
		}
		if err := s.writeClient(data); err != nil {
			return err
		}
	}
}

func (s *session) heartbeat(done <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := s.writeUpstream(websocket.TextMessage, []byte("PING")); err != nil {
				return
			}
		}
	}
}

// track adds the assets_ids of a browser frame to the replay set.
// Frames that are not JSON objects are ignored.
func (s *session) track(data []byte) {
	var msg struct {
		AssetsIDs []string `json:"assets_ids"`
	}
	if err := json.Unmarshal(data, &msg); err != nil || len(msg.AssetsIDs) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range msg.AssetsIDs {
		if id != "" && !slices.Contains(s.assets, id) {
			s.assets = append(s.assets, id)
		}
	}
}

func (s *session) trackedAssets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.assets)
}

func (s *session) writeUpstream(mt int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upstream == nil {
		return feed.ErrNotConnected
	}
	s.upstream.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return s.upstream.WriteMessage(mt, data)
}

func (s *session) closeUpstream() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upstream != nil {
		s.upstream.Close()
		s.upstream = nil
	}
}

func (s *session) writeClient(data []byte) error {
	s.clientMu.Lock()
	defer s.clientMu.Unlock()
	s.client.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return s.client.WriteMessage(websocket.TextMessage, data)
}

func (s *session) sendStatus(typ, message string) {
	data, err := json.Marshal(StatusFrame{Type: typ, Message: message})
	if err != nil {
		return
	}
	if err := s.writeClient(data); err != nil {
		s.logger.Debug("relay status frame dropped", "type", typ, "err", err)
	}
}
