package feed

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/paper-engine/internal/metrics"
	"github.com/atmx/paper-engine/internal/model"
)

// Defaults for the upstream market channel.
const (
	DefaultURL              = "wss://ws-subscriptions-clob.polymarket.com/ws/market"
	DefaultPingInterval     = 10 * time.Second
	DefaultReconnectDelay   = 3 * time.Second
	DefaultWriteTimeout     = 5 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultBufferSize       = 1024
)

// Status is the upstream connectivity state.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// ClientConfig configures the upstream client. Zero fields take defaults.
type ClientConfig struct {
	URL              string
	PingInterval     time.Duration
	ReconnectDelay   time.Duration
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	BufferSize       int
}

func (c *ClientConfig) applyDefaults() {
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
}

// Client maintains the upstream market connection. It reconnects after a
// fixed delay for as long as its context lives, replays the desired
// subscriptions on every connect, and emits normalized ticks in the order
// they were received.
type Client struct {
	cfg        ClientConfig
	normalizer *Normalizer
	subs       *Subscriptions
	logger     *slog.Logger

	ticks    chan model.PriceTick
	statuses chan Status

	mu     sync.RWMutex
	status Status
}

// NewClient creates a client. A nil logger uses slog.Default().
func NewClient(cfg ClientConfig, normalizer *Normalizer, subs *Subscriptions, logger *slog.Logger) *Client {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:        cfg,
		normalizer: normalizer,
		subs:       subs,
		logger:     logger,
		ticks:      make(chan model.PriceTick, cfg.BufferSize),
		statuses:   make(chan Status, 16),
		status:     StatusDisconnected,
	}
}

// Ticks returns the normalized tick stream. It is closed when Run returns.
func (c *Client) Ticks() <-chan model.PriceTick {
	return c.ticks
}

// StatusChanges returns connectivity transitions. Slow readers miss
// intermediate states; Status always has the current one.
func (c *Client) StatusChanges() <-chan Status {
	return c.statuses
}

// Status returns the current connectivity state.
func (c *Client) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Run connects and serves until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.ticks)
	defer c.setStatus(StatusDisconnected)

	for {
		c.setStatus(StatusConnecting)
		err := c.serve(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.setStatus(StatusDisconnected)
		c.logger.Warn("market feed disconnected", "err", err, "retry_in", c.cfg.ReconnectDelay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.ReconnectDelay):
			metrics.FeedReconnects.Inc()
		}
	}
}

// serve runs one connection to completion.
func (c *Client) serve(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	header := http.Header{}
	header.Set("Accept", "application/json")

	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return err
	}
	defer conn.Close()

	sender := &connSender{conn: conn, timeout: c.cfg.WriteTimeout}
	c.setStatus(StatusConnected)
	c.logger.Info("market feed connected", "url", c.cfg.URL)

	if err := c.subs.Attach(sender); err != nil {
		c.subs.Detach()
		return err
	}
	defer c.subs.Detach()

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		case <-done:
		}
	}()
	go func() {
		defer wg.Done()
		c.heartbeatLoop(sender, done)
	}()
	defer wg.Wait()
	defer close(done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		for _, t := range c.normalizer.Normalize(data) {
			select {
			case c.ticks <- t:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// heartbeatLoop sends the text PING the market channel expects.
func (c *Client) heartbeatLoop(sender *connSender, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := sender.SendText([]byte("PING")); err != nil {
				c.logger.Debug("failed to send ping", "err", err)
				sender.conn.Close()
				return
			}
		}
	}
}

func (c *Client) setStatus(s Status) {
	c.mu.Lock()
	changed := c.status != s
	c.status = s
	c.mu.Unlock()
	if !changed {
		return
	}
	if s == StatusConnected {
		metrics.FeedConnected.Set(1)
	} else {
		metrics.FeedConnected.Set(0)
	}
	select {
	case c.statuses <- s:
	default:
	}
}

// connSender serializes writes to one connection.
type connSender struct {
	conn    *websocket.Conn
	timeout time.Duration

	mu     sync.Mutex
	closed bool
}

func (s *connSender) SendText(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrNotConnected
	}
	s.conn.SetWriteDeadline(time.Now().Add(s.timeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) {
			s.closed = true
		}
		return err
	}
	return nil
}
