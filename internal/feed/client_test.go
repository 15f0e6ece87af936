package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// mockWSServer creates a test WebSocket server.
func mockWSServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestClient_SubscribesAndEmitsTicks(t *testing.T) {
	subscribed := make(chan SubscribeRequest, 1)
	server := mockWSServer(t, func(conn *websocket.Conn) {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req SubscribeRequest
		json.Unmarshal(msg, &req)
		subscribed <- req

		conn.WriteMessage(websocket.TextMessage, []byte(`PONG`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"asset_id":"A","price":"0.41"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"asset_id":"A","price":"0.42"}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	subs := NewSubscriptions(false, nil)
	subs.Add("A")
	client := NewClient(ClientConfig{URL: wsURL(server)}, NewNormalizer(nil), subs, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	select {
	case req := <-subscribed:
		if !equalIDs(req.AssetsIDs, []string{"A"}) {
			t.Errorf("subscribe request = %+v", req)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no subscription received")
	}

	for _, want := range []float64{41, 42} {
		select {
		case tick := <-client.Ticks():
			if !tick.Price.Equal(d(want)) {
				t.Errorf("tick price = %s, want %v", tick.Price, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for tick")
		}
	}
	if client.Status() != StatusConnected {
		t.Errorf("status = %s, want connected", client.Status())
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if _, ok := <-client.Ticks(); ok {
		t.Error("tick channel should be closed after Run returns")
	}
	if client.Status() != StatusDisconnected {
		t.Errorf("status = %s, want disconnected", client.Status())
	}
}

func TestClient_SendsPing(t *testing.T) {
	pinged := make(chan struct{}, 1)
	server := mockWSServer(t, func(conn *websocket.Conn) {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if string(msg) == "PING" {
				select {
				case pinged <- struct{}{}:
				default:
				}
			}
		}
	})
	defer server.Close()

	client := NewClient(ClientConfig{URL: wsURL(server), PingInterval: 20 * time.Millisecond},
		NewNormalizer(nil), NewSubscriptions(false, nil), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	select {
	case <-pinged:
	case <-time.After(2 * time.Second):
		t.Fatal("no PING received")
	}
}

func TestClient_ReconnectResubscribes(t *testing.T) {
	var connections atomic.Int32
	var mu sync.Mutex
	var requests []SubscribeRequest

	server := mockWSServer(t, func(conn *websocket.Conn) {
		n := connections.Add(1)
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req SubscribeRequest
		json.Unmarshal(msg, &req)
		mu.Lock()
		requests = append(requests, req)
		mu.Unlock()
		if n == 1 {
			// Drop the first connection to force a reconnect.
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	subs := NewSubscriptions(false, nil)
	subs.Add("A", "B")
	client := NewClient(ClientConfig{URL: wsURL(server), ReconnectDelay: 20 * time.Millisecond},
		NewNormalizer(nil), subs, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	waitFor(t, 3*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(requests) >= 2
	})

	mu.Lock()
	defer mu.Unlock()
	for i, req := range requests[:2] {
		if !equalIDs(req.AssetsIDs, []string{"A", "B"}) {
			t.Errorf("request %d assets = %v, want full set", i, req.AssetsIDs)
		}
	}
}
