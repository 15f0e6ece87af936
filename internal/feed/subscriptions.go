package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/atmx/paper-engine/internal/metrics"
)

// ErrNotConnected is returned when sending without a live upstream connection.
var ErrNotConnected = errors.New("feed: not connected")

// Sender writes a text frame to the upstream connection.
type Sender interface {
	SendText(data []byte) error
}

// SubscribeRequest is the market channel subscription frame.
type SubscribeRequest struct {
	Type                 string   `json:"type"`
	AssetsIDs            []string `json:"assets_ids"`
	CustomFeatureEnabled bool     `json:"custom_feature_enabled,omitempty"`
}

// Subscriptions holds the desired set of asset ids. The set survives
// reconnects: every Attach replays it in full, and Add sends only the ids
// that are new while a connection is live.
type Subscriptions struct {
	extended bool
	logger   *slog.Logger

	mu     sync.Mutex
	assets map[string]struct{}
	sender Sender
}

// NewSubscriptions creates an empty desired set. extended sets
// custom_feature_enabled on every request, which makes the feed include
// best bid/ask updates.
func NewSubscriptions(extended bool, logger *slog.Logger) *Subscriptions {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriptions{
		extended: extended,
		logger:   logger,
		assets:   make(map[string]struct{}),
	}
}

// Add inserts ids into the desired set. When attached, a request naming
// only the new ids is sent right away; on failure the ids stay desired and
// go out with the next Attach.
func (s *Subscriptions) Add(ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var added []string
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := s.assets[id]; ok {
			continue
		}
		s.assets[id] = struct{}{}
		added = append(added, id)
	}
	metrics.SubscribedAssets.Set(float64(len(s.assets)))
	if len(added) == 0 || s.sender == nil {
		return nil
	}
	sort.Strings(added)
	return s.send(added)
}

// Remove drops ids from the desired set. The market channel has no
// unsubscribe, so upstream stops sending them at the next reconnect.
func (s *Subscriptions) Remove(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.assets, id)
	}
	metrics.SubscribedAssets.Set(float64(len(s.assets)))
}

// Attach binds a freshly opened connection and sends the whole desired set.
func (s *Subscriptions) Attach(sender Sender) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sender = sender
	ids := s.sortedLocked()
	if len(ids) == 0 {
		return nil
	}
	return s.send(ids)
}

// Detach forgets the connection. Adds until the next Attach only update
// the desired set.
func (s *Subscriptions) Detach() {
	s.mu.Lock()
	s.sender = nil
	s.mu.Unlock()
}

// Attached reports whether a live connection is bound.
func (s *Subscriptions) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sender != nil
}

// Assets returns the desired set, sorted.
func (s *Subscriptions) Assets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked()
}

// Contains reports whether id is desired.
func (s *Subscriptions) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.assets[id]
	return ok
}

func (s *Subscriptions) sortedLocked() []string {
	ids := make([]string, 0, len(s.assets))
	for id := range s.assets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Subscriptions) send(ids []string) error {
	data, err := json.Marshal(SubscribeRequest{
		Type:                 "market",
		AssetsIDs:            ids,
		CustomFeatureEnabled: s.extended,
	})
	if err != nil {
		return fmt.Errorf("feed: encode subscription: %w", err)
	}
	if err := s.sender.SendText(data); err != nil {
		return fmt.Errorf("feed: subscribe %d assets: %w", len(ids), err)
	}
	s.logger.Debug("subscribed", "assets", len(ids))
	return nil
}
