package catalog

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

const (
	DefaultCacheTTL     = 60 * time.Second
	DefaultCacheEntries = 512
)

// Fetcher performs an upstream GET. *Client implements it.
type Fetcher interface {
	Fetch(ctx context.Context, path string, query url.Values) (*Response, error)
}

type cacheEntry struct {
	resp    *Response
	expires time.Time
}

// Proxy forwards catalog requests to Gamma, keeping successful answers for
// a short while so browsers polling the catalog do not hit the rate limit.
type Proxy struct {
	fetcher Fetcher
	ttl     time.Duration
	max     int
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewProxy creates a proxy. ttl <= 0 uses DefaultCacheTTL.
func NewProxy(f Fetcher, ttl time.Duration, logger *slog.Logger) *Proxy {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Proxy{
		fetcher: f,
		ttl:     ttl,
		max:     DefaultCacheEntries,
		logger:  logger,
		now:     time.Now,
		cache:   make(map[string]cacheEntry),
	}
}

// Routes mounts the catalog endpoints on r.
func (p *Proxy) Routes(r chi.Router) {
	r.Get("/api/markets", p.forward(func(*http.Request) string { return "/markets" }))
	r.Get("/api/markets/{id}", p.forward(func(r *http.Request) string {
		return "/markets/" + url.PathEscape(chi.URLParam(r, "id"))
	}))
	r.Get("/api/events", p.forward(func(*http.Request) string { return "/events" }))
}

func (p *Proxy) forward(upstreamPath func(*http.Request) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := upstreamPath(r)
		query := r.URL.Query()
		key := path + "?" + query.Encode()

		if resp, ok := p.lookup(key); ok {
			w.Header().Set("X-Cache", "HIT")
			writeResponse(w, resp)
			return
		}

		resp, err := p.fetcher.Fetch(r.Context(), path, query)
		if err != nil {
			p.logger.Error("catalog proxy failed", "path", path, "err", err)
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": "failed to fetch from upstream"})
			return
		}
		if resp.Status >= 200 && resp.Status < 300 {
			p.store(key, resp)
		}
		w.Header().Set("X-Cache", "MISS")
		writeResponse(w, resp)
	}
}

func (p *Proxy) lookup(key string) (*Response, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.cache[key]
	if !ok {
		return nil, false
	}
	if p.now().After(e.expires) {
		delete(p.cache, key)
		return nil, false
	}
	return e.resp, true
}

func (p *Proxy) store(key string, resp *Response) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	if len(p.cache) >= p.max {
		for k, e := range p.cache {
			if now.After(e.expires) {
				delete(p.cache, k)
			}
		}
		// Still full: drop an arbitrary entry.
		for k := range p.cache {
			if len(p.cache) < p.max {
				break
			}
			delete(p.cache, k)
		}
	}
	p.cache[key] = cacheEntry{resp: resp, expires: now.Add(p.ttl)}
}

func writeResponse(w http.ResponseWriter, resp *Response) {
	ct := resp.ContentType
	if ct == "" {
		ct = "application/json"
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(resp.Status)
	w.Write(resp.Body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
