package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/atmx/paper-engine/internal/metrics"
	"github.com/atmx/paper-engine/internal/model"
)

const (
	DefaultBaseURL = "https://gamma-api.polymarket.com"

	// Gamma allows 300 requests per 10s; stay at 60% of that.
	defaultRatePerSec = 18
	defaultBurst      = 10

	maxRetries    = 3
	baseRetryWait = 500 * time.Millisecond
	maxBodyBytes  = 10 << 20
	userAgent     = "PolymarketLeverageSimulator/1.0"
)

// ErrUpstream is returned when Gamma answers with a non-success status.
var ErrUpstream = errors.New("catalog: upstream error")

// Response is a raw upstream answer.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

// Client is the Gamma HTTP client with rate limiting and retries.
type Client struct {
	http    *http.Client
	base    string
	limiter *rate.Limiter
	logger  *slog.Logger
	backoff time.Duration
}

// NewClient creates a Client. An empty baseURL uses production Gamma.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		http:    &http.Client{Timeout: 10 * time.Second},
		base:    baseURL,
		limiter: rate.NewLimiter(defaultRatePerSec, defaultBurst),
		logger:  logger,
		backoff: baseRetryWait,
	}
}

// Markets lists markets. query is passed through unchanged.
func (c *Client) Markets(ctx context.Context, query url.Values) ([]model.Market, error) {
	var raw []GammaMarket
	if err := c.getJSON(ctx, "/markets", query, &raw); err != nil {
		return nil, err
	}
	out := make([]model.Market, 0, len(raw))
	for _, gm := range raw {
		out = append(out, ParseMarket(gm))
	}
	return out, nil
}

// Events lists events, each mapped to its first market.
func (c *Client) Events(ctx context.Context, query url.Values) ([]model.Market, error) {
	var raw []GammaEvent
	if err := c.getJSON(ctx, "/events", query, &raw); err != nil {
		return nil, err
	}
	out := make([]model.Market, 0, len(raw))
	for _, ev := range raw {
		out = append(out, ParseEvent(ev))
	}
	return out, nil
}

// Market fetches one market by id.
func (c *Client) Market(ctx context.Context, id string) (model.Market, error) {
	var gm GammaMarket
	if err := c.getJSON(ctx, "/markets/"+url.PathEscape(id), nil, &gm); err != nil {
		return model.Market{}, err
	}
	return ParseMarket(gm), nil
}

// Fetch performs a GET and returns the final upstream answer, whatever its
// status. 429 and 5xx answers are retried with exponential backoff first.
func (c *Client) Fetch(ctx context.Context, path string, query url.Values) (*Response, error) {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var last *Response
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}

		resp, err := c.do(ctx, u)
		if err != nil {
			if attempt == maxRetries || ctx.Err() != nil {
				return nil, fmt.Errorf("request failed after %d retries: %w", attempt, err)
			}
			c.sleep(ctx, attempt)
			continue
		}
		metrics.CatalogRequests.WithLabelValues(path, strconv.Itoa(resp.Status)).Inc()
		last = resp

		if resp.Status == http.StatusTooManyRequests || resp.Status >= 500 {
			c.logger.Warn("gamma request retryable", "path", path, "status", resp.Status, "attempt", attempt+1)
			if attempt < maxRetries {
				c.sleep(ctx, attempt)
			}
			continue
		}
		return resp, nil
	}
	return last, nil
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	resp, err := c.Fetch(ctx, path, query)
	if err != nil {
		return err
	}
	if resp.Status < 200 || resp.Status >= 300 {
		return fmt.Errorf("%w: %s returned %d", ErrUpstream, path, resp.Status)
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, u string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return &Response{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}

// sleep waits with exponential backoff, honoring the context.
func (c *Client) sleep(ctx context.Context, attempt int) {
	wait := time.Duration(math.Pow(2, float64(attempt))) * c.backoff
	select {
	case <-time.After(wait):
	case <-ctx.Done():
	}
}
