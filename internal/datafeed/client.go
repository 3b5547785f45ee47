// Package datafeed reads the live network datafeed (VATSIM v3 JSON).
package datafeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/herver/vacdm-server/internal/types"
)

const (
	defaultMaxAge  = 30 * time.Second
	requestTimeout = 15 * time.Second
)

var maxAgePattern = regexp.MustCompile(`max-age=(\d+)`)

// Feed is the part of the network datafeed the scheduler reads
type Feed struct {
	Pilots []types.FeedPilot `json:"pilots"`
}

// Client fetches the datafeed and caches it for as long as the server's
// Cache-Control header allows
type Client struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time

	group  singleflight.Group
	mu     sync.RWMutex
	feed   *Feed
	expiry time.Time
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithClock sets the time source used for cache expiry
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New creates a datafeed client for url
func New(url string, opts ...Option) *Client {
	c := &Client{
		url:        url,
		httpClient: &http.Client{Timeout: requestTimeout},
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Feed returns the cached datafeed, fetching it when the cache expired.
// Concurrent callers share a single fetch.
func (c *Client) Feed(ctx context.Context) (*Feed, error) {
	c.mu.RLock()
	if c.feed != nil && c.now().Before(c.expiry) {
		feed := c.feed
		c.mu.RUnlock()
		return feed, nil
	}
	c.mu.RUnlock()

	v, err, _ := c.group.Do("feed", func() (interface{}, error) {
		return c.fetch(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Feed), nil
}

func (c *Client) fetch(ctx context.Context) (*Feed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create datafeed request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch datafeed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected datafeed status: %d", resp.StatusCode)
	}

	var feed Feed
	if err := json.NewDecoder(resp.Body).Decode(&feed); err != nil {
		return nil, fmt.Errorf("failed to decode datafeed: %w", err)
	}

	maxAge := parseMaxAge(resp.Header.Get("Cache-Control"))
	c.mu.Lock()
	c.feed = &feed
	c.expiry = c.now().Add(maxAge)
	c.mu.Unlock()

	c.logger.Debug("refreshed datafeed",
		slog.Int("pilots", len(feed.Pilots)),
		slog.Duration("max_age", maxAge))
	return &feed, nil
}

// parseMaxAge extracts max-age from a Cache-Control header
func parseMaxAge(header string) time.Duration {
	m := maxAgePattern.FindStringSubmatch(header)
	if m == nil {
		return defaultMaxAge
	}
	seconds, err := strconv.Atoi(m[1])
	if err != nil {
		return defaultMaxAge
	}
	return time.Duration(seconds) * time.Second
}

// FindFlightByCallsign returns the connected pilot flying callsign, or nil
func (c *Client) FindFlightByCallsign(ctx context.Context, callsign string) (*types.FeedPilot, error) {
	feed, err := c.Feed(ctx)
	if err != nil {
		return nil, err
	}
	for i := range feed.Pilots {
		if feed.Pilots[i].Callsign == callsign {
			p := feed.Pilots[i]
			return &p, nil
		}
	}
	return nil, nil
}

// FindFlightByCID returns the connected pilot with network id cid, or nil
func (c *Client) FindFlightByCID(ctx context.Context, cid int) (*types.FeedPilot, error) {
	feed, err := c.Feed(ctx)
	if err != nil {
		return nil, err
	}
	for i := range feed.Pilots {
		if feed.Pilots[i].CID == cid {
			p := feed.Pilots[i]
			return &p, nil
		}
	}
	return nil, nil
}
