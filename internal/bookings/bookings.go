// Package bookings pulls event slot bookings from BMAC or VATCAN and
// answers per-member slot queries from the last pull.
package bookings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/herver/vacdm-server/internal/config"
	"github.com/herver/vacdm-server/internal/types"
)

// ErrBookingNotFound is returned when a member holds no booking
var ErrBookingNotFound = errors.New("booking not found")

const requestTimeout = 15 * time.Second

// Source answers whether a network member has an event slot
type Source interface {
	HasBooking(ctx context.Context, cid int) (bool, error)
	SlotTime(ctx context.Context, cid int) (time.Time, error)
}

// Cache keeps the last pull across restarts
type Cache interface {
	StoreBookings(ctx context.Context, source string, bookings []types.Booking, ttl time.Duration) error
	GetBookings(ctx context.Context, source string) ([]types.Booking, bool, error)
}

type fetchFunc func(ctx context.Context, hc *http.Client, url string, now time.Time) ([]types.Booking, error)

// Client serves bookings from memory and pulls again once the pull
// interval has elapsed
type Client struct {
	system     string
	url        string
	interval   time.Duration
	fetch      fetchFunc
	httpClient *http.Client
	cache      Cache
	logger     *slog.Logger
	now        func() time.Time

	group    singleflight.Group
	mu       sync.RWMutex
	bookings []types.Booking
	lastPull time.Time
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithCache mirrors every pull into cache
func WithCache(cache Cache) Option {
	return func(c *Client) { c.cache = cache }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithClock sets the time source for pull expiry and slot dates
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New builds the booking source selected by the configuration
func New(cfg *config.Config, opts ...Option) (*Client, error) {
	if cfg.EventURL == "" {
		return nil, fmt.Errorf("EVENT_URL is required for %s bookings", cfg.EventSystemType)
	}
	switch cfg.EventSystemType {
	case config.EventSystemVATCAN:
		return NewVATCAN(cfg.EventURL, cfg.EventPullInterval, opts...), nil
	case config.EventSystemBMAC:
		return NewBMAC(cfg.EventURL, cfg.EventPullInterval, opts...), nil
	default:
		return nil, fmt.Errorf("unsupported event system %q", cfg.EventSystemType)
	}
}

// NewBMAC reads in-progress events from a Book me a Cot instance
func NewBMAC(url string, interval time.Duration, opts ...Option) *Client {
	return newClient(config.EventSystemBMAC, url, interval, fetchBMAC, opts)
}

// NewVATCAN reads the flat VATCAN booking list
func NewVATCAN(url string, interval time.Duration, opts ...Option) *Client {
	return newClient(config.EventSystemVATCAN, url, interval, fetchVATCAN, opts)
}

func newClient(system, url string, interval time.Duration, fetch fetchFunc, opts []Option) *Client {
	c := &Client{
		system:     system,
		url:        url,
		interval:   interval,
		fetch:      fetch,
		httpClient: &http.Client{Timeout: requestTimeout},
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Bookings returns every relevant booking, pulling when the last pull is stale
func (c *Client) Bookings(ctx context.Context) ([]types.Booking, error) {
	c.mu.RLock()
	if !c.lastPull.IsZero() && c.now().Sub(c.lastPull) <= c.interval {
		b := c.bookings
		c.mu.RUnlock()
		return b, nil
	}
	c.mu.RUnlock()

	v, err, _ := c.group.Do(c.system, func() (interface{}, error) {
		return c.pull(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]types.Booking), nil
}

func (c *Client) pull(ctx context.Context) ([]types.Booking, error) {
	c.mu.RLock()
	cold := c.lastPull.IsZero()
	c.mu.RUnlock()

	// a cold process adopts the mirrored pull while it is still fresh
	if cold && c.cache != nil {
		cached, ok, err := c.cache.GetBookings(ctx, c.system)
		if err != nil {
			c.logger.Warn("failed to read cached bookings", slog.String("error", err.Error()))
		} else if ok {
			c.remember(cached)
			return cached, nil
		}
	}

	c.logger.Debug("fetching bookings", slog.String("system", c.system))
	bookings, err := c.fetch(ctx, c.httpClient, c.url, c.now())
	if err != nil {
		return nil, fmt.Errorf("failed to pull %s bookings: %w", c.system, err)
	}
	c.remember(bookings)

	if c.cache != nil {
		if err := c.cache.StoreBookings(ctx, c.system, bookings, c.interval); err != nil {
			c.logger.Warn("failed to cache bookings", slog.String("error", err.Error()))
		}
	}
	return bookings, nil
}

func (c *Client) remember(bookings []types.Booking) {
	c.mu.Lock()
	c.bookings = bookings
	c.lastPull = c.now()
	c.mu.Unlock()
}

func (c *Client) find(ctx context.Context, cid int) (*types.Booking, error) {
	bookings, err := c.Bookings(ctx)
	if err != nil {
		return nil, err
	}
	for i := range bookings {
		if bookings[i].CID == cid {
			return &bookings[i], nil
		}
	}
	return nil, nil
}

// HasBooking reports whether cid holds a booking
func (c *Client) HasBooking(ctx context.Context, cid int) (bool, error) {
	b, err := c.find(ctx, cid)
	if err != nil {
		return false, err
	}
	return b != nil, nil
}

// SlotTime returns the booked take-off slot of cid on the current UTC day
func (c *Client) SlotTime(ctx context.Context, cid int) (time.Time, error) {
	b, err := c.find(ctx, cid)
	if err != nil {
		return time.Time{}, err
	}
	if b == nil {
		return time.Time{}, fmt.Errorf("%w: cid %d", ErrBookingNotFound, cid)
	}
	return ParseSlot(b.Slot, c.now())
}

// ParseSlot turns an HHMM or HH:MM slot into a time on now's UTC day.
// Full RFC 3339 timestamps are accepted as they are.
func ParseSlot(raw string, now time.Time) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}

	digits := strings.Replace(raw, ":", "", 1)
	if len(digits) != 4 {
		return time.Time{}, fmt.Errorf("invalid slot %q", raw)
	}
	hh, err := strconv.Atoi(digits[:2])
	if err != nil || hh < 0 || hh > 23 {
		return time.Time{}, fmt.Errorf("invalid slot %q", raw)
	}
	mm, err := strconv.Atoi(digits[2:])
	if err != nil || mm < 0 || mm > 59 {
		return time.Time{}, fmt.Errorf("invalid slot %q", raw)
	}

	day := now.UTC().Truncate(24 * time.Hour)
	return day.Add(time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute), nil
}

func getJSON(ctx context.Context, hc *http.Client, url string, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status from %s: %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", url, err)
	}
	return nil
}
