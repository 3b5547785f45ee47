// Package redis mirrors scheduled flights for fast read paths and caches
// event bookings between pulls.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/herver/vacdm-server/internal/types"
)

const (
	flightTTL = 24 * time.Hour
)

// RedisClientInterface defines the Redis operations used by our client
type RedisClientInterface interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Close() error
}

// Client manages Redis connections and operations
type Client struct {
	client RedisClientInterface
}

// New creates a new Redis client
func New(addr string) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: "", // no password set
		DB:       0,  // use default DB
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Client{client: client}, nil
}

// NewWithClient creates a new Redis client with a custom RedisClientInterface (useful for testing)
func NewWithClient(client RedisClientInterface) *Client {
	return &Client{client: client}
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.client.Close()
}

func flightKey(callsign string) string {
	return fmt.Sprintf("flight:%s", callsign)
}

func bookingsKey(source string) string {
	return fmt.Sprintf("bookings:%s", source)
}

// StoreFlight stores the scheduled state of a flight
func (c *Client) StoreFlight(ctx context.Context, flight *types.Flight) error {
	data, err := json.Marshal(flight)
	if err != nil {
		return fmt.Errorf("failed to marshal flight data: %w", err)
	}

	return c.client.Set(ctx, flightKey(flight.Callsign), data, flightTTL).Err()
}

// GetFlight retrieves a flight. A flight not in Redis is returned as nil.
func (c *Client) GetFlight(ctx context.Context, callsign string) (*types.Flight, error) {
	data, err := c.client.Get(ctx, flightKey(callsign)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get flight data: %w", err)
	}

	var flight types.Flight
	if err := json.Unmarshal(data, &flight); err != nil {
		return nil, fmt.Errorf("failed to unmarshal flight data: %w", err)
	}
	return &flight, nil
}

// DeleteFlight removes a flight
func (c *Client) DeleteFlight(ctx context.Context, callsign string) error {
	return c.client.Del(ctx, flightKey(callsign)).Err()
}

// FlightUpdated keeps the mirror in line with a persisted flight
func (c *Client) FlightUpdated(ctx context.Context, flight *types.Flight) error {
	if flight.Inactive {
		return c.DeleteFlight(ctx, flight.Callsign)
	}
	return c.StoreFlight(ctx, flight)
}

// StoreBookings caches the bookings pulled from an event system
func (c *Client) StoreBookings(ctx context.Context, source string, bookings []types.Booking, ttl time.Duration) error {
	data, err := msgpack.Marshal(bookings)
	if err != nil {
		return fmt.Errorf("failed to encode bookings: %w", err)
	}
	return c.client.Set(ctx, bookingsKey(source), data, ttl).Err()
}

// GetBookings returns cached bookings and whether the cache was populated
func (c *Client) GetBookings(ctx context.Context, source string) ([]types.Booking, bool, error) {
	data, err := c.client.Get(ctx, bookingsKey(source)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get bookings: %w", err)
	}

	var bookings []types.Booking
	if err := msgpack.Unmarshal(data, &bookings); err != nil {
		return nil, false, fmt.Errorf("failed to decode bookings: %w", err)
	}
	return bookings, true, nil
}
