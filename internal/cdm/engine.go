// Package cdm assigns departure blocks, startup and takeoff times to
// flights sharing capacity-limited runways.
//
// Admission places a single flight, displacing weaker occupants forward
// one block at a time. The optimizer is a periodic pass that pulls delayed
// flights into earlier blocks as capacity frees up and applies event
// booking overrides. Both operations work on an in-memory snapshot of the
// active flights and persist changed flights once the snapshot is
// consistent again.
package cdm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/herver/vacdm-server/internal/stats"
	"github.com/herver/vacdm-server/internal/types"
)

const (
	// Number of blocks searched for spare capacity, about ten hours
	maxBlocksToCheck = 60
	// Optimizer candidates are drawn from blocks 1..maxBlocksToLookAhead-1 ahead
	maxBlocksToLookAhead = 7
	// Priority added while a startup request waits for approval
	asrtPrioBonus = 5
	// Occupants starting up sooner than this cannot be displaced
	displacementLeadTime = 10 * time.Minute
	// Takeoff times keep this margin to the end of their block
	blockEndMargin = 30 * time.Second

	auditNamespace = "cdmService"
)

var (
	ErrNoOffBlockTime     = errors.New("no TOBT or EOBT available")
	ErrNoCapacity         = errors.New("no runway capacity configured")
	ErrPlacementExhausted = errors.New("no block could be assigned within one day")
	ErrFlightNotFound     = errors.New("flight not found")
)

// FlightStore is the persistence port used by the engine
type FlightStore interface {
	ListActiveFlights(ctx context.Context) ([]*types.Flight, error)
	SaveFlight(ctx context.Context, flight *types.Flight) error
	AppendAuditLog(ctx context.Context, entry types.AuditEntry) error
}

// CapacityLookup resolves runway capacities
type CapacityLookup interface {
	GetCapacity(ctx context.Context, aerodrome, runway string) (types.Capacity, error)
	RunwayGroups(ctx context.Context) ([]types.RunwayKey, error)
}

// Datafeed looks up pilots on the live network feed. A nil pilot means not connected.
type Datafeed interface {
	FindFlightByCallsign(ctx context.Context, callsign string) (*types.FeedPilot, error)
}

// BookingSource answers whether a network member has an event slot
type BookingSource interface {
	HasBooking(ctx context.Context, cid int) (bool, error)
	SlotTime(ctx context.Context, cid int) (time.Time, error)
}

// Notifier is told about every flight persisted by the engine
type Notifier interface {
	FlightUpdated(ctx context.Context, flight *types.Flight) error
}

// Clock supplies the current time
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Engine is the single scheduling authority for all runways
type Engine struct {
	store     FlightStore
	capacity  CapacityLookup
	feed      Datafeed
	bookings  BookingSource
	notifiers []Notifier
	stats     *stats.Stats
	clock     Clock
	logger    *slog.Logger
	eventPrio int

	capacityCache *expirable.LRU[types.RunwayKey, int]

	// Admission and optimizer passes mutate overlapping flights
	mu sync.Mutex
}

// Option configures an Engine
type Option func(*Engine)

// WithDatafeed sets the live network feed used to match bookings
func WithDatafeed(feed Datafeed) Option {
	return func(e *Engine) { e.feed = feed }
}

// WithBookings sets the event booking source
func WithBookings(bookings BookingSource) Option {
	return func(e *Engine) { e.bookings = bookings }
}

// WithNotifier adds a notifier called after each persisted flight
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifiers = append(e.notifiers, n) }
}

// WithStats sets the statistics collector
func WithStats(s *stats.Stats) Option {
	return func(e *Engine) { e.stats = s }
}

// WithClock overrides the wall clock
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger sets the structured logger
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithEventPrio sets the priority bonus granted to flights with a booking
func WithEventPrio(prio int) Option {
	return func(e *Engine) { e.eventPrio = prio }
}

// WithCapacityTTL sets how long capacity lookups are cached between passes
func WithCapacityTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		e.capacityCache = expirable.NewLRU[types.RunwayKey, int](256, nil, ttl)
	}
}

// New creates a scheduling engine
func New(store FlightStore, capacity CapacityLookup, opts ...Option) *Engine {
	e := &Engine{
		store:         store,
		capacity:      capacity,
		stats:         stats.New(),
		clock:         systemClock{},
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		capacityCache: expirable.NewLRU[types.RunwayKey, int](256, nil, time.Minute),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Stats returns the engine's statistics collector
func (e *Engine) Stats() *stats.Stats {
	return e.stats
}

// capacityFor returns the capacity of a runway group, cached so a single
// operation sees one consistent value per group
func (e *Engine) capacityFor(ctx context.Context, key types.RunwayKey) (int, error) {
	if c, ok := e.capacityCache.Get(key); ok {
		return c, nil
	}

	capacity, err := e.capacity.GetCapacity(ctx, key.Aerodrome, key.Runway)
	if err != nil {
		return 0, err
	}
	if capacity.Capacity <= 0 {
		return 0, ErrNoCapacity
	}

	e.capacityCache.Add(key, capacity.Capacity)
	return capacity.Capacity, nil
}

// flush persists every flight changed by the operation. A failing flight
// is logged and skipped so the remaining flights are still written.
func (e *Engine) flush(ctx context.Context, op *operation) {
	for _, f := range op.reg.dirtyFlights() {
		f.UpdatedAt = op.now
		if err := e.store.SaveFlight(ctx, f); err != nil {
			e.logger.Error("failed to save flight",
				slog.String("callsign", f.Callsign),
				slog.String("error", err.Error()))
			e.stats.IncrementFailedSaves()
			op.record(func(r *Result) { r.SaveFailures++ })
			continue
		}
		e.stats.IncrementSavedFlights()
		op.record(func(r *Result) { r.Saved++ })

		for _, n := range e.notifiers {
			if err := n.FlightUpdated(ctx, f); err != nil {
				e.logger.Warn("failed to notify flight update",
					slog.String("callsign", f.Callsign),
					slog.String("error", err.Error()))
			}
		}
	}

	for _, entry := range op.reg.auditEntries() {
		if err := e.store.AppendAuditLog(ctx, entry); err != nil {
			e.logger.Warn("failed to append audit log",
				slog.String("callsign", entry.Flight),
				slog.String("action", entry.Action),
				slog.String("error", err.Error()))
		}
	}
}

func exot(f *types.Flight) time.Duration {
	if f.EXOT < 0 {
		return 0
	}
	return time.Duration(f.EXOT) * time.Minute
}
