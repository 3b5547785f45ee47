// Package db is the postgres adapter for flights, runway capacities, the
// audit trail and scheduler statistics.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/herver/vacdm-server/internal/types"
)

// ErrNotFound is returned when a looked up row does not exist
var ErrNotFound = errors.New("not found")

const flightColumns = `
	callsign, departure, arrival, runway, block_id, block_assignment,
	eobt, tobt, tobt_state, exot, tsat, ttot, ctot,
	delay, prio, has_booking, restriction_idents, restriction_values,
	asrt, aort, asat, aobt, atot, inactive, updated_at`

type Client struct {
	db *sql.DB
}

// New creates a new database client
func New(connStr string) (*Client, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	return &Client{db: db}, nil
}

// NewWithDB wraps an already opened connection pool
func NewWithDB(db *sql.DB) *Client {
	return &Client{db: db}
}

// DB exposes the connection pool, e.g. for running migrations
func (c *Client) DB() *sql.DB {
	return c.db
}

// Ping verifies the database is reachable
func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Close closes the database connection
func (c *Client) Close() error {
	return c.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanFlight(row rowScanner) (*types.Flight, error) {
	var (
		f                            types.Flight
		arrival                      sql.NullString
		tobtState                    string
		blockAssignment, eobt, tobt  pq.NullTime
		tsat, ttot, ctot             pq.NullTime
		asrt, aort, asat, aobt, atot pq.NullTime
		restrictionIdents            []string
		restrictionValues            []int64
	)
	if err := row.Scan(
		&f.Callsign, &f.Departure, &arrival, &f.Runway, &f.Block, &blockAssignment,
		&eobt, &tobt, &tobtState, &f.EXOT, &tsat, &ttot, &ctot,
		&f.Delay, &f.Prio, &f.HasBooking, pq.Array(&restrictionIdents), pq.Array(&restrictionValues),
		&asrt, &aort, &asat, &aobt, &atot, &f.Inactive, &f.UpdatedAt,
	); err != nil {
		return nil, err
	}

	f.Arrival = arrival.String
	f.TOBTState = types.TOBTState(tobtState)
	f.BlockAssignment = timeOf(blockAssignment)
	f.EOBT, f.TOBT = timeOf(eobt), timeOf(tobt)
	f.TSAT, f.TTOT, f.CTOT = timeOf(tsat), timeOf(ttot), timeOf(ctot)
	f.ASRT, f.AORT, f.ASAT = timeOf(asrt), timeOf(aort), timeOf(asat)
	f.AOBT, f.ATOT = timeOf(aobt), timeOf(atot)

	for i, ident := range restrictionIdents {
		r := types.Restriction{Ident: ident}
		if i < len(restrictionValues) {
			r.Value = int(restrictionValues[i])
		}
		f.Restrictions = append(f.Restrictions, r)
	}
	return &f, nil
}

// ListActiveFlights retrieves all active flights
func (c *Client) ListActiveFlights(ctx context.Context) ([]*types.Flight, error) {
	query := `SELECT ` + flightColumns + `
		FROM flights
		WHERE inactive = FALSE
		ORDER BY callsign`
	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var flights []*types.Flight
	for rows.Next() {
		f, err := scanFlight(rows)
		if err != nil {
			return nil, err
		}
		flights = append(flights, f)
	}
	return flights, rows.Err()
}

// GetFlight retrieves a flight by callsign
func (c *Client) GetFlight(ctx context.Context, callsign string) (*types.Flight, error) {
	query := `SELECT ` + flightColumns + `
		FROM flights
		WHERE callsign = $1`
	f, err := scanFlight(c.db.QueryRowContext(ctx, query, callsign))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("flight %s: %w", callsign, ErrNotFound)
	}
	return f, err
}

// SaveFlight inserts or replaces a flight
func (c *Client) SaveFlight(ctx context.Context, flight *types.Flight) error {
	query := `
		INSERT INTO flights (` + flightColumns + `
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25
		)
		ON CONFLICT (callsign) DO UPDATE SET
			departure = EXCLUDED.departure, arrival = EXCLUDED.arrival,
			runway = EXCLUDED.runway, block_id = EXCLUDED.block_id,
			block_assignment = EXCLUDED.block_assignment,
			eobt = EXCLUDED.eobt, tobt = EXCLUDED.tobt, tobt_state = EXCLUDED.tobt_state,
			exot = EXCLUDED.exot, tsat = EXCLUDED.tsat, ttot = EXCLUDED.ttot, ctot = EXCLUDED.ctot,
			delay = EXCLUDED.delay, prio = EXCLUDED.prio, has_booking = EXCLUDED.has_booking,
			restriction_idents = EXCLUDED.restriction_idents,
			restriction_values = EXCLUDED.restriction_values,
			asrt = EXCLUDED.asrt, aort = EXCLUDED.aort, asat = EXCLUDED.asat,
			aobt = EXCLUDED.aobt, atot = EXCLUDED.atot,
			inactive = EXCLUDED.inactive, updated_at = EXCLUDED.updated_at
	`

	idents := make([]string, len(flight.Restrictions))
	values := make([]int64, len(flight.Restrictions))
	for i, r := range flight.Restrictions {
		idents[i] = r.Ident
		values[i] = int64(r.Value)
	}

	updatedAt := flight.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	_, err := c.db.ExecContext(ctx, query,
		flight.Callsign, flight.Departure, flight.Arrival, flight.Runway,
		flight.Block, nullTime(flight.BlockAssignment),
		nullTime(flight.EOBT), nullTime(flight.TOBT), string(flight.TOBTState), flight.EXOT,
		nullTime(flight.TSAT), nullTime(flight.TTOT), nullTime(flight.CTOT),
		flight.Delay, flight.Prio, flight.HasBooking, pq.Array(idents), pq.Array(values),
		nullTime(flight.ASRT), nullTime(flight.AORT), nullTime(flight.ASAT),
		nullTime(flight.AOBT), nullTime(flight.ATOT),
		flight.Inactive, updatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save flight %s: %w", flight.Callsign, err)
	}
	return nil
}

// AppendAuditLog stores a scheduling decision
func (c *Client) AppendAuditLog(ctx context.Context, entry types.AuditEntry) error {
	query := `
		INSERT INTO flight_logs (id, time, callsign, namespace, action, data)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	id := entry.ID
	if id == "" {
		id = uuid.NewString()
	}
	data, err := json.Marshal(entry.Data)
	if err != nil {
		return fmt.Errorf("failed to encode audit data: %w", err)
	}

	_, err = c.db.ExecContext(ctx, query, id, entry.Time, entry.Flight, entry.Namespace, entry.Action, data)
	return err
}

// GetAuditLog returns the most recent audit entries of a flight, newest first
func (c *Client) GetAuditLog(ctx context.Context, callsign string, limit int) ([]types.AuditEntry, error) {
	query := `
		SELECT id, time, callsign, namespace, action, data
		FROM flight_logs
		WHERE callsign = $1
		ORDER BY time DESC
		LIMIT $2
	`
	rows, err := c.db.QueryContext(ctx, query, callsign, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []types.AuditEntry
	for rows.Next() {
		var (
			e    types.AuditEntry
			data []byte
		)
		if err := rows.Scan(&e.ID, &e.Time, &e.Flight, &e.Namespace, &e.Action, &data); err != nil {
			return nil, err
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &e.Data); err != nil {
				return nil, fmt.Errorf("failed to decode audit data: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetCapacity looks up a runway by designator or alias
func (c *Client) GetCapacity(ctx context.Context, aerodrome, runway string) (types.Capacity, error) {
	query := `
		SELECT icao, rwy_designator, alias, capacity
		FROM airport_capacities
		WHERE icao = $1 AND (rwy_designator = $2 OR alias = $2)
		LIMIT 1
	`
	var capacity types.Capacity
	err := c.db.QueryRowContext(ctx, query, aerodrome, runway).Scan(
		&capacity.Aerodrome, &capacity.Runway, &capacity.Alias, &capacity.Capacity,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Capacity{}, fmt.Errorf("capacity for %s/%s: %w", aerodrome, runway, ErrNotFound)
	}
	if err != nil {
		return types.Capacity{}, err
	}
	return capacity, nil
}

// SaveCapacity inserts or replaces a runway capacity
func (c *Client) SaveCapacity(ctx context.Context, capacity types.Capacity) error {
	query := `
		INSERT INTO airport_capacities (icao, rwy_designator, alias, capacity)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (icao, rwy_designator) DO UPDATE SET
			alias = EXCLUDED.alias, capacity = EXCLUDED.capacity
	`
	_, err := c.db.ExecContext(ctx, query, capacity.Aerodrome, capacity.Runway, capacity.Alias, capacity.Capacity)
	return err
}

// RunwayGroups lists every (aerodrome, runway) pair with active flights
func (c *Client) RunwayGroups(ctx context.Context) ([]types.RunwayKey, error) {
	query := `
		SELECT DISTINCT departure, runway
		FROM flights
		WHERE inactive = FALSE
		ORDER BY departure, runway
	`
	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []types.RunwayKey
	for rows.Next() {
		var key types.RunwayKey
		if err := rows.Scan(&key.Aerodrome, &key.Runway); err != nil {
			return nil, err
		}
		groups = append(groups, key)
	}
	return groups, rows.Err()
}

// StoreSchedulerStats stores a scheduler statistics snapshot
func (c *Client) StoreSchedulerStats(ctx context.Context, stats map[string]interface{}) error {
	query := `
		INSERT INTO scheduler_stats (
			time, optimizer_passes, admissions, failed_admissions,
			optimizer_moves, displacements, overflow_moves, unresolved_overflows,
			booking_overrides, saved_flights, failed_saves, failed_groups,
			active_flights, pass_duration_ms, uptime_seconds
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15
		)
	`

	passDuration, _ := stats["pass_duration"].(time.Duration)
	uptime, _ := stats["uptime"].(time.Duration)

	_, err := c.db.ExecContext(ctx, query,
		time.Now(),
		counter(stats, "optimizer_passes"),
		counter(stats, "admissions"),
		counter(stats, "failed_admissions"),
		counter(stats, "optimizer_moves"),
		counter(stats, "displacements"),
		counter(stats, "overflow_moves"),
		counter(stats, "unresolved_overflows"),
		counter(stats, "booking_overrides"),
		counter(stats, "saved_flights"),
		counter(stats, "failed_saves"),
		counter(stats, "failed_groups"),
		counter(stats, "active_flights"),
		passDuration.Milliseconds(),
		int64(uptime.Seconds()),
	)
	return err
}

func counter(stats map[string]interface{}, key string) int64 {
	v, _ := stats[key].(uint64)
	return int64(v)
}

func nullTime(t time.Time) pq.NullTime {
	return pq.NullTime{Time: t, Valid: !t.IsZero()}
}

func timeOf(t pq.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time.UTC()
}
