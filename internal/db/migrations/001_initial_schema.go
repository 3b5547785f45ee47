package migrations

import "time"

// InitialSchema creates the scheduling tables
var InitialSchema = &Migration{
	ID:   "001_initial_schema",
	Name: "001_initial_schema",
	UpSQL: `
		-- Enable TimescaleDB extension
		CREATE EXTENSION IF NOT EXISTS timescaledb;

		-- Scheduled departures, one row per callsign
		CREATE TABLE IF NOT EXISTS flights (
			callsign TEXT PRIMARY KEY,
			departure TEXT NOT NULL,
			arrival TEXT,
			runway TEXT NOT NULL,
			block_id INTEGER NOT NULL DEFAULT 0 CHECK (block_id BETWEEN 0 AND 143),
			block_assignment TIMESTAMPTZ,
			eobt TIMESTAMPTZ,
			tobt TIMESTAMPTZ,
			tobt_state TEXT NOT NULL DEFAULT 'GUESS',
			exot INTEGER NOT NULL DEFAULT 0,
			tsat TIMESTAMPTZ,
			ttot TIMESTAMPTZ,
			ctot TIMESTAMPTZ,
			delay INTEGER NOT NULL DEFAULT 0,
			prio INTEGER NOT NULL DEFAULT 0,
			has_booking BOOLEAN NOT NULL DEFAULT FALSE,
			restriction_idents TEXT[] NOT NULL DEFAULT '{}',
			restriction_values INTEGER[] NOT NULL DEFAULT '{}',
			asrt TIMESTAMPTZ,
			aort TIMESTAMPTZ,
			asat TIMESTAMPTZ,
			aobt TIMESTAMPTZ,
			atot TIMESTAMPTZ,
			inactive BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_flights_runway_block ON flights (departure, runway, block_id) WHERE inactive = FALSE;

		-- Runway capacities per ten minute block
		CREATE TABLE IF NOT EXISTS airport_capacities (
			icao TEXT NOT NULL,
			rwy_designator TEXT NOT NULL,
			alias TEXT NOT NULL DEFAULT '',
			capacity INTEGER NOT NULL CHECK (capacity >= 0),
			PRIMARY KEY (icao, rwy_designator)
		);

		-- Audit trail of scheduling decisions
		CREATE TABLE IF NOT EXISTS flight_logs (
			id UUID NOT NULL,
			time TIMESTAMPTZ NOT NULL,
			callsign TEXT NOT NULL,
			namespace TEXT NOT NULL,
			action TEXT NOT NULL,
			data JSONB
		);

		SELECT create_hypertable('flight_logs', 'time');

		CREATE INDEX IF NOT EXISTS idx_flight_logs_callsign ON flight_logs (callsign, time DESC);

		-- Scheduler statistics
		CREATE TABLE IF NOT EXISTS scheduler_stats (
			time TIMESTAMPTZ NOT NULL,
			optimizer_passes BIGINT NOT NULL,
			admissions BIGINT NOT NULL,
			failed_admissions BIGINT NOT NULL,
			optimizer_moves BIGINT NOT NULL,
			displacements BIGINT NOT NULL,
			overflow_moves BIGINT NOT NULL,
			unresolved_overflows BIGINT NOT NULL,
			booking_overrides BIGINT NOT NULL,
			saved_flights BIGINT NOT NULL,
			failed_saves BIGINT NOT NULL,
			failed_groups BIGINT NOT NULL,
			active_flights BIGINT NOT NULL,
			pass_duration_ms BIGINT NOT NULL,
			uptime_seconds BIGINT NOT NULL
		);

		SELECT create_hypertable('scheduler_stats', 'time');

		CREATE INDEX IF NOT EXISTS idx_scheduler_stats_time ON scheduler_stats (time DESC);
	`,
	DownSQL: `
		DROP TABLE IF EXISTS scheduler_stats;
		DROP TABLE IF EXISTS flight_logs;
		DROP TABLE IF EXISTS airport_capacities;
		DROP TABLE IF EXISTS flights;
	`,
	CreatedAt: time.Now(),
}
