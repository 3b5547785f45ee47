package migrations

var RetentionPolicies = &Migration{
	ID:   "002_retention_policies",
	Name: "002_retention_policies",
	UpSQL: `
	-- Audit entries are only useful for debugging recent events
	SELECT add_retention_policy('flight_logs', INTERVAL '7 days');

	-- Set retention policy for scheduler_stats (90 days)
	SELECT add_retention_policy('scheduler_stats', INTERVAL '90 days');

	-- Hourly scheduling activity
	CREATE MATERIALIZED VIEW IF NOT EXISTS scheduler_stats_hourly
	WITH (timescaledb.continuous) AS
	SELECT
		time_bucket('1 hour', time) AS hour,
		MAX(optimizer_passes) AS optimizer_passes,
		MAX(optimizer_moves) AS optimizer_moves,
		MAX(displacements) AS displacements,
		MAX(unresolved_overflows) AS unresolved_overflows,
		AVG(active_flights) AS avg_active_flights,
		AVG(pass_duration_ms) AS avg_pass_duration_ms
	FROM scheduler_stats
	GROUP BY hour
	WITH NO DATA;

	-- Daily audit volume per action
	CREATE MATERIALIZED VIEW IF NOT EXISTS flight_logs_daily
	WITH (timescaledb.continuous) AS
	SELECT
		time_bucket('1 day', time) AS day,
		action,
		COUNT(*) AS entries
	FROM flight_logs
	GROUP BY day, action
	WITH NO DATA;
	`,
	DownSQL: `
	DROP MATERIALIZED VIEW IF EXISTS flight_logs_daily;
	DROP MATERIALIZED VIEW IF EXISTS scheduler_stats_hourly;
	-- Remove retention policies
	SELECT remove_retention_policy('flight_logs');
	SELECT remove_retention_policy('scheduler_stats');
	`,
}
