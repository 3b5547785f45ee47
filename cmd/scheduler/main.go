package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/herver/vacdm-server/internal/bookings"
	"github.com/herver/vacdm-server/internal/cdm"
	"github.com/herver/vacdm-server/internal/config"
	"github.com/herver/vacdm-server/internal/datafeed"
	"github.com/herver/vacdm-server/internal/db"
	vlog "github.com/herver/vacdm-server/internal/log"
	"github.com/herver/vacdm-server/internal/nats"
	"github.com/herver/vacdm-server/internal/redis"
	"github.com/herver/vacdm-server/internal/stats"
)

const statsPersistInterval = 5 * time.Minute

// Engine interface for testability
type Engine interface {
	AdmitCallsign(ctx context.Context, callsign string) (*cdm.Result, error)
	Optimize(ctx context.Context) (*cdm.Result, error)
}

// Scheduler drives the engine from admission requests and the optimizer ticker
type Scheduler struct {
	engine   Engine
	stats    *stats.Stats
	logger   *slog.Logger
	interval time.Duration
}

// NewScheduler creates a new scheduler
func NewScheduler(engine Engine, st *stats.Stats, logger *slog.Logger, interval time.Duration) *Scheduler {
	return &Scheduler{
		engine:   engine,
		stats:    st,
		logger:   logger,
		interval: interval,
	}
}

// HandleAdmission admits a stored flight. Failures are logged, never fatal.
func (s *Scheduler) HandleAdmission(ctx context.Context, callsign string) {
	result, err := s.engine.AdmitCallsign(ctx, callsign)
	if err != nil {
		level := slog.LevelError
		if errors.Is(err, cdm.ErrFlightNotFound) || errors.Is(err, cdm.ErrNoOffBlockTime) {
			level = slog.LevelWarn
		}
		s.logger.Log(ctx, level, "admission failed",
			slog.String("callsign", callsign),
			slog.String("error", err.Error()))
		return
	}

	attrs := []any{
		slog.String("callsign", callsign),
		slog.String("run_id", result.RunID),
		slog.Int("displaced", result.Displaced),
		slog.Int("saved", result.Saved),
	}
	if f := result.Admitted; f != nil {
		attrs = append(attrs,
			slog.Int("block", f.Block),
			slog.Time("tsat", f.TSAT),
			slog.Time("ttot", f.TTOT))
	}
	s.logger.Info("flight admitted", attrs...)
}

// OptimizeOnce runs one optimizer pass and logs its outcome
func (s *Scheduler) OptimizeOnce(ctx context.Context) {
	result, err := s.engine.Optimize(ctx)
	if err != nil {
		s.logger.Error("optimizer pass failed", slog.String("error", err.Error()))
		return
	}

	for key, gerr := range result.FailedGroups {
		s.logger.Warn("runway group skipped",
			slog.String("runway", key.String()),
			slog.String("error", gerr.Error()))
	}
	for _, o := range result.Unresolved {
		s.logger.Warn("unresolved overflow",
			slog.String("callsign", o.Callsign),
			slog.String("runway", o.Runway.String()),
			slog.Int("block", o.Block))
	}
	s.logger.Info("optimizer pass finished",
		slog.String("run_id", result.RunID),
		slog.Int("moved", result.Moved),
		slog.Int("overflow_moves", result.OverflowMoves),
		slog.Int("booking_overrides", result.BookingOverrides),
		slog.Int("saved", result.Saved),
		slog.Int("save_failures", result.SaveFailures))
}

// Run optimizes once immediately and then on every tick until ctx is done
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.OptimizeOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.OptimizeOnce(ctx)
		}
	}
}

// logStats periodically logs statistics
func (s *Scheduler) logStats(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.logger.Info("statistics", slog.Any("stats", s.stats.GetStats()))
		}
	}
}

// createClients creates all the required clients for the application
func createClients(ctx context.Context, cfg *config.Config) (*nats.Client, *db.Client, *redis.Client, error) {
	natsClient, err := nats.New(cfg.NATSURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create NATS client: %w", err)
	}

	dbClient, err := db.New(cfg.DBConnStr)
	if err != nil {
		natsClient.Close()
		return nil, nil, nil, fmt.Errorf("failed to create database client: %w", err)
	}
	if err := dbClient.Ping(ctx); err != nil {
		natsClient.Close()
		_ = dbClient.Close()
		return nil, nil, nil, fmt.Errorf("failed to reach database: %w", err)
	}

	redisClient, err := redis.New(cfg.RedisAddr)
	if err != nil {
		natsClient.Close()
		_ = dbClient.Close()
		return nil, nil, nil, fmt.Errorf("failed to create Redis client: %w", err)
	}

	return natsClient, dbClient, redisClient, nil
}

// buildEngine wires the engine to storage, the network feed, bookings and notifiers
func buildEngine(cfg *config.Config, logger *slog.Logger, st *stats.Stats,
	store *db.Client, cache *redis.Client, notifiers ...cdm.Notifier) (*cdm.Engine, error) {
	opts := []cdm.Option{
		cdm.WithLogger(logger),
		cdm.WithStats(st),
		cdm.WithEventPrio(cfg.EventPrio),
		cdm.WithDatafeed(datafeed.New(cfg.DatafeedURL,
			datafeed.WithLogger(logger.With(slog.String("component", "datafeed"))))),
	}

	if cfg.EventURL != "" {
		bopts := []bookings.Option{bookings.WithLogger(logger.With(slog.String("component", "bookings")))}
		if cache != nil {
			bopts = append(bopts, bookings.WithCache(cache))
		}
		source, err := bookings.New(cfg, bopts...)
		if err != nil {
			return nil, err
		}
		opts = append(opts, cdm.WithBookings(source))
	} else {
		logger.Info("no EVENT_URL configured, event bookings disabled")
	}

	for _, n := range notifiers {
		opts = append(opts, cdm.WithNotifier(n))
	}
	return cdm.New(store, store, opts...), nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := vlog.New("scheduler", cfg.LogLevel, cfg.LogDir)
	defer func() { _ = logger.Close() }()
	slog.SetDefault(logger.Logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	natsClient, dbClient, redisClient, err := createClients(ctx, cfg)
	if err != nil {
		logger.Error("failed to create clients", slog.String("error", err.Error()))
		_ = logger.Close()
		os.Exit(1)
	}
	defer func() {
		natsClient.Close()
		if err := dbClient.Close(); err != nil {
			logger.Error("error closing database client", slog.String("error", err.Error()))
		}
		if err := redisClient.Close(); err != nil {
			logger.Error("error closing Redis client", slog.String("error", err.Error()))
		}
	}()
	natsClient.WithLogger(logger.With(slog.String("component", "nats")))

	st := stats.New()
	st.SetStore(dbClient)

	engine, err := buildEngine(cfg, logger.Logger, st, dbClient, redisClient, redisClient, natsClient)
	if err != nil {
		logger.Error("failed to build engine", slog.String("error", err.Error()))
		return
	}

	scheduler := NewScheduler(engine, st, logger.Logger, cfg.OptimizeInterval)
	if err := natsClient.SubscribeAdmissions(func(callsign string) {
		scheduler.HandleAdmission(ctx, callsign)
	}); err != nil {
		logger.Error("failed to subscribe to admission requests", slog.String("error", err.Error()))
		return
	}

	go st.StartPersistence(ctx, statsPersistInterval)
	go scheduler.logStats(ctx)

	logger.Info("scheduler started", slog.Duration("optimize_interval", cfg.OptimizeInterval))
	scheduler.Run(ctx)
	logger.Info("shutting down")
}
