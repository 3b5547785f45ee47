package stats

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Store persists statistics snapshots
type Store interface {
	StoreSchedulerStats(ctx context.Context, stats map[string]interface{}) error
}

// Stats tracks scheduling statistics
type Stats struct {
	// Operation counts
	OptimizerPasses     uint64
	Admissions          uint64
	FailedAdmissions    uint64
	OptimizerMoves      uint64
	Displacements       uint64
	OverflowMoves       uint64
	UnresolvedOverflows uint64
	BookingOverrides    uint64
	SavedFlights        uint64
	FailedSaves         uint64
	FailedGroups        uint64

	// Timing
	StartTime     time.Time
	LastPassTime  time.Time
	PassDuration  time.Duration
	TotalPassTime time.Duration

	// Active tracking
	ActiveFlights uint64

	store Store

	mu sync.RWMutex
}

// New creates a new Stats instance
func New() *Stats {
	return &Stats{
		StartTime: time.Now(),
	}
}

// SetStore sets the store used for persistence
func (s *Stats) SetStore(store Store) {
	s.mu.Lock()
	s.store = store
	s.mu.Unlock()
}

// Persist stores the current statistics
func (s *Stats) Persist(ctx context.Context) error {
	s.mu.RLock()
	store := s.store
	s.mu.RUnlock()
	if store == nil {
		return fmt.Errorf("statistics store not set")
	}

	return store.StoreSchedulerStats(ctx, s.GetStats())
}

// IncrementOptimizerPasses increments the optimizer pass counter
func (s *Stats) IncrementOptimizerPasses() {
	atomic.AddUint64(&s.OptimizerPasses, 1)
}

// IncrementAdmissions increments the admission counter
func (s *Stats) IncrementAdmissions() {
	atomic.AddUint64(&s.Admissions, 1)
}

// IncrementFailedAdmissions increments the failed admission counter
func (s *Stats) IncrementFailedAdmissions() {
	atomic.AddUint64(&s.FailedAdmissions, 1)
}

// IncrementOptimizerMoves increments the counter of flights pulled forward
func (s *Stats) IncrementOptimizerMoves() {
	atomic.AddUint64(&s.OptimizerMoves, 1)
}

// IncrementDisplacements increments the counter of occupants bumped by admission
func (s *Stats) IncrementDisplacements() {
	atomic.AddUint64(&s.Displacements, 1)
}

// IncrementOverflowMoves increments the counter of overflow relocations
func (s *Stats) IncrementOverflowMoves() {
	atomic.AddUint64(&s.OverflowMoves, 1)
}

// IncrementUnresolvedOverflows increments the counter of overflows left in place
func (s *Stats) IncrementUnresolvedOverflows() {
	atomic.AddUint64(&s.UnresolvedOverflows, 1)
}

// IncrementBookingOverrides increments the counter of booking CTOTs applied
func (s *Stats) IncrementBookingOverrides() {
	atomic.AddUint64(&s.BookingOverrides, 1)
}

// IncrementSavedFlights increments the saved flights counter
func (s *Stats) IncrementSavedFlights() {
	atomic.AddUint64(&s.SavedFlights, 1)
}

// IncrementFailedSaves increments the failed saves counter
func (s *Stats) IncrementFailedSaves() {
	atomic.AddUint64(&s.FailedSaves, 1)
}

// IncrementFailedGroups increments the counter of runway groups aborted during a pass
func (s *Stats) IncrementFailedGroups() {
	atomic.AddUint64(&s.FailedGroups, 1)
}

// SetActiveFlights sets the number of active flights
func (s *Stats) SetActiveFlights(count uint64) {
	atomic.StoreUint64(&s.ActiveFlights, count)
}

// RecordPass records the completion time and duration of an optimizer pass
func (s *Stats) RecordPass(duration time.Duration) {
	s.mu.Lock()
	s.LastPassTime = time.Now()
	s.PassDuration = duration
	s.TotalPassTime += duration
	s.mu.Unlock()
}

// GetStats returns a copy of the current statistics
func (s *Stats) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return map[string]interface{}{
		"optimizer_passes":     atomic.LoadUint64(&s.OptimizerPasses),
		"admissions":           atomic.LoadUint64(&s.Admissions),
		"failed_admissions":    atomic.LoadUint64(&s.FailedAdmissions),
		"optimizer_moves":      atomic.LoadUint64(&s.OptimizerMoves),
		"displacements":        atomic.LoadUint64(&s.Displacements),
		"overflow_moves":       atomic.LoadUint64(&s.OverflowMoves),
		"unresolved_overflows": atomic.LoadUint64(&s.UnresolvedOverflows),
		"booking_overrides":    atomic.LoadUint64(&s.BookingOverrides),
		"saved_flights":        atomic.LoadUint64(&s.SavedFlights),
		"failed_saves":         atomic.LoadUint64(&s.FailedSaves),
		"failed_groups":        atomic.LoadUint64(&s.FailedGroups),
		"active_flights":       atomic.LoadUint64(&s.ActiveFlights),
		"last_pass_time":       s.LastPassTime,
		"pass_duration":        s.PassDuration,
		"total_pass_time":      s.TotalPassTime,
		"uptime":               time.Since(s.StartTime),
	}
}

// String returns a string representation of the statistics
func (s *Stats) String() string {
	stats := s.GetStats()
	return fmt.Sprintf(
		"Optimizer Passes: %d\n"+
			"Admissions: %d (failed %d)\n"+
			"Optimizer Moves: %d\n"+
			"Displacements: %d\n"+
			"Overflow Moves: %d (unresolved %d)\n"+
			"Booking Overrides: %d\n"+
			"Saved Flights: %d (failed %d)\n"+
			"Failed Groups: %d\n"+
			"Active Flights: %d\n"+
			"Last Pass: %s (%s)\n"+
			"Uptime: %s",
		stats["optimizer_passes"],
		stats["admissions"],
		stats["failed_admissions"],
		stats["optimizer_moves"],
		stats["displacements"],
		stats["overflow_moves"],
		stats["unresolved_overflows"],
		stats["booking_overrides"],
		stats["saved_flights"],
		stats["failed_saves"],
		stats["failed_groups"],
		stats["active_flights"],
		stats["last_pass_time"],
		stats["pass_duration"],
		stats["uptime"],
	)
}

// StartPersistence starts periodic persistence of statistics
func (s *Stats) StartPersistence(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final persistence before shutdown
			if err := s.Persist(context.Background()); err != nil {
				log.Printf("Failed to persist final statistics: %v", err)
			}
			return
		case <-ticker.C:
			if err := s.Persist(ctx); err != nil {
				log.Printf("Failed to persist statistics: %v", err)
			}
		}
	}
}
