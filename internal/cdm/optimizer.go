package cdm

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/herver/vacdm-server/internal/block"
	"github.com/herver/vacdm-server/internal/types"
)

// maxConcurrentGroups bounds how many runway groups are optimized at once
const maxConcurrentGroups = 4

// Optimize runs one global optimization pass over all active flights.
// Runway groups are independent: a group whose capacity cannot be
// resolved is rolled back and reported while the others continue.
func (e *Engine) Optimize(ctx context.Context) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	defer func() { e.stats.RecordPass(time.Since(start)) }()
	e.stats.IncrementOptimizerPasses()

	// capacities are looked up fresh once per pass
	e.capacityCache.Purge()

	now := e.clock.Now()
	currentBlock := block.FromTime(now)

	flights, err := e.store.ListActiveFlights(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load active flights: %w", err)
	}
	reg, err := newRegistry(flights)
	if err != nil {
		return nil, err
	}
	op := newOperation(reg, now)
	e.stats.SetActiveFlights(uint64(len(reg.order)))

	e.applyBookingsAndPriorities(ctx, op)

	groups, err := e.capacity.RunwayGroups(ctx)
	if err != nil {
		// bookings were already applied to the snapshot
		e.flush(ctx, op)
		return op.summary(), fmt.Errorf("failed to list runway groups: %w", err)
	}

	var g errgroup.Group
	g.SetLimit(maxConcurrentGroups)
	for _, key := range groups {
		key := key
		g.Go(func() error {
			e.optimizeGroup(ctx, op, key, currentBlock)
			return nil
		})
	}
	_ = g.Wait()

	e.flush(ctx, op)

	result := op.summary()
	e.logger.Info("optimization pass finished",
		slog.String("run", result.RunID),
		slog.Int("moved", result.Moved),
		slog.Int("booking_overrides", result.BookingOverrides),
		slog.Int("unresolved", len(result.Unresolved)),
		slog.Int("failed_groups", len(result.FailedGroups)),
		slog.Int("saved", result.Saved),
		slog.Duration("took", time.Since(start)))
	return result, nil
}

// applyBookingsAndPriorities applies event booking CTOTs for pilots found
// on the network and boosts flights waiting for startup approval
func (e *Engine) applyBookingsAndPriorities(ctx context.Context, op *operation) {
	for _, f := range op.reg.all() {
		// booking already applied and times still derived from it
		if f.HasBooking && !f.CTOT.IsZero() && f.TSAT.Equal(f.CTOT.Add(-exot(f))) {
			continue
		}

		if e.feed != nil && e.bookings != nil && f.AOBT.IsZero() {
			if err := e.applyBooking(ctx, op, f); err != nil {
				e.logger.Warn("failed to apply booking",
					slog.String("callsign", f.Callsign),
					slog.String("error", err.Error()))
				op.record(func(r *Result) { r.Skipped[f.Callsign] = err })
			}
		}

		if !f.ASRT.IsZero() && f.ASAT.IsZero() && f.AOBT.IsZero() {
			f.Prio += asrtPrioBonus
			op.reg.markDirty(f)
		}
	}
}

func (e *Engine) applyBooking(ctx context.Context, op *operation, f *types.Flight) error {
	pilot, err := e.feed.FindFlightByCallsign(ctx, f.Callsign)
	if err != nil {
		return fmt.Errorf("datafeed lookup failed: %w", err)
	}
	if pilot == nil {
		return nil
	}

	hasBooking, err := e.bookings.HasBooking(ctx, pilot.CID)
	if err != nil {
		return fmt.Errorf("booking lookup failed: %w", err)
	}
	if !hasBooking {
		return nil
	}

	ctot, err := e.bookings.SlotTime(ctx, pilot.CID)
	if err != nil {
		return fmt.Errorf("booking slot lookup failed: %w", err)
	}
	tsat := ctot.Add(-exot(f))

	f.HasBooking = true
	f.Prio += e.eventPrio
	f.EOBT = tsat
	f.TSAT = tsat
	f.CTOT = ctot
	f.TTOT = ctot
	f.Block = block.FromTime(ctot)

	op.reg.addAudit(f, "booking assignment", map[string]interface{}{
		"blockId":      f.Block,
		"cid":          pilot.CID,
		"bookingCtot":  ctot,
		"computedTsat": tsat,
	}, op.now)
	op.reg.markDirty(f)

	e.logger.Debug("booking applied",
		slog.String("callsign", f.Callsign),
		slog.Int("cid", pilot.CID),
		slog.Time("ctot", ctot))
	e.stats.IncrementBookingOverrides()
	op.record(func(r *Result) { r.BookingOverrides++ })
	return nil
}

// optimizeGroup fills spare capacity of the runway group, block by block
// from the current block onward, with delayed flights from the following
// blocks. Only flights still in planning are moved.
func (e *Engine) optimizeGroup(ctx context.Context, op *operation, key types.RunwayKey, currentBlock int) {
	cp, err := op.reg.checkpoint(key)
	if err != nil {
		e.failGroup(op, key, err)
		return
	}

	if err := e.fillBlocks(ctx, op, key, currentBlock); err != nil {
		op.reg.rollback(key, cp)
		e.failGroup(op, key, err)
	}
}

func (e *Engine) failGroup(op *operation, key types.RunwayKey, err error) {
	e.logger.Error("runway group optimization aborted",
		slog.String("runway", key.String()),
		slog.String("error", err.Error()))
	e.stats.IncrementFailedGroups()
	op.record(func(r *Result) { r.FailedGroups[key] = err })
}

func (e *Engine) fillBlocks(ctx context.Context, op *operation, key types.RunwayKey, currentBlock int) error {
	capacity, err := e.capacityFor(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to get capacity: %w", err)
	}
	flights := op.reg.runway(key)

	for i := 0; i < maxBlocksToCheck; i++ {
		target := block.Normalize(currentBlock + i)
		occupied := op.reg.countInBlock(key, target)
		if occupied >= capacity {
			continue
		}

		var movable []*types.Flight
		considered, excluded := 0, 0
		for ahead := 1; ahead < maxBlocksToLookAhead; ahead++ {
			source := block.Normalize(target + ahead)
			var eligible []*types.Flight
			for _, f := range flights {
				if f.Block != source {
					continue
				}
				considered++
				// a CTOT pins the flight to its block
				if f.Delay >= ahead && f.InPlanning() && f.CTOT.IsZero() {
					eligible = append(eligible, f)
				} else {
					excluded++
				}
			}
			sort.SliceStable(eligible, func(a, b int) bool {
				return eligible[a].Score() < eligible[b].Score()
			})
			movable = append(movable, eligible...)
		}

		if n := capacity - occupied; len(movable) > n {
			movable = movable[:n]
		}
		if considered > 0 {
			e.logger.Info("block optimization",
				slog.String("runway", key.String()),
				slog.Int("block", target),
				slog.Int("considered", considered),
				slog.Int("excluded", excluded),
				slog.Int("moving", len(movable)))
		}
		if len(movable) == 0 {
			continue
		}

		affected := map[int]bool{target: true}
		moved := make(map[*types.Flight]bool, len(movable))
		for _, f := range movable {
			affected[f.Block] = true
			moved[f] = true

			f.Delay -= block.Distance(target, f.Block)
			f.Block = target

			if err := e.finalize(ctx, op, f); err != nil {
				return err
			}
			e.stats.IncrementOptimizerMoves()
			op.record(func(r *Result) { r.Moved++ })
		}

		// re-time flights sharing a touched block; locked flights keep their times
		for _, f := range flights {
			if moved[f] || !affected[f.Block] || !f.InPlanning() {
				continue
			}
			if err := e.finalize(ctx, op, f); err != nil {
				return err
			}
		}
	}

	return nil
}
