package cdm

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/herver/vacdm-server/internal/block"
	"github.com/herver/vacdm-server/internal/types"
)

// DetermineInitialBlock derives the block a flight asks for from its
// TOBT, falling back to the EOBT of the flight plan
func DetermineInitialBlock(f *types.Flight) (int, time.Time, error) {
	if f.TOBT.IsZero() && !f.EOBT.IsZero() {
		f.TOBT = f.EOBT
		f.TOBTState = types.TOBTStateFlightplan
	}
	if f.TOBT.IsZero() {
		return 0, time.Time{}, fmt.Errorf("%w: %s", ErrNoOffBlockTime, f.Callsign)
	}

	ttot := f.TOBT.Add(exot(f))
	return block.FromTime(ttot), ttot, nil
}

// Admit places a flight into its requested block and persists every
// flight whose times changed as a consequence
func (e *Engine) Admit(ctx context.Context, flight *types.Flight) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stats.IncrementAdmissions()

	flights, err := e.store.ListActiveFlights(ctx)
	if err != nil {
		e.stats.IncrementFailedAdmissions()
		return nil, fmt.Errorf("failed to load active flights: %w", err)
	}
	reg, err := newRegistry(flights)
	if err != nil {
		e.stats.IncrementFailedAdmissions()
		return nil, err
	}
	now := e.clock.Now()
	op := newOperation(reg, now)

	f, err := reg.upsert(flight)
	if err != nil {
		e.stats.IncrementFailedAdmissions()
		return nil, err
	}

	initialBlock, initialTTOT, err := DetermineInitialBlock(f)
	if err != nil {
		e.stats.IncrementFailedAdmissions()
		return nil, err
	}
	if f.BlockAssignment.IsZero() || f.Block != initialBlock {
		f.BlockAssignment = now
	}
	f.Block = initialBlock
	f.TTOT = initialTTOT

	if err := e.place(ctx, op, f); err != nil {
		e.stats.IncrementFailedAdmissions()
		e.logger.Error("failed to place flight",
			slog.String("callsign", f.Callsign),
			slog.String("error", err.Error()))
		return nil, err
	}

	e.flush(ctx, op)

	result := op.summary()
	result.Admitted = f
	return result, nil
}

// AdmitCallsign re-runs admission for an active flight already in the store
func (e *Engine) AdmitCallsign(ctx context.Context, callsign string) (*Result, error) {
	flights, err := e.store.ListActiveFlights(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load active flights: %w", err)
	}
	for _, f := range flights {
		if f.Callsign == callsign {
			return e.Admit(ctx, f)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrFlightNotFound, callsign)
}

type placement struct {
	flight       *types.Flight
	finalizeOnly bool
}

// place runs admission as a work stack. A full block either bumps its
// weakest occupant one block forward, or, when no occupant is weaker,
// moves the flight itself forward. The number of placement attempts is
// bounded by one day of blocks.
func (e *Engine) place(ctx context.Context, op *operation, f *types.Flight) error {
	stack := []placement{{flight: f}}
	attempts := 0

	for len(stack) > 0 {
		item := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		cur := item.flight

		if item.finalizeOnly {
			if err := e.finalize(ctx, op, cur); err != nil {
				return err
			}
			continue
		}

		if attempts >= block.Count {
			return fmt.Errorf("%w: %s", ErrPlacementExhausted, f.Callsign)
		}
		attempts++

		key := cur.RunwayKey()
		capacity, err := e.capacityFor(ctx, key)
		if err != nil {
			return fmt.Errorf("failed to get capacity for %s: %w", key, err)
		}

		occupants := op.reg.inBlock(key, cur.Block, cur)
		if len(occupants) < capacity {
			e.enforceRestrictions(op, cur)
			if err := e.finalize(ctx, op, cur); err != nil {
				return err
			}
			continue
		}

		if victim := displacementVictim(occupants, cur, op.now); victim != nil {
			victim.Block = block.Normalize(victim.Block + 1)
			victim.Delay++

			e.logger.Debug("displaced flight to make room",
				slog.String("callsign", victim.Callsign),
				slog.String("for", cur.Callsign),
				slog.Int("block", victim.Block))
			e.stats.IncrementDisplacements()
			op.record(func(r *Result) { r.Displaced++ })

			// the victim is placed before the requester is timed
			stack = append(stack, placement{flight: cur, finalizeOnly: true}, placement{flight: victim})
			continue
		}

		cur.Block = block.Normalize(cur.Block + 1)
		cur.Delay++
		stack = append(stack, placement{flight: cur})
	}

	return nil
}

// displacementVictim picks the occupant to bump for an incoming flight:
// still in planning, not pinned by a CTOT, starting up more than ten
// minutes from now and with a lower combined score. Lowest score first,
// most recently assigned on ties.
func displacementVictim(occupants []*types.Flight, incoming *types.Flight, now time.Time) *types.Flight {
	limit := now.Add(displacementLeadTime)

	var candidates []*types.Flight
	for _, f := range occupants {
		if f.InPlanning() && f.CTOT.IsZero() && f.TSAT.After(limit) && f.Score() < incoming.Score() {
			candidates = append(candidates, f)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score() != candidates[j].Score() {
			return candidates[i].Score() < candidates[j].Score()
		}
		return candidates[i].BlockAssignment.After(candidates[j].BlockAssignment)
	})
	return candidates[0]
}

// finalize spreads f over its block and queues it for persistence.
// A TSAT is never earlier than the TOBT, and a CTOT always wins.
func (e *Engine) finalize(ctx context.Context, op *operation, f *types.Flight) error {
	if !f.CTOT.IsZero() {
		f.Block = block.FromTime(f.CTOT)
		f.TTOT = f.CTOT
		f.TSAT = f.CTOT.Add(-exot(f))
	} else {
		ttot, err := e.distribute(ctx, op, f)
		if err != nil {
			return err
		}
		f.TTOT = ttot
		f.TSAT = ttot.Add(-exot(f))

		if f.TSAT.Before(f.TOBT) {
			f.TSAT = f.TOBT
			f.TTOT = f.TOBT.Add(exot(f))
		}
	}

	op.reg.addAudit(f, "assigned block", map[string]interface{}{"blockId": f.Block}, op.now)
	op.reg.markDirty(f)
	return nil
}
