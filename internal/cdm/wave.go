package cdm

import (
	"context"
	"log/slog"
	"time"

	"github.com/herver/vacdm-server/internal/block"
	"github.com/herver/vacdm-server/internal/types"
)

// WaveTime spreads the flights of one block evenly over its ten minutes.
// position is the zero-based order of assignment within the block.
func WaveTime(blockStart time.Time, position, capacity int) time.Time {
	if capacity < 1 {
		capacity = 1
	}
	slot := time.Duration(600/capacity) * time.Second
	ttot := blockStart.Add(time.Duration(position) * slot)

	latest := block.End(blockStart).Add(-blockEndMargin)
	if ttot.After(latest) {
		return latest
	}
	return ttot
}

// wavePosition counts the occupants assigned to the block before f
func wavePosition(reg *registry, f *types.Flight, occupants []*types.Flight) int {
	position := 0
	for _, other := range occupants {
		if reg.assignedBefore(other, f) {
			position++
		}
	}
	return position
}

// referenceTime anchors a block index to a calendar day for f
func referenceTime(f *types.Flight, now time.Time) time.Time {
	switch {
	case !f.TTOT.IsZero():
		return f.TTOT
	case !f.TOBT.IsZero():
		return f.TOBT.Add(exot(f))
	}
	return now
}

// distribute computes f's takeoff time inside its block. An overbooked
// block is resolved first by moving f to the next block with spare
// capacity; if there is none f stays and the overflow is recorded.
func (e *Engine) distribute(ctx context.Context, op *operation, f *types.Flight) (time.Time, error) {
	key := f.RunwayKey()
	capacity, err := e.capacityFor(ctx, key)
	if err != nil {
		return time.Time{}, err
	}

	ref := referenceTime(f, op.now)
	for moves := 0; moves < block.Count; moves++ {
		occupants := op.reg.inBlock(key, f.Block, f)
		if len(occupants)+1 <= capacity {
			break
		}

		e.logger.Warn("block capacity overflow detected",
			slog.String("callsign", f.Callsign),
			slog.String("runway", key.String()),
			slog.Int("block", f.Block),
			slog.Int("flights", len(occupants)+1),
			slog.Int("capacity", capacity))

		next, ok := nextAvailableBlock(op.reg, key, f.Block, capacity)
		if !ok {
			e.logger.Error("no available block found, keeping flight in overbooked block",
				slog.String("callsign", f.Callsign),
				slog.String("runway", key.String()),
				slog.Int("block", f.Block))
			e.stats.IncrementUnresolvedOverflows()
			op.record(func(r *Result) {
				r.Unresolved = append(r.Unresolved, Overflow{Callsign: f.Callsign, Runway: key, Block: f.Block})
			})
			break
		}

		ref = block.Nearest(f.Block, ref)
		e.moveForOverflow(op, f, next)
	}

	occupants := op.reg.inBlock(key, f.Block, f)
	start := block.Nearest(f.Block, ref)
	return WaveTime(start, wavePosition(op.reg, f, occupants), capacity), nil
}
