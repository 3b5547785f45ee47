package cdm

import (
	"log/slog"

	"github.com/herver/vacdm-server/internal/block"
	"github.com/herver/vacdm-server/internal/types"
)

// nextAvailableBlock searches forward from current, wrapping at midnight,
// for the first block of the runway group with fewer flights than capacity
func nextAvailableBlock(reg *registry, key types.RunwayKey, current, capacity int) (int, bool) {
	for i := 1; i <= maxBlocksToCheck; i++ {
		b := block.Normalize(current + i)
		if reg.countInBlock(key, b) < capacity {
			return b, true
		}
	}
	return 0, false
}

// moveForOverflow relocates f to next, charging the distance travelled as delay
func (e *Engine) moveForOverflow(op *operation, f *types.Flight, next int) {
	old := f.Block
	f.Block = next
	f.Delay += block.Distance(old, next)
	f.BlockAssignment = op.now

	e.logger.Info("moved flight due to capacity overflow",
		slog.String("callsign", f.Callsign),
		slog.Int("from", old),
		slog.Int("to", next),
		slog.Int("delay", f.Delay))
	e.stats.IncrementOverflowMoves()
	op.record(func(r *Result) { r.OverflowMoves++ })
}
