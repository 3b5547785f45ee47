package cdm

import (
	"log/slog"
	"time"

	"github.com/herver/vacdm-server/internal/types"
)

// separationMinutes rounds a separation in seconds up to whole minutes
func separationMinutes(seconds int) int {
	return (seconds + 59) / 60
}

func hasRestriction(f *types.Flight, ident string) bool {
	for _, r := range f.Restrictions {
		if r.Ident == ident {
			return true
		}
	}
	return false
}

// enforceRestrictions forces a CTOT on f when another flight on the same
// runway sharing one of its restrictions takes off closer than the
// required separation. With several conflicts the last one checked wins.
func (e *Engine) enforceRestrictions(op *operation, f *types.Flight) {
	if len(f.Restrictions) == 0 || f.TTOT.IsZero() {
		return
	}

	others := op.reg.runway(f.RunwayKey())
	for _, measure := range f.Restrictions {
		if measure.Value <= 0 {
			continue
		}
		sep := separationMinutes(measure.Value)

		for _, other := range others {
			if other == f || other.Callsign == f.Callsign || other.TTOT.IsZero() {
				continue
			}
			if !hasRestriction(other, measure.Ident) {
				continue
			}

			// whole minutes, truncated toward zero. Flights departing a full
			// separation or more before f are left alone.
			// TODO: confirm with the ATC stakeholders whether those should
			// still force a CTOT, which changes which conflict wins.
			diff := int(other.TTOT.Sub(f.TTOT) / time.Minute)
			if diff <= -sep || diff >= sep {
				continue
			}

			f.CTOT = other.TTOT.Add(time.Duration(sep) * time.Minute)
			e.logger.Debug("minimum departure interval applied",
				slog.String("callsign", f.Callsign),
				slog.String("restriction", measure.Ident),
				slog.String("after", other.Callsign),
				slog.Time("ctot", f.CTOT))
		}
	}
}
