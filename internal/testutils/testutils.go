package testutils

import (
	"context"
	"fmt"
	"time"

	"github.com/herver/vacdm-server/internal/types"
)

// MockFlight creates an active flight in planning for testing
func MockFlight(callsign, departure, runway string, tobt time.Time) *types.Flight {
	return &types.Flight{
		Callsign:  callsign,
		Departure: departure,
		Arrival:   "EGLL",
		Runway:    runway,
		TOBT:      tobt,
		TOBTState: types.TOBTStateConfirmed,
		EXOT:      10,
	}
}

// FixedClock always returns the same instant
type FixedClock struct {
	T time.Time
}

// Now returns the fixed instant
func (c FixedClock) Now() time.Time {
	return c.T
}

// WaitForCondition waits for a condition to be true with timeout
func WaitForCondition(condition func() bool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for condition")
		case <-ticker.C:
			if condition() {
				return nil
			}
		}
	}
}
