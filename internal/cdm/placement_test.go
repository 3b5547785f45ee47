package cdm

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/herver/vacdm-server/internal/block"
	"github.com/herver/vacdm-server/internal/testutils"
	"github.com/herver/vacdm-server/internal/types"
)

// at returns today's 08:mm, inside blocks 48..53
func at(minute int) time.Time {
	return time.Date(2024, 5, 1, 8, minute, 0, 0, time.UTC)
}

func TestDetermineInitialBlock(t *testing.T) {
	t.Run("from TOBT", func(t *testing.T) {
		f := testutils.MockFlight("DLH1", "EDDF", "07", at(15))
		b, ttot, err := DetermineInitialBlock(f)
		require.NoError(t, err)
		assert.Equal(t, 50, b)
		assert.Equal(t, at(25), ttot)
		assert.Equal(t, types.TOBTStateConfirmed, f.TOBTState)
	})

	t.Run("falls back to EOBT", func(t *testing.T) {
		f := testutils.MockFlight("DLH1", "EDDF", "07", time.Time{})
		f.EOBT = at(0)
		b, ttot, err := DetermineInitialBlock(f)
		require.NoError(t, err)
		assert.Equal(t, 49, b)
		assert.Equal(t, at(10), ttot)
		assert.Equal(t, at(0), f.TOBT)
		assert.Equal(t, types.TOBTStateFlightplan, f.TOBTState)
	})

	t.Run("no off-block time", func(t *testing.T) {
		f := testutils.MockFlight("DLH1", "EDDF", "07", time.Time{})
		_, _, err := DetermineInitialBlock(f)
		assert.ErrorIs(t, err, ErrNoOffBlockTime)
	})
}

func TestAdmit_FreeBlock(t *testing.T) {
	store := newMemStore()
	notifier := &recordingNotifier{}
	e := newTestEngine(store, newCapacityTable(map[types.RunwayKey]int{eddf07: 3}), WithNotifier(notifier))

	result, err := e.Admit(context.Background(), testutils.MockFlight("DLH1", "EDDF", "07", at(15)))
	require.NoError(t, err)

	f := store.flight("DLH1")
	require.NotNil(t, f)
	assert.Equal(t, 50, f.Block)
	assert.Zero(t, f.Delay)
	assert.Equal(t, at(15), f.TSAT)
	assert.Equal(t, at(25), f.TTOT)
	assert.Equal(t, testNow, f.BlockAssignment)
	assert.Equal(t, testNow, f.UpdatedAt)

	require.NotNil(t, result.Admitted)
	assert.Equal(t, "DLH1", result.Admitted.Callsign)
	assert.Equal(t, 1, result.Saved)
	assert.NotEmpty(t, result.RunID)
	assert.Equal(t, []string{"DLH1"}, notifier.callsigns)
	assert.Contains(t, store.auditActions("DLH1"), "assigned block")
}

func TestAdmit_DoesNotMutateInput(t *testing.T) {
	store := newMemStore()
	e := newTestEngine(store, newCapacityTable(map[types.RunwayKey]int{eddf07: 3}))

	in := testutils.MockFlight("DLH1", "EDDF", "07", at(15))
	_, err := e.Admit(context.Background(), in)
	require.NoError(t, err)

	assert.Zero(t, in.Block)
	assert.True(t, in.TSAT.IsZero())
}

func TestAdmit_EqualScoreAdvances(t *testing.T) {
	earlier := testNow.Add(-time.Hour)
	store := newMemStore(
		timedFlight("A", 50, 0, earlier),
		timedFlight("B", 50, 0, earlier.Add(time.Minute)),
		timedFlight("C", 50, 0, earlier.Add(2*time.Minute)),
	)
	e := newTestEngine(store, newCapacityTable(map[types.RunwayKey]int{eddf07: 3}))

	result, err := e.Admit(context.Background(), testutils.MockFlight("D", "EDDF", "07", at(15)))
	require.NoError(t, err)

	d := store.flight("D")
	assert.Equal(t, 51, d.Block)
	assert.Equal(t, 1, d.Delay)
	assert.Equal(t, at(30), d.TTOT)
	assert.Equal(t, at(20), d.TSAT)
	assert.Zero(t, result.Displaced)

	// occupants untouched
	assert.Equal(t, 1, result.Saved)
	assert.Equal(t, 3, countInBlock(store.all(), eddf07, 50))
}

func TestAdmit_DisplacesWeakestMostRecent(t *testing.T) {
	earlier := testNow.Add(-time.Hour)
	a := timedFlight("A", 50, 0, earlier)
	a.Prio = 2
	b := timedFlight("B", 50, 0, earlier.Add(time.Minute))
	b.Prio = 1
	c := timedFlight("C", 50, 0, earlier.Add(2*time.Minute))
	c.Prio = 1
	store := newMemStore(a, b, c)
	e := newTestEngine(store, newCapacityTable(map[types.RunwayKey]int{eddf07: 3}))

	incoming := testutils.MockFlight("D", "EDDF", "07", at(15))
	incoming.Prio = 5
	result, err := e.Admit(context.Background(), incoming)
	require.NoError(t, err)

	// third in the block behind A and B
	d := store.flight("D")
	assert.Equal(t, 50, d.Block)
	assert.Zero(t, d.Delay)
	assert.Equal(t, at(26).Add(40*time.Second), d.TTOT)
	assert.Equal(t, at(16).Add(40*time.Second), d.TSAT)

	victim := store.flight("C")
	assert.Equal(t, 51, victim.Block)
	assert.Equal(t, 1, victim.Delay)
	assert.Equal(t, at(30), victim.TTOT)
	assert.Equal(t, at(20), victim.TSAT)

	assert.Equal(t, 50, store.flight("A").Block)
	assert.Equal(t, 50, store.flight("B").Block)
	assert.Equal(t, 1, result.Displaced)
	assert.Equal(t, uint64(1), atomic.LoadUint64(&e.Stats().Displacements))
	assert.Equal(t, 3, countInBlock(store.all(), eddf07, 50))
}

func TestAdmit_WaveSpreadsSharedBlock(t *testing.T) {
	store := newMemStore()
	e := newTestEngine(store, newCapacityTable(map[types.RunwayKey]int{eddf07: 3}))
	ctx := context.Background()

	// all three ask for a takeoff at the start of block 50
	for _, cs := range []string{"A", "B", "C"} {
		_, err := e.Admit(ctx, testutils.MockFlight(cs, "EDDF", "07", at(10)))
		require.NoError(t, err)
	}

	start := block.Nearest(50, testNow)
	for i, cs := range []string{"A", "B", "C"} {
		f := store.flight(cs)
		assert.Equal(t, 50, f.Block, cs)
		assert.Equal(t, time.Duration(i)*200*time.Second, f.TTOT.Sub(start), cs)
		assert.Equal(t, f.TTOT.Add(-10*time.Minute), f.TSAT, cs)
		assert.False(t, f.TSAT.Before(f.TOBT), cs)
	}

	// a fourth flight with no weaker occupant steps forward
	result, err := e.Admit(ctx, testutils.MockFlight("D", "EDDF", "07", at(10)))
	require.NoError(t, err)
	assert.Zero(t, result.Displaced)
	assert.Equal(t, 51, store.flight("D").Block)
	assert.Equal(t, 3, countInBlock(store.all(), eddf07, 50))
}

func TestAdmit_CTOTOccupantNotDisplaced(t *testing.T) {
	earlier := testNow.Add(-time.Hour)
	a := timedFlight("A", 50, 0, earlier)
	a.CTOT = at(20)
	store := newMemStore(a)
	e := newTestEngine(store, newCapacityTable(map[types.RunwayKey]int{eddf07: 1}))

	incoming := testutils.MockFlight("D", "EDDF", "07", at(15))
	incoming.Prio = 10
	result, err := e.Admit(context.Background(), incoming)
	require.NoError(t, err)

	assert.Zero(t, result.Displaced)
	pinned := store.flight("A")
	assert.Equal(t, 50, pinned.Block)
	assert.Zero(t, pinned.Delay)
	assert.Equal(t, 51, store.flight("D").Block)
	assert.Equal(t, 1, store.flight("D").Delay)
}

func TestAdmit_DisplacementConservesDelay(t *testing.T) {
	earlier := testNow.Add(-time.Hour)
	var occupants []*types.Flight
	for i := 0; i < 3; i++ {
		occupants = append(occupants, timedFlight(fmt.Sprintf("OCC%d", i), 50, 0, earlier.Add(time.Duration(i)*time.Minute)))
	}
	// the next block is full of stronger flights, so the victim cascades
	for i := 0; i < 3; i++ {
		f := timedFlight(fmt.Sprintf("NXT%d", i), 51, 0, earlier)
		f.Prio = 50
		occupants = append(occupants, f)
	}
	store := newMemStore(occupants...)
	e := newTestEngine(store, newCapacityTable(map[types.RunwayKey]int{eddf07: 3}))

	incoming := testutils.MockFlight("D", "EDDF", "07", at(15))
	incoming.Prio = 10
	_, err := e.Admit(context.Background(), incoming)
	require.NoError(t, err)

	victim := store.flight("OCC2")
	assert.Equal(t, 52, victim.Block)
	assert.Equal(t, 2, victim.Delay)

	totalDelay := 0
	for _, f := range store.all() {
		totalDelay += f.Delay
		assert.LessOrEqual(t, countInBlock(store.all(), eddf07, f.Block), 3)
	}
	assert.Equal(t, 2, totalDelay)
}

func TestAdmit_LeadTimeProtectsImminentStartup(t *testing.T) {
	earlier := time.Date(2024, 5, 1, 7, 0, 0, 0, time.UTC)
	store := newMemStore(
		timedFlight("A", 50, 0, earlier),
		timedFlight("B", 50, 0, earlier),
		timedFlight("C", 50, 0, earlier),
	)
	// occupants start up at 08:10, inside the ten minute lead time
	now := at(5)
	e := newTestEngine(store, newCapacityTable(map[types.RunwayKey]int{eddf07: 3}),
		WithClock(testutils.FixedClock{T: now}))

	incoming := testutils.MockFlight("D", "EDDF", "07", at(15))
	incoming.Prio = 10
	result, err := e.Admit(context.Background(), incoming)
	require.NoError(t, err)

	assert.Equal(t, 51, store.flight("D").Block)
	assert.Zero(t, result.Displaced)
}

func TestAdmit_LockedOccupantNotDisplaced(t *testing.T) {
	earlier := testNow.Add(-time.Hour)
	a := timedFlight("A", 50, 0, earlier)
	a.ASAT = testNow
	store := newMemStore(a)
	e := newTestEngine(store, newCapacityTable(map[types.RunwayKey]int{eddf07: 1}))

	incoming := testutils.MockFlight("D", "EDDF", "07", at(15))
	incoming.Prio = 10
	_, err := e.Admit(context.Background(), incoming)
	require.NoError(t, err)

	assert.Equal(t, 50, store.flight("A").Block)
	assert.Equal(t, 51, store.flight("D").Block)
}

func TestAdmit_TSATNeverBeforeTOBT(t *testing.T) {
	earlier := testNow.Add(-time.Hour)
	store := newMemStore(
		timedFlight("A", 50, 0, earlier),
		timedFlight("B", 50, 0, earlier),
	)
	e := newTestEngine(store, newCapacityTable(map[types.RunwayKey]int{eddf07: 3}))

	// a late request in a block with room keeps its own TOBT
	_, err := e.Admit(context.Background(), testutils.MockFlight("D", "EDDF", "07", at(19)))
	require.NoError(t, err)

	for _, f := range store.all() {
		if f.CTOT.IsZero() {
			assert.False(t, f.TSAT.Before(f.TOBT), f.Callsign)
		}
	}
	assert.Equal(t, at(19), store.flight("D").TSAT)
}

func TestAdmit_CTOTIsAuthoritative(t *testing.T) {
	store := newMemStore()
	e := newTestEngine(store, newCapacityTable(map[types.RunwayKey]int{eddf07: 3}))

	incoming := testutils.MockFlight("D", "EDDF", "07", at(15))
	incoming.CTOT = time.Date(2024, 5, 1, 9, 3, 0, 0, time.UTC)
	_, err := e.Admit(context.Background(), incoming)
	require.NoError(t, err)

	d := store.flight("D")
	assert.Equal(t, 54, d.Block)
	assert.Equal(t, incoming.CTOT, d.TTOT)
	assert.Equal(t, incoming.CTOT.Add(-10*time.Minute), d.TSAT)
}

func TestAdmit_Readmission(t *testing.T) {
	store := newMemStore()
	e := newTestEngine(store, newCapacityTable(map[types.RunwayKey]int{eddf07: 3}))
	ctx := context.Background()

	_, err := e.Admit(ctx, testutils.MockFlight("D", "EDDF", "07", at(15)))
	require.NoError(t, err)

	// a new TOBT moves the flight instead of duplicating it
	updated := *store.flight("D")
	updated.TOBT = at(35)
	_, err = e.Admit(ctx, &updated)
	require.NoError(t, err)

	assert.Len(t, store.all(), 1)
	d := store.flight("D")
	assert.Equal(t, 52, d.Block)
	assert.Equal(t, at(35), d.TSAT)
	assert.Equal(t, at(45), d.TTOT)
}

func TestAdmit_Errors(t *testing.T) {
	t.Run("no off-block time", func(t *testing.T) {
		store := newMemStore()
		e := newTestEngine(store, newCapacityTable(map[types.RunwayKey]int{eddf07: 3}))

		_, err := e.Admit(context.Background(), testutils.MockFlight("D", "EDDF", "07", time.Time{}))
		assert.ErrorIs(t, err, ErrNoOffBlockTime)
		assert.Empty(t, store.saved)
		assert.Equal(t, uint64(1), atomic.LoadUint64(&e.Stats().FailedAdmissions))
	})

	t.Run("store unavailable", func(t *testing.T) {
		store := newMemStore()
		store.listErr = errors.New("connection refused")
		e := newTestEngine(store, newCapacityTable(map[types.RunwayKey]int{eddf07: 3}))

		_, err := e.Admit(context.Background(), testutils.MockFlight("D", "EDDF", "07", at(15)))
		assert.Error(t, err)
	})

	t.Run("no capacity", func(t *testing.T) {
		store := newMemStore()
		e := newTestEngine(store, newCapacityTable(map[types.RunwayKey]int{}))

		_, err := e.Admit(context.Background(), testutils.MockFlight("D", "EDDF", "07", at(15)))
		assert.ErrorIs(t, err, ErrNoCapacity)
		assert.Empty(t, store.saved)
	})

	t.Run("every block full", func(t *testing.T) {
		earlier := testNow.Add(-time.Hour)
		var flights []*types.Flight
		for b := 0; b < block.Count; b++ {
			f := timedFlight(blockCallsign(b), b, 0, earlier)
			f.Prio = 100
			flights = append(flights, f)
		}
		store := newMemStore(flights...)
		e := newTestEngine(store, newCapacityTable(map[types.RunwayKey]int{eddf07: 1}))

		_, err := e.Admit(context.Background(), testutils.MockFlight("D", "EDDF", "07", at(15)))
		assert.ErrorIs(t, err, ErrPlacementExhausted)
		assert.Empty(t, store.saved)
		assert.Nil(t, store.flight("D"))
	})
}

func TestAdmit_SaveFailureContinues(t *testing.T) {
	earlier := testNow.Add(-time.Hour)
	c := timedFlight("C", 50, 0, earlier)
	store := newMemStore(c)
	store.failSave["C"] = true
	e := newTestEngine(store, newCapacityTable(map[types.RunwayKey]int{eddf07: 1}))

	incoming := testutils.MockFlight("D", "EDDF", "07", at(15))
	incoming.Prio = 10
	result, err := e.Admit(context.Background(), incoming)
	require.NoError(t, err)

	assert.Equal(t, 1, result.SaveFailures)
	assert.Equal(t, 1, result.Saved)
	assert.Equal(t, 50, store.flight("D").Block)
	assert.Equal(t, uint64(1), atomic.LoadUint64(&e.Stats().FailedSaves))
}

func TestAdmitCallsign(t *testing.T) {
	store := newMemStore(testutils.MockFlight("D", "EDDF", "07", at(15)))
	e := newTestEngine(store, newCapacityTable(map[types.RunwayKey]int{eddf07: 3}))
	ctx := context.Background()

	result, err := e.AdmitCallsign(ctx, "D")
	require.NoError(t, err)
	assert.Equal(t, 50, result.Admitted.Block)
	assert.Equal(t, at(15), store.flight("D").TSAT)

	_, err = e.AdmitCallsign(ctx, "UNKNOWN")
	assert.ErrorIs(t, err, ErrFlightNotFound)
}
