package cdm

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/herver/vacdm-server/internal/block"
	"github.com/herver/vacdm-server/internal/testutils"
	"github.com/herver/vacdm-server/internal/types"
)

var (
	eddf07 = types.RunwayKey{Aerodrome: "EDDF", Runway: "07"}
	eddm26 = types.RunwayKey{Aerodrome: "EDDM", Runway: "26"}

	// 06:00 UTC, block 36
	testNow = time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC)
)

type memStore struct {
	mu       sync.Mutex
	flights  map[string]*types.Flight
	order    []string
	saved    map[string]*types.Flight
	audit    []types.AuditEntry
	listErr  error
	failSave map[string]bool
}

func newMemStore(flights ...*types.Flight) *memStore {
	m := &memStore{
		flights:  make(map[string]*types.Flight),
		saved:    make(map[string]*types.Flight),
		failSave: make(map[string]bool),
	}
	for _, f := range flights {
		m.flights[f.Callsign] = f
		m.order = append(m.order, f.Callsign)
	}
	return m
}

func (m *memStore) ListActiveFlights(ctx context.Context) ([]*types.Flight, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []*types.Flight
	for _, cs := range m.order {
		f := *m.flights[cs]
		if !f.Inactive {
			out = append(out, &f)
		}
	}
	return out, nil
}

func (m *memStore) SaveFlight(ctx context.Context, flight *types.Flight) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSave[flight.Callsign] {
		return errors.New("write conflict")
	}
	f := *flight
	if _, ok := m.flights[f.Callsign]; !ok {
		m.order = append(m.order, f.Callsign)
	}
	m.flights[f.Callsign] = &f
	m.saved[f.Callsign] = &f
	return nil
}

func (m *memStore) AppendAuditLog(ctx context.Context, entry types.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, entry)
	return nil
}

func (m *memStore) flight(callsign string) *types.Flight {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flights[callsign]
}

func (m *memStore) all() []*types.Flight {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Flight
	for _, cs := range m.order {
		out = append(out, m.flights[cs])
	}
	return out
}

func (m *memStore) auditActions(callsign string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.audit {
		if e.Flight == callsign {
			out = append(out, e.Action)
		}
	}
	return out
}

type capacityTable struct {
	mu        sync.Mutex
	caps      map[types.RunwayKey]int
	errs      map[types.RunwayKey]error
	groupsErr error
	calls     int
}

func newCapacityTable(caps map[types.RunwayKey]int) *capacityTable {
	return &capacityTable{caps: caps, errs: make(map[types.RunwayKey]error)}
}

func (c *capacityTable) GetCapacity(ctx context.Context, aerodrome, runway string) (types.Capacity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	key := types.RunwayKey{Aerodrome: aerodrome, Runway: runway}
	if err := c.errs[key]; err != nil {
		return types.Capacity{}, err
	}
	return types.Capacity{Aerodrome: aerodrome, Runway: runway, Capacity: c.caps[key]}, nil
}

func (c *capacityTable) RunwayGroups(ctx context.Context) ([]types.RunwayKey, error) {
	if c.groupsErr != nil {
		return nil, c.groupsErr
	}
	var keys []types.RunwayKey
	for k := range c.caps {
		keys = append(keys, k)
	}
	for k := range c.errs {
		if _, ok := c.caps[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}

type fakeFeed struct {
	pilots map[string]*types.FeedPilot
	err    error
}

func (f *fakeFeed) FindFlightByCallsign(ctx context.Context, callsign string) (*types.FeedPilot, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.pilots[callsign], nil
}

type fakeBookings struct {
	slots map[int]time.Time
}

func (b *fakeBookings) HasBooking(ctx context.Context, cid int) (bool, error) {
	_, ok := b.slots[cid]
	return ok, nil
}

func (b *fakeBookings) SlotTime(ctx context.Context, cid int) (time.Time, error) {
	slot, ok := b.slots[cid]
	if !ok {
		return time.Time{}, errors.New("no booking")
	}
	return slot, nil
}

type recordingNotifier struct {
	mu        sync.Mutex
	callsigns []string
}

func (n *recordingNotifier) FlightUpdated(ctx context.Context, f *types.Flight) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.callsigns = append(n.callsigns, f.Callsign)
	return nil
}

func newTestEngine(store FlightStore, capacity CapacityLookup, opts ...Option) *Engine {
	base := []Option{
		WithClock(testutils.FixedClock{T: testNow}),
		WithLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))),
	}
	return New(store, capacity, append(base, opts...)...)
}

// timedFlight is a planned flight already sitting in block b of EDDF/07,
// timed at the block start and pushed there by delay blocks
func timedFlight(callsign string, b, delay int, assigned time.Time) *types.Flight {
	start := block.Nearest(b, testNow)
	original := block.Nearest(b-delay, testNow)
	f := testutils.MockFlight(callsign, eddf07.Aerodrome, eddf07.Runway, original.Add(-10*time.Minute))
	f.Block = b
	f.Delay = delay
	f.BlockAssignment = assigned
	f.TTOT = start
	f.TSAT = start.Add(-10 * time.Minute)
	return f
}

func newTestOperation(t *testing.T, flights ...*types.Flight) *operation {
	t.Helper()
	reg, err := newRegistry(flights)
	require.NoError(t, err)
	return newOperation(reg, testNow)
}

func countInBlock(flights []*types.Flight, key types.RunwayKey, b int) int {
	n := 0
	for _, f := range flights {
		if f.RunwayKey() == key && f.Block == b && !f.Inactive {
			n++
		}
	}
	return n
}
