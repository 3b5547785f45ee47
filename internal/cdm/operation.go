package cdm

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/herver/vacdm-server/internal/types"
)

// Overflow is a flight left in a block that exceeds runway capacity
type Overflow struct {
	Callsign string          `json:"callsign"`
	Runway   types.RunwayKey `json:"runway"`
	Block    int             `json:"block"`
}

// Result summarises an admission or optimizer pass
type Result struct {
	RunID            string
	Admitted         *types.Flight
	Moved            int
	Displaced        int
	OverflowMoves    int
	BookingOverrides int
	Unresolved       []Overflow
	FailedGroups     map[types.RunwayKey]error
	Saved            int
	SaveFailures     int
	Skipped          map[string]error
}

// operation carries the state shared by one admission or optimizer pass
type operation struct {
	reg *registry
	now time.Time

	mu     sync.Mutex
	result Result
}

func newOperation(reg *registry, now time.Time) *operation {
	return &operation{
		reg: reg,
		now: now,
		result: Result{
			RunID:        uuid.NewString(),
			FailedGroups: make(map[types.RunwayKey]error),
			Skipped:      make(map[string]error),
		},
	}
}

func (op *operation) record(fn func(r *Result)) {
	op.mu.Lock()
	fn(&op.result)
	op.mu.Unlock()
}

func (op *operation) summary() *Result {
	op.mu.Lock()
	defer op.mu.Unlock()
	r := op.result
	return &r
}
