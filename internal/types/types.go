package types

import (
	"time"
)

// TOBTState describes where a flight's target off-block time came from
type TOBTState string

const (
	TOBTStateGuess      TOBTState = "GUESS"
	TOBTStateFlightplan TOBTState = "FLIGHTPLAN"
	TOBTStateConfirmed  TOBTState = "CONFIRMED"
	TOBTStateNow        TOBTState = "NOW"
)

// Restriction is a minimum separation measure shared by every flight
// carrying the same identifier
type Restriction struct {
	Ident string `json:"ident"`
	Value int    `json:"value"` // seconds
}

// RunwayKey identifies a capacity group: an aerodrome and a runway
// designator or alias
type RunwayKey struct {
	Aerodrome string `json:"aerodrome"`
	Runway    string `json:"runway"`
}

func (k RunwayKey) String() string {
	return k.Aerodrome + "/" + k.Runway
}

// Flight represents a departure taking part in slot scheduling.
// Zero time values mean "not set".
type Flight struct {
	Callsign  string `json:"callsign"`
	Departure string `json:"departure"`
	Arrival   string `json:"arrival"`
	Runway    string `json:"runway"`

	Block           int       `json:"block"`
	BlockAssignment time.Time `json:"block_assignment"`

	EOBT      time.Time `json:"eobt"`
	TOBT      time.Time `json:"tobt"`
	TOBTState TOBTState `json:"tobt_state"`
	EXOT      int       `json:"exot"` // minutes

	TSAT time.Time `json:"tsat"`
	TTOT time.Time `json:"ttot"`
	CTOT time.Time `json:"ctot"`

	Delay      int  `json:"delay"`
	Prio       int  `json:"prio"`
	HasBooking bool `json:"has_booking"`

	Restrictions []Restriction `json:"restrictions"`

	// Progress markers
	ASRT time.Time `json:"asrt"`
	AORT time.Time `json:"aort"`
	ASAT time.Time `json:"asat"`
	AOBT time.Time `json:"aobt"`
	ATOT time.Time `json:"atot"`

	Inactive  bool      `json:"inactive"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RunwayKey returns the capacity group the flight departs from
func (f *Flight) RunwayKey() RunwayKey {
	return RunwayKey{Aerodrome: f.Departure, Runway: f.Runway}
}

// Score is the combined priority and delay. Lower scores are displaced first.
func (f *Flight) Score() int {
	return f.Prio + f.Delay
}

// InPlanning reports whether no progress marker has been recorded yet
func (f *Flight) InPlanning() bool {
	return f.ASRT.IsZero() &&
		f.AORT.IsZero() &&
		f.ASAT.IsZero() &&
		f.AOBT.IsZero() &&
		f.ATOT.IsZero()
}

// Capacity is the number of departures a runway accepts per block
type Capacity struct {
	Aerodrome string `json:"aerodrome"`
	Runway    string `json:"runway"`
	Alias     string `json:"alias"`
	Capacity  int    `json:"capacity"`
}

// AuditEntry records a scheduling decision for a flight
type AuditEntry struct {
	ID        string                 `json:"id"`
	Flight    string                 `json:"flight"`
	Namespace string                 `json:"namespace"`
	Action    string                 `json:"action"`
	Data      map[string]interface{} `json:"data"`
	Time      time.Time              `json:"time"`
}

// FeedPilot is a pilot connected to the live network feed
type FeedPilot struct {
	CID       int     `json:"cid"`
	Callsign  string  `json:"callsign"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  int     `json:"altitude"`
}

// Booking is an event slot booked by a network member
type Booking struct {
	CID      int    `json:"cid" msgpack:"cid"`
	Callsign string `json:"callsign" msgpack:"callsign"`
	Slot     string `json:"slot" msgpack:"slot"` // HHMM or HH:MM, UTC
}
