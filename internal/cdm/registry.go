package cdm

import (
	"fmt"
	"sync"
	"time"

	"github.com/brunoga/deep"
	"github.com/google/uuid"

	"github.com/herver/vacdm-server/internal/types"
)

// registry is the working snapshot of active flights for one operation.
// Flights are deep copies of what the store returned, so nothing reaches
// the store before flush.
type registry struct {
	flights  map[string]*types.Flight
	order    []string
	index    map[string]int
	byRunway map[types.RunwayKey][]*types.Flight

	mu      sync.Mutex
	dirty   map[string]bool
	audit   []auditRecord
	nextSeq int
}

type auditRecord struct {
	seq   int
	entry types.AuditEntry
}

// groupCheckpoint is the state of one runway group before it is optimized
type groupCheckpoint struct {
	flights []types.Flight
	dirty   map[string]bool
	seq     int
}

func newRegistry(flights []*types.Flight) (*registry, error) {
	snapshot, err := deep.Copy(flights)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot flights: %w", err)
	}

	r := &registry{
		flights:  make(map[string]*types.Flight, len(snapshot)),
		index:    make(map[string]int, len(snapshot)),
		byRunway: make(map[types.RunwayKey][]*types.Flight),
		dirty:    make(map[string]bool),
	}
	for _, f := range snapshot {
		if f == nil || f.Inactive {
			continue
		}
		if _, exists := r.flights[f.Callsign]; exists {
			continue
		}
		r.flights[f.Callsign] = f
		r.index[f.Callsign] = len(r.order)
		r.order = append(r.order, f.Callsign)
		key := f.RunwayKey()
		r.byRunway[key] = append(r.byRunway[key], f)
	}
	return r, nil
}

func (r *registry) get(callsign string) *types.Flight {
	return r.flights[callsign]
}

// upsert replaces the stored copy of a flight, moving it between runway
// groups if needed, and returns the registry's copy
func (r *registry) upsert(in *types.Flight) (*types.Flight, error) {
	f, err := deep.Copy(in)
	if err != nil {
		return nil, fmt.Errorf("failed to copy flight %s: %w", in.Callsign, err)
	}

	if old, ok := r.flights[f.Callsign]; ok {
		r.removeFromRunway(old)
	} else {
		r.index[f.Callsign] = len(r.order)
		r.order = append(r.order, f.Callsign)
	}
	r.flights[f.Callsign] = f
	key := f.RunwayKey()
	r.byRunway[key] = append(r.byRunway[key], f)
	return f, nil
}

func (r *registry) removeFromRunway(f *types.Flight) {
	key := f.RunwayKey()
	list := r.byRunway[key]
	for i, other := range list {
		if other == f {
			r.byRunway[key] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

func (r *registry) all() []*types.Flight {
	out := make([]*types.Flight, 0, len(r.order))
	for _, cs := range r.order {
		out = append(out, r.flights[cs])
	}
	return out
}

// runway returns all active flights of a runway group
func (r *registry) runway(key types.RunwayKey) []*types.Flight {
	return r.byRunway[key]
}

// inBlock returns the flights of a runway group assigned to block b, without exclude
func (r *registry) inBlock(key types.RunwayKey, b int, exclude *types.Flight) []*types.Flight {
	var out []*types.Flight
	for _, f := range r.byRunway[key] {
		if f != exclude && f.Block == b {
			out = append(out, f)
		}
	}
	return out
}

// assignedBefore orders flights by block assignment, then by load order
func (r *registry) assignedBefore(a, b *types.Flight) bool {
	if !a.BlockAssignment.Equal(b.BlockAssignment) {
		return a.BlockAssignment.Before(b.BlockAssignment)
	}
	return r.index[a.Callsign] < r.index[b.Callsign]
}

func (r *registry) countInBlock(key types.RunwayKey, b int) int {
	n := 0
	for _, f := range r.byRunway[key] {
		if f.Block == b {
			n++
		}
	}
	return n
}

func (r *registry) markDirty(f *types.Flight) {
	r.mu.Lock()
	r.dirty[f.Callsign] = true
	r.mu.Unlock()
}

func (r *registry) addAudit(f *types.Flight, action string, data map[string]interface{}, now time.Time) {
	r.mu.Lock()
	r.audit = append(r.audit, auditRecord{seq: r.nextSeq, entry: types.AuditEntry{
		ID:        uuid.NewString(),
		Flight:    f.Callsign,
		Namespace: auditNamespace,
		Action:    action,
		Data:      data,
		Time:      now,
	}})
	r.nextSeq++
	r.mu.Unlock()
}

// dirtyFlights returns changed flights in load order
func (r *registry) dirtyFlights() []*types.Flight {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*types.Flight
	for _, cs := range r.order {
		if r.dirty[cs] {
			out = append(out, r.flights[cs])
		}
	}
	return out
}

func (r *registry) auditEntries() []types.AuditEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.AuditEntry, 0, len(r.audit))
	for _, rec := range r.audit {
		out = append(out, rec.entry)
	}
	return out
}

// checkpoint records a runway group's flights and pending writes so a
// failed group can be rolled back to this point
func (r *registry) checkpoint(key types.RunwayKey) (*groupCheckpoint, error) {
	list := r.byRunway[key]
	values := make([]types.Flight, len(list))
	for i, f := range list {
		values[i] = *f
	}
	saved, err := deep.Copy(values)
	if err != nil {
		return nil, err
	}

	cp := &groupCheckpoint{flights: saved, dirty: make(map[string]bool)}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range list {
		if r.dirty[f.Callsign] {
			cp.dirty[f.Callsign] = true
		}
	}
	cp.seq = r.nextSeq
	return cp, nil
}

// rollback restores a runway group to a checkpoint. Writes queued for the
// group before the checkpoint are kept.
func (r *registry) rollback(key types.RunwayKey, cp *groupCheckpoint) {
	list := r.byRunway[key]
	callsigns := make(map[string]bool, len(list))
	for i, f := range list {
		if i < len(cp.flights) {
			*f = cp.flights[i]
		}
		callsigns[f.Callsign] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for cs := range callsigns {
		if !cp.dirty[cs] {
			delete(r.dirty, cs)
		}
	}
	kept := r.audit[:0]
	for _, rec := range r.audit {
		if rec.seq < cp.seq || !callsigns[rec.entry.Flight] {
			kept = append(kept, rec)
		}
	}
	r.audit = kept
}
