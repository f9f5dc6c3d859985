// Package calendar holds the in-memory appointment set of one actor's
// calendar and reconciles optimistic local edits with the backend.
package calendar

import (
	"sort"
	"sync"

	"github.com/hackgods/portal-scheduling/internal/appointment"
)

// SyncState tracks whether an entry's last local change reached the backend.
type SyncState string

const (
	StateConfirmed    SyncState = "confirmed"
	StateLocalPending SyncState = "local-pending"
)

// Entry is a visible appointment together with its sync state.
type Entry struct {
	Appointment appointment.Appointment
	State       SyncState
}

type entry struct {
	appt  appointment.Appointment
	state SyncState
	// prior holds the last confirmed value while a local edit is in flight;
	// nil means the entry was created locally and has never been confirmed.
	prior *appointment.Appointment
	// gen is the generation of the last local mutation or confirmation.
	gen uint64
}

// Conflict describes two bookings for one doctor that overlap after a merge.
// Kept stays visible; Dropped is hidden until the backend resolves it.
type Conflict struct {
	Kept    appointment.Appointment
	Dropped appointment.Appointment
}

type MergeResult struct {
	Added     int
	Updated   int
	Removed   int
	Skipped   int
	Conflicts []Conflict
}

// Reconciler is the single owner of a calendar's appointments. All access
// goes through its methods.
type Reconciler struct {
	mu sync.RWMutex

	scope   appointment.Scope
	entries map[string]*entry
	// deleting holds appointments whose deletion is in flight, keyed by id.
	deleting map[string]*entry
	// tombstones remember confirmed deletions by generation so that a
	// snapshot fetched before the delete cannot bring the entry back.
	tombstones map[string]uint64
	// aliases maps temporary ids to the authoritative ids they were bound to.
	aliases map[string]string
	// hidden are conflict losers from the last merge, with flagged marking
	// pairs already reported so they are surfaced once.
	hidden  map[string]appointment.Appointment
	flagged map[string]struct{}

	gen uint64
	// merged is the since value of the newest snapshot merged so far.
	merged uint64
}

func NewReconciler(scope appointment.Scope) *Reconciler {
	return &Reconciler{
		scope:      scope,
		entries:    make(map[string]*entry),
		deleting:   make(map[string]*entry),
		tombstones: make(map[string]uint64),
		aliases:    make(map[string]string),
		hidden:     make(map[string]appointment.Appointment),
		flagged:    make(map[string]struct{}),
	}
}

func (r *Reconciler) Scope() appointment.Scope {
	return r.scope
}

// Generation increases with every local mutation. Pass the value read
// before fetching a snapshot to MergeExternalSince.
func (r *Reconciler) Generation() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gen
}

// ApplyOptimistic inserts or replaces an entry and marks it local-pending.
// The first confirmed value is kept for rollback even if several optimistic
// writes stack up.
func (r *Reconciler) ApplyOptimistic(a appointment.Appointment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applyLocked(a)
}

// ApplyIfAvailable runs check against the visible appointments and, when it
// passes, applies a as ApplyOptimistic does. Both happen under one lock so
// two callers cannot claim the same time from the same view.
func (r *Reconciler) ApplyIfAvailable(a appointment.Appointment, check func(visible []appointment.Appointment) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := check(r.visibleLocked()); err != nil {
		return err
	}
	r.applyLocked(a)
	return nil
}

func (r *Reconciler) applyLocked(a appointment.Appointment) {
	r.gen++
	delete(r.hidden, a.ID)

	if e, ok := r.entries[a.ID]; ok {
		if e.state == StateConfirmed {
			prior := e.appt
			e.prior = &prior
		}
		e.appt = a
		e.state = StateLocalPending
		e.gen = r.gen
		return
	}
	r.entries[a.ID] = &entry{appt: a, state: StateLocalPending, gen: r.gen}
}

// Confirm replaces the entry stored under localID with the authoritative
// appointment, rebinding a temporary id to the backend id.
func (r *Reconciler) Confirm(localID string, authoritative appointment.Appointment) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.gen++
	if localID != authoritative.ID {
		delete(r.entries, localID)
		r.aliases[localID] = authoritative.ID
	}
	delete(r.hidden, authoritative.ID)
	r.entries[authoritative.ID] = &entry{appt: authoritative, state: StateConfirmed, gen: r.gen}
}

// Rollback undoes a failed local-pending change: a local creation is
// removed, an edit is restored to its prior confirmed value. It reports
// whether anything was undone.
func (r *Reconciler) Rollback(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok || e.state != StateLocalPending {
		return false
	}

	r.gen++
	if e.prior == nil {
		delete(r.entries, id)
		return true
	}
	e.appt = *e.prior
	e.prior = nil
	e.state = StateConfirmed
	e.gen = r.gen
	return true
}

// BeginDelete removes the entry from view and records the deletion as in
// flight. It returns the removed appointment.
func (r *Reconciler) BeginDelete(id string) (appointment.Appointment, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return appointment.Appointment{}, false
	}

	r.gen++
	delete(r.entries, id)
	delete(r.hidden, id)
	r.deleting[id] = e
	return e.appt, true
}

// ConfirmDelete finishes an in-flight deletion.
func (r *Reconciler) ConfirmDelete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.gen++
	delete(r.deleting, id)
	r.tombstones[id] = r.gen
}

// AbortDelete puts back an entry whose deletion failed.
func (r *Reconciler) AbortDelete(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.deleting[id]
	if !ok {
		return false
	}

	r.gen++
	delete(r.deleting, id)
	e.gen = r.gen
	r.entries[id] = e
	return true
}

// Resolve follows a temporary id to the id it was confirmed under.
func (r *Reconciler) Resolve(id string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if bound, ok := r.aliases[id]; ok {
		return bound
	}
	return id
}

func (r *Reconciler) Get(id string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return Entry{}, false
	}
	return Entry{Appointment: e.appt, State: e.state}, true
}

// Snapshot returns the visible appointments ordered by start time. The
// result is a copy and safe to hand to the availability engine.
func (r *Reconciler) Snapshot() []appointment.Appointment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.visibleLocked()
}

func (r *Reconciler) visibleLocked() []appointment.Appointment {
	out := make([]appointment.Appointment, 0, len(r.entries))
	for id, e := range r.entries {
		if _, ok := r.hidden[id]; ok {
			continue
		}
		out = append(out, e.appt)
	}
	sortAppointments(out)
	return out
}

// Entries is Snapshot with sync states.
func (r *Reconciler) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.entries))
	for id, e := range r.entries {
		if _, ok := r.hidden[id]; ok {
			continue
		}
		out = append(out, Entry{Appointment: e.appt, State: e.state})
	}
	sort.Slice(out, func(i, j int) bool {
		return less(out[i].Appointment, out[j].Appointment)
	})
	return out
}

// PendingDeletes lists ids whose deletion is in flight.
func (r *Reconciler) PendingDeletes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.deleting))
	for id := range r.deleting {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func sortAppointments(list []appointment.Appointment) {
	sort.Slice(list, func(i, j int) bool { return less(list[i], list[j]) })
}

func less(a, b appointment.Appointment) bool {
	if !a.Interval.Start.Equal(b.Interval.Start) {
		return a.Interval.Start.Before(b.Interval.Start)
	}
	return a.ID < b.ID
}
