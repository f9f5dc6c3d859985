package calendar

import (
	"sort"

	"github.com/hackgods/portal-scheduling/internal/appointment"
)

// MergeExternal folds a snapshot that reflects every local change made so
// far, such as one delivered by a push source.
func (r *Reconciler) MergeExternal(remote []appointment.Appointment) MergeResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.merge(remote, r.gen)
}

// MergeExternalSince folds a snapshot whose fetch started at generation
// since. Entries confirmed or deleted locally after that point are newer
// than the snapshot and are left alone. A snapshot older than one already
// merged is skipped whole.
func (r *Reconciler) MergeExternalSince(remote []appointment.Appointment, since uint64) MergeResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.merge(remote, since)
}

func (r *Reconciler) merge(remote []appointment.Appointment, since uint64) MergeResult {
	var res MergeResult
	if since < r.merged {
		res.Skipped = len(remote)
		return res
	}
	r.merged = since
	seen := make(map[string]struct{}, len(remote))

	for _, a := range remote {
		seen[a.ID] = struct{}{}

		if _, ok := r.deleting[a.ID]; ok {
			res.Skipped++
			continue
		}
		if gen, ok := r.tombstones[a.ID]; ok {
			if gen > since {
				res.Skipped++
				continue
			}
			delete(r.tombstones, a.ID)
		}

		e, ok := r.entries[a.ID]
		switch {
		case !ok:
			r.entries[a.ID] = &entry{appt: a, state: StateConfirmed, gen: since}
			res.Added++
		case e.state == StateLocalPending, e.gen > since:
			res.Skipped++
		default:
			if !sameAppointment(e.appt, a) {
				e.appt = a
				res.Updated++
			}
		}
	}

	for id, e := range r.entries {
		if _, ok := seen[id]; ok {
			continue
		}
		if e.state == StateLocalPending || e.gen > since {
			continue
		}
		delete(r.entries, id)
		res.Removed++
	}

	// Every later snapshot is at least this new, so deletions it already
	// reflects need no tombstone.
	for id, gen := range r.tombstones {
		if gen <= since {
			delete(r.tombstones, id)
		}
	}

	res.Conflicts = r.resolveConflicts()
	return res
}

// resolveConflicts hides bookings that overlap a stronger booking of the
// same doctor so the visible set never double-books. A local-pending entry
// is stronger than a confirmed one; otherwise the later UpdatedAt wins and
// ties go to the greater id. Each pair is reported once while it lasts.
func (r *Reconciler) resolveConflicts() []Conflict {
	byDoctor := make(map[string][]*entry)
	for _, e := range r.entries {
		if e.appt.DoctorID == "" || !e.appt.Blocks() {
			continue
		}
		byDoctor[e.appt.DoctorID] = append(byDoctor[e.appt.DoctorID], e)
	}

	hidden := make(map[string]appointment.Appointment)
	flagged := make(map[string]struct{})
	var conflicts []Conflict

	for _, list := range byDoctor {
		sort.Slice(list, func(i, j int) bool { return stronger(list[i], list[j]) })

		var kept []*entry
		for _, e := range list {
			var winner *entry
			for _, k := range kept {
				if k.appt.Interval.Overlaps(e.appt.Interval) {
					winner = k
					break
				}
			}
			if winner == nil {
				kept = append(kept, e)
				continue
			}

			hidden[e.appt.ID] = e.appt
			key := winner.appt.ID + "|" + e.appt.ID
			flagged[key] = struct{}{}
			if _, done := r.flagged[key]; done {
				continue
			}
			conflicts = append(conflicts, Conflict{Kept: winner.appt, Dropped: e.appt})
		}
	}

	r.hidden = hidden
	r.flagged = flagged
	sort.Slice(conflicts, func(i, j int) bool { return less(conflicts[i].Dropped, conflicts[j].Dropped) })
	return conflicts
}

func stronger(a, b *entry) bool {
	aPending, bPending := a.state == StateLocalPending, b.state == StateLocalPending
	if aPending != bPending {
		return aPending
	}
	if !a.appt.UpdatedAt.Equal(b.appt.UpdatedAt) {
		return a.appt.UpdatedAt.After(b.appt.UpdatedAt)
	}
	return a.appt.ID > b.appt.ID
}

func sameAppointment(a, b appointment.Appointment) bool {
	return a.ID == b.ID &&
		a.Title == b.Title &&
		a.Interval.Equal(b.Interval) &&
		a.Kind == b.Kind &&
		a.Status == b.Status &&
		a.DoctorID == b.DoctorID &&
		a.PatientID == b.PatientID &&
		a.Notes == b.Notes &&
		a.CreatedAt.Equal(b.CreatedAt) &&
		a.UpdatedAt.Equal(b.UpdatedAt)
}
