// Package availability decides whether a doctor's time is free. It performs
// no I/O: callers pass in the appointments they currently hold.
package availability

import (
	"fmt"
	"iter"
	"slices"
	"sort"
	"time"

	"github.com/hackgods/portal-scheduling/internal/appointment"
	"github.com/hackgods/portal-scheduling/internal/timeslot"
)

// DefaultSlotMinutes is the grid size used by OpenSlots.
const DefaultSlotMinutes = 60

// Window is a block of working hours on one day, in whole hours [Start, End).
type Window struct {
	Start int `json:"start" yaml:"start"`
	End   int `json:"end" yaml:"end"`
}

func (w Window) Valid() bool {
	return w.Start >= 0 && w.End <= 24 && w.Start < w.End
}

// ConflictError reports the booking that a candidate interval collides with.
type ConflictError struct {
	Candidate   timeslot.Interval
	Conflicting appointment.Appointment
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("slot %s conflicts with %s %s", e.Candidate, e.Conflicting.ID, e.Conflicting.Interval)
}

func (e *ConflictError) Unwrap() error {
	return appointment.ErrSlotConflict
}

type Engine struct {
	slot time.Duration
}

// NewEngine returns an engine whose open-slot grid is slotMinutes long.
// Zero or negative means DefaultSlotMinutes.
func NewEngine(slotMinutes int) *Engine {
	if slotMinutes <= 0 {
		slotMinutes = DefaultSlotMinutes
	}
	return &Engine{slot: time.Duration(slotMinutes) * time.Minute}
}

func (e *Engine) SlotMinutes() int {
	return int(e.slot / time.Minute)
}

// IsSlotAvailable reports whether candidate is free for doctorID. The
// appointment identified by excludeID is ignored so an entry can be
// validated against its own old position.
func (e *Engine) IsSlotAvailable(doctorID string, candidate timeslot.Interval, existing []appointment.Appointment, excludeID string) bool {
	return e.Check(doctorID, candidate, existing, excludeID) == nil
}

// Check is IsSlotAvailable with a reason: timeslot.ErrInvalidInterval for a
// malformed candidate, or a *ConflictError naming the earliest collision.
func (e *Engine) Check(doctorID string, candidate timeslot.Interval, existing []appointment.Appointment, excludeID string) error {
	if !candidate.Valid() {
		return fmt.Errorf("%w: %s", timeslot.ErrInvalidInterval, candidate)
	}

	var hit *appointment.Appointment
	for i := range existing {
		a := &existing[i]
		if !blocking(a, doctorID, excludeID) || !candidate.Overlaps(a.Interval) {
			continue
		}
		if hit == nil || a.Interval.Start.Before(hit.Interval.Start) {
			hit = a
		}
	}
	if hit != nil {
		return &ConflictError{Candidate: candidate, Conflicting: *hit}
	}
	return nil
}

func blocking(a *appointment.Appointment, doctorID, excludeID string) bool {
	if a.DoctorID != doctorID {
		return false
	}
	if excludeID != "" && a.ID == excludeID {
		return false
	}
	return a.Blocks()
}

// OpenSlots returns the free grid slots of date across the working windows.
// Slots are aligned to each window's start; a slot touching a booking only
// at its boundary is free, one partly covered by a booking is dropped. The
// sequence is recomputed from its inputs on every iteration.
func (e *Engine) OpenSlots(doctorID string, date time.Time, hours []Window, existing []appointment.Appointment) (iter.Seq[timeslot.Interval], error) {
	windows := make([]Window, len(hours))
	copy(windows, hours)
	for _, w := range windows {
		if !w.Valid() {
			return nil, fmt.Errorf("%w: working window %02d-%02d", timeslot.ErrInvalidInterval, w.Start, w.End)
		}
	}
	sort.Slice(windows, func(i, j int) bool { return windows[i].Start < windows[j].Start })

	held := make([]appointment.Appointment, 0, len(existing))
	for i := range existing {
		if blocking(&existing[i], doctorID, "") {
			held = append(held, existing[i])
		}
	}

	year, month, dayOfMonth := date.Date()
	loc := date.Location()
	step := e.slot

	return func(yield func(timeslot.Interval) bool) {
		var last time.Time
		for _, w := range windows {
			windowStart := time.Date(year, month, dayOfMonth, w.Start, 0, 0, 0, loc)
			windowEnd := time.Date(year, month, dayOfMonth, w.End, 0, 0, 0, loc)

			for cursor := windowStart; !cursor.Add(step).After(windowEnd); cursor = cursor.Add(step) {
				// overlapping windows must not hand out the same time twice
				if cursor.Before(last) {
					continue
				}
				candidate := timeslot.Interval{Start: cursor, End: cursor.Add(step)}
				if e.Check(doctorID, candidate, held, "") != nil {
					continue
				}
				last = candidate.End
				if !yield(candidate) {
					return
				}
			}
		}
	}, nil
}

// ListOpenSlots collects OpenSlots in chronological order.
func (e *Engine) ListOpenSlots(doctorID string, date time.Time, hours []Window, existing []appointment.Appointment) ([]timeslot.Interval, error) {
	seq, err := e.OpenSlots(doctorID, date, hours, existing)
	if err != nil {
		return nil, err
	}
	return slices.Collect(seq), nil
}
