package appointment

import (
	"fmt"
	"time"

	"github.com/hackgods/portal-scheduling/internal/timeslot"
)

const (
	dateLayout  = "2006-01-02"
	clockLayout = "15:04"
)

// Record is the wire shape exchanged with the persistence API. Times are
// local wall-clock values: a calendar date, a start time and a length.
type Record struct {
	ID              string    `json:"id,omitempty"`
	Title           string    `json:"title"`
	Date            string    `json:"date"`
	StartTime       string    `json:"start_time"`
	DurationMinutes int       `json:"duration_minutes,omitempty"`
	EndTime         string    `json:"end_time,omitempty"`
	Kind            Kind      `json:"kind"`
	Status          Status    `json:"status,omitempty"`
	DoctorID        string    `json:"doctor_id,omitempty"`
	PatientID       string    `json:"patient_id,omitempty"`
	Notes           string    `json:"notes,omitempty"`
	CreatedAt       time.Time `json:"created_at,omitempty"`
	UpdatedAt       time.Time `json:"updated_at,omitempty"`
}

// ToRecord writes the interval as wall-clock fields in loc, the zone the
// reading side parses them in.
func ToRecord(a Appointment, loc *time.Location) Record {
	loc = orLocal(loc)
	start, end := a.Interval.Start.In(loc), a.Interval.End.In(loc)
	return Record{
		ID:              a.ID,
		Title:           a.Title,
		Date:            start.Format(dateLayout),
		StartTime:       start.Format(clockLayout),
		DurationMinutes: a.Interval.Minutes(),
		EndTime:         end.Format(clockLayout),
		Kind:            a.Kind,
		Status:          a.Status,
		DoctorID:        a.DoctorID,
		PatientID:       a.PatientID,
		Notes:           a.Notes,
		CreatedAt:       a.CreatedAt,
		UpdatedAt:       a.UpdatedAt,
	}
}

// Appointment converts the record, reading wall-clock fields in loc.
// Duration wins over end time when both are present.
func (r Record) Appointment(loc *time.Location) (Appointment, error) {
	iv, err := parseSpan(r.Date, r.StartTime, r.DurationMinutes, r.EndTime, loc)
	if err != nil {
		return Appointment{}, err
	}
	return Appointment{
		ID:        r.ID,
		Title:     r.Title,
		Interval:  iv,
		Kind:      r.Kind,
		Status:    r.Status,
		DoctorID:  r.DoctorID,
		PatientID: r.PatientID,
		Notes:     r.Notes,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}, nil
}

// PatchRecord is the wire shape of an update. Date and StartTime move the
// appointment; they must be sent together with a duration or end time.
type PatchRecord struct {
	Title           *string `json:"title,omitempty"`
	Date            *string `json:"date,omitempty"`
	StartTime       *string `json:"start_time,omitempty"`
	DurationMinutes *int    `json:"duration_minutes,omitempty"`
	EndTime         *string `json:"end_time,omitempty"`
	Status          *Status `json:"status,omitempty"`
	Notes           *string `json:"notes,omitempty"`
}

func ToPatchRecord(p Patch, loc *time.Location) PatchRecord {
	out := PatchRecord{Title: p.Title, Status: p.Status, Notes: p.Notes}
	if p.Interval != nil {
		startAt := p.Interval.Start.In(orLocal(loc))
		date := startAt.Format(dateLayout)
		start := startAt.Format(clockLayout)
		minutes := p.Interval.Minutes()
		out.Date = &date
		out.StartTime = &start
		out.DurationMinutes = &minutes
	}
	return out
}

func (r PatchRecord) Patch(loc *time.Location) (Patch, error) {
	p := Patch{Title: r.Title, Status: r.Status, Notes: r.Notes}
	if r.Date == nil && r.StartTime == nil {
		return p, nil
	}
	if r.Date == nil || r.StartTime == nil {
		return Patch{}, fmt.Errorf("%w: date and start_time must be sent together", timeslot.ErrInvalidInterval)
	}
	minutes := 0
	if r.DurationMinutes != nil {
		minutes = *r.DurationMinutes
	}
	end := ""
	if r.EndTime != nil {
		end = *r.EndTime
	}
	if minutes == 0 && end == "" {
		return Patch{}, fmt.Errorf("%w: duration_minutes or end_time is required", timeslot.ErrInvalidInterval)
	}
	iv, err := parseSpan(*r.Date, *r.StartTime, minutes, end, loc)
	if err != nil {
		return Patch{}, err
	}
	p.Interval = &iv
	return p, nil
}

func parseSpan(date, start string, minutes int, end string, loc *time.Location) (timeslot.Interval, error) {
	day, err := time.ParseInLocation(dateLayout, date, orLocal(loc))
	if err != nil {
		return timeslot.Interval{}, fmt.Errorf("%w: invalid date %q", timeslot.ErrInvalidInterval, date)
	}
	if minutes != 0 || end == "" {
		return timeslot.Parse(day, start, minutes)
	}
	iv, err := timeslot.Parse(day, start, 0)
	if err != nil {
		return timeslot.Interval{}, err
	}
	endAt, err := timeslot.Parse(day, end, 0)
	if err != nil {
		return timeslot.Interval{}, err
	}
	return iv.WithEnd(endAt.Start)
}

func orLocal(loc *time.Location) *time.Location {
	if loc == nil {
		return time.Local
	}
	return loc
}
