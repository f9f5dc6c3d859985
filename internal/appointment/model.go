package appointment

import (
	"fmt"
	"strings"
	"time"

	"github.com/hackgods/portal-scheduling/internal/timeslot"
)

type Kind string

const (
	KindConsultation Kind = "consultation"
	KindBlocked      Kind = "blocked"
	KindFollowup     Kind = "followup"
	KindMeeting      Kind = "meeting"
	KindReminder     Kind = "reminder"
)

func (k Kind) Valid() bool {
	switch k {
	case KindConsultation, KindBlocked, KindFollowup, KindMeeting, KindReminder:
		return true
	}
	return false
}

// RequiresPatient is true for kinds that book a patient with a doctor.
func (k Kind) RequiresPatient() bool {
	return k == KindConsultation || k == KindFollowup
}

func (k Kind) RequiresDoctor() bool {
	return k != KindReminder
}

// Label is the capitalized kind used in user-facing notices.
func (k Kind) Label() string {
	if k == "" {
		return "Appointment"
	}
	return strings.ToUpper(string(k[:1])) + string(k[1:])
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusScheduled Status = "scheduled"
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
	StatusRejected  Status = "rejected"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusScheduled, StatusConfirmed, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

// Decidable reports whether approve/reject may be applied.
func (s Status) Decidable() bool {
	return s == StatusPending || s == StatusScheduled
}

type Role string

const (
	RoleDoctor  Role = "doctor"
	RolePatient Role = "patient"
)

func (r Role) Valid() bool {
	return r == RoleDoctor || r == RolePatient
}

// Scope names one actor's calendar.
type Scope struct {
	Role    Role
	ActorID string
}

func (s Scope) Includes(a Appointment) bool {
	switch s.Role {
	case RoleDoctor:
		return a.DoctorID == s.ActorID
	case RolePatient:
		return a.PatientID == s.ActorID
	}
	return false
}

func (s Scope) String() string {
	return fmt.Sprintf("%s:%s", s.Role, s.ActorID)
}

type Doctor struct {
	ID        string
	Name      string
	Specialty *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Patient struct {
	ID        string
	Name      string
	Email     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Appointment struct {
	ID        string            `json:"id"`
	Title     string            `json:"title"`
	Interval  timeslot.Interval `json:"interval"`
	Kind      Kind              `json:"kind"`
	Status    Status            `json:"status"`
	DoctorID  string            `json:"doctor_id,omitempty"`
	PatientID string            `json:"patient_id,omitempty"`
	Notes     string            `json:"notes,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Blocks reports whether the appointment occupies its doctor's time.
// Blocked entries always do; bookable kinds only once scheduled or confirmed.
func (a Appointment) Blocks() bool {
	if a.Kind == KindBlocked {
		return true
	}
	return a.Status == StatusScheduled || a.Status == StatusConfirmed
}

// Validate checks the field policy for the appointment's kind.
func (a Appointment) Validate() error {
	if !a.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, a.Kind)
	}
	if a.Status != "" && !a.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, a.Status)
	}
	if !a.Interval.Valid() {
		return timeslot.ErrInvalidInterval
	}
	if a.Kind.RequiresDoctor() && a.DoctorID == "" {
		return ErrMissingDoctor
	}
	if a.Kind.RequiresPatient() && a.PatientID == "" {
		return ErrMissingPatient
	}
	return nil
}

// Patch carries the fields of an update; nil fields are left untouched.
type Patch struct {
	Title    *string
	Interval *timeslot.Interval
	Status   *Status
	Notes    *string
}

func (p Patch) Empty() bool {
	return p.Title == nil && p.Interval == nil && p.Status == nil && p.Notes == nil
}

func (p Patch) Apply(a Appointment) Appointment {
	if p.Title != nil {
		a.Title = *p.Title
	}
	if p.Interval != nil {
		a.Interval = *p.Interval
	}
	if p.Status != nil {
		a.Status = *p.Status
	}
	if p.Notes != nil {
		a.Notes = *p.Notes
	}
	return a
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *string
	Payload       []byte
	CreatedAt     time.Time
}
