package appointment

import (
	"context"
	"errors"
	"time"

	"github.com/hackgods/portal-scheduling/internal/timeslot"
)

var (
	ErrPatientNotFound = errors.New("patient not found")
	ErrDoctorNotFound  = errors.New("doctor not found")
	ErrNotFound        = errors.New("appointment not found")

	ErrInvalidKind       = errors.New("invalid appointment kind")
	ErrInvalidStatus     = errors.New("invalid appointment status")
	ErrMissingPatient    = errors.New("patient is required for this kind of appointment")
	ErrMissingDoctor     = errors.New("doctor is required for this kind of appointment")
	ErrSlotConflict      = errors.New("slot conflicts with an existing booking")
	ErrInvalidTransition = errors.New("invalid status transition")

	ErrRemoteRead  = errors.New("remote read failed")
	ErrRemoteWrite = errors.New("remote write failed")
)

// Repository contains all DB interactions needed by the booking service.
type Repository interface {
	GetPatientByID(ctx context.Context, id string) (*Patient, error)
	GetDoctorByID(ctx context.Context, id string) (*Doctor, error)

	GetAppointmentByID(ctx context.Context, id string) (*Appointment, error)
	ListByScope(ctx context.Context, scope Scope) ([]Appointment, error)

	// For conflict checks
	ListDoctorAppointments(ctx context.Context, doctorID string, window timeslot.Interval) ([]Appointment, error)

	// Creation and updates
	InsertAppointment(ctx context.Context, a Appointment) (*Appointment, error)
	UpdateAppointment(ctx context.Context, a Appointment) (*Appointment, error)
	UpdateAppointmentStatus(ctx context.Context, id string, from, to Status) (*Appointment, error)
	DeleteAppointment(ctx context.Context, id string) (*Appointment, error)

	// Expiry worker
	FindStalePending(ctx context.Context, startedBefore time.Time) ([]Appointment, error)

	// Event logging
	InsertEvent(ctx context.Context, ev EventLog) error
}
