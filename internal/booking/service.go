// Package booking is the persistence side of scheduling: it validates and
// stores appointments and is the final authority on conflicts.
package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/portal-scheduling/internal/appointment"
	"github.com/hackgods/portal-scheduling/internal/availability"
	"github.com/hackgods/portal-scheduling/internal/config"
	"github.com/hackgods/portal-scheduling/internal/metrics"
	redisclient "github.com/hackgods/portal-scheduling/internal/redis"
	"github.com/hackgods/portal-scheduling/internal/scheduling"
	"github.com/hackgods/portal-scheduling/internal/timeslot"
)

var (
	ErrDoctorBusy = errors.New("doctor calendar is being updated, please retry")
)

var _ scheduling.Repository = (*Service)(nil)

type Service struct {
	repo      appointment.Repository
	locker    redisclient.Locker
	publisher redisclient.Publisher
	engine    *availability.Engine
	hours     *config.WorkingHours
	cfg       config.Config
	log       zerolog.Logger
	metrics   *metrics.ServerMetrics
	now       func() time.Time
}

type Deps struct {
	Repo      appointment.Repository
	Locker    redisclient.Locker
	Publisher redisclient.Publisher
	Hours     *config.WorkingHours
	Metrics   *metrics.ServerMetrics
	Log       zerolog.Logger
}

func NewService(deps Deps, cfg config.Config) *Service {
	hours := deps.Hours
	if hours == nil {
		hours = config.DefaultWorkingHours()
	}
	return &Service{
		repo:      deps.Repo,
		locker:    deps.Locker,
		publisher: deps.Publisher,
		engine:    availability.NewEngine(cfg.SlotMinutes),
		hours:     hours,
		cfg:       cfg,
		log:       deps.Log,
		metrics:   deps.Metrics,
		now:       time.Now,
	}
}

// Create stores a new appointment. For appointments on a doctor's calendar
// the conflict check and the insert run inside the doctor's lock, so two
// clients that both passed their local check cannot double-book.
func (s *Service) Create(ctx context.Context, a appointment.Appointment) (*appointment.Appointment, error) {
	if a.Status == "" {
		a.Status = appointment.StatusScheduled
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	if err := s.checkParticipants(ctx, a); err != nil {
		return nil, err
	}

	var created *appointment.Appointment
	err := s.withDoctor(ctx, "create", a.DoctorID, func(lockCtx context.Context) error {
		if err := s.checkConflicts(lockCtx, a, ""); err != nil {
			return err
		}

		appt, err := s.repo.InsertAppointment(lockCtx, a)
		if err != nil {
			return fmt.Errorf("create appointment: %w", err)
		}
		created = appt
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, *created, appointment.EventAppointmentCreated, map[string]any{
		"kind":   created.Kind,
		"status": created.Status,
		"start":  created.Interval.Start,
		"end":    created.Interval.End,
	})
	return created, nil
}

// Update applies a patch. Status changes must go through Approve or Reject.
func (s *Service) Update(ctx context.Context, id string, patch appointment.Patch) (*appointment.Appointment, error) {
	if patch.Status != nil {
		return nil, fmt.Errorf("%w: status is changed by approve or reject", appointment.ErrInvalidTransition)
	}

	current, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if patch.Empty() {
		return current, nil
	}

	next := patch.Apply(*current)
	if err := next.Validate(); err != nil {
		return nil, err
	}

	save := func(ctx context.Context) (*appointment.Appointment, error) {
		updated, err := s.repo.UpdateAppointment(ctx, next)
		if err != nil {
			return nil, fmt.Errorf("update appointment: %w", err)
		}
		return updated, nil
	}

	var updated *appointment.Appointment
	if patch.Interval != nil {
		err = s.withDoctor(ctx, "update", next.DoctorID, func(lockCtx context.Context) error {
			if err := s.checkConflicts(lockCtx, next, id); err != nil {
				return err
			}
			updated, err = save(lockCtx)
			return err
		})
	} else {
		updated, err = save(ctx)
	}
	if err != nil {
		return nil, err
	}

	s.record(ctx, *updated, appointment.EventAppointmentUpdated, map[string]any{
		"start": updated.Interval.Start,
		"end":   updated.Interval.End,
	})
	return updated, nil
}

// Delete removes an appointment. An id that is already gone is not an
// error.
func (s *Service) Delete(ctx context.Context, id string) error {
	deleted, err := s.repo.DeleteAppointment(ctx, id)
	if err != nil {
		if errors.Is(err, appointment.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("delete appointment: %w", err)
	}

	s.record(ctx, *deleted, appointment.EventAppointmentDeleted, map[string]any{})
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (*appointment.Appointment, error) {
	return s.repo.GetAppointmentByID(ctx, id)
}

func (s *Service) List(ctx context.Context, scope appointment.Scope) ([]appointment.Appointment, error) {
	if !scope.Role.Valid() || scope.ActorID == "" {
		return nil, fmt.Errorf("invalid scope %q", scope.String())
	}
	list, err := s.repo.ListByScope(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", scope, err)
	}
	return list, nil
}

// Approve confirms a pending or scheduled appointment. A pending request
// does not hold its slot yet, so it is checked against the doctor's
// calendar before it starts blocking.
func (s *Service) Approve(ctx context.Context, id string) (*appointment.Appointment, error) {
	current, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !current.Status.Decidable() {
		return nil, fmt.Errorf("%w: %s -> %s", appointment.ErrInvalidTransition, current.Status, appointment.StatusConfirmed)
	}

	var approved *appointment.Appointment
	err = s.withDoctor(ctx, "approve", current.DoctorID, func(lockCtx context.Context) error {
		if !current.Blocks() {
			if err := s.checkConflicts(lockCtx, *current, id); err != nil {
				return err
			}
		}
		approved, err = s.transition(lockCtx, *current, appointment.StatusConfirmed)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, *approved, appointment.EventAppointmentApproved, map[string]any{"from": current.Status})
	return approved, nil
}

// Reject moves a pending or scheduled appointment to rejected, which frees
// its interval.
func (s *Service) Reject(ctx context.Context, id string) (*appointment.Appointment, error) {
	current, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !current.Status.Decidable() {
		return nil, fmt.Errorf("%w: %s -> %s", appointment.ErrInvalidTransition, current.Status, appointment.StatusRejected)
	}

	rejected, err := s.transition(ctx, *current, appointment.StatusRejected)
	if err != nil {
		return nil, err
	}

	s.record(ctx, *rejected, appointment.EventAppointmentRejected, map[string]any{"from": current.Status})
	return rejected, nil
}

// OpenSlots lists the free grid slots of doctorID on date within the
// configured working hours.
func (s *Service) OpenSlots(ctx context.Context, doctorID string, date time.Time) ([]timeslot.Interval, error) {
	if _, err := s.repo.GetDoctorByID(ctx, doctorID); err != nil {
		return nil, err
	}

	dayStart := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location())
	window := timeslot.Interval{Start: dayStart, End: dayStart.AddDate(0, 0, 1)}
	existing, err := s.repo.ListDoctorAppointments(ctx, doctorID, window)
	if err != nil {
		return nil, fmt.Errorf("load doctor calendar: %w", err)
	}

	return s.engine.ListOpenSlots(doctorID, dayStart, s.hours.For(doctorID, dayStart), existing)
}

// ExpireStalePending rejects pending requests whose start passed more than
// the configured grace period ago. It is called by the worker periodically
// and returns how many it rejected.
func (s *Service) ExpireStalePending(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.cfg.PendingGrace)
	stale, err := s.repo.FindStalePending(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("find stale pending appointments: %w", err)
	}

	expired := 0
	for _, appt := range stale {
		updated, err := s.repo.UpdateAppointmentStatus(ctx, appt.ID, appointment.StatusPending, appointment.StatusRejected)
		if err != nil {
			if !errors.Is(err, appointment.ErrNotFound) {
				s.log.Error().Err(err).Str("appointment_id", appt.ID).Msg("failed to expire appointment")
			}
			continue
		}
		expired++
		s.record(ctx, *updated, appointment.EventAppointmentExpired, map[string]any{
			"reason": "worker",
			"cutoff": cutoff,
		})
	}

	s.metrics.AddExpired(expired)
	return expired, nil
}

// transition swaps the status only if it still holds the value read
// earlier. A lost race surfaces as ErrInvalidTransition, a vanished row as
// ErrNotFound.
func (s *Service) transition(ctx context.Context, current appointment.Appointment, to appointment.Status) (*appointment.Appointment, error) {
	updated, err := s.repo.UpdateAppointmentStatus(ctx, current.ID, current.Status, to)
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, appointment.ErrNotFound) {
		return nil, fmt.Errorf("update appointment status: %w", err)
	}

	latest, getErr := s.repo.GetAppointmentByID(ctx, current.ID)
	if getErr != nil {
		return nil, getErr
	}
	return nil, fmt.Errorf("%w: %s -> %s", appointment.ErrInvalidTransition, latest.Status, to)
}

func (s *Service) checkParticipants(ctx context.Context, a appointment.Appointment) error {
	if a.DoctorID != "" {
		if _, err := s.repo.GetDoctorByID(ctx, a.DoctorID); err != nil {
			if errors.Is(err, appointment.ErrDoctorNotFound) {
				return err
			}
			return fmt.Errorf("load doctor: %w", err)
		}
	}
	if a.PatientID != "" {
		if _, err := s.repo.GetPatientByID(ctx, a.PatientID); err != nil {
			if errors.Is(err, appointment.ErrPatientNotFound) {
				return err
			}
			return fmt.Errorf("load patient: %w", err)
		}
	}
	return nil
}

// checkConflicts must run inside the doctor's lock.
func (s *Service) checkConflicts(ctx context.Context, a appointment.Appointment, excludeID string) error {
	if a.DoctorID == "" {
		return nil
	}
	existing, err := s.repo.ListDoctorAppointments(ctx, a.DoctorID, a.Interval)
	if err != nil {
		return fmt.Errorf("check doctor calendar: %w", err)
	}
	return s.engine.Check(a.DoctorID, a.Interval, existing, excludeID)
}

// withDoctor runs fn inside doctorID's lock, or directly for entries that
// belong to no doctor.
func (s *Service) withDoctor(ctx context.Context, op, doctorID string, fn func(ctx context.Context) error) error {
	if doctorID == "" {
		return fn(ctx)
	}

	err := s.locker.WithDoctorLock(ctx, doctorID, fn)
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		s.metrics.IncLockFailure(op)
		s.log.Warn().Str("operation", op).Str("doctor_id", doctorID).Msg("doctor lock busy")
		return ErrDoctorBusy
	}
	return err
}

// record writes the event log row and announces the change. Neither is
// allowed to fail the mutation that already happened.
func (s *Service) record(ctx context.Context, a appointment.Appointment, eventType string, payload map[string]any) {
	s.logEvent(ctx, a.ID, eventType, payload)

	change := appointment.Change{
		Type:          eventType,
		AppointmentID: a.ID,
		DoctorID:      a.DoctorID,
		PatientID:     a.PatientID,
		At:            s.now(),
	}
	if s.publisher == nil {
		return
	}
	for _, ch := range change.Channels() {
		if err := s.publisher.Publish(ctx, ch, change); err != nil {
			s.log.Warn().Err(err).Str("channel", ch).Str("event", eventType).Msg("failed to publish change")
		}
	}
}

func (s *Service) logEvent(ctx context.Context, appointmentID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Error().Err(err).Str("event", eventType).Msg("failed to marshal event payload")
		data = nil
	}

	apptID := appointmentID

	ev := appointment.EventLog{
		EventType:     eventType,
		AppointmentID: &apptID,
		Payload:       data,
		CreatedAt:     s.now(),
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		s.log.Error().Err(err).Str("event", eventType).Str("appointment_id", appointmentID).Msg("failed to insert event log")
	}
}
