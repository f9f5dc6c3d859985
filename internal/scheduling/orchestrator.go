// Package scheduling sequences availability checks, remote writes and
// calendar updates for the user-facing scheduling actions.
package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hackgods/portal-scheduling/internal/appointment"
	"github.com/hackgods/portal-scheduling/internal/availability"
	"github.com/hackgods/portal-scheduling/internal/calendar"
	"github.com/hackgods/portal-scheduling/internal/metrics"
	"github.com/hackgods/portal-scheduling/internal/notify"
	"github.com/hackgods/portal-scheduling/internal/timeslot"
)

var tracer = otel.Tracer("portal/scheduling")

const (
	OpSchedule   = "schedule"
	OpReschedule = "reschedule"
	OpMove       = "move"
	OpResize     = "resize"
	OpEdit       = "edit"
	OpApprove    = "approve"
	OpReject     = "reject"
	OpCancel     = "cancel"
	OpDelete     = "delete"
	OpRefresh    = "refresh"
)

const (
	outcomeOK       = "ok"
	outcomeRejected = "rejected"
	outcomeFailed   = "failed"
)

// Repository is the remote persistence the orchestrator writes through.
// Implementations hold no state; every call is one independent remote
// operation and none retries on its own.
type Repository interface {
	Create(ctx context.Context, a appointment.Appointment) (*appointment.Appointment, error)
	Update(ctx context.Context, id string, patch appointment.Patch) (*appointment.Appointment, error)
	// Delete treats an already deleted id as success.
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, scope appointment.Scope) ([]appointment.Appointment, error)
	Approve(ctx context.Context, id string) (*appointment.Appointment, error)
	Reject(ctx context.Context, id string) (*appointment.Appointment, error)
}

type ScheduleRequest struct {
	DoctorID  string
	PatientID string
	Interval  timeslot.Interval
	Kind      appointment.Kind
	Title     string
	Notes     string
	// Status overrides the default initial status.
	Status appointment.Status
}

type Orchestrator struct {
	repo     Repository
	cal      *calendar.Reconciler
	engine   *availability.Engine
	notifier notify.Sink
	metrics  *metrics.SchedulingMetrics
	log      zerolog.Logger
	locks    *keyLock
	now      func() time.Time
}

type Option func(*Orchestrator)

func WithNotifier(s notify.Sink) Option {
	return func(o *Orchestrator) {
		if s != nil {
			o.notifier = s
		}
	}
}

func WithMetrics(m *metrics.SchedulingMetrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithLogger(log zerolog.Logger) Option {
	return func(o *Orchestrator) { o.log = log }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

func NewOrchestrator(repo Repository, cal *calendar.Reconciler, engine *availability.Engine, opts ...Option) *Orchestrator {
	if repo == nil {
		panic("scheduling: repository cannot be nil")
	}
	if cal == nil {
		panic("scheduling: reconciler cannot be nil")
	}
	if engine == nil {
		engine = availability.NewEngine(0)
	}

	o := &Orchestrator{
		repo:     repo,
		cal:      cal,
		engine:   engine,
		notifier: notify.Discard{},
		log:      zerolog.Nop(),
		locks:    newKeyLock(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) Calendar() *calendar.Reconciler {
	return o.cal
}

// Schedule books a new appointment. Field policy and availability are
// checked locally first; a failure there never reaches the repository.
func (o *Orchestrator) Schedule(ctx context.Context, req ScheduleRequest) (*appointment.Appointment, error) {
	ctx, span := o.start(ctx, OpSchedule)
	started := o.now()

	a := appointment.Appointment{
		ID:        appointment.NewTempID(),
		Title:     req.Title,
		Interval:  req.Interval,
		Kind:      req.Kind,
		Status:    req.Status,
		DoctorID:  req.DoctorID,
		PatientID: req.PatientID,
		Notes:     req.Notes,
	}
	if a.Kind == "" {
		a.Kind = appointment.KindConsultation
	}
	if a.Status == "" {
		a.Status = o.defaultStatus()
	}
	if a.Title == "" {
		a.Title = a.Kind.Label()
	}
	span.SetAttributes(attribute.String("appointment.temp_id", a.ID), attribute.String("doctor.id", a.DoctorID))

	unlock := o.locks.Lock(a.ID)
	defer unlock()

	if err := a.Validate(); err != nil {
		return nil, o.reject(span, OpSchedule, started, a, err)
	}
	if err := o.cal.ApplyIfAvailable(a, o.available(a, "")); err != nil {
		return nil, o.reject(span, OpSchedule, started, a, err)
	}

	draft := a
	draft.ID = ""
	created, err := o.repo.Create(ctx, draft)
	if err != nil {
		o.cal.Rollback(a.ID)
		return nil, o.fail(span, OpSchedule, started, a, err)
	}

	o.cal.Confirm(a.ID, *created)
	o.succeed(span, OpSchedule, started, *created, created.Kind.Label()+" scheduled")
	return created, nil
}

// Reschedule moves an appointment to newInterval after checking it against
// every other booking of the same doctor.
func (o *Orchestrator) Reschedule(ctx context.Context, id string, newInterval timeslot.Interval) (*appointment.Appointment, error) {
	return o.edit(ctx, OpReschedule, id, appointment.Patch{Interval: &newInterval})
}

// Move is a drag of the appointment to newInterval.
func (o *Orchestrator) Move(ctx context.Context, id string, newInterval timeslot.Interval) (*appointment.Appointment, error) {
	return o.edit(ctx, OpMove, id, appointment.Patch{Interval: &newInterval})
}

// Resize keeps the start and changes the end.
func (o *Orchestrator) Resize(ctx context.Context, id string, newEnd time.Time) (*appointment.Appointment, error) {
	ctx, span := o.start(ctx, OpResize)
	started := o.now()

	id, unlock := o.acquire(id)
	defer unlock()

	entry, ok := o.cal.Get(id)
	if !ok {
		return nil, o.reject(span, OpResize, started, appointment.Appointment{ID: id}, appointment.ErrNotFound)
	}
	iv, err := entry.Appointment.Interval.WithEnd(newEnd)
	if err != nil {
		return nil, o.reject(span, OpResize, started, entry.Appointment, err)
	}
	return o.applyEdit(ctx, span, OpResize, started, entry.Appointment, appointment.Patch{Interval: &iv})
}

// Edit changes title, notes or interval. Status changes go through Approve
// and Reject.
func (o *Orchestrator) Edit(ctx context.Context, id string, patch appointment.Patch) (*appointment.Appointment, error) {
	return o.edit(ctx, OpEdit, id, patch)
}

func (o *Orchestrator) edit(ctx context.Context, op, id string, patch appointment.Patch) (*appointment.Appointment, error) {
	ctx, span := o.start(ctx, op)
	started := o.now()

	id, unlock := o.acquire(id)
	defer unlock()

	entry, ok := o.cal.Get(id)
	if !ok {
		return nil, o.reject(span, op, started, appointment.Appointment{ID: id}, appointment.ErrNotFound)
	}
	return o.applyEdit(ctx, span, op, started, entry.Appointment, patch)
}

// applyEdit runs with the appointment's lock held.
func (o *Orchestrator) applyEdit(ctx context.Context, span trace.Span, op string, started time.Time, current appointment.Appointment, patch appointment.Patch) (*appointment.Appointment, error) {
	if patch.Status != nil {
		return nil, o.reject(span, op, started, current, fmt.Errorf("%w: use approve or reject", appointment.ErrInvalidTransition))
	}
	if patch.Empty() {
		span.End()
		return &current, nil
	}

	next := patch.Apply(current)
	if err := next.Validate(); err != nil {
		return nil, o.reject(span, op, started, current, err)
	}
	if patch.Interval != nil {
		if err := o.cal.ApplyIfAvailable(next, o.available(next, current.ID)); err != nil {
			return nil, o.reject(span, op, started, current, err)
		}
	} else {
		o.cal.ApplyOptimistic(next)
	}

	updated, err := o.repo.Update(ctx, current.ID, patch)
	if err != nil {
		o.cal.Rollback(current.ID)
		return nil, o.fail(span, op, started, current, err)
	}

	o.cal.Confirm(current.ID, *updated)
	o.succeed(span, op, started, *updated, updated.Kind.Label()+" "+pastTense(op))
	return updated, nil
}

// Approve confirms a pending or scheduled appointment. The interval does not
// change so availability is not re-checked.
func (o *Orchestrator) Approve(ctx context.Context, id string) (*appointment.Appointment, error) {
	return o.decide(ctx, OpApprove, id, appointment.StatusConfirmed, o.repo.Approve)
}

// Reject frees the appointment's interval by moving it to rejected.
func (o *Orchestrator) Reject(ctx context.Context, id string) (*appointment.Appointment, error) {
	return o.decide(ctx, OpReject, id, appointment.StatusRejected, o.repo.Reject)
}

func (o *Orchestrator) decide(ctx context.Context, op, id string, to appointment.Status, call func(context.Context, string) (*appointment.Appointment, error)) (*appointment.Appointment, error) {
	ctx, span := o.start(ctx, op)
	started := o.now()

	id, unlock := o.acquire(id)
	defer unlock()

	entry, ok := o.cal.Get(id)
	if !ok {
		return nil, o.reject(span, op, started, appointment.Appointment{ID: id}, appointment.ErrNotFound)
	}
	current := entry.Appointment
	if !current.Status.Decidable() {
		err := fmt.Errorf("%w: %s -> %s", appointment.ErrInvalidTransition, current.Status, to)
		return nil, o.reject(span, op, started, current, err)
	}

	next := current
	next.Status = to
	o.cal.ApplyOptimistic(next)

	decided, err := call(ctx, id)
	if err != nil {
		o.cal.Rollback(id)
		return nil, o.fail(span, op, started, current, err)
	}

	o.cal.Confirm(id, *decided)
	o.succeed(span, op, started, *decided, decided.Kind.Label()+" "+pastTense(op))
	return decided, nil
}

// Cancel removes the appointment from the calendar and the backend.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	return o.remove(ctx, OpCancel, id)
}

// Delete is Cancel for entries that were never bookings, such as blocked
// time or reminders.
func (o *Orchestrator) Delete(ctx context.Context, id string) error {
	return o.remove(ctx, OpDelete, id)
}

func (o *Orchestrator) remove(ctx context.Context, op, id string) error {
	ctx, span := o.start(ctx, op)
	started := o.now()

	id, unlock := o.acquire(id)
	defer unlock()

	removed, held := o.cal.BeginDelete(id)
	if !held {
		removed = appointment.Appointment{ID: id}
	}

	err := o.repo.Delete(ctx, id)
	if err != nil && !errors.Is(err, appointment.ErrNotFound) {
		if held {
			o.cal.AbortDelete(id)
		}
		return o.fail(span, op, started, removed, err)
	}
	if held {
		o.cal.ConfirmDelete(id)
	}

	o.succeed(span, op, started, removed, removed.Kind.Label()+" "+pastTense(op))
	return nil
}

// Refresh pulls the calendar's scope from the repository and merges it. A
// read failure leaves the current state untouched.
func (o *Orchestrator) Refresh(ctx context.Context) (calendar.MergeResult, error) {
	ctx, span := o.start(ctx, OpRefresh)
	defer span.End()
	started := o.now()

	since := o.cal.Generation()
	list, err := o.repo.List(ctx, o.cal.Scope())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.metrics.ObserveOperation(OpRefresh, outcomeFailed, o.since(started))
		o.log.Warn().Err(err).Str("scope", o.cal.Scope().String()).Msg("refresh failed, keeping current calendar")
		return calendar.MergeResult{}, fmt.Errorf("refresh %s: %w", o.cal.Scope(), err)
	}

	res := o.cal.MergeExternalSince(list, since)
	o.metrics.ObserveOperation(OpRefresh, outcomeOK, o.since(started))
	o.metrics.ObserveMerge(res.Added, res.Updated, res.Removed, res.Skipped, len(res.Conflicts))
	span.SetAttributes(
		attribute.Int("merge.added", res.Added),
		attribute.Int("merge.updated", res.Updated),
		attribute.Int("merge.removed", res.Removed),
		attribute.Int("merge.conflicts", len(res.Conflicts)),
	)

	for _, c := range res.Conflicts {
		o.log.Warn().
			Str("kept_id", c.Kept.ID).
			Str("dropped_id", c.Dropped.ID).
			Str("doctor_id", c.Kept.DoctorID).
			Msg("double booking detected during refresh")
		o.notifier.Notify(notify.Notice{
			Level:         notify.LevelWarning,
			Operation:     OpRefresh,
			Message:       "Slot conflict",
			Reason:        fmt.Sprintf("%s overlaps %s", c.Dropped.Interval, c.Kept.Title),
			AppointmentID: c.Dropped.ID,
			At:            o.now(),
		})
	}
	return res, nil
}

// acquire takes the lock for id and, when id is a temporary id that has
// since been confirmed, the lock for the id it was bound to. The returned id
// is the one to operate on.
func (o *Orchestrator) acquire(id string) (string, func()) {
	unlock := o.locks.Lock(id)
	resolved := o.cal.Resolve(id)
	if resolved == id {
		return id, unlock
	}
	unlockResolved := o.locks.Lock(resolved)
	return resolved, func() {
		unlockResolved()
		unlock()
	}
}

// available checks a against the calendar view it is handed. The view is
// taken under the reconciler lock that also applies a.
func (o *Orchestrator) available(a appointment.Appointment, excludeID string) func([]appointment.Appointment) error {
	return func(visible []appointment.Appointment) error {
		if a.DoctorID == "" {
			return nil
		}
		return o.engine.Check(a.DoctorID, a.Interval, visible, excludeID)
	}
}

func (o *Orchestrator) defaultStatus() appointment.Status {
	if o.cal.Scope().Role == appointment.RolePatient {
		return appointment.StatusPending
	}
	return appointment.StatusScheduled
}

func (o *Orchestrator) start(ctx context.Context, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "scheduling."+op, trace.WithAttributes(
		attribute.String("calendar.scope", o.cal.Scope().String()),
	))
}

func (o *Orchestrator) since(started time.Time) float64 {
	return o.now().Sub(started).Seconds()
}

// reject reports a local validation failure. Nothing was sent and nothing
// needs undoing.
func (o *Orchestrator) reject(span trace.Span, op string, started time.Time, a appointment.Appointment, err error) error {
	defer span.End()
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	o.metrics.ObserveOperation(op, outcomeRejected, o.since(started))
	o.log.Info().Err(err).Str("operation", op).Str("appointment_id", a.ID).Msg("rejected locally")
	o.notifier.Notify(notify.Notice{
		Level:         notify.LevelError,
		Operation:     op,
		Message:       failureMessage(op, err),
		Reason:        err.Error(),
		AppointmentID: a.ID,
		At:            o.now(),
	})
	return err
}

// fail reports a remote failure after the optimistic change was undone.
func (o *Orchestrator) fail(span trace.Span, op string, started time.Time, a appointment.Appointment, err error) error {
	defer span.End()
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	o.metrics.IncRollback(op)
	o.metrics.ObserveOperation(op, outcomeFailed, o.since(started))
	o.log.Warn().Err(err).Str("operation", op).Str("appointment_id", a.ID).Msg("remote write failed, rolled back")
	o.notifier.Notify(notify.Notice{
		Level:         notify.LevelError,
		Operation:     op,
		Message:       failureMessage(op, err),
		Reason:        err.Error(),
		AppointmentID: a.ID,
		At:            o.now(),
	})
	return fmt.Errorf("%s %s: %w", op, a.ID, err)
}

func (o *Orchestrator) succeed(span trace.Span, op string, started time.Time, a appointment.Appointment, msg string) {
	defer span.End()
	span.SetAttributes(attribute.String("appointment.id", a.ID))

	o.metrics.ObserveOperation(op, outcomeOK, o.since(started))
	o.log.Debug().Str("operation", op).Str("appointment_id", a.ID).Msg(msg)
	o.notifier.Notify(notify.Notice{
		Level:         notify.LevelSuccess,
		Operation:     op,
		Message:       msg,
		AppointmentID: a.ID,
		At:            o.now(),
	})
}

func failureMessage(op string, err error) string {
	switch {
	case errors.Is(err, appointment.ErrSlotConflict):
		return "Slot conflict"
	case errors.Is(err, appointment.ErrMissingPatient):
		return "Patient is required"
	case errors.Is(err, timeslot.ErrInvalidInterval):
		return "Invalid time range"
	case errors.Is(err, appointment.ErrInvalidTransition):
		return "Status can no longer be changed"
	case errors.Is(err, appointment.ErrNotFound):
		return "Appointment no longer exists"
	}
	return "Could not " + op + " appointment"
}

func pastTense(op string) string {
	switch op {
	case OpSchedule:
		return "scheduled"
	case OpReschedule:
		return "rescheduled"
	case OpMove:
		return "moved"
	case OpResize:
		return "resized"
	case OpApprove:
		return "approved"
	case OpReject:
		return "rejected"
	case OpCancel:
		return "cancelled"
	case OpDelete:
		return "deleted"
	}
	return "updated"
}
