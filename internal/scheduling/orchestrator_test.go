package scheduling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/portal-scheduling/internal/appointment"
	"github.com/hackgods/portal-scheduling/internal/availability"
	"github.com/hackgods/portal-scheduling/internal/calendar"
	"github.com/hackgods/portal-scheduling/internal/metrics"
	"github.com/hackgods/portal-scheduling/internal/notify"
	"github.com/hackgods/portal-scheduling/internal/timeslot"
)

var day = time.Date(2025, 10, 5, 0, 0, 0, 0, time.UTC)

// fakeRepo is an in-memory backend that enforces the same status rules as
// the real service and counts every call.
type fakeRepo struct {
	mu    sync.Mutex
	items map[string]appointment.Appointment
	seq   int
	calls atomic.Int32

	failCreate error
	failUpdate error
	failDelete error
	failList   error

	onCreate func()

	// gate, when set, blocks Update until closed.
	gate     chan struct{}
	entered  chan string
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{items: make(map[string]appointment.Appointment)}
}

func (f *fakeRepo) put(a appointment.Appointment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[a.ID] = a
}

func (f *fakeRepo) Create(_ context.Context, a appointment.Appointment) (*appointment.Appointment, error) {
	f.calls.Add(1)
	if f.onCreate != nil {
		f.onCreate()
	}
	if f.failCreate != nil {
		return nil, f.failCreate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	a.ID = fmt.Sprintf("appt-%d", f.seq)
	a.CreatedAt = day
	a.UpdatedAt = day
	f.items[a.ID] = a
	return &a, nil
}

func (f *fakeRepo) Update(_ context.Context, id string, patch appointment.Patch) (*appointment.Appointment, error) {
	f.calls.Add(1)
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		seen := f.maxSeen.Load()
		if n <= seen || f.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	if f.entered != nil {
		f.entered <- id
	}
	if f.gate != nil {
		<-f.gate
	}
	if f.failUpdate != nil {
		return nil, f.failUpdate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.items[id]
	if !ok {
		return nil, appointment.ErrNotFound
	}
	a = patch.Apply(a)
	a.UpdatedAt = a.UpdatedAt.Add(time.Second)
	f.items[id] = a
	return &a, nil
}

func (f *fakeRepo) Delete(_ context.Context, id string) error {
	f.calls.Add(1)
	if f.failDelete != nil {
		return f.failDelete
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.items[id]; !ok {
		return appointment.ErrNotFound
	}
	delete(f.items, id)
	return nil
}

func (f *fakeRepo) List(_ context.Context, scope appointment.Scope) ([]appointment.Appointment, error) {
	f.calls.Add(1)
	if f.failList != nil {
		return nil, f.failList
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []appointment.Appointment
	for _, a := range f.items {
		if scope.Includes(a) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeRepo) Approve(ctx context.Context, id string) (*appointment.Appointment, error) {
	return f.transition(id, appointment.StatusConfirmed)
}

func (f *fakeRepo) Reject(ctx context.Context, id string) (*appointment.Appointment, error) {
	return f.transition(id, appointment.StatusRejected)
}

func (f *fakeRepo) transition(id string, to appointment.Status) (*appointment.Appointment, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.items[id]
	if !ok {
		return nil, appointment.ErrNotFound
	}
	if !a.Status.Decidable() {
		return nil, appointment.ErrInvalidTransition
	}
	a.Status = to
	a.UpdatedAt = a.UpdatedAt.Add(time.Second)
	f.items[id] = a
	return &a, nil
}

type harness struct {
	repo     *fakeRepo
	orch     *Orchestrator
	cal      *calendar.Reconciler
	recorder *notify.Recorder
}

func newHarness(t *testing.T, role appointment.Role, actorID string) *harness {
	t.Helper()
	repo := newFakeRepo()
	cal := calendar.NewReconciler(appointment.Scope{Role: role, ActorID: actorID})
	rec := notify.NewRecorder(0)
	orch := NewOrchestrator(repo, cal, availability.NewEngine(60),
		WithNotifier(rec),
		WithMetrics(metrics.NewSchedulingMetrics(prometheus.NewRegistry())),
	)
	return &harness{repo: repo, orch: orch, cal: cal, recorder: rec}
}

func at(t *testing.T, hour, minute, minutes int) timeslot.Interval {
	t.Helper()
	iv, err := timeslot.At(day, hour, minute, minutes)
	require.NoError(t, err)
	return iv
}

// seed stores a on both sides as if an earlier refresh had loaded it.
func (h *harness) seed(a appointment.Appointment) {
	h.repo.put(a)
	h.cal.MergeExternal(append(h.cal.Snapshot(), a))
}

func TestScheduleHappyPath(t *testing.T) {
	h := newHarness(t, appointment.RoleDoctor, "doc-D")
	slot := at(t, 10, 0, 30)

	require.True(t, h.orch.engine.IsSlotAvailable("doc-D", slot, h.cal.Snapshot(), ""))

	created, err := h.orch.Schedule(context.Background(), ScheduleRequest{
		DoctorID:  "doc-D",
		PatientID: "pat-P",
		Interval:  slot,
		Kind:      appointment.KindConsultation,
	})
	require.NoError(t, err)

	entries := h.cal.Entries()
	require.Len(t, entries, 1)
	got := entries[0]
	assert.Equal(t, calendar.StateConfirmed, got.State)
	assert.Equal(t, created.ID, got.Appointment.ID)
	assert.False(t, appointment.IsTempID(got.Appointment.ID))
	assert.Equal(t, "doc-D", got.Appointment.DoctorID)
	assert.Equal(t, "pat-P", got.Appointment.PatientID)
	assert.Equal(t, appointment.KindConsultation, got.Appointment.Kind)
	assert.True(t, got.Appointment.Interval.Equal(slot))

	last, ok := h.recorder.Last()
	require.True(t, ok)
	assert.Equal(t, "Consultation scheduled", last.Message)
}

func TestScheduleConflictNeverReachesRepository(t *testing.T) {
	h := newHarness(t, appointment.RoleDoctor, "doc-D")
	h.seed(appointment.Appointment{
		ID: "existing", Kind: appointment.KindConsultation, Status: appointment.StatusConfirmed,
		DoctorID: "doc-D", PatientID: "pat-1", Interval: at(t, 10, 0, 30),
	})
	before := h.repo.calls.Load()

	_, err := h.orch.Schedule(context.Background(), ScheduleRequest{
		DoctorID:  "doc-D",
		PatientID: "pat-P",
		Interval:  at(t, 10, 15, 30),
		Kind:      appointment.KindConsultation,
	})
	require.ErrorIs(t, err, appointment.ErrSlotConflict)
	var conflict *availability.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "existing", conflict.Conflicting.ID)

	assert.Equal(t, before, h.repo.calls.Load(), "no remote calls")
	assert.Len(t, h.cal.Snapshot(), 1)

	last, _ := h.recorder.Last()
	assert.Equal(t, notify.LevelError, last.Level)
	assert.Equal(t, "Slot conflict", last.Message)
}

func TestScheduleFieldPolicy(t *testing.T) {
	h := newHarness(t, appointment.RoleDoctor, "doc-D")

	_, err := h.orch.Schedule(context.Background(), ScheduleRequest{
		DoctorID: "doc-D",
		Interval: at(t, 9, 0, 30),
		Kind:     appointment.KindFollowup,
	})
	assert.ErrorIs(t, err, appointment.ErrMissingPatient)

	_, err = h.orch.Schedule(context.Background(), ScheduleRequest{
		DoctorID: "doc-D",
		Interval: timeslot.Interval{Start: day, End: day},
		Kind:     appointment.KindMeeting,
	})
	assert.ErrorIs(t, err, timeslot.ErrInvalidInterval)
	assert.Zero(t, h.repo.calls.Load())

	lunch, err := h.orch.Schedule(context.Background(), ScheduleRequest{
		DoctorID: "doc-D",
		Interval: at(t, 12, 0, 60),
		Kind:     appointment.KindBlocked,
		Title:    "Lunch",
	})
	require.NoError(t, err)
	assert.Empty(t, lunch.PatientID)
}

func TestScheduleDefaultsStatusByRole(t *testing.T) {
	patient := newHarness(t, appointment.RolePatient, "pat-P")
	a, err := patient.orch.Schedule(context.Background(), ScheduleRequest{
		DoctorID: "doc-D", PatientID: "pat-P", Interval: at(t, 10, 0, 30),
	})
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusPending, a.Status)

	doctor := newHarness(t, appointment.RoleDoctor, "doc-D")
	a, err = doctor.orch.Schedule(context.Background(), ScheduleRequest{
		DoctorID: "doc-D", PatientID: "pat-P", Interval: at(t, 10, 0, 30),
	})
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusScheduled, a.Status)
}

func TestScheduleRemoteFailureRollsBack(t *testing.T) {
	h := newHarness(t, appointment.RoleDoctor, "doc-D")
	h.repo.failCreate = fmt.Errorf("%w: status 500", appointment.ErrRemoteWrite)

	_, err := h.orch.Schedule(context.Background(), ScheduleRequest{
		DoctorID: "doc-D", PatientID: "pat-P", Interval: at(t, 10, 0, 30),
	})
	require.ErrorIs(t, err, appointment.ErrRemoteWrite)
	assert.Empty(t, h.cal.Snapshot())

	last, _ := h.recorder.Last()
	assert.Equal(t, "Could not schedule appointment", last.Message)
	assert.Equal(t, OpSchedule, last.Operation)
}

func TestRescheduleRollbackRestoresExactPriorState(t *testing.T) {
	h := newHarness(t, appointment.RoleDoctor, "doc-D")
	orig := appointment.Appointment{
		ID: "appt-A", Title: "A", Kind: appointment.KindConsultation, Status: appointment.StatusScheduled,
		DoctorID: "doc-D", PatientID: "pat-P", Interval: at(t, 9, 0, 30), Notes: "first visit",
		CreatedAt: day, UpdatedAt: day,
	}
	h.seed(orig)
	before := h.cal.Snapshot()

	h.repo.failUpdate = fmt.Errorf("%w: timeout", appointment.ErrRemoteWrite)
	title := "B"
	moved := at(t, 14, 0, 30)
	_, err := h.orch.Edit(context.Background(), "appt-A", appointment.Patch{Title: &title, Interval: &moved})
	require.ErrorIs(t, err, appointment.ErrRemoteWrite)

	assert.Equal(t, before, h.cal.Snapshot())
	got, _ := h.cal.Get("appt-A")
	assert.Equal(t, calendar.StateConfirmed, got.State)
}

func TestRescheduleExcludesItselfAndChecksOthers(t *testing.T) {
	h := newHarness(t, appointment.RoleDoctor, "doc-D")
	h.seed(appointment.Appointment{
		ID: "appt-A", Kind: appointment.KindConsultation, Status: appointment.StatusConfirmed,
		DoctorID: "doc-D", PatientID: "pat-1", Interval: at(t, 9, 0, 60), UpdatedAt: day,
	})
	h.seed(appointment.Appointment{
		ID: "appt-B", Kind: appointment.KindConsultation, Status: appointment.StatusConfirmed,
		DoctorID: "doc-D", PatientID: "pat-2", Interval: at(t, 11, 0, 60), UpdatedAt: day,
	})

	// overlapping its own old slot is fine
	updated, err := h.orch.Reschedule(context.Background(), "appt-A", at(t, 9, 30, 60))
	require.NoError(t, err)
	assert.Equal(t, "09:30", updated.Interval.Start.Format("15:04"))

	calls := h.repo.calls.Load()
	_, err = h.orch.Move(context.Background(), "appt-A", at(t, 10, 30, 60))
	require.ErrorIs(t, err, appointment.ErrSlotConflict)
	assert.Equal(t, calls, h.repo.calls.Load())

	// back-to-back with appt-B
	resized, err := h.orch.Resize(context.Background(), "appt-A", day.Add(11*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 90, resized.Interval.Minutes())

	_, err = h.orch.Resize(context.Background(), "appt-A", day.Add(9*time.Hour))
	assert.ErrorIs(t, err, timeslot.ErrInvalidInterval)

	_, err = h.orch.Reschedule(context.Background(), "ghost", at(t, 15, 0, 30))
	assert.ErrorIs(t, err, appointment.ErrNotFound)
}

func TestApproveTwice(t *testing.T) {
	h := newHarness(t, appointment.RoleDoctor, "doc-D")
	h.seed(appointment.Appointment{
		ID: "appt-1", Kind: appointment.KindConsultation, Status: appointment.StatusPending,
		DoctorID: "doc-D", PatientID: "pat-P", Interval: at(t, 10, 0, 30), UpdatedAt: day,
	})

	approved, err := h.orch.Approve(context.Background(), "appt-1")
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusConfirmed, approved.Status)

	last, _ := h.recorder.Last()
	assert.Equal(t, "Consultation approved", last.Message)

	_, err = h.orch.Approve(context.Background(), "appt-1")
	require.ErrorIs(t, err, appointment.ErrInvalidTransition)

	got, _ := h.cal.Get("appt-1")
	assert.Equal(t, appointment.StatusConfirmed, got.Appointment.Status)
	assert.Equal(t, calendar.StateConfirmed, got.State)
}

func TestApproveRemoteTransitionErrorRollsBack(t *testing.T) {
	h := newHarness(t, appointment.RoleDoctor, "doc-D")
	a := appointment.Appointment{
		ID: "appt-1", Kind: appointment.KindConsultation, Status: appointment.StatusPending,
		DoctorID: "doc-D", PatientID: "pat-P", Interval: at(t, 10, 0, 30), UpdatedAt: day,
	}
	h.cal.MergeExternal([]appointment.Appointment{a})
	// the backend already moved on
	a.Status = appointment.StatusCancelled
	h.repo.put(a)

	_, err := h.orch.Approve(context.Background(), "appt-1")
	require.ErrorIs(t, err, appointment.ErrInvalidTransition)

	got, _ := h.cal.Get("appt-1")
	assert.Equal(t, appointment.StatusPending, got.Appointment.Status)
}

func TestRejectFreesInterval(t *testing.T) {
	h := newHarness(t, appointment.RoleDoctor, "doc-D")
	h.seed(appointment.Appointment{
		ID: "appt-1", Kind: appointment.KindConsultation, Status: appointment.StatusScheduled,
		DoctorID: "doc-D", PatientID: "pat-P", Interval: at(t, 10, 0, 30), UpdatedAt: day,
	})
	require.False(t, h.orch.engine.IsSlotAvailable("doc-D", at(t, 10, 0, 30), h.cal.Snapshot(), ""))

	rejected, err := h.orch.Reject(context.Background(), "appt-1")
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusRejected, rejected.Status)
	assert.True(t, h.orch.engine.IsSlotAvailable("doc-D", at(t, 10, 0, 30), h.cal.Snapshot(), ""))
}

func TestDeleteIsIdempotent(t *testing.T) {
	h := newHarness(t, appointment.RoleDoctor, "doc-D")
	a := appointment.Appointment{
		ID: "appt-1", Kind: appointment.KindMeeting, Status: appointment.StatusScheduled,
		DoctorID: "doc-D", Interval: at(t, 10, 0, 30), UpdatedAt: day,
	}
	// known locally, already gone remotely
	h.cal.MergeExternal([]appointment.Appointment{a})

	require.NoError(t, h.orch.Delete(context.Background(), "appt-1"))
	assert.Empty(t, h.cal.Snapshot())
	assert.Empty(t, h.cal.PendingDeletes())

	require.NoError(t, h.orch.Cancel(context.Background(), "appt-1"))
}

func TestDeleteRemoteFailureRestores(t *testing.T) {
	h := newHarness(t, appointment.RoleDoctor, "doc-D")
	a := appointment.Appointment{
		ID: "appt-1", Kind: appointment.KindConsultation, Status: appointment.StatusScheduled,
		DoctorID: "doc-D", PatientID: "pat-P", Interval: at(t, 10, 0, 30), UpdatedAt: day,
	}
	h.seed(a)
	h.repo.failDelete = fmt.Errorf("%w: status 502", appointment.ErrRemoteWrite)

	err := h.orch.Cancel(context.Background(), "appt-1")
	require.ErrorIs(t, err, appointment.ErrRemoteWrite)
	assert.Equal(t, []appointment.Appointment{a}, h.cal.Snapshot())
}

func TestRefreshKeepsStateOnReadError(t *testing.T) {
	h := newHarness(t, appointment.RoleDoctor, "doc-D")
	h.seed(appointment.Appointment{
		ID: "appt-1", Kind: appointment.KindMeeting, Status: appointment.StatusScheduled,
		DoctorID: "doc-D", Interval: at(t, 10, 0, 30), UpdatedAt: day,
	})
	h.repo.failList = fmt.Errorf("%w: connection refused", appointment.ErrRemoteRead)

	_, err := h.orch.Refresh(context.Background())
	require.ErrorIs(t, err, appointment.ErrRemoteRead)
	assert.Len(t, h.cal.Snapshot(), 1)
}

func TestRefreshSurfacesDoubleBooking(t *testing.T) {
	h := newHarness(t, appointment.RoleDoctor, "doc-D")
	h.repo.put(appointment.Appointment{
		ID: "a", Title: "first", Kind: appointment.KindConsultation, Status: appointment.StatusConfirmed,
		DoctorID: "doc-D", PatientID: "pat-1", Interval: at(t, 10, 0, 30), UpdatedAt: day,
	})
	h.repo.put(appointment.Appointment{
		ID: "b", Title: "second", Kind: appointment.KindConsultation, Status: appointment.StatusConfirmed,
		DoctorID: "doc-D", PatientID: "pat-2", Interval: at(t, 10, 0, 30), UpdatedAt: day.Add(time.Minute),
	})

	res, err := h.orch.Refresh(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, "b", res.Conflicts[0].Kept.ID)

	last, _ := h.recorder.Last()
	assert.Equal(t, notify.LevelWarning, last.Level)
	assert.Equal(t, "Slot conflict", last.Message)
	assert.Equal(t, "a", last.AppointmentID)
}

func TestMergeDuringInFlightEditKeepsLocalValue(t *testing.T) {
	h := newHarness(t, appointment.RoleDoctor, "doc-D")
	orig := appointment.Appointment{
		ID: "appt-X", Title: "A", Kind: appointment.KindMeeting, Status: appointment.StatusScheduled,
		DoctorID: "doc-D", Interval: at(t, 9, 0, 30), UpdatedAt: day,
	}
	h.seed(orig)

	h.repo.gate = make(chan struct{})
	h.repo.entered = make(chan string, 1)

	title := "local"
	done := make(chan error, 1)
	go func() {
		_, err := h.orch.Edit(context.Background(), "appt-X", appointment.Patch{Title: &title})
		done <- err
	}()
	<-h.repo.entered

	external := orig
	external.Title = "external"
	external.UpdatedAt = day.Add(time.Hour)
	h.cal.MergeExternal([]appointment.Appointment{external})

	got, _ := h.cal.Get("appt-X")
	assert.Equal(t, "local", got.Appointment.Title)
	assert.Equal(t, calendar.StateLocalPending, got.State)

	close(h.repo.gate)
	require.NoError(t, <-done)
	got, _ = h.cal.Get("appt-X")
	assert.Equal(t, "local", got.Appointment.Title)
	assert.Equal(t, calendar.StateConfirmed, got.State)
}

func TestSameIDOperationsAreSerialized(t *testing.T) {
	h := newHarness(t, appointment.RoleDoctor, "doc-D")
	h.seed(appointment.Appointment{
		ID: "appt-X", Title: "A", Kind: appointment.KindMeeting, Status: appointment.StatusScheduled,
		DoctorID: "doc-D", Interval: at(t, 9, 0, 30), UpdatedAt: day,
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			title := fmt.Sprintf("edit-%d", i)
			_, err := h.orch.Edit(context.Background(), "appt-X", appointment.Patch{Title: &title})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), h.repo.maxSeen.Load())
	assert.Zero(t, h.orch.locks.size())
}

// stored returns what the backend holds.
func (f *fakeRepo) stored() []appointment.Appointment {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]appointment.Appointment, 0, len(f.items))
	for _, a := range f.items {
		out = append(out, a)
	}
	return out
}

func assertNoDoubleBooking(t *testing.T, h *harness) {
	t.Helper()
	stored := h.repo.stored()
	for _, a := range stored {
		assert.NoError(t, h.orch.engine.Check(a.DoctorID, a.Interval, stored, a.ID), "backend %s", a.ID)
	}
	visible := h.cal.Snapshot()
	for _, a := range visible {
		assert.NoError(t, h.orch.engine.Check(a.DoctorID, a.Interval, visible, a.ID), "calendar %s", a.ID)
	}
}

func TestConcurrentSchedulesForOneSlotBookOnce(t *testing.T) {
	const rounds, clients = 50, 8

	for round := 0; round < rounds; round++ {
		h := newHarness(t, appointment.RoleDoctor, "doc-D")
		slot := at(t, 10, 0, 30)

		start := make(chan struct{})
		var booked, conflicts atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < clients; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				_, err := h.orch.Schedule(context.Background(), ScheduleRequest{
					DoctorID: "doc-D", PatientID: fmt.Sprintf("pat-%d", i), Interval: slot,
				})
				switch {
				case err == nil:
					booked.Add(1)
				case errors.Is(err, appointment.ErrSlotConflict):
					conflicts.Add(1)
				default:
					t.Errorf("round %d: unexpected error: %v", round, err)
				}
			}(i)
		}
		close(start)
		wg.Wait()

		require.Equal(t, int32(1), booked.Load(), "round %d", round)
		require.Equal(t, int32(clients-1), conflicts.Load(), "round %d", round)
		require.Len(t, h.repo.stored(), 1, "round %d", round)
		require.Len(t, h.cal.Snapshot(), 1, "round %d", round)
		assertNoDoubleBooking(t, h)
	}
}

func TestRescheduleRacingScheduleIntoSameSlot(t *testing.T) {
	const rounds = 50

	for round := 0; round < rounds; round++ {
		h := newHarness(t, appointment.RoleDoctor, "doc-D")
		h.seed(appointment.Appointment{
			ID: "appt-A", Title: "A", Kind: appointment.KindConsultation, Status: appointment.StatusConfirmed,
			DoctorID: "doc-D", PatientID: "pat-1", Interval: at(t, 9, 0, 30), UpdatedAt: day,
		})

		booking, moving := at(t, 14, 0, 30), at(t, 14, 15, 30)
		start := make(chan struct{})
		var scheduleErr, rescheduleErr error
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			_, scheduleErr = h.orch.Schedule(context.Background(), ScheduleRequest{
				DoctorID: "doc-D", PatientID: "pat-2", Interval: booking,
			})
		}()
		go func() {
			defer wg.Done()
			<-start
			_, rescheduleErr = h.orch.Reschedule(context.Background(), "appt-A", moving)
		}()
		close(start)
		wg.Wait()

		if scheduleErr == nil {
			require.ErrorIs(t, rescheduleErr, appointment.ErrSlotConflict, "round %d", round)
			require.Len(t, h.repo.stored(), 2)
		} else {
			require.ErrorIs(t, scheduleErr, appointment.ErrSlotConflict, "round %d", round)
			require.NoError(t, rescheduleErr, "round %d", round)
			require.Len(t, h.repo.stored(), 1)
		}
		assertNoDoubleBooking(t, h)
	}
}

func TestOperationOnTempIDWaitsForCreate(t *testing.T) {
	h := newHarness(t, appointment.RoleDoctor, "doc-D")

	approved := make(chan *appointment.Appointment, 1)
	h.repo.onCreate = func() {
		entries := h.cal.Entries()
		require.Len(t, entries, 1)
		tempID := entries[0].Appointment.ID
		require.True(t, appointment.IsTempID(tempID))

		// queued behind the create that holds the temp id
		go func() {
			a, err := h.orch.Approve(context.Background(), tempID)
			assert.NoError(t, err)
			approved <- a
		}()
	}

	created, err := h.orch.Schedule(context.Background(), ScheduleRequest{
		DoctorID: "doc-D", PatientID: "pat-P", Interval: at(t, 10, 0, 30),
	})
	require.NoError(t, err)

	select {
	case a := <-approved:
		require.NotNil(t, a)
		assert.Equal(t, created.ID, a.ID)
		assert.Equal(t, appointment.StatusConfirmed, a.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("approve on temp id never finished")
	}
}

func TestErrorsAreWrappedWithOperation(t *testing.T) {
	h := newHarness(t, appointment.RoleDoctor, "doc-D")
	h.seed(appointment.Appointment{
		ID: "appt-1", Kind: appointment.KindMeeting, Status: appointment.StatusScheduled,
		DoctorID: "doc-D", Interval: at(t, 10, 0, 30), UpdatedAt: day,
	})
	h.repo.failUpdate = errors.New("boom")

	title := "x"
	_, err := h.orch.Edit(context.Background(), "appt-1", appointment.Patch{Title: &title})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "edit appt-1")

	status := appointment.StatusConfirmed
	_, err = h.orch.Edit(context.Background(), "appt-1", appointment.Patch{Status: &status})
	assert.ErrorIs(t, err, appointment.ErrInvalidTransition)
}
