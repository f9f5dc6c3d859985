package appointment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/portal-scheduling/internal/timeslot"
)

// MemoryRepository keeps everything in process. It backs the simulator's
// local mode and handler tests.
type MemoryRepository struct {
	mu           sync.Mutex
	doctors      map[string]Doctor
	patients     map[string]Patient
	appointments map[string]Appointment
	events       []EventLog
	now          func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		doctors:      make(map[string]Doctor),
		patients:     make(map[string]Patient),
		appointments: make(map[string]Appointment),
		now:          time.Now,
	}
}

func (r *MemoryRepository) InsertDoctor(_ context.Context, d Doctor) (*Doctor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	d.CreatedAt, d.UpdatedAt = r.now(), r.now()
	r.doctors[d.ID] = d
	return &d, nil
}

func (r *MemoryRepository) InsertPatient(_ context.Context, p Patient) (*Patient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.CreatedAt, p.UpdatedAt = r.now(), r.now()
	r.patients[p.ID] = p
	return &p, nil
}

func (r *MemoryRepository) GetPatientByID(_ context.Context, id string) (*Patient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	return &p, nil
}

func (r *MemoryRepository) GetDoctorByID(_ context.Context, id string) (*Doctor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.doctors[id]
	if !ok {
		return nil, ErrDoctorNotFound
	}
	return &d, nil
}

func (r *MemoryRepository) GetAppointmentByID(_ context.Context, id string) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appointments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (r *MemoryRepository) ListByScope(_ context.Context, scope Scope) ([]Appointment, error) {
	return r.filter(scope.Includes), nil
}

func (r *MemoryRepository) ListDoctorAppointments(_ context.Context, doctorID string, window timeslot.Interval) ([]Appointment, error) {
	return r.filter(func(a Appointment) bool {
		return a.DoctorID == doctorID && a.Interval.Overlaps(window)
	}), nil
}

func (r *MemoryRepository) InsertAppointment(_ context.Context, a Appointment) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a.ID = uuid.NewString()
	a.CreatedAt, a.UpdatedAt = r.now(), r.now()
	r.appointments[a.ID] = a
	return &a, nil
}

func (r *MemoryRepository) UpdateAppointment(_ context.Context, a Appointment) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.appointments[a.ID]
	if !ok {
		return nil, ErrNotFound
	}
	current.Title = a.Title
	current.Status = a.Status
	current.Interval = a.Interval
	current.Notes = a.Notes
	current.UpdatedAt = r.now()
	r.appointments[a.ID] = current
	return &current, nil
}

// UpdateAppointmentStatus only applies when the stored status is still from.
func (r *MemoryRepository) UpdateAppointmentStatus(_ context.Context, id string, from, to Status) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.appointments[id]
	if !ok || current.Status != from {
		return nil, ErrNotFound
	}
	current.Status = to
	current.UpdatedAt = r.now()
	r.appointments[id] = current
	return &current, nil
}

func (r *MemoryRepository) DeleteAppointment(_ context.Context, id string) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.appointments[id]
	if !ok {
		return nil, ErrNotFound
	}
	delete(r.appointments, id)
	return &current, nil
}

func (r *MemoryRepository) FindStalePending(_ context.Context, startedBefore time.Time) ([]Appointment, error) {
	return r.filter(func(a Appointment) bool {
		return a.Status == StatusPending && a.Interval.Start.Before(startedBefore)
	}), nil
}

func (r *MemoryRepository) InsertEvent(_ context.Context, ev EventLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev.ID = int64(len(r.events) + 1)
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = r.now()
	}
	r.events = append(r.events, ev)
	return nil
}

// Events returns the event log in insertion order.
func (r *MemoryRepository) Events() []EventLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]EventLog(nil), r.events...)
}

func (r *MemoryRepository) filter(keep func(Appointment) bool) []Appointment {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Appointment
	for _, a := range r.appointments {
		if keep(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Interval.Start.Equal(out[j].Interval.Start) {
			return out[i].Interval.Start.Before(out[j].Interval.Start)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

var _ Repository = (*MemoryRepository)(nil)
