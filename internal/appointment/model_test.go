package appointment

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/portal-scheduling/internal/timeslot"
)

func slot(t *testing.T, hour int) timeslot.Interval {
	t.Helper()
	iv, err := timeslot.At(time.Date(2025, 10, 5, 0, 0, 0, 0, time.UTC), hour, 0, 30)
	require.NoError(t, err)
	return iv
}

func TestValidateFieldPolicyByKind(t *testing.T) {
	iv := slot(t, 10)

	tests := []struct {
		name string
		a    Appointment
		want error
	}{
		{"consultation needs patient", Appointment{Kind: KindConsultation, DoctorID: "d", Interval: iv}, ErrMissingPatient},
		{"followup needs patient", Appointment{Kind: KindFollowup, DoctorID: "d", Interval: iv}, ErrMissingPatient},
		{"blocked needs doctor", Appointment{Kind: KindBlocked, Interval: iv}, ErrMissingDoctor},
		{"blocked without patient", Appointment{Kind: KindBlocked, DoctorID: "d", Interval: iv}, nil},
		{"meeting without patient", Appointment{Kind: KindMeeting, DoctorID: "d", Interval: iv}, nil},
		{"patient-only reminder", Appointment{Kind: KindReminder, PatientID: "p", Interval: iv}, nil},
		{"unknown kind", Appointment{Kind: "surgery", DoctorID: "d", Interval: iv}, ErrInvalidKind},
		{"unknown status", Appointment{Kind: KindMeeting, Status: "done", DoctorID: "d", Interval: iv}, ErrInvalidStatus},
		{"empty interval", Appointment{Kind: KindMeeting, DoctorID: "d"}, timeslot.ErrInvalidInterval},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.a.Validate()
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestBlocks(t *testing.T) {
	assert.True(t, Appointment{Kind: KindConsultation, Status: StatusScheduled}.Blocks())
	assert.True(t, Appointment{Kind: KindConsultation, Status: StatusConfirmed}.Blocks())
	assert.False(t, Appointment{Kind: KindConsultation, Status: StatusPending}.Blocks())
	assert.False(t, Appointment{Kind: KindConsultation, Status: StatusRejected}.Blocks())
	assert.False(t, Appointment{Kind: KindConsultation, Status: StatusCancelled}.Blocks())
	assert.True(t, Appointment{Kind: KindBlocked, Status: StatusCancelled}.Blocks())
}

func TestRecordCarriesWallClockFields(t *testing.T) {
	a := Appointment{
		ID:        "appt-1",
		Title:     "Annual checkup",
		Interval:  slot(t, 10),
		Kind:      KindConsultation,
		Status:    StatusPending,
		DoctorID:  "doc-1",
		PatientID: "pat-1",
	}

	rec := ToRecord(a, time.UTC)
	assert.Equal(t, "2025-10-05", rec.Date)
	assert.Equal(t, "10:00", rec.StartTime)
	assert.Equal(t, 30, rec.DurationMinutes)
	assert.Equal(t, "10:30", rec.EndTime)

	back, err := rec.Appointment(time.UTC)
	require.NoError(t, err)
	assert.True(t, back.Interval.Equal(a.Interval))

	// end time is honoured when no duration is sent
	rec.DurationMinutes = 0
	rec.EndTime = "11:15"
	back, err = rec.Appointment(time.UTC)
	require.NoError(t, err)
	assert.Equal(t, 75, back.Interval.Minutes())

	rec.EndTime = "09:00"
	_, err = rec.Appointment(time.UTC)
	assert.ErrorIs(t, err, timeslot.ErrInvalidInterval)
}

func TestRecordConvertsToWireZone(t *testing.T) {
	clinic := time.FixedZone("clinic", 2*60*60)
	start := time.Date(2025, 10, 5, 23, 30, 0, 0, time.UTC)
	iv, err := timeslot.New(start, start.Add(time.Hour))
	require.NoError(t, err)

	rec := ToRecord(Appointment{Interval: iv, Kind: KindBlocked, DoctorID: "doc-1"}, clinic)
	assert.Equal(t, "2025-10-06", rec.Date)
	assert.Equal(t, "01:30", rec.StartTime)
	assert.Equal(t, "02:30", rec.EndTime)

	back, err := rec.Appointment(clinic)
	require.NoError(t, err)
	assert.True(t, back.Interval.Equal(iv), "got %s want %s", back.Interval, iv)

	p, err := ToPatchRecord(Patch{Interval: &iv}, clinic).Patch(clinic)
	require.NoError(t, err)
	require.NotNil(t, p.Interval)
	assert.True(t, p.Interval.Equal(iv), "got %s want %s", p.Interval, iv)
}

func TestPatchRecord(t *testing.T) {
	iv := slot(t, 15)
	title := "Moved"
	p, err := ToPatchRecord(Patch{Title: &title, Interval: &iv}, time.UTC).Patch(time.UTC)
	require.NoError(t, err)
	require.NotNil(t, p.Interval)
	assert.True(t, p.Interval.Equal(iv))
	assert.Equal(t, "Moved", *p.Title)

	date := "2025-10-05"
	_, err = PatchRecord{Date: &date}.Patch(time.UTC)
	assert.ErrorIs(t, err, timeslot.ErrInvalidInterval)

	p, err = PatchRecord{}.Patch(time.UTC)
	require.NoError(t, err)
	assert.True(t, p.Empty())
}

func TestTempIDs(t *testing.T) {
	a, b := NewTempID(), NewTempID()
	assert.NotEqual(t, a, b)
	assert.True(t, IsTempID(a))
	assert.False(t, IsTempID("3f1c2a7e-0000-4000-8000-000000000000"))
}

func TestChangeChannels(t *testing.T) {
	ch := Change{DoctorID: "doc-1", PatientID: "pat-1"}
	assert.Equal(t, []string{"calendar:doctor:doc-1", "calendar:patient:pat-1"}, ch.Channels())
	assert.Len(t, Change{DoctorID: "doc-1"}.Channels(), 1)
}
