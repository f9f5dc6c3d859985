package api

import (
	"time"

	"github.com/hackgods/portal-scheduling/internal/appointment"
	"github.com/hackgods/portal-scheduling/internal/timeslot"
)

// Error codes carried in ErrorResponse.Error. Clients map them back to
// sentinel errors, so they are part of the wire contract.
const (
	CodeInvalidBody       = "invalid_request_body"
	CodeInvalidQuery      = "invalid_query"
	CodeUnauthorized      = "unauthorized"
	CodeForbidden         = "forbidden"
	CodeNotFound          = "appointment_not_found"
	CodePatientNotFound   = "patient_not_found"
	CodeDoctorNotFound    = "doctor_not_found"
	CodeSlotConflict      = "slot_conflict"
	CodeInvalidTransition = "invalid_status_transition"
	CodeDoctorBusy        = "doctor_busy"
	CodeInvalidTimeRange  = "invalid_time_range"
	CodeInvalidKind       = "invalid_kind"
	CodeInvalidStatus     = "invalid_status"
	CodeMissingPatient    = "missing_patient"
	CodeMissingDoctor     = "missing_doctor"
	CodeInternal          = "internal_error"
)

type AppointmentResponse = appointment.Record

type ListAppointmentsResponse struct {
	Appointments []appointment.Record `json:"appointments"`
}

type SlotResponse struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type OpenSlotsResponse struct {
	DoctorID string         `json:"doctor_id"`
	Date     string         `json:"date"`
	Slots    []SlotResponse `json:"slots"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toRecords(list []appointment.Appointment, loc *time.Location) []appointment.Record {
	out := make([]appointment.Record, 0, len(list))
	for _, a := range list {
		out = append(out, appointment.ToRecord(a, loc))
	}
	return out
}

func toSlots(slots []timeslot.Interval) []SlotResponse {
	out := make([]SlotResponse, 0, len(slots))
	for _, s := range slots {
		out = append(out, SlotResponse{Start: s.Start, End: s.End})
	}
	return out
}
