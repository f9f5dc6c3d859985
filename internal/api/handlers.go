package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hackgods/portal-scheduling/internal/appointment"
	"github.com/hackgods/portal-scheduling/internal/booking"
	"github.com/hackgods/portal-scheduling/internal/session"
	"github.com/hackgods/portal-scheduling/internal/timeslot"
)

func createAppointmentHandler(svc AppointmentService, loc *time.Location) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor := mustActor(r)

		var req appointment.Record
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, CodeInvalidBody, "could not parse JSON")
			return
		}

		appt, err := req.Appointment(loc)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		appt.ID = ""

		// Patients can only request time for themselves; the doctor decides.
		switch actor.Role {
		case appointment.RolePatient:
			if appt.PatientID == "" {
				appt.PatientID = actor.ID
			}
			if appt.PatientID != actor.ID || appt.Kind == appointment.KindBlocked {
				writeError(w, http.StatusForbidden, CodeForbidden, "patients can only request their own appointments")
				return
			}
			appt.Status = appointment.StatusPending
		case appointment.RoleDoctor:
			if appt.DoctorID == "" {
				appt.DoctorID = actor.ID
			}
			if appt.DoctorID != actor.ID {
				writeError(w, http.StatusForbidden, CodeForbidden, "doctors can only book on their own calendar")
				return
			}
		}

		created, err := svc.Create(r.Context(), appt)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		w.Header().Set("Location", "/appointments/"+created.ID)
		writeJSON(w, http.StatusCreated, appointment.ToRecord(*created, loc))
	}
}

func listAppointmentsHandler(svc AppointmentService, loc *time.Location) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor := mustActor(r)

		scope := actor.Scope()
		q := r.URL.Query()
		switch {
		case q.Get("doctor_id") != "" && q.Get("patient_id") != "":
			writeError(w, http.StatusBadRequest, CodeInvalidQuery, "use doctor_id or patient_id, not both")
			return
		case q.Get("doctor_id") != "":
			scope = appointment.Scope{Role: appointment.RoleDoctor, ActorID: q.Get("doctor_id")}
		case q.Get("patient_id") != "":
			scope = appointment.Scope{Role: appointment.RolePatient, ActorID: q.Get("patient_id")}
		}
		if scope != actor.Scope() {
			writeError(w, http.StatusForbidden, CodeForbidden, "calendar belongs to another user")
			return
		}

		list, err := svc.List(r.Context(), scope)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ListAppointmentsResponse{Appointments: toRecords(list, loc)})
	}
}

func getAppointmentHandler(svc AppointmentService, loc *time.Location) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		appt, ok := loadVisible(w, r, svc)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, appointment.ToRecord(*appt, loc))
	}
}

func updateAppointmentHandler(svc AppointmentService, loc *time.Location) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req appointment.PatchRecord
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, CodeInvalidBody, "could not parse JSON")
			return
		}
		patch, err := req.Patch(loc)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		current, ok := loadVisible(w, r, svc)
		if !ok {
			return
		}

		updated, err := svc.Update(r.Context(), current.ID, patch)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, appointment.ToRecord(*updated, loc))
	}
}

// deleteAppointmentHandler answers 204 for ids that are already gone, so a
// client retrying a delete sees success.
func deleteAppointmentHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor := mustActor(r)
		id := chi.URLParam(r, "id")

		current, err := svc.Get(r.Context(), id)
		switch {
		case errors.Is(err, appointment.ErrNotFound):
			w.WriteHeader(http.StatusNoContent)
			return
		case err != nil:
			handleServiceError(w, err)
			return
		case !actor.Participates(*current):
			writeError(w, http.StatusNotFound, CodeNotFound, appointment.ErrNotFound.Error())
			return
		}

		if err := svc.Delete(r.Context(), id); err != nil {
			handleServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func approveAppointmentHandler(svc AppointmentService, loc *time.Location) http.HandlerFunc {
	return decisionHandler(svc, svc.Approve, loc)
}

func rejectAppointmentHandler(svc AppointmentService, loc *time.Location) http.HandlerFunc {
	return decisionHandler(svc, svc.Reject, loc)
}

type decideFunc func(ctx context.Context, id string) (*appointment.Appointment, error)

// Approve and reject belong to the appointment's doctor.
func decisionHandler(svc AppointmentService, decide decideFunc, loc *time.Location) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor := mustActor(r)

		current, ok := loadVisible(w, r, svc)
		if !ok {
			return
		}
		if actor.Role != appointment.RoleDoctor {
			writeError(w, http.StatusForbidden, CodeForbidden, "only the doctor can approve or reject")
			return
		}

		decided, err := decide(r.Context(), current.ID)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, appointment.ToRecord(*decided, loc))
	}
}

func openSlotsHandler(svc AppointmentService, loc *time.Location) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID := chi.URLParam(r, "id")
		dateStr := r.URL.Query().Get("date")
		date, err := time.ParseInLocation("2006-01-02", dateStr, loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, CodeInvalidQuery, "date must be YYYY-MM-DD")
			return
		}

		slots, err := svc.OpenSlots(r.Context(), doctorID, date)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, OpenSlotsResponse{
			DoctorID: doctorID,
			Date:     dateStr,
			Slots:    toSlots(slots),
		})
	}
}

// loadVisible fetches the appointment named in the path. Appointments the
// actor is not part of are reported as missing.
func loadVisible(w http.ResponseWriter, r *http.Request, svc AppointmentService) (*appointment.Appointment, bool) {
	actor := mustActor(r)
	appt, err := svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return nil, false
	}
	if !actor.Participates(*appt) {
		writeError(w, http.StatusNotFound, CodeNotFound, appointment.ErrNotFound.Error())
		return nil, false
	}
	return appt, true
}

func mustActor(r *http.Request) session.Actor {
	actor, _ := session.ActorFromContext(r.Context())
	return actor
}

func handleServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, appointment.ErrNotFound):
		writeError(w, http.StatusNotFound, CodeNotFound, err.Error())
	case errors.Is(err, appointment.ErrPatientNotFound):
		writeError(w, http.StatusNotFound, CodePatientNotFound, err.Error())
	case errors.Is(err, appointment.ErrDoctorNotFound):
		writeError(w, http.StatusNotFound, CodeDoctorNotFound, err.Error())
	case errors.Is(err, appointment.ErrSlotConflict):
		writeError(w, http.StatusConflict, CodeSlotConflict, err.Error())
	case errors.Is(err, appointment.ErrInvalidTransition):
		writeError(w, http.StatusConflict, CodeInvalidTransition, err.Error())
	case errors.Is(err, booking.ErrDoctorBusy):
		writeError(w, http.StatusConflict, CodeDoctorBusy, "calendar is being updated, please retry shortly")
	case errors.Is(err, timeslot.ErrInvalidInterval):
		writeError(w, http.StatusUnprocessableEntity, CodeInvalidTimeRange, err.Error())
	case errors.Is(err, appointment.ErrInvalidKind):
		writeError(w, http.StatusUnprocessableEntity, CodeInvalidKind, err.Error())
	case errors.Is(err, appointment.ErrInvalidStatus):
		writeError(w, http.StatusUnprocessableEntity, CodeInvalidStatus, err.Error())
	case errors.Is(err, appointment.ErrMissingPatient):
		writeError(w, http.StatusUnprocessableEntity, CodeMissingPatient, err.Error())
	case errors.Is(err, appointment.ErrMissingDoctor):
		writeError(w, http.StatusUnprocessableEntity, CodeMissingDoctor, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, CodeInternal, "unexpected server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

func writeAuthError(w http.ResponseWriter, err error) {
	writeError(w, http.StatusUnauthorized, CodeUnauthorized, err.Error())
}
