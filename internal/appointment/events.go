package appointment

import (
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

const (
	EventAppointmentCreated  = "APPOINTMENT_CREATED"
	EventAppointmentUpdated  = "APPOINTMENT_UPDATED"
	EventAppointmentApproved = "APPOINTMENT_APPROVED"
	EventAppointmentRejected = "APPOINTMENT_REJECTED"
	EventAppointmentDeleted  = "APPOINTMENT_DELETED"
	EventAppointmentExpired  = "APPOINTMENT_EXPIRED"
)

// Change is published after every persisted mutation so that other
// clients holding an affected calendar can refresh.
type Change struct {
	Type          string    `json:"type"`
	AppointmentID string    `json:"appointment_id"`
	DoctorID      string    `json:"doctor_id,omitempty"`
	PatientID     string    `json:"patient_id,omitempty"`
	At            time.Time `json:"at"`
}

// Channels lists the pub/sub channels whose calendars the change touches.
func (c Change) Channels() []string {
	var out []string
	if c.DoctorID != "" {
		out = append(out, Channel(Scope{Role: RoleDoctor, ActorID: c.DoctorID}))
	}
	if c.PatientID != "" {
		out = append(out, Channel(Scope{Role: RolePatient, ActorID: c.PatientID}))
	}
	return out
}

func Channel(scope Scope) string {
	return "calendar:" + string(scope.Role) + ":" + scope.ActorID
}

const tempPrefix = "temp-"

var tempSeq atomic.Int64

// NewTempID returns a client-side id for an appointment that has not been
// persisted yet.
func NewTempID() string {
	return tempPrefix + strconv.FormatInt(time.Now().UnixNano(), 36) + "-" + strconv.FormatInt(tempSeq.Add(1), 36)
}

func IsTempID(id string) bool {
	return strings.HasPrefix(id, tempPrefix)
}
