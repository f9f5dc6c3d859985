// Package notify carries the short user-facing messages the scheduler emits
// after each operation. Delivery is up to the Sink.
package notify

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type Level string

const (
	LevelSuccess Level = "success"
	LevelError   Level = "error"
	LevelWarning Level = "warning"
)

// Notice is one message for the user, e.g. "Consultation approved".
type Notice struct {
	Level         Level
	Operation     string
	Message       string
	Reason        string
	AppointmentID string
	At            time.Time
}

type Sink interface {
	Notify(n Notice)
}

// LogSink writes notices to a logger.
type LogSink struct {
	log zerolog.Logger
}

func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Notify(n Notice) {
	var ev *zerolog.Event
	switch n.Level {
	case LevelError:
		ev = s.log.Error()
	case LevelWarning:
		ev = s.log.Warn()
	default:
		ev = s.log.Info()
	}
	ev = ev.Str("operation", n.Operation)
	if n.AppointmentID != "" {
		ev = ev.Str("appointment_id", n.AppointmentID)
	}
	if n.Reason != "" {
		ev = ev.Str("reason", n.Reason)
	}
	ev.Msg(n.Message)
}

// Recorder keeps the most recent notices in memory.
type Recorder struct {
	mu      sync.Mutex
	limit   int
	notices []Notice
}

// NewRecorder keeps at most limit notices; zero keeps everything.
func NewRecorder(limit int) *Recorder {
	return &Recorder{limit: limit}
}

func (r *Recorder) Notify(n Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.notices = append(r.notices, n)
	if r.limit > 0 && len(r.notices) > r.limit {
		r.notices = r.notices[len(r.notices)-r.limit:]
	}
}

func (r *Recorder) Notices() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Notice, len(r.notices))
	copy(out, r.notices)
	return out
}

func (r *Recorder) Last() (Notice, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.notices) == 0 {
		return Notice{}, false
	}
	return r.notices[len(r.notices)-1], true
}

// Multi fans a notice out to several sinks.
type Multi []Sink

func (m Multi) Notify(n Notice) {
	for _, s := range m {
		if s != nil {
			s.Notify(n)
		}
	}
}

// Discard drops every notice.
type Discard struct{}

func (Discard) Notify(Notice) {}
