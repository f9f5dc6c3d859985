package timeslot

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultDuration is used when a caller does not pick a length.
const DefaultDuration = 30 * time.Minute

var ErrInvalidInterval = errors.New("invalid interval: end must be after start")

// Interval is a half-open time range [Start, End).
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func New(start, end time.Time) (Interval, error) {
	if !end.After(start) {
		return Interval{}, fmt.Errorf("%w: start=%s end=%s", ErrInvalidInterval,
			start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	return Interval{Start: start, End: end}, nil
}

// At builds an interval on the calendar day of date, starting at hour:minute
// in date's location. A zero duration means DefaultDuration.
func At(date time.Time, hour, minute, durationMinutes int) (Interval, error) {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return Interval{}, fmt.Errorf("%w: time of day %02d:%02d", ErrInvalidInterval, hour, minute)
	}
	length := DefaultDuration
	if durationMinutes != 0 {
		length = time.Duration(durationMinutes) * time.Minute
	}
	start := time.Date(date.Year(), date.Month(), date.Day(), hour, minute, 0, 0, date.Location())
	return New(start, start.Add(length))
}

// Parse is At with a "HH:MM" clock string.
func Parse(date time.Time, clock string, durationMinutes int) (Interval, error) {
	parts := strings.Split(clock, ":")
	if len(parts) < 2 {
		return Interval{}, fmt.Errorf("%w: invalid time format %q", ErrInvalidInterval, clock)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil {
		return Interval{}, fmt.Errorf("%w: invalid hour %q", ErrInvalidInterval, parts[0])
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil {
		return Interval{}, fmt.Errorf("%w: invalid minute %q", ErrInvalidInterval, parts[1])
	}
	return At(date, hour, minute, durationMinutes)
}

// Overlaps reports whether the two ranges share an instant. Back-to-back
// ranges touching at one boundary do not overlap.
func (i Interval) Overlaps(other Interval) bool {
	return i.Start.Before(other.End) && other.Start.Before(i.End)
}

func (i Interval) Shift(deltaMinutes int) Interval {
	d := time.Duration(deltaMinutes) * time.Minute
	return Interval{Start: i.Start.Add(d), End: i.End.Add(d)}
}

func (i Interval) WithDuration(minutes int) (Interval, error) {
	return New(i.Start, i.Start.Add(time.Duration(minutes)*time.Minute))
}

// WithEnd keeps the start and moves the end.
func (i Interval) WithEnd(end time.Time) (Interval, error) {
	return New(i.Start, end)
}

func (i Interval) Duration() time.Duration {
	return i.End.Sub(i.Start)
}

// Minutes returns the length in whole minutes.
func (i Interval) Minutes() int {
	return int(i.Duration() / time.Minute)
}

func (i Interval) Valid() bool {
	return i.End.After(i.Start)
}

func (i Interval) Equal(other Interval) bool {
	return i.Start.Equal(other.Start) && i.End.Equal(other.End)
}

func (i Interval) String() string {
	return fmt.Sprintf("[%s, %s)", i.Start.Format("2006-01-02 15:04"), i.End.Format("15:04"))
}
