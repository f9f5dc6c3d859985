package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hackgods/portal-scheduling/internal/availability"
)

// WorkingHours is the root of the working hours YAML file. Lookups fall
// through doctor weekday, doctor default, global weekday, global default.
// A weekday listed with no windows is a day off.
type WorkingHours struct {
	Default  []availability.Window            `yaml:"default"`
	Weekdays map[string][]availability.Window `yaml:"weekdays"`
	Doctors  map[string]DoctorHours           `yaml:"doctors"`
	Holidays []string                         `yaml:"holidays"` // "2025-12-25"

	holidays map[string]struct{}
}

type DoctorHours struct {
	Default  []availability.Window            `yaml:"default"`
	Weekdays map[string][]availability.Window `yaml:"weekdays"`
}

// DefaultWorkingHours is used when no file is configured: 09-12 and 13-17
// on weekdays.
func DefaultWorkingHours() *WorkingHours {
	wh := &WorkingHours{
		Default: []availability.Window{{Start: 9, End: 12}, {Start: 13, End: 17}},
		Weekdays: map[string][]availability.Window{
			"saturday": {},
			"sunday":   {},
		},
	}
	_ = wh.Validate()
	return wh
}

// LoadWorkingHours reads and validates the working hours file. An empty
// path yields DefaultWorkingHours.
func LoadWorkingHours(path string) (*WorkingHours, error) {
	if path == "" {
		return DefaultWorkingHours(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read working hours: %w", err)
	}
	return ParseWorkingHours(data)
}

func ParseWorkingHours(data []byte) (*WorkingHours, error) {
	var wh WorkingHours
	if err := yaml.Unmarshal(data, &wh); err != nil {
		return nil, fmt.Errorf("parse working hours: %w", err)
	}
	if err := wh.Validate(); err != nil {
		return nil, fmt.Errorf("validate working hours: %w", err)
	}
	return &wh, nil
}

// Validate checks windows, weekday names and holiday dates.
func (w *WorkingHours) Validate() error {
	if err := validateWindows("default", w.Default); err != nil {
		return err
	}
	if err := validateWeekdays("", w.Weekdays); err != nil {
		return err
	}
	for id, d := range w.Doctors {
		if err := validateWindows("doctors."+id+".default", d.Default); err != nil {
			return err
		}
		if err := validateWeekdays("doctors."+id+".", d.Weekdays); err != nil {
			return err
		}
	}

	w.holidays = make(map[string]struct{}, len(w.Holidays))
	for _, h := range w.Holidays {
		if _, err := time.Parse("2006-01-02", h); err != nil {
			return fmt.Errorf("holiday %q: expected YYYY-MM-DD", h)
		}
		w.holidays[h] = struct{}{}
	}
	return nil
}

// For returns the working windows of doctorID on date.
func (w *WorkingHours) For(doctorID string, date time.Time) []availability.Window {
	if _, closed := w.holidays[date.Format("2006-01-02")]; closed {
		return nil
	}
	day := strings.ToLower(date.Weekday().String())

	if d, ok := w.Doctors[doctorID]; ok {
		if windows, ok := d.Weekdays[day]; ok {
			return windows
		}
		if d.Default != nil {
			return d.Default
		}
	}
	if windows, ok := w.Weekdays[day]; ok {
		return windows
	}
	return w.Default
}

func validateWindows(path string, windows []availability.Window) error {
	for _, win := range windows {
		if !win.Valid() {
			return fmt.Errorf("%s: window %d-%d must satisfy 0 <= start < end <= 24", path, win.Start, win.End)
		}
	}
	return nil
}

func validateWeekdays(prefix string, days map[string][]availability.Window) error {
	for name, windows := range days {
		if !validWeekday(name) {
			return fmt.Errorf("%sweekdays: unknown day %q", prefix, name)
		}
		if err := validateWindows(prefix+"weekdays."+name, windows); err != nil {
			return err
		}
	}
	return nil
}

func validWeekday(name string) bool {
	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.ToLower(d.String()) == name {
			return true
		}
	}
	return false
}
