// Package clinic holds the professionals and their weekly working hours.
// The schedule is read once at startup from a TOML file.
package clinic

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"

	"github.com/Sudo-psc/saraiva-vision-scheduling/internal/civiltime"
	"github.com/Sudo-psc/saraiva-vision-scheduling/internal/scheduling"
)

var (
	ErrProfessionalNotFound = errors.New("professional not found")
	ErrInvalidSchedule      = errors.New("invalid clinic schedule")
)

const DefaultSlotDurationMinutes = 30

var (
	DefaultOpen  = civiltime.MustTimeOfDay("08:00")
	DefaultClose = civiltime.MustTimeOfDay("18:00")
)

// WorkingHours is one weekday of a professional's schedule.
type WorkingHours struct {
	Start civiltime.TimeOfDay `toml:"start"`
	End   civiltime.TimeOfDay `toml:"end"`
	Break *scheduling.Break   `toml:"break"`
}

type Professional struct {
	ID                  uuid.UUID `toml:"id"`
	Name                string    `toml:"name"`
	SlotDurationMinutes int       `toml:"slot_duration_minutes"`
	// Hours is keyed by lowercase English weekday name ("monday").
	Hours map[string]WorkingHours `toml:"hours"`
}

// HoursOn returns the working hours for weekday, false if the professional
// does not work that day.
func (p Professional) HoursOn(day time.Weekday) (WorkingHours, bool) {
	h, ok := p.Hours[strings.ToLower(day.String())]
	return h, ok
}

func (p Professional) SlotDuration() time.Duration {
	return time.Duration(p.SlotDurationMinutes) * time.Minute
}

// Slots returns the civil start times offered on d, before any booking is
// taken into account.
func (p Professional) Slots(d civiltime.Date) []civiltime.TimeOfDay {
	h, ok := p.HoursOn(d.Weekday())
	if !ok {
		return []civiltime.TimeOfDay{}
	}
	return scheduling.ComputeSlots(h.Start, h.End, p.SlotDurationMinutes, h.Break)
}

// Schedule is the full clinic configuration.
type Schedule struct {
	Name          string         `toml:"name"`
	Professionals []Professional `toml:"professionals"`

	byID map[uuid.UUID]Professional
}

// Directory resolves professionals by id.
type Directory interface {
	Professional(id uuid.UUID) (Professional, error)
}

func (s *Schedule) Professional(id uuid.UUID) (Professional, error) {
	p, ok := s.byID[id]
	if !ok {
		return Professional{}, ErrProfessionalNotFound
	}
	return p, nil
}

func (s *Schedule) List() []Professional {
	out := make([]Professional, len(s.Professionals))
	copy(out, s.Professionals)
	return out
}

// Load reads and validates a schedule file.
func Load(path string) (*Schedule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read clinic schedule %s: %w", path, err)
	}
	return Parse(string(data))
}

// Parse decodes a TOML schedule. Professionals without an explicit slot
// duration get DefaultSlotDurationMinutes; professionals without hours work
// DefaultOpen to DefaultClose on weekdays.
func Parse(doc string) (*Schedule, error) {
	var s Schedule
	if _, err := toml.Decode(doc, &s); err != nil {
		return nil, fmt.Errorf("decode clinic schedule: %w", err)
	}
	if err := s.init(); err != nil {
		return nil, err
	}
	return &s, nil
}

// New builds a schedule in code, mostly for tests and the seed command.
func New(name string, professionals ...Professional) (*Schedule, error) {
	s := &Schedule{Name: name, Professionals: professionals}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Schedule) init() error {
	s.byID = make(map[uuid.UUID]Professional, len(s.Professionals))
	for i := range s.Professionals {
		p := &s.Professionals[i]
		if p.SlotDurationMinutes == 0 {
			p.SlotDurationMinutes = DefaultSlotDurationMinutes
		}
		if len(p.Hours) == 0 {
			p.Hours = defaultWeekdays()
		}
		if err := validate(*p); err != nil {
			return err
		}
		if _, dup := s.byID[p.ID]; dup {
			return fmt.Errorf("%w: duplicate professional %s", ErrInvalidSchedule, p.ID)
		}
		s.byID[p.ID] = *p
	}
	return nil
}

var weekdayNames = map[string]struct{}{
	"sunday": {}, "monday": {}, "tuesday": {}, "wednesday": {},
	"thursday": {}, "friday": {}, "saturday": {},
}

func validate(p Professional) error {
	if p.ID == uuid.Nil {
		return fmt.Errorf("%w: professional %q has no id", ErrInvalidSchedule, p.Name)
	}
	if p.SlotDurationMinutes < 0 {
		return fmt.Errorf("%w: professional %s has negative slot duration", ErrInvalidSchedule, p.ID)
	}
	for day, h := range p.Hours {
		if _, ok := weekdayNames[day]; !ok {
			return fmt.Errorf("%w: professional %s: unknown weekday %q", ErrInvalidSchedule, p.ID, day)
		}
		if !h.Start.Valid() || !h.End.Valid() || h.Start >= h.End {
			return fmt.Errorf("%w: professional %s: %s hours %s-%s", ErrInvalidSchedule, p.ID, day, h.Start, h.End)
		}
		if h.Break != nil && (h.Break.Start >= h.Break.End || h.Break.Start < h.Start || h.Break.End > h.End) {
			return fmt.Errorf("%w: professional %s: %s break %s-%s outside working hours",
				ErrInvalidSchedule, p.ID, day, h.Break.Start, h.Break.End)
		}
	}
	return nil
}

func defaultWeekdays() map[string]WorkingHours {
	hours := make(map[string]WorkingHours, 5)
	for _, d := range []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday} {
		hours[strings.ToLower(d.String())] = WorkingHours{Start: DefaultOpen, End: DefaultClose}
	}
	return hours
}
