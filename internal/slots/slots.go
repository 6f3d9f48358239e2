package slots

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

const minutesPerDay = 24 * 60

// EndOfDay is 24:00. It may close an interval but never start one.
const EndOfDay TimeOfDay = minutesPerDay

var (
	ErrInvalidTimeOfDay     = errors.New("time of day must be HH:MM")
	ErrInvalidBusinessHours = errors.New("business hours start must be before end")
)

// TimeOfDay is a wall-clock time expressed as minutes since midnight.
// 24:00 is representable so it can close a business day.
type TimeOfDay int

// Parse reads a strict "HH:MM" value.
func Parse(s string) (TimeOfDay, error) {
	if len(s) != 5 || s[2] != ':' {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimeOfDay, s)
	}
	h, err := strconv.Atoi(s[:2])
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimeOfDay, s)
	}
	m, err := strconv.Atoi(s[3:])
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimeOfDay, s)
	}
	if m < 0 || m > 59 || h < 0 || h > 24 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimeOfDay, s)
	}
	return TimeOfDay(h*60 + m), nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) TimeOfDay {
	t, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return t
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", int(t)/60, int(t)%60)
}

// Add shifts t by d, truncated to whole minutes. The result may exceed 24:00;
// callers check Valid before persisting it.
func (t TimeOfDay) Add(d time.Duration) TimeOfDay {
	return t + TimeOfDay(d/time.Minute)
}

// Valid reports whether t lies within a single day, 24:00 included.
func (t TimeOfDay) Valid() bool {
	return t >= 0 && t <= minutesPerDay
}

// On places t on the calendar date of day in loc.
func (t TimeOfDay) On(day time.Time, loc *time.Location) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc).Add(time.Duration(t) * time.Minute)
}

func (t TimeOfDay) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *TimeOfDay) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// BusinessHours bounds the bookable part of a day.
type BusinessHours struct {
	Start TimeOfDay
	End   TimeOfDay
}

func (h BusinessHours) Validate() error {
	if !h.Start.Valid() || !h.End.Valid() || h.Start >= h.End {
		return fmt.Errorf("%w: %s-%s", ErrInvalidBusinessHours, h.Start, h.End)
	}
	return nil
}

// Generate returns every start time from h.Start in steps of slotMinutes,
// stopping strictly before h.End.
func Generate(h BusinessHours, slotMinutes int) []TimeOfDay {
	out := []TimeOfDay{}
	if slotMinutes <= 0 || h.Start >= h.End {
		return out
	}
	if int(h.End-h.Start) <= slotMinutes {
		return out
	}
	for t := h.Start; t < h.End; t += TimeOfDay(slotMinutes) {
		out = append(out, t)
	}
	return out
}

// Overlaps is the half-open interval test [s1,e1) ∩ [s2,e2) ≠ ∅.
func Overlaps(s1, e1, s2, e2 TimeOfDay) bool {
	return s1 < e2 && s2 < e1
}

// Strings renders ts as "HH:MM" values.
func Strings(ts []TimeOfDay) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.String()
	}
	return out
}
