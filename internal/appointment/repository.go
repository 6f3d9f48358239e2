package appointment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling/internal/slots"
)

var (
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrSlotUnavailable     = errors.New("requested time overlaps an existing appointment")
	ErrStaleAppointment    = errors.New("appointment was modified concurrently")
)

// Interval is a half-open [Start, End) range on one calendar day.
type Interval struct {
	Start slots.TimeOfDay
	End   slots.TimeOfDay
}

// Filter narrows FindMany. Zero-valued fields do not constrain the result.
type Filter struct {
	DoctorID        *uuid.UUID
	PatientID       *uuid.UUID
	Date            *time.Time
	From            *time.Time // inclusive date
	To              *time.Time // inclusive date
	Statuses        []AppointmentStatus
	ExcludeStatuses []AppointmentStatus
	ExcludeID       *uuid.UUID
	Overlaps        *Interval
}

// Repository is the authoritative appointment store.
//
// Create and Update must themselves refuse to leave two active appointments
// overlapping for one doctor and date (ErrSlotUnavailable); callers' earlier
// checks are only a fast path. Update is a compare-and-swap on Version.
// Results are returned ordered by date then start time.
type Repository interface {
	Create(ctx context.Context, a *Appointment) (*Appointment, error)
	FindByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	FindMany(ctx context.Context, f Filter) ([]Appointment, error)
	Update(ctx context.Context, a *Appointment, expectedVersion int64) (*Appointment, error)
}

func (f Filter) matches(a *Appointment) bool {
	if f.DoctorID != nil && a.DoctorID != *f.DoctorID {
		return false
	}
	if f.PatientID != nil && a.PatientID != *f.PatientID {
		return false
	}
	if f.Date != nil && !a.Date.Equal(DateOf(*f.Date)) {
		return false
	}
	if f.From != nil && a.Date.Before(DateOf(*f.From)) {
		return false
	}
	if f.To != nil && a.Date.After(DateOf(*f.To)) {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, a.Status) {
		return false
	}
	if containsStatus(f.ExcludeStatuses, a.Status) {
		return false
	}
	if f.ExcludeID != nil && a.ID == *f.ExcludeID {
		return false
	}
	if f.Overlaps != nil && !slots.Overlaps(a.StartTime, a.EndTime, f.Overlaps.Start, f.Overlaps.End) {
		return false
	}
	return true
}

func containsStatus(list []AppointmentStatus, s AppointmentStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
