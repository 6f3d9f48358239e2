package appointment

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling/internal/slots"
)

// State transitions:
//
//	scheduled | confirmed | rescheduled → confirmed, rescheduled, completed, cancelled
//	completed, cancelled → (terminal)
//
// rescheduled is an active state: it takes part in conflict detection exactly
// like scheduled and confirmed.
type AppointmentStatus string

const (
	StatusScheduled   AppointmentStatus = "scheduled"
	StatusConfirmed   AppointmentStatus = "confirmed"
	StatusCompleted   AppointmentStatus = "completed"
	StatusCancelled   AppointmentStatus = "cancelled"
	StatusRescheduled AppointmentStatus = "rescheduled"
)

// inactiveStatuses never block a time range.
var inactiveStatuses = []AppointmentStatus{StatusCancelled, StatusCompleted}

func (s AppointmentStatus) IsActive() bool {
	return s == StatusScheduled || s == StatusConfirmed || s == StatusRescheduled
}

func (s AppointmentStatus) IsValid() bool {
	switch s {
	case StatusScheduled, StatusConfirmed, StatusCompleted, StatusCancelled, StatusRescheduled:
		return true
	}
	return false
}

type AppointmentType string

const (
	TypeFirstVisit   AppointmentType = "first_visit"
	TypeFollowUp     AppointmentType = "follow_up"
	TypeConsultation AppointmentType = "consultation"
	TypeCheckup      AppointmentType = "checkup"
	TypeEmergency    AppointmentType = "emergency"
)

func (t AppointmentType) IsValid() bool {
	switch t {
	case TypeFirstVisit, TypeFollowUp, TypeConsultation, TypeCheckup, TypeEmergency:
		return true
	}
	return false
}

type Appointment struct {
	ID                 uuid.UUID
	PatientID          uuid.UUID
	DoctorID           uuid.UUID
	BranchID           uuid.UUID
	Date               time.Time // midnight UTC of the calendar date
	StartTime          slots.TimeOfDay
	EndTime            slots.TimeOfDay
	Status             AppointmentStatus
	Type               AppointmentType
	Notes              *string
	CancellationReason *string
	Version            int64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// CanTransitionTo reports whether moving to next is allowed from the current status.
func (a *Appointment) CanTransitionTo(next AppointmentStatus) bool {
	if !a.Status.IsActive() {
		return false
	}
	switch next {
	case StatusRescheduled, StatusCompleted, StatusCancelled:
		return true
	case StatusConfirmed:
		return a.Status != StatusConfirmed
	}
	return false
}

// Overlaps reports whether a blocks [start,end) on its doctor's day.
func (a *Appointment) Overlaps(start, end slots.TimeOfDay) bool {
	return a.Status.IsActive() && slots.Overlaps(a.StartTime, a.EndTime, start, end)
}

// StartsAt places the appointment start on the wall clock of loc.
func (a *Appointment) StartsAt(loc *time.Location) time.Time {
	return a.StartTime.On(a.Date, loc)
}

// EndsAt places the appointment end on the wall clock of loc.
func (a *Appointment) EndsAt(loc *time.Location) time.Time {
	return a.EndTime.On(a.Date, loc)
}

// DateOf normalizes t to the calendar-date representation used for Date.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DoctorAvailability is one doctor's entry in a branch availability listing.
// Slots is nil when that doctor's availability could not be computed.
type DoctorAvailability struct {
	DoctorID uuid.UUID         `json:"doctor_id"`
	Slots    []slots.TimeOfDay `json:"slots"`
	Error    string            `json:"error,omitempty"`
}

type ScheduleRequest struct {
	PatientID uuid.UUID
	DoctorID  uuid.UUID
	BranchID  uuid.UUID
	Date      time.Time
	StartTime slots.TimeOfDay
	Type      AppointmentType
	Notes     *string
}

type RescheduleRequest struct {
	AppointmentID uuid.UUID
	DoctorID      uuid.UUID
	BranchID      *uuid.UUID // nil keeps the current branch
	Date          time.Time
	StartTime     slots.TimeOfDay
}

type EventKind string

const (
	EventScheduled   EventKind = "APPOINTMENT_SCHEDULED"
	EventRescheduled EventKind = "APPOINTMENT_RESCHEDULED"
	EventCancelled   EventKind = "APPOINTMENT_CANCELLED"
	EventConfirmed   EventKind = "APPOINTMENT_CONFIRMED"
	EventCompleted   EventKind = "APPOINTMENT_COMPLETED"
)
