package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
)

type ScheduleAppointmentRequest struct {
	PatientID string  `json:"patient_id"`
	DoctorID  string  `json:"doctor_id"`
	BranchID  string  `json:"branch_id"`
	Date      string  `json:"date"`       // YYYY-MM-DD
	StartTime string  `json:"start_time"` // HH:MM
	Type      string  `json:"type,omitempty"`
	Notes     *string `json:"notes,omitempty"`
}

// RescheduleAppointmentRequest moves an appointment. An empty doctor_id or
// branch_id keeps the current one.
type RescheduleAppointmentRequest struct {
	DoctorID  string `json:"doctor_id,omitempty"`
	BranchID  string `json:"branch_id,omitempty"`
	Date      string `json:"date"`
	StartTime string `json:"start_time"`
}

type CancelAppointmentRequest struct {
	Reason string `json:"reason,omitempty"`
	// Force skips the cancellation window check (staff override).
	Force bool `json:"force,omitempty"`
}

type AppointmentResponse struct {
	ID                 uuid.UUID `json:"id"`
	PatientID          uuid.UUID `json:"patient_id"`
	DoctorID           uuid.UUID `json:"doctor_id"`
	BranchID           uuid.UUID `json:"branch_id"`
	Date               string    `json:"date"`
	StartTime          string    `json:"start_time"`
	EndTime            string    `json:"end_time"`
	Status             string    `json:"status"`
	Type               string    `json:"type"`
	Notes              *string   `json:"notes,omitempty"`
	CancellationReason *string   `json:"cancellation_reason,omitempty"`
	Version            int64     `json:"version"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

type DoctorAvailabilityResponse struct {
	DoctorID uuid.UUID `json:"doctor_id"`
	Date     string    `json:"date"`
	Slots    []string  `json:"slots"`
}

type BranchAvailabilityResponse struct {
	BranchID uuid.UUID                        `json:"branch_id"`
	Date     string                           `json:"date"`
	Doctors  []appointment.DoctorAvailability `json:"doctors"`
}

type ScheduleResponse struct {
	From         string                `json:"from"`
	To           string                `json:"to"`
	Appointments []AppointmentResponse `json:"appointments"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toAppointmentResponse(a *appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:                 a.ID,
		PatientID:          a.PatientID,
		DoctorID:           a.DoctorID,
		BranchID:           a.BranchID,
		Date:               a.Date.Format(time.DateOnly),
		StartTime:          a.StartTime.String(),
		EndTime:            a.EndTime.String(),
		Status:             string(a.Status),
		Type:               string(a.Type),
		Notes:              a.Notes,
		CancellationReason: a.CancellationReason,
		Version:            a.Version,
		CreatedAt:          a.CreatedAt,
		UpdatedAt:          a.UpdatedAt,
	}
}

func toAppointmentResponses(list []appointment.Appointment) []AppointmentResponse {
	out := make([]AppointmentResponse, 0, len(list))
	for i := range list {
		out = append(out, toAppointmentResponse(&list[i]))
	}
	return out
}
