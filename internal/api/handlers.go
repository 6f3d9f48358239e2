package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/slots"
)

// maxScheduleRange bounds schedule listings.
const maxScheduleRange = 92 * 24 * time.Hour

func scheduleAppointmentHandler(svc *appointment.Service, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ScheduleAppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		patientID, ok := parseUUID(w, req.PatientID, "patient_id")
		if !ok {
			return
		}
		doctorID, ok := parseUUID(w, req.DoctorID, "doctor_id")
		if !ok {
			return
		}
		branchID, ok := parseUUID(w, req.BranchID, "branch_id")
		if !ok {
			return
		}
		date, ok := parseDate(w, req.Date, "date")
		if !ok {
			return
		}
		start, ok := parseTime(w, req.StartTime)
		if !ok {
			return
		}

		typ := appointment.AppointmentType(req.Type)
		if typ != "" && !typ.IsValid() {
			writeError(w, http.StatusBadRequest, "invalid_type", "type must be one of first_visit, follow_up, consultation, checkup, emergency")
			return
		}

		appt, err := svc.ScheduleAppointment(r.Context(), appointment.ScheduleRequest{
			PatientID: patientID,
			DoctorID:  doctorID,
			BranchID:  branchID,
			Date:      date,
			StartTime: start,
			Type:      typ,
			Notes:     req.Notes,
		})
		if err != nil {
			handleServiceError(w, r, log, err)
			return
		}

		writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
	}
}

func getAppointmentHandler(svc *appointment.Service, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseUUID(w, chi.URLParam(r, "id"), "appointment_id")
		if !ok {
			return
		}

		appt, err := svc.GetAppointment(r.Context(), id)
		if err != nil {
			handleServiceError(w, r, log, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func rescheduleAppointmentHandler(svc *appointment.Service, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseUUID(w, chi.URLParam(r, "id"), "appointment_id")
		if !ok {
			return
		}

		var req RescheduleAppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		date, ok := parseDate(w, req.Date, "date")
		if !ok {
			return
		}
		start, ok := parseTime(w, req.StartTime)
		if !ok {
			return
		}

		resched := appointment.RescheduleRequest{
			AppointmentID: id,
			Date:          date,
			StartTime:     start,
		}
		if req.BranchID != "" {
			branchID, ok := parseUUID(w, req.BranchID, "branch_id")
			if !ok {
				return
			}
			resched.BranchID = &branchID
		}
		if req.DoctorID != "" {
			if resched.DoctorID, ok = parseUUID(w, req.DoctorID, "doctor_id"); !ok {
				return
			}
		} else {
			current, err := svc.GetAppointment(r.Context(), id)
			if err != nil {
				handleServiceError(w, r, log, err)
				return
			}
			resched.DoctorID = current.DoctorID
		}

		appt, err := svc.RescheduleAppointment(r.Context(), resched)
		if err != nil {
			handleServiceError(w, r, log, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

// cancelAppointmentHandler applies the clinic's cancellation window before
// calling the engine unless the request sets force.
func cancelAppointmentHandler(svc *appointment.Service, now func() time.Time, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseUUID(w, chi.URLParam(r, "id"), "appointment_id")
		if !ok {
			return
		}

		var req CancelAppointmentRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
				return
			}
		}

		if !req.Force {
			current, err := svc.GetAppointment(r.Context(), id)
			if err != nil {
				handleServiceError(w, r, log, err)
				return
			}
			if current.Status.IsActive() {
				if err := svc.CheckCancellationWindow(current, now()); err != nil {
					handleServiceError(w, r, log, err)
					return
				}
			}
		}

		appt, err := svc.CancelAppointment(r.Context(), id, req.Reason)
		if err != nil {
			handleServiceError(w, r, log, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func confirmAppointmentHandler(svc *appointment.Service, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseUUID(w, chi.URLParam(r, "id"), "appointment_id")
		if !ok {
			return
		}

		appt, err := svc.ConfirmAppointment(r.Context(), id)
		if err != nil {
			handleServiceError(w, r, log, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func completeAppointmentHandler(svc *appointment.Service, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseUUID(w, chi.URLParam(r, "id"), "appointment_id")
		if !ok {
			return
		}

		appt, err := svc.CompleteAppointment(r.Context(), id)
		if err != nil {
			handleServiceError(w, r, log, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func doctorAvailabilityHandler(svc *appointment.Service, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, ok := parseUUID(w, chi.URLParam(r, "id"), "doctor_id")
		if !ok {
			return
		}
		date, ok := parseDate(w, r.URL.Query().Get("date"), "date")
		if !ok {
			return
		}

		free, err := svc.GetDoctorAvailability(r.Context(), doctorID, date)
		if err != nil {
			handleServiceError(w, r, log, err)
			return
		}

		writeJSON(w, http.StatusOK, DoctorAvailabilityResponse{
			DoctorID: doctorID,
			Date:     date.Format(time.DateOnly),
			Slots:    slots.Strings(free),
		})
	}
}

func branchAvailabilityHandler(svc *appointment.Service, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		branchID, ok := parseUUID(w, chi.URLParam(r, "id"), "branch_id")
		if !ok {
			return
		}
		date, ok := parseDate(w, r.URL.Query().Get("date"), "date")
		if !ok {
			return
		}

		doctors, err := svc.GetBranchAvailability(r.Context(), branchID, date)
		if err != nil {
			handleServiceError(w, r, log, err)
			return
		}

		writeJSON(w, http.StatusOK, BranchAvailabilityResponse{
			BranchID: branchID,
			Date:     date.Format(time.DateOnly),
			Doctors:  doctors,
		})
	}
}

func doctorScheduleHandler(svc *appointment.Service, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, ok := parseUUID(w, chi.URLParam(r, "id"), "doctor_id")
		if !ok {
			return
		}
		from, to, ok := parseRange(w, r)
		if !ok {
			return
		}

		list, err := svc.GetDoctorSchedule(r.Context(), doctorID, from, to)
		if err != nil {
			handleServiceError(w, r, log, err)
			return
		}

		writeSchedule(w, from, to, list)
	}
}

func patientScheduleHandler(svc *appointment.Service, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		patientID, ok := parseUUID(w, chi.URLParam(r, "id"), "patient_id")
		if !ok {
			return
		}
		from, to, ok := parseRange(w, r)
		if !ok {
			return
		}

		list, err := svc.GetPatientSchedule(r.Context(), patientID, from, to)
		if err != nil {
			handleServiceError(w, r, log, err)
			return
		}

		writeSchedule(w, from, to, list)
	}
}

func writeSchedule(w http.ResponseWriter, from, to time.Time, list []appointment.Appointment) {
	writeJSON(w, http.StatusOK, ScheduleResponse{
		From:         from.Format(time.DateOnly),
		To:           to.Format(time.DateOnly),
		Appointments: toAppointmentResponses(list),
	})
}

func handleServiceError(w http.ResponseWriter, r *http.Request, log *zap.Logger, err error) {
	switch {
	case errors.Is(err, appointment.ErrSlotUnavailable):
		writeError(w, http.StatusConflict, "slot_unavailable", err.Error())
	case errors.Is(err, appointment.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, appointment.ErrInvalidStatusTransition):
		writeError(w, http.StatusConflict, "invalid_status_transition", err.Error())
	case errors.Is(err, appointment.ErrStaleAppointment):
		writeError(w, http.StatusConflict, "appointment_modified", "appointment was changed by another request, reload and retry")
	case errors.Is(err, appointment.ErrCancellationWindowClosed):
		writeError(w, http.StatusConflict, "cancellation_window_closed", err.Error())
	case errors.Is(err, appointment.ErrInvalidInterval):
		writeError(w, http.StatusBadRequest, "invalid_interval", err.Error())
	default:
		log.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", GetRequestID(r.Context())),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func parseUUID(w http.ResponseWriter, raw, field string) (uuid.UUID, bool) {
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_"+field, field+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func parseDate(w http.ResponseWriter, raw, field string) (time.Time, bool) {
	d, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_"+field, field+" must be a date in YYYY-MM-DD format")
		return time.Time{}, false
	}
	return d, true
}

func parseTime(w http.ResponseWriter, raw string) (slots.TimeOfDay, bool) {
	t, err := slots.Parse(raw)
	if err != nil || t == slots.EndOfDay {
		writeError(w, http.StatusBadRequest, "invalid_start_time", "start_time must be HH:MM between 00:00 and 23:59")
		return 0, false
	}
	return t, true
}

func parseRange(w http.ResponseWriter, r *http.Request) (time.Time, time.Time, bool) {
	q := r.URL.Query()
	from, ok := parseDate(w, q.Get("from"), "from")
	if !ok {
		return time.Time{}, time.Time{}, false
	}
	to, ok := parseDate(w, q.Get("to"), "to")
	if !ok {
		return time.Time{}, time.Time{}, false
	}
	if to.Before(from) || to.Sub(from) > maxScheduleRange {
		writeError(w, http.StatusBadRequest, "invalid_range", "to must not be before from and the range is limited to 92 days")
		return time.Time{}, time.Time{}, false
	}
	return from, to, true
}
