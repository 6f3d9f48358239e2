package appointment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hackgods/clinic-scheduling/internal/cache"
	"github.com/hackgods/clinic-scheduling/internal/config"
	"github.com/hackgods/clinic-scheduling/internal/observability/metrics"
	redisclient "github.com/hackgods/clinic-scheduling/internal/redis"
	"github.com/hackgods/clinic-scheduling/internal/slots"
	"github.com/hackgods/clinic-scheduling/pkg/logger"
)

var tracer = otel.Tracer("clinic.internal.appointment")

var (
	ErrInvalidStatusTransition  = errors.New("invalid status transition")
	ErrInvalidInterval          = errors.New("appointment must start and end within one day")
	ErrCancellationWindowClosed = errors.New("appointment starts too soon to be cancelled")
	ErrDirectoryUnavailable     = errors.New("doctor directory not configured")
)

// Notifier receives appointment lifecycle events. Implementations must not
// block the caller and must not report delivery failures back.
type Notifier interface {
	NotifyAppointmentEvent(ctx context.Context, kind EventKind, appt Appointment)
}

type Dependencies struct {
	Repo        Repository
	Locker      redisclient.Locker
	DoctorCache cache.Cache[[]slots.TimeOfDay]
	BranchCache cache.Cache[[]DoctorAvailability]
	Directory   Directory
	Notifier    Notifier
	Logger      *zap.Logger
	Metrics     *metrics.Scheduling
}

// Service is the scheduling engine: bookings, availability and schedules.
type Service struct {
	repo        Repository
	detector    *ConflictDetector
	locker      redisclient.Locker
	doctorCache cache.Cache[[]slots.TimeOfDay]
	branchCache cache.Cache[[]DoctorAvailability]
	directory   Directory
	notifier    Notifier
	logger      *zap.Logger
	metrics     *metrics.Scheduling
	cfg         config.Config

	// daySlots is the business-day grid, fixed for the process lifetime.
	daySlots []slots.TimeOfDay
}

func NewService(deps Dependencies, cfg config.Config) *Service {
	if deps.Repo == nil {
		panic("appointment: repository required")
	}
	if deps.Locker == nil {
		panic("appointment: locker required")
	}
	if deps.DoctorCache == nil {
		deps.DoctorCache = cache.Disabled[[]slots.TimeOfDay]{}
	}
	if deps.BranchCache == nil {
		deps.BranchCache = cache.Disabled[[]DoctorAvailability]{}
	}
	if cfg.AppointmentDuration <= 0 {
		cfg.AppointmentDuration = 60 * time.Minute
	}
	if cfg.AvailabilityTTL <= 0 {
		cfg.AvailabilityTTL = cache.DefaultTTL
	}
	if cfg.BusinessHours == (slots.BusinessHours{}) {
		cfg.BusinessHours = slots.BusinessHours{Start: slots.MustParse("09:00"), End: slots.MustParse("17:00")}
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.BranchFanOutLimit <= 0 {
		cfg.BranchFanOutLimit = 8
	}

	return &Service{
		repo:        deps.Repo,
		detector:    NewConflictDetector(deps.Repo),
		locker:      deps.Locker,
		doctorCache: deps.DoctorCache,
		branchCache: deps.BranchCache,
		directory:   deps.Directory,
		notifier:    deps.Notifier,
		logger:      logger.OrNop(deps.Logger),
		metrics:     deps.Metrics,
		cfg:         cfg,
		daySlots:    slots.Generate(cfg.BusinessHours, cfg.SlotMinutes()),
	}
}

// ScheduleAppointment books a new appointment of the configured length.
func (s *Service) ScheduleAppointment(ctx context.Context, req ScheduleRequest) (_ *Appointment, err error) {
	ctx, span := tracer.Start(ctx, "appointment.schedule")
	defer span.End()
	span.SetAttributes(
		attribute.String("clinic.doctor_id", req.DoctorID.String()),
		attribute.String("clinic.date", req.Date.Format(time.DateOnly)),
	)
	defer s.observe(span, "schedule", time.Now(), &err)

	date := DateOf(req.Date)
	end, err := s.endFor(req.StartTime)
	if err != nil {
		return nil, err
	}
	typ := req.Type
	if typ == "" {
		typ = TypeConsultation
	}

	appt := &Appointment{
		PatientID: req.PatientID,
		DoctorID:  req.DoctorID,
		BranchID:  req.BranchID,
		Date:      date,
		StartTime: req.StartTime,
		EndTime:   end,
		Status:    StatusScheduled,
		Type:      typ,
		Notes:     req.Notes,
	}

	var created *Appointment
	err = s.locker.WithLock(ctx, redisclient.DoctorDayKey(req.DoctorID, date), func(lockCtx context.Context) error {
		free, err := s.detector.IsAvailable(lockCtx, req.DoctorID, date, req.StartTime, end, nil)
		if err != nil {
			return err
		}
		if !free {
			return ErrSlotUnavailable
		}

		created, err = s.repo.Create(lockCtx, appt)
		if err != nil {
			if errors.Is(err, ErrSlotUnavailable) {
				return err
			}
			return fmt.Errorf("create appointment: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, lockError(err)
	}

	s.invalidateFor(ctx, created)
	s.notify(ctx, EventScheduled, created)

	s.logger.Info("appointment scheduled",
		zap.Stringer("appointment_id", created.ID),
		zap.Stringer("doctor_id", created.DoctorID),
		zap.String("date", created.Date.Format(time.DateOnly)),
		zap.Stringer("start", created.StartTime),
	)
	return created, nil
}

// RescheduleAppointment moves an active appointment to a new doctor, date or
// start time. The original is untouched when the new interval is taken.
func (s *Service) RescheduleAppointment(ctx context.Context, req RescheduleRequest) (_ *Appointment, err error) {
	ctx, span := tracer.Start(ctx, "appointment.reschedule")
	defer span.End()
	span.SetAttributes(attribute.String("clinic.appointment_id", req.AppointmentID.String()))
	defer s.observe(span, "reschedule", time.Now(), &err)

	current, err := s.repo.FindByID(ctx, req.AppointmentID)
	if err != nil {
		return nil, err
	}
	if !current.CanTransitionTo(StatusRescheduled) {
		return nil, ErrInvalidStatusTransition
	}

	date := DateOf(req.Date)
	end, err := s.endFor(req.StartTime)
	if err != nil {
		return nil, err
	}

	next := *current
	next.DoctorID = req.DoctorID
	if req.BranchID != nil {
		next.BranchID = *req.BranchID
	}
	next.Date = date
	next.StartTime = req.StartTime
	next.EndTime = end
	next.Status = StatusRescheduled

	keys := lockKeys(
		redisclient.DoctorDayKey(current.DoctorID, current.Date),
		redisclient.DoctorDayKey(next.DoctorID, next.Date),
	)

	var updated *Appointment
	err = s.withLocks(ctx, keys, func(lockCtx context.Context) error {
		free, err := s.detector.IsAvailable(lockCtx, next.DoctorID, date, next.StartTime, end, &current.ID)
		if err != nil {
			return err
		}
		if !free {
			return ErrSlotUnavailable
		}

		updated, err = s.repo.Update(lockCtx, &next, current.Version)
		if err != nil {
			if isDomainError(err) {
				return err
			}
			return fmt.Errorf("update appointment: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, lockError(err)
	}

	s.invalidateFor(ctx, current)
	if current.DoctorID != updated.DoctorID || !current.Date.Equal(updated.Date) || current.BranchID != updated.BranchID {
		s.invalidateFor(ctx, updated)
	}
	s.notify(ctx, EventRescheduled, updated)

	s.logger.Info("appointment rescheduled",
		zap.Stringer("appointment_id", updated.ID),
		zap.Stringer("doctor_id", updated.DoctorID),
		zap.String("date", updated.Date.Format(time.DateOnly)),
		zap.Stringer("start", updated.StartTime),
	)
	return updated, nil
}

// CancelAppointment marks the appointment cancelled. The cancellation-window
// policy is the caller's concern (see CheckCancellationWindow). Cancelling a
// cancelled or completed appointment fails with ErrInvalidStatusTransition.
func (s *Service) CancelAppointment(ctx context.Context, id uuid.UUID, reason string) (_ *Appointment, err error) {
	ctx, span := tracer.Start(ctx, "appointment.cancel")
	defer span.End()
	span.SetAttributes(attribute.String("clinic.appointment_id", id.String()))
	defer s.observe(span, "cancel", time.Now(), &err)

	return s.transition(ctx, id, StatusCancelled, EventCancelled, func(a *Appointment) {
		if reason != "" {
			a.CancellationReason = &reason
		}
	})
}

func (s *Service) ConfirmAppointment(ctx context.Context, id uuid.UUID) (_ *Appointment, err error) {
	ctx, span := tracer.Start(ctx, "appointment.confirm")
	defer span.End()
	defer s.observe(span, "confirm", time.Now(), &err)

	return s.transition(ctx, id, StatusConfirmed, EventConfirmed, nil)
}

func (s *Service) CompleteAppointment(ctx context.Context, id uuid.UUID) (_ *Appointment, err error) {
	ctx, span := tracer.Start(ctx, "appointment.complete")
	defer span.End()
	defer s.observe(span, "complete", time.Now(), &err)

	return s.transition(ctx, id, StatusCompleted, EventCompleted, nil)
}

// transition applies a status change that never claims new time, so it needs
// no doctor-day lock; the version check guards against concurrent writers.
func (s *Service) transition(ctx context.Context, id uuid.UUID, to AppointmentStatus, kind EventKind, mutate func(a *Appointment)) (*Appointment, error) {
	current, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !current.CanTransitionTo(to) {
		return nil, ErrInvalidStatusTransition
	}

	next := *current
	next.Status = to
	if mutate != nil {
		mutate(&next)
	}

	updated, err := s.repo.Update(ctx, &next, current.Version)
	if err != nil {
		if isDomainError(err) {
			return nil, err
		}
		return nil, fmt.Errorf("update appointment: %w", err)
	}

	if !to.IsActive() {
		s.invalidateFor(ctx, updated)
	}
	s.notify(ctx, kind, updated)

	s.logger.Info("appointment status changed",
		zap.Stringer("appointment_id", updated.ID),
		zap.String("from", string(current.Status)),
		zap.String("to", string(updated.Status)),
	)
	return updated, nil
}

// CheckCancellationWindow enforces the clinic rule that an appointment may
// only be cancelled while now is before its start minus the configured window.
func (s *Service) CheckCancellationWindow(a *Appointment, now time.Time) error {
	deadline := a.StartsAt(s.cfg.Location).Add(-s.cfg.CancellationWindow)
	if !now.Before(deadline) {
		return ErrCancellationWindowClosed
	}
	return nil
}

// Location is the clinic time zone appointment dates and times are read in.
func (s *Service) Location() *time.Location { return s.cfg.Location }

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	return a, nil
}

// GetDoctorAvailability lists the free slot start times of a doctor's day.
// A slot is taken only when an active appointment starts exactly at it.
func (s *Service) GetDoctorAvailability(ctx context.Context, doctorID uuid.UUID, date time.Time) (_ []slots.TimeOfDay, err error) {
	ctx, span := tracer.Start(ctx, "appointment.doctor_availability")
	defer span.End()
	defer s.observe(span, "doctor_availability", time.Now(), &err)

	date = DateOf(date)
	key := cache.DoctorKey(doctorID, date)
	if cached, ok := cacheLookup(ctx, s, s.doctorCache, key); ok {
		return cached, nil
	}

	booked, err := s.repo.FindMany(ctx, Filter{
		DoctorID:        &doctorID,
		Date:            &date,
		ExcludeStatuses: inactiveStatuses,
	})
	if err != nil {
		return nil, fmt.Errorf("load doctor appointments: %w", err)
	}

	taken := make(map[slots.TimeOfDay]struct{}, len(booked))
	for _, a := range booked {
		taken[a.StartTime] = struct{}{}
	}

	free := make([]slots.TimeOfDay, 0, len(s.daySlots))
	for _, t := range s.daySlots {
		if _, ok := taken[t]; !ok {
			free = append(free, t)
		}
	}

	cacheStore(ctx, s, s.doctorCache, key, free)
	return free, nil
}

// GetBranchAvailability computes availability for every doctor assigned to
// the branch. A doctor whose availability fails is reported with nil Slots
// and an Error; the others are still returned.
func (s *Service) GetBranchAvailability(ctx context.Context, branchID uuid.UUID, date time.Time) (_ []DoctorAvailability, err error) {
	ctx, span := tracer.Start(ctx, "appointment.branch_availability")
	defer span.End()
	defer s.observe(span, "branch_availability", time.Now(), &err)

	if s.directory == nil {
		return nil, ErrDirectoryUnavailable
	}

	date = DateOf(date)
	key := cache.BranchKey(branchID, date)
	if cached, ok := cacheLookup(ctx, s, s.branchCache, key); ok {
		return cached, nil
	}

	doctors, err := s.directory.ListDoctorsForBranch(ctx, branchID)
	if err != nil {
		return nil, fmt.Errorf("list branch doctors: %w", err)
	}

	result := make([]DoctorAvailability, len(doctors))
	var partial atomic.Bool

	var g errgroup.Group
	g.SetLimit(s.cfg.BranchFanOutLimit)
	for i, doctorID := range doctors {
		g.Go(func() error {
			free, err := s.GetDoctorAvailability(ctx, doctorID, date)
			if err != nil {
				partial.Store(true)
				s.logger.Warn("doctor availability failed during branch fan-out",
					zap.Stringer("branch_id", branchID),
					zap.Stringer("doctor_id", doctorID),
					zap.Error(err),
				)
				result[i] = DoctorAvailability{DoctorID: doctorID, Error: "availability could not be computed"}
				return nil
			}
			result[i] = DoctorAvailability{DoctorID: doctorID, Slots: free}
			return nil
		})
	}
	_ = g.Wait()

	if !partial.Load() {
		cacheStore(ctx, s, s.branchCache, key, result)
	}
	return result, nil
}

// GetDoctorSchedule lists a doctor's appointments between from and to
// (inclusive calendar dates), ordered by date and start time.
func (s *Service) GetDoctorSchedule(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]Appointment, error) {
	ctx, span := tracer.Start(ctx, "appointment.doctor_schedule")
	defer span.End()

	return s.listRange(ctx, Filter{DoctorID: &doctorID}, from, to)
}

// GetPatientSchedule lists a patient's appointments between from and to
// (inclusive calendar dates), ordered by date and start time.
func (s *Service) GetPatientSchedule(ctx context.Context, patientID uuid.UUID, from, to time.Time) ([]Appointment, error) {
	ctx, span := tracer.Start(ctx, "appointment.patient_schedule")
	defer span.End()

	return s.listRange(ctx, Filter{PatientID: &patientID}, from, to)
}

func (s *Service) listRange(ctx context.Context, f Filter, from, to time.Time) ([]Appointment, error) {
	from, to = DateOf(from), DateOf(to)
	if to.Before(from) {
		return []Appointment{}, nil
	}
	f.From = &from
	f.To = &to

	list, err := s.repo.FindMany(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	sortAppointments(list)
	return list, nil
}

// CompletePastAppointments marks every active appointment whose end is not
// after now as completed. Individual failures are logged and skipped.
func (s *Service) CompletePastAppointments(ctx context.Context, now time.Time) (int, error) {
	today := DateOf(now.In(s.cfg.Location))
	candidates, err := s.repo.FindMany(ctx, Filter{
		To:       &today,
		Statuses: []AppointmentStatus{StatusScheduled, StatusConfirmed, StatusRescheduled},
	})
	if err != nil {
		return 0, fmt.Errorf("find past appointments: %w", err)
	}

	completed := 0
	for _, a := range candidates {
		if a.EndsAt(s.cfg.Location).After(now) {
			continue
		}
		if _, err := s.CompleteAppointment(ctx, a.ID); err != nil {
			s.logger.Warn("failed to complete appointment", zap.Stringer("appointment_id", a.ID), zap.Error(err))
			continue
		}
		completed++
	}
	return completed, nil
}

func (s *Service) endFor(start slots.TimeOfDay) (slots.TimeOfDay, error) {
	end := start.Add(s.cfg.AppointmentDuration)
	if start < 0 || !end.Valid() || end <= start {
		return 0, fmt.Errorf("%w: %s + %s", ErrInvalidInterval, start, s.cfg.AppointmentDuration)
	}
	return end, nil
}

// withLocks nests the locks in the given (sorted) order.
func (s *Service) withLocks(ctx context.Context, keys []string, fn func(ctx context.Context) error) error {
	if len(keys) == 0 {
		return fn(ctx)
	}
	return s.locker.WithLock(ctx, keys[0], func(lockCtx context.Context) error {
		return s.withLocks(lockCtx, keys[1:], fn)
	})
}

func lockKeys(keys ...string) []string {
	sort.Strings(keys)
	out := keys[:0]
	for i, k := range keys {
		if i == 0 || k != keys[i-1] {
			out = append(out, k)
		}
	}
	return out
}

func lockError(err error) error {
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		return fmt.Errorf("%w: %w", ErrSlotUnavailable, err)
	}
	return err
}

func isDomainError(err error) bool {
	return errors.Is(err, ErrSlotUnavailable) ||
		errors.Is(err, ErrAppointmentNotFound) ||
		errors.Is(err, ErrStaleAppointment)
}

// invalidateFor drops every cached listing that a's doctor-day feeds: the
// doctor key and the branch key of each branch the doctor works at.
func (s *Service) invalidateFor(ctx context.Context, a *Appointment) {
	key := cache.DoctorKey(a.DoctorID, a.Date)
	err := s.doctorCache.Invalidate(ctx, key)
	s.metrics.ObserveInvalidation(string(cache.ScopeDoctor), err)
	if err != nil {
		s.logger.Error("availability cache invalidation failed", zap.String("key", key.String()), zap.Error(err))
	}

	branches := []uuid.UUID{a.BranchID}
	if s.directory != nil {
		more, err := s.directory.ListBranchesForDoctor(ctx, a.DoctorID)
		if err != nil {
			s.logger.Error("list doctor branches for invalidation", zap.Stringer("doctor_id", a.DoctorID), zap.Error(err))
		}
		for _, b := range more {
			if b != a.BranchID {
				branches = append(branches, b)
			}
		}
	}

	for _, b := range branches {
		key := cache.BranchKey(b, a.Date)
		err := s.branchCache.Invalidate(ctx, key)
		s.metrics.ObserveInvalidation(string(cache.ScopeBranch), err)
		if err != nil {
			s.logger.Error("availability cache invalidation failed", zap.String("key", key.String()), zap.Error(err))
		}
	}
}

func cacheLookup[V any](ctx context.Context, s *Service, c cache.Cache[V], key cache.Key) (V, bool) {
	v, ok, err := c.Get(ctx, key)
	switch {
	case err != nil:
		s.metrics.ObserveCacheLookup(string(key.Scope), "error")
		s.logger.Warn("availability cache read failed", zap.String("key", key.String()), zap.Error(err))
		return v, false
	case ok:
		s.metrics.ObserveCacheLookup(string(key.Scope), "hit")
	default:
		s.metrics.ObserveCacheLookup(string(key.Scope), "miss")
	}
	return v, ok
}

func cacheStore[V any](ctx context.Context, s *Service, c cache.Cache[V], key cache.Key, value V) {
	if err := c.Put(ctx, key, value, s.cfg.AvailabilityTTL); err != nil {
		s.logger.Warn("availability cache write failed", zap.String("key", key.String()), zap.Error(err))
	}
}

func (s *Service) notify(ctx context.Context, kind EventKind, a *Appointment) {
	if s.notifier == nil {
		return
	}
	s.notifier.NotifyAppointmentEvent(ctx, kind, *a)
}

func (s *Service) observe(span trace.Span, operation string, started time.Time, errp *error) {
	outcome := outcomeOf(*errp)
	s.metrics.ObserveOperation(operation, outcome, started)
	if outcome == "error" {
		span.RecordError(*errp)
	}
	span.SetAttributes(attribute.String("clinic.outcome", outcome))
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrSlotUnavailable):
		return "slot_unavailable"
	case errors.Is(err, ErrAppointmentNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidStatusTransition):
		return "invalid_transition"
	case errors.Is(err, ErrStaleAppointment):
		return "stale"
	case errors.Is(err, ErrInvalidInterval):
		return "invalid_interval"
	default:
		return "error"
	}
}
