package appointment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling/internal/slots"
)

// MemoryRepository is an in-process Repository. Its mutex is the
// serialization point that enforces non-overlap at write time.
type MemoryRepository struct {
	mu    sync.RWMutex
	byID  map[uuid.UUID]*Appointment
	now   func() time.Time
	newID func() uuid.UUID
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID:  make(map[uuid.UUID]*Appointment),
		now:   time.Now,
		newID: uuid.New,
	}
}

func (r *MemoryRepository) Create(_ context.Context, a *Appointment) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a.Status.IsActive() && r.conflictLocked(a.DoctorID, a.Date, a.StartTime, a.EndTime, uuid.Nil) {
		return nil, ErrSlotUnavailable
	}

	row := *a
	if row.ID == uuid.Nil {
		row.ID = r.newID()
	}
	row.Date = DateOf(row.Date)
	row.Version = 1
	row.CreatedAt = r.now()
	row.UpdatedAt = row.CreatedAt
	r.byID[row.ID] = &row

	out := row
	return &out, nil
}

func (r *MemoryRepository) FindByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	row, ok := r.byID[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	out := *row
	return &out, nil
}

func (r *MemoryRepository) FindMany(_ context.Context, f Filter) ([]Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Appointment, 0)
	for _, row := range r.byID {
		if f.matches(row) {
			result = append(result, *row)
		}
	}
	sortAppointments(result)
	return result, nil
}

func (r *MemoryRepository) Update(_ context.Context, a *Appointment, expectedVersion int64) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.byID[a.ID]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	if cur.Version != expectedVersion {
		return nil, ErrStaleAppointment
	}
	date := DateOf(a.Date)
	if a.Status.IsActive() && r.conflictLocked(a.DoctorID, date, a.StartTime, a.EndTime, a.ID) {
		return nil, ErrSlotUnavailable
	}

	row := *a
	row.Date = date
	row.CreatedAt = cur.CreatedAt
	row.Version = cur.Version + 1
	row.UpdatedAt = r.now()
	r.byID[row.ID] = &row

	out := row
	return &out, nil
}

// Len counts stored appointments, cancelled ones included.
func (r *MemoryRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

func (r *MemoryRepository) conflictLocked(doctorID uuid.UUID, date time.Time, start, end slots.TimeOfDay, exclude uuid.UUID) bool {
	date = DateOf(date)
	for _, row := range r.byID {
		if row.ID == exclude || row.DoctorID != doctorID || !row.Date.Equal(date) {
			continue
		}
		if row.Overlaps(start, end) {
			return true
		}
	}
	return false
}

func sortAppointments(list []Appointment) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].Date.Equal(list[j].Date) {
			return list[i].Date.Before(list[j].Date)
		}
		if list[i].StartTime != list[j].StartTime {
			return list[i].StartTime < list[j].StartTime
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}
