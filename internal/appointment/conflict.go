package appointment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling/internal/slots"
)

// ConflictDetector answers whether a doctor is free for an interval.
// It is read-only; the store re-checks at write time.
type ConflictDetector struct {
	repo Repository
}

func NewConflictDetector(repo Repository) *ConflictDetector {
	return &ConflictDetector{repo: repo}
}

// IsAvailable reports whether no active appointment of doctorID on date
// overlaps [start, end). excludeID, when set, is ignored so an appointment
// never conflicts with itself while being rescheduled.
func (d *ConflictDetector) IsAvailable(ctx context.Context, doctorID uuid.UUID, date time.Time, start, end slots.TimeOfDay, excludeID *uuid.UUID) (bool, error) {
	day := DateOf(date)
	conflicts, err := d.repo.FindMany(ctx, Filter{
		DoctorID:        &doctorID,
		Date:            &day,
		ExcludeStatuses: inactiveStatuses,
		ExcludeID:       excludeID,
		Overlaps:        &Interval{Start: start, End: end},
	})
	if err != nil {
		return false, fmt.Errorf("find conflicting appointments: %w", err)
	}
	return len(conflicts) == 0, nil
}
