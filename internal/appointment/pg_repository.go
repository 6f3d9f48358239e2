package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	redisclient "github.com/hackgods/clinic-scheduling/internal/redis"
	"github.com/hackgods/clinic-scheduling/internal/slots"
)

// pgxPool is the subset of *pgxpool.Pool the repository needs.
type pgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgRepository stores appointments in Postgres. Writes run in a transaction
// holding an advisory lock on the doctor-day, so the overlap probe and the
// write are atomic with respect to other writers for the same doctor and date.
// If the schema also carries the exclusion constraint
//
//	EXCLUDE USING gist (doctor_id WITH =, appointment_date WITH =,
//	  tsrange(appointment_date + start_time, appointment_date + end_time) WITH &&)
//	  WHERE (status NOT IN ('cancelled', 'completed'))
//
// its violations are reported as ErrSlotUnavailable too.
type PgRepository struct {
	pool pgxPool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	if pool == nil {
		panic("appointment: pgx pool required")
	}
	return &PgRepository{pool: pool}
}

func newPgRepositoryWithPool(pool pgxPool) *PgRepository {
	return &PgRepository{pool: pool}
}

const appointmentColumns = `id, patient_id, doctor_id, branch_id, appointment_date,
		to_char(start_time, 'HH24:MI'), to_char(end_time, 'HH24:MI'),
		status, type, notes, cancellation_reason, version, created_at, updated_at`

const pgExclusionViolation = "23P01"

// Helpers

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var start, end, status, typ string

	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.DoctorID,
		&a.BranchID,
		&a.Date,
		&start,
		&end,
		&status,
		&typ,
		&a.Notes,
		&a.CancellationReason,
		&a.Version,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	if a.StartTime, err = slots.Parse(start); err != nil {
		return nil, fmt.Errorf("appointment %s start_time: %w", a.ID, err)
	}
	if a.EndTime, err = slots.Parse(end); err != nil {
		return nil, fmt.Errorf("appointment %s end_time: %w", a.ID, err)
	}
	a.Date = DateOf(a.Date)
	a.Status = AppointmentStatus(status)
	a.Type = AppointmentType(typ)
	return &a, nil
}

func (r *PgRepository) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func lockDoctorDay(ctx context.Context, tx pgx.Tx, doctorID uuid.UUID, date time.Time) error {
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`,
		redisclient.DoctorDayKey(doctorID, date))
	if err != nil {
		return fmt.Errorf("lock doctor day: %w", err)
	}
	return nil
}

func hasOverlap(ctx context.Context, tx pgx.Tx, a *Appointment) (bool, error) {
	var busy bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM appointments
			WHERE doctor_id = $1
			  AND appointment_date = $2::date
			  AND status NOT IN ('cancelled', 'completed')
			  AND start_time < $4::time
			  AND $3::time < end_time
			  AND id <> $5
		)
	`, a.DoctorID, a.Date.Format(time.DateOnly), a.StartTime.String(), a.EndTime.String(), a.ID).Scan(&busy)
	if err != nil {
		return false, fmt.Errorf("probe overlap: %w", err)
	}
	return busy, nil
}

func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgExclusionViolation {
		return ErrSlotUnavailable
	}
	return err
}

// Interface methods

func (r *PgRepository) Create(ctx context.Context, a *Appointment) (*Appointment, error) {
	row := *a
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	row.Date = DateOf(row.Date)

	var created *Appointment
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		if row.Status.IsActive() {
			if err := lockDoctorDay(ctx, tx, row.DoctorID, row.Date); err != nil {
				return err
			}
			busy, err := hasOverlap(ctx, tx, &row)
			if err != nil {
				return err
			}
			if busy {
				return ErrSlotUnavailable
			}
		}

		var err error
		created, err = scanAppointment(tx.QueryRow(ctx, `
			INSERT INTO appointments (id, patient_id, doctor_id, branch_id, appointment_date,
				start_time, end_time, status, type, notes, cancellation_reason, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5::date, $6::time, $7::time, $8, $9, $10, $11, 1, now(), now())
			RETURNING `+appointmentColumns,
			row.ID, row.PatientID, row.DoctorID, row.BranchID, row.Date.Format(time.DateOnly),
			row.StartTime.String(), row.EndTime.String(), string(row.Status), string(row.Type),
			row.Notes, row.CancellationReason))
		if err != nil {
			return fmt.Errorf("insert appointment: %w", mapWriteError(err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (r *PgRepository) FindByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) FindMany(ctx context.Context, f Filter) ([]Appointment, error) {
	where, args := buildWhere(f)

	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE `+where+`
		ORDER BY appointment_date, start_time, created_at
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query appointments: %w", err)
	}
	defer rows.Close()

	result := make([]Appointment, 0)
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) Update(ctx context.Context, a *Appointment, expectedVersion int64) (*Appointment, error) {
	row := *a
	row.Date = DateOf(row.Date)

	var updated *Appointment
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		if row.Status.IsActive() {
			if err := lockDoctorDay(ctx, tx, row.DoctorID, row.Date); err != nil {
				return err
			}
			busy, err := hasOverlap(ctx, tx, &row)
			if err != nil {
				return err
			}
			if busy {
				return ErrSlotUnavailable
			}
		}

		var err error
		updated, err = scanAppointment(tx.QueryRow(ctx, `
			UPDATE appointments
			SET doctor_id = $2,
			    branch_id = $3,
			    appointment_date = $4::date,
			    start_time = $5::time,
			    end_time = $6::time,
			    status = $7,
			    type = $8,
			    notes = $9,
			    cancellation_reason = $10,
			    version = version + 1,
			    updated_at = now()
			WHERE id = $1
			  AND version = $11
			RETURNING `+appointmentColumns,
			row.ID, row.DoctorID, row.BranchID, row.Date.Format(time.DateOnly),
			row.StartTime.String(), row.EndTime.String(), string(row.Status), string(row.Type),
			row.Notes, row.CancellationReason, expectedVersion))
		if errors.Is(err, ErrAppointmentNotFound) {
			var exists bool
			if probeErr := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM appointments WHERE id = $1)`, row.ID).Scan(&exists); probeErr != nil {
				return fmt.Errorf("probe appointment: %w", probeErr)
			}
			if exists {
				return ErrStaleAppointment
			}
			return ErrAppointmentNotFound
		}
		if err != nil {
			return fmt.Errorf("update appointment: %w", mapWriteError(err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func buildWhere(f Filter) (string, []any) {
	conds := []string{"TRUE"}
	var args []any

	add := func(format string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(format, len(args)))
	}

	if f.DoctorID != nil {
		add("doctor_id = $%d", *f.DoctorID)
	}
	if f.PatientID != nil {
		add("patient_id = $%d", *f.PatientID)
	}
	if f.Date != nil {
		add("appointment_date = $%d::date", f.Date.Format(time.DateOnly))
	}
	if f.From != nil {
		add("appointment_date >= $%d::date", f.From.Format(time.DateOnly))
	}
	if f.To != nil {
		add("appointment_date <= $%d::date", f.To.Format(time.DateOnly))
	}
	if len(f.Statuses) > 0 {
		add("status = ANY($%d)", statusStrings(f.Statuses))
	}
	if len(f.ExcludeStatuses) > 0 {
		add("NOT (status = ANY($%d))", statusStrings(f.ExcludeStatuses))
	}
	if f.ExcludeID != nil {
		add("id <> $%d", *f.ExcludeID)
	}
	if f.Overlaps != nil {
		add("start_time < $%d::time", f.Overlaps.End.String())
		add("$%d::time < end_time", f.Overlaps.Start.String())
	}

	return strings.Join(conds, " AND "), args
}

func statusStrings(list []AppointmentStatus) []string {
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = string(s)
	}
	return out
}
