package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
)

var ErrPatientNotFound = errors.New("patient not found")

type execQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgContacts reads patient contact details from the patients table.
type PgContacts struct {
	db execQuerier
}

func NewPgContacts(pool *pgxpool.Pool) *PgContacts {
	if pool == nil {
		panic("notify: pgx pool required")
	}
	return &PgContacts{db: pool}
}

func (c *PgContacts) GetPatientContact(ctx context.Context, patientID uuid.UUID) (*Contact, error) {
	var contact Contact
	err := c.db.QueryRow(ctx, `
		SELECT name, email
		FROM patients
		WHERE id = $1
	`, patientID).Scan(&contact.Name, &contact.Email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}
	return &contact, nil
}

// EventLog appends every appointment event to the event_logs table.
type EventLog struct {
	db  execQuerier
	now func() time.Time
}

func NewEventLog(pool *pgxpool.Pool) *EventLog {
	if pool == nil {
		panic("notify: pgx pool required")
	}
	return &EventLog{db: pool, now: time.Now}
}

func (l *EventLog) Name() string { return "event_log" }

func (l *EventLog) Deliver(ctx context.Context, kind appointment.EventKind, appt appointment.Appointment) error {
	payload := map[string]any{
		"patient_id": appt.PatientID.String(),
		"doctor_id":  appt.DoctorID.String(),
		"branch_id":  appt.BranchID.String(),
		"date":       appt.Date.Format(time.DateOnly),
		"start_time": appt.StartTime.String(),
		"end_time":   appt.EndTime.String(),
		"status":     string(appt.Status),
		"version":    appt.Version,
	}
	if appt.CancellationReason != nil {
		payload["reason"] = *appt.CancellationReason
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	_, err = l.db.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, $4)
	`, string(kind), appt.ID, data, l.now().UTC())
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}
