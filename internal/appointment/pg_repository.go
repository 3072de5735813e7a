package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/anouar4070/MediTime-2/internal/availability"
)

const appointmentColumns = `id, patient_id, provider_id, provider_name, slot_date, slot_time,
	amount, cancelled, cancelled_at, payment_status, paid_at, created_at, updated_at`

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var cancelledAt, paidAt *time.Time

	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.ProviderID,
		&a.ProviderName,
		&a.SlotDate,
		&a.SlotTime,
		&a.Amount,
		&a.Cancelled,
		&cancelledAt,
		&a.PaymentStatus,
		&paidAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	a.CancelledAt = cancelledAt
	a.PaidAt = paidAt
	return &a, nil
}

func (r *PgRepository) Create(ctx context.Context, a *Appointment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO appointments (id, patient_id, provider_id, provider_name, slot_date, slot_time,
			amount, cancelled, payment_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, false, 'unpaid', now(), now())
		RETURNING `+appointmentColumns,
		a.ID, a.PatientID, a.ProviderID, a.ProviderName, a.SlotDate, a.SlotTime, a.Amount)

	created, err := scanAppointment(row)
	if err != nil {
		return fmt.Errorf("insert appointment: %w", err)
	}
	*a = *created
	return nil
}

func (r *PgRepository) Get(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1`, id)
	return scanAppointment(row)
}

func (r *PgRepository) ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE patient_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, patientID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []Appointment{}
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

func (r *PgRepository) MarkCancelled(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE appointments
		SET cancelled = true,
		    cancelled_at = now(),
		    updated_at = now()
		WHERE id = $1
		  AND cancelled = false
	`, id)
	if err != nil {
		return false, fmt.Errorf("cancel appointment: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	// nothing changed: either missing or cancelled by someone else
	if _, err := r.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (r *PgRepository) MarkPaid(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET payment_status = 'paid',
		    paid_at = now(),
		    updated_at = now()
		WHERE id = $1
		  AND payment_status = 'unpaid'
		  AND cancelled = false
		RETURNING `+appointmentColumns, id)

	updated, err := scanAppointment(row)
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, ErrAppointmentNotFound) {
		return nil, fmt.Errorf("mark appointment paid: %w", err)
	}

	current, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Cancelled {
		return nil, ErrAppointmentCancelled
	}
	return nil, ErrAlreadyPaid
}

func (r *PgRepository) ActiveSlotTimes(ctx context.Context, providerID uuid.UUID, date string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT slot_time FROM appointments
		WHERE provider_id = $1 AND slot_date = $2 AND cancelled = false
		ORDER BY slot_time
	`, providerID, date)
	if err != nil {
		return nil, fmt.Errorf("list active slot times: %w", err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *PgRepository) ActiveKeys(ctx context.Context) ([]availability.Key, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT provider_id, slot_date FROM appointments
		WHERE cancelled = false
		ORDER BY provider_id, slot_date
	`)
	if err != nil {
		return nil, fmt.Errorf("list active keys: %w", err)
	}
	defer rows.Close()

	var keys []availability.Key
	for rows.Next() {
		var k availability.Key
		if err := rows.Scan(&k.ProviderID, &k.Date); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
