package appointment

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/anouar4070/MediTime-2/internal/availability"
)

var (
	ErrAppointmentNotFound  = errors.New("appointment not found")
	ErrAppointmentCancelled = errors.New("appointment is cancelled")
	ErrAlreadyPaid          = errors.New("appointment is already paid")
)

// EventWriter appends to the audit trail.
type EventWriter interface {
	InsertEvent(ctx context.Context, ev EventLog) error
}

// Store is the appointment record store. State changes are compare-and-set
// so concurrent writers can never move a record backwards.
type Store interface {
	EventWriter

	Create(ctx context.Context, a *Appointment) error
	Get(ctx context.Context, id uuid.UUID) (*Appointment, error)
	ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]Appointment, error)

	// MarkCancelled reports whether this call flipped the flag. Cancelling
	// an already cancelled appointment is not an error.
	MarkCancelled(ctx context.Context, id uuid.UUID) (bool, error)

	// MarkPaid moves unpaid to paid. It fails with ErrAlreadyPaid or
	// ErrAppointmentCancelled when the transition is not allowed.
	MarkPaid(ctx context.Context, id uuid.UUID) (*Appointment, error)

	// For the integrity checker
	ActiveSlotTimes(ctx context.Context, providerID uuid.UUID, date string) ([]string, error)
	ActiveKeys(ctx context.Context) ([]availability.Key, error)
}
