package appointment

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/anouar4070/MediTime-2/internal/availability"
)

type PaymentStatus string

const (
	PaymentUnpaid PaymentStatus = "unpaid"
	PaymentPaid   PaymentStatus = "paid"
)

// Appointment is one patient, provider, slot and payment bundle.
// ProviderName and Amount are copied from the provider at booking time.
type Appointment struct {
	ID            uuid.UUID
	PatientID     string
	ProviderID    uuid.UUID
	ProviderName  string
	SlotDate      string
	SlotTime      string
	Amount        decimal.Decimal
	Cancelled     bool
	CancelledAt   *time.Time
	PaymentStatus PaymentStatus
	PaidAt        *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (a *Appointment) Key() availability.Key {
	return availability.Key{ProviderID: a.ProviderID, Date: a.SlotDate}
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}
