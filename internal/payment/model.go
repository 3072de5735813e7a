package payment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/anouar4070/MediTime-2/internal/appointment"
)

var (
	ErrSessionNotFound  = errors.New("payment session not found")
	ErrAlreadyCancelled = errors.New("appointment is cancelled")
	ErrAlreadyPaid      = appointment.ErrAlreadyPaid
	ErrGatewayTimeout   = errors.New("payment gateway timed out")
	ErrSessionMismatch  = errors.New("payment session does not belong to this appointment")
	ErrPaymentFailed    = errors.New("payment failed")
	ErrPaymentPending   = errors.New("payment not completed yet")
)

// ErrSessionSuperseded means another session already paid the appointment.
var ErrSessionSuperseded = errors.New("appointment was paid through another session")

const (
	EventSessionCreated   = "PAYMENT_SESSION_CREATED"
	EventPaymentConfirmed = "PAYMENT_CONFIRMED"
)

type SessionStatus string

const (
	SessionOpen   SessionStatus = "open"
	SessionPaid   SessionStatus = "paid"
	SessionFailed SessionStatus = "failed"
)

// Session maps a gateway checkout session to the appointment it pays for.
type Session struct {
	ID            string
	AppointmentID uuid.UUID
	Amount        decimal.Decimal
	Currency      string
	Status        SessionStatus
	PaymentRef    *string
	URL           string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// SessionRef is what a patient needs to go and pay.
type SessionRef struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
}

type SessionRequest struct {
	AppointmentID uuid.UUID
	Amount        decimal.Decimal
	Currency      string
	Description   string
	SuccessURL    string
	CancelURL     string
}

// Verdict is the gateway's view of a session.
type Verdict string

const (
	VerdictPaid    Verdict = "paid"
	VerdictPending Verdict = "pending"
	VerdictFailed  Verdict = "failed"
)

type GatewaySession struct {
	ID              string
	URL             string
	Verdict         Verdict
	ClientReference string
	PaymentRef      string
}

// Gateway abstracts the external payment provider.
type Gateway interface {
	// CreateSession opens a hosted checkout for req.
	CreateSession(ctx context.Context, req SessionRequest) (*GatewaySession, error)

	// RetrieveSession returns the current verdict. Unknown ids yield
	// ErrSessionNotFound.
	RetrieveSession(ctx context.Context, id string) (*GatewaySession, error)
}
