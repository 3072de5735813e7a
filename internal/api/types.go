package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/anouar4070/MediTime-2/internal/appointment"
	"github.com/anouar4070/MediTime-2/internal/provider"
)

type BookAppointmentRequest struct {
	ProviderID string `json:"provider_id" validate:"required,uuid"`
	SlotDate   string `json:"slot_date" validate:"required"`
	SlotTime   string `json:"slot_time" validate:"required"`
}

type ConfirmPaymentRequest struct {
	SessionID string `json:"session_id" validate:"required,max=255"`
}

type AppointmentResponse struct {
	ID            uuid.UUID  `json:"id"`
	ProviderID    uuid.UUID  `json:"provider_id"`
	ProviderName  string     `json:"provider_name"`
	SlotDate      string     `json:"slot_date"`
	SlotTime      string     `json:"slot_time"`
	Amount        string     `json:"amount"`
	Cancelled     bool       `json:"cancelled"`
	CancelledAt   *time.Time `json:"cancelled_at,omitempty"`
	PaymentStatus string     `json:"payment_status"`
	PaidAt        *time.Time `json:"paid_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

func toAppointmentResponse(a *appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:            a.ID,
		ProviderID:    a.ProviderID,
		ProviderName:  a.ProviderName,
		SlotDate:      a.SlotDate,
		SlotTime:      a.SlotTime,
		Amount:        a.Amount.StringFixed(2),
		Cancelled:     a.Cancelled,
		CancelledAt:   a.CancelledAt,
		PaymentStatus: string(a.PaymentStatus),
		PaidAt:        a.PaidAt,
		CreatedAt:     a.CreatedAt,
	}
}

// ProviderResponse is the public view; contact email stays private.
type ProviderResponse struct {
	ID         uuid.UUID        `json:"id"`
	Name       string           `json:"name"`
	Speciality string           `json:"speciality"`
	Degree     string           `json:"degree"`
	Experience string           `json:"experience"`
	About      string           `json:"about"`
	Address    provider.Address `json:"address"`
	Fees       string           `json:"fees"`
	Available  bool             `json:"available"`
}

func toProviderResponse(p *provider.Provider) ProviderResponse {
	return ProviderResponse{
		ID:         p.ID,
		Name:       p.Name,
		Speciality: p.Speciality,
		Degree:     p.Degree,
		Experience: p.Experience,
		About:      p.About,
		Address:    p.Address,
		Fees:       p.Fees.StringFixed(2),
		Available:  p.Available,
	}
}

type ListResponse[T any] struct {
	Items  []T `json:"items"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

type ErrorResponse struct {
	Error   string       `json:"error"`
	Details string       `json:"details,omitempty"`
	Fields  []FieldError `json:"fields,omitempty"`
}

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}
