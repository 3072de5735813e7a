package provider

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrProviderNotFound = errors.New("provider not found")
	ErrInvalidProvider  = errors.New("invalid provider")
	ErrEmailTaken       = errors.New("provider email already registered")
)

type Address struct {
	Line1 string `json:"line1" validate:"required,max=200"`
	Line2 string `json:"line2" validate:"max=200"`
}

type Provider struct {
	ID         uuid.UUID
	Name       string
	Email      string
	Speciality string
	Degree     string
	Experience string
	About      string
	Address    Address
	Fees       decimal.Decimal
	Available  bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type CreateInput struct {
	Name       string          `json:"name" validate:"required,max=120"`
	Email      string          `json:"email" validate:"required,email"`
	Speciality string          `json:"speciality" validate:"required"`
	Degree     string          `json:"degree" validate:"required"`
	Experience string          `json:"experience" validate:"required"`
	About      string          `json:"about" validate:"required,max=2000"`
	Address    Address         `json:"address" validate:"required"`
	Fees       decimal.Decimal `json:"fees"`
	Available  bool            `json:"available"`
}

// UpdateInput carries the fields an admin may change. Nil means unchanged.
type UpdateInput struct {
	Fees      *decimal.Decimal `json:"fees,omitempty"`
	Available *bool            `json:"available,omitempty"`
}
