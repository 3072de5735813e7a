package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Service struct {
	repo     Repository
	validate *validator.Validate
	log      zerolog.Logger
}

func NewService(repo Repository, log zerolog.Logger) *Service {
	return &Service{
		repo:     repo,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      log.With().Str("component", "provider").Logger(),
	}
}

// Create registers a provider after checking every required field.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Provider, error) {
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.Name = strings.TrimSpace(in.Name)

	if err := s.validate.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidProvider, describe(err))
	}
	if !in.Fees.IsPositive() {
		return nil, fmt.Errorf("%w: fees must be positive", ErrInvalidProvider)
	}

	p := &Provider{
		Name:       in.Name,
		Email:      in.Email,
		Speciality: in.Speciality,
		Degree:     in.Degree,
		Experience: in.Experience,
		About:      in.About,
		Address:    in.Address,
		Fees:       in.Fees.Round(2),
		Available:  in.Available,
	}
	if err := s.repo.Create(ctx, p); err != nil {
		if errors.Is(err, ErrEmailTaken) {
			return nil, err
		}
		return nil, fmt.Errorf("create provider: %w", err)
	}

	s.log.Info().Str("provider_id", p.ID.String()).Str("fees", p.Fees.StringFixed(2)).Msg("provider created")
	return p, nil
}

func (s *Service) GetByID(ctx context.Context, id uuid.UUID) (*Provider, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]Provider, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.List(ctx, limit, offset)
}

// Update changes fee or availability. Booked appointments keep the fee they
// were booked at.
func (s *Service) Update(ctx context.Context, id uuid.UUID, in UpdateInput) (*Provider, error) {
	if in.Fees == nil && in.Available == nil {
		return nil, fmt.Errorf("%w: nothing to update", ErrInvalidProvider)
	}
	if in.Fees != nil {
		if !in.Fees.IsPositive() {
			return nil, fmt.Errorf("%w: fees must be positive", ErrInvalidProvider)
		}
		rounded := in.Fees.Round(2)
		in.Fees = &rounded
	}

	p, err := s.repo.Update(ctx, id, in)
	if err != nil {
		if errors.Is(err, ErrProviderNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("update provider: %w", err)
	}

	s.log.Info().Str("provider_id", id.String()).Bool("available", p.Available).
		Str("fees", p.Fees.StringFixed(2)).Msg("provider updated")
	return p, nil
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Namespace()), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}
