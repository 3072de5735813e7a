package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/anouar4070/MediTime-2/internal/availability"
	"github.com/anouar4070/MediTime-2/internal/lock"
	"github.com/anouar4070/MediTime-2/internal/metrics"
	"github.com/anouar4070/MediTime-2/internal/provider"
	"github.com/anouar4070/MediTime-2/internal/retry"
)

const (
	EventAppointmentBooked    = "APPOINTMENT_BOOKED"
	EventAppointmentCancelled = "APPOINTMENT_CANCELLED"
	EventIntegrityWarning     = "INTEGRITY_WARNING"
	EventIntegrityRepaired    = "INTEGRITY_REPAIRED"
)

// Integrity warning kinds
const (
	WarnOrphanedClaim = "orphaned_claim"
	WarnMissingClaim  = "missing_claim"
	WarnReleaseFailed = "release_failed"
)

var (
	ErrSlotTaken           = errors.New("slot is already taken")
	ErrSlotBusy            = errors.New("slot is being booked, please retry")
	ErrProviderUnavailable = errors.New("provider is not accepting bookings")
	ErrUnauthorized        = errors.New("appointment belongs to another patient")
)

// ProviderDirectory is the read side of provider management the core needs.
type ProviderDirectory interface {
	GetByID(ctx context.Context, id uuid.UUID) (*provider.Provider, error)
}

// Invalidator drops cached availability for a day after it changes.
type Invalidator interface {
	Invalidate(key availability.Key)
}

type Options struct {
	// SlotGrid is the booking grid time labels must sit on. Zero disables the check.
	SlotGrid time.Duration
	// Compensation bounds releasing a claim after a failed write.
	Compensation retry.Config
	// Invalidator is optional.
	Invalidator Invalidator
}

type Service struct {
	repo      Store
	index     availability.Index
	providers ProviderDirectory
	locker    lock.Locker
	log       zerolog.Logger
	metrics   *metrics.Metrics
	opts      Options
}

func NewService(repo Store, index availability.Index, providers ProviderDirectory, locker lock.Locker,
	log zerolog.Logger, m *metrics.Metrics, opts Options) *Service {
	if opts.Compensation.MaxAttempts == 0 {
		opts.Compensation = retry.Config{
			MaxAttempts:   8,
			InitialDelay:  50 * time.Millisecond,
			MaxDelay:      2 * time.Second,
			BackoffFactor: 2,
		}
	}
	return &Service{
		repo:      repo,
		index:     index,
		providers: providers,
		locker:    locker,
		log:       log.With().Str("component", "appointment").Logger(),
		metrics:   m,
		opts:      opts,
	}
}

// BookSlot claims (provider, date, time) for a patient and records the
// appointment. Claim and record are all-or-nothing for the caller: a failed
// write releases the claim before the error is returned.
func (s *Service) BookSlot(ctx context.Context, patientID string, providerID uuid.UUID, date, slotTime string) (*Appointment, error) {
	if patientID == "" {
		return nil, ErrUnauthorized
	}
	if err := availability.ValidateSlot(date, slotTime, s.opts.SlotGrid); err != nil {
		return nil, err
	}

	p, err := s.providers.GetByID(ctx, providerID)
	if err != nil {
		if errors.Is(err, provider.ErrProviderNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load provider: %w", err)
	}
	if !p.Available {
		s.metrics.Bookings.WithLabelValues("provider_unavailable").Inc()
		return nil, ErrProviderUnavailable
	}

	var created *Appointment
	waitStart := time.Now()

	err = s.locker.WithKeyLock(ctx, lock.SlotKey(providerID, date), func(lockCtx context.Context) error {
		s.metrics.LockWait.Observe(time.Since(waitStart).Seconds())

		if err := s.index.Claim(lockCtx, providerID, date, slotTime); err != nil {
			if errors.Is(err, availability.ErrAlreadyClaimed) {
				return ErrSlotTaken
			}
			return fmt.Errorf("claim slot: %w", err)
		}

		appt := &Appointment{
			ID:            uuid.New(),
			PatientID:     patientID,
			ProviderID:    providerID,
			ProviderName:  p.Name,
			SlotDate:      date,
			SlotTime:      slotTime,
			Amount:        p.Fees,
			PaymentStatus: PaymentUnpaid,
			CreatedAt:     time.Now(),
		}
		if err := s.repo.Create(lockCtx, appt); err != nil {
			s.compensateClaim(lockCtx, providerID, date, slotTime, err)
			return fmt.Errorf("create appointment: %w", err)
		}

		created = appt
		return nil
	})

	if err != nil {
		switch {
		case errors.Is(err, ErrSlotTaken):
			s.metrics.Bookings.WithLabelValues("slot_taken").Inc()
			return nil, err
		case errors.Is(err, lock.ErrLockNotAcquired):
			s.metrics.Bookings.WithLabelValues("busy").Inc()
			return nil, fmt.Errorf("%w: %v", ErrSlotBusy, err)
		default:
			s.metrics.Bookings.WithLabelValues("error").Inc()
			return nil, err
		}
	}

	s.metrics.Bookings.WithLabelValues("booked").Inc()
	s.invalidate(created.Key())
	s.logEvent(ctx, &created.ID, EventAppointmentBooked, map[string]any{
		"patient_id":  patientID,
		"provider_id": providerID.String(),
		"slot_date":   date,
		"slot_time":   slotTime,
		"amount":      created.Amount.StringFixed(2),
	})
	s.log.Info().
		Str("appointment_id", created.ID.String()).
		Str("provider_id", providerID.String()).
		Str("slot", date+" "+slotTime).
		Msg("slot booked")

	return created, nil
}

// compensateClaim releases a claim whose appointment could not be written.
// It keeps retrying on a context detached from the request; a claim with no
// appointment behind it is worse than a slow response.
func (s *Service) compensateClaim(ctx context.Context, providerID uuid.UUID, date, slotTime string, cause error) {
	relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	err := retry.Do(relCtx, s.opts.Compensation, func(ctx context.Context) error {
		err := s.index.Release(ctx, providerID, date, slotTime)
		if errors.Is(err, availability.ErrNotClaimed) {
			return nil
		}
		return err
	})
	if err == nil {
		s.log.Warn().Err(cause).
			Str("provider_id", providerID.String()).
			Str("slot", date+" "+slotTime).
			Msg("appointment write failed, claim released")
		return
	}

	s.metrics.OrphanedClaims.Inc()
	s.log.Error().Err(err).AnErr("cause", cause).
		Str("provider_id", providerID.String()).
		Str("slot", date+" "+slotTime).
		Msg("could not release claim after failed appointment write, escalating")
	s.warnIntegrity(relCtx, nil, WarnOrphanedClaim, availability.Key{ProviderID: providerID, Date: date}, slotTime)
}

// Cancel cancels a patient's own appointment and frees its slot. The record
// is marked cancelled before the claim is released, so the index can lag
// behind a cancellation but never run ahead of it.
func (s *Service) Cancel(ctx context.Context, requesterID string, id uuid.UUID) error {
	appt, err := s.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return err
		}
		return fmt.Errorf("load appointment: %w", err)
	}
	if appt.PatientID != requesterID {
		s.metrics.Cancellations.WithLabelValues("unauthorized").Inc()
		return ErrUnauthorized
	}
	if appt.Cancelled {
		s.metrics.Cancellations.WithLabelValues("noop").Inc()
		return nil
	}

	var changed bool
	err = s.locker.WithKeyLock(ctx, lock.SlotKey(appt.ProviderID, appt.SlotDate), func(lockCtx context.Context) error {
		var err error
		changed, err = s.repo.MarkCancelled(lockCtx, id)
		if err != nil {
			return fmt.Errorf("mark cancelled: %w", err)
		}
		if changed {
			s.releaseCancelled(lockCtx, appt)
		}
		return nil
	})
	if err != nil {
		s.metrics.Cancellations.WithLabelValues("error").Inc()
		if errors.Is(err, lock.ErrLockNotAcquired) {
			return fmt.Errorf("%w: %v", ErrSlotBusy, err)
		}
		return err
	}

	if !changed {
		s.metrics.Cancellations.WithLabelValues("noop").Inc()
		return nil
	}

	s.metrics.Cancellations.WithLabelValues("cancelled").Inc()
	s.invalidate(appt.Key())
	s.logEvent(ctx, &appt.ID, EventAppointmentCancelled, map[string]any{
		"patient_id":  requesterID,
		"provider_id": appt.ProviderID.String(),
		"slot_date":   appt.SlotDate,
		"slot_time":   appt.SlotTime,
	})
	s.log.Info().Str("appointment_id", id.String()).Msg("appointment cancelled")
	return nil
}

// releaseCancelled frees the slot of a freshly cancelled appointment. Any
// failure here is an integrity warning; the cancellation itself stands.
func (s *Service) releaseCancelled(ctx context.Context, appt *Appointment) {
	err := retry.Do(ctx, retry.DefaultConfig(), func(ctx context.Context) error {
		err := s.index.Release(ctx, appt.ProviderID, appt.SlotDate, appt.SlotTime)
		if errors.Is(err, availability.ErrNotClaimed) {
			return retry.Permanent(err)
		}
		return err
	})
	switch {
	case err == nil:
		return
	case errors.Is(err, availability.ErrNotClaimed):
		s.warnIntegrity(ctx, &appt.ID, WarnMissingClaim, appt.Key(), appt.SlotTime)
	default:
		s.log.Error().Err(err).Str("appointment_id", appt.ID.String()).Msg("release after cancel failed")
		s.warnIntegrity(ctx, &appt.ID, WarnReleaseFailed, appt.Key(), appt.SlotTime)
	}
}

func (s *Service) warnIntegrity(ctx context.Context, appointmentID *uuid.UUID, kind string, key availability.Key, slotTime string) {
	s.metrics.IntegrityWarnings.WithLabelValues(kind).Inc()
	s.log.Warn().
		Str("kind", kind).
		Str("provider_id", key.ProviderID.String()).
		Str("slot", key.Date+" "+slotTime).
		Msg("availability index and appointment records disagree")
	s.logEvent(ctx, appointmentID, EventIntegrityWarning, map[string]any{
		"kind":        kind,
		"provider_id": key.ProviderID.String(),
		"slot_date":   key.Date,
		"slot_time":   slotTime,
	})
}

// Get returns an appointment owned by requesterID.
func (s *Service) Get(ctx context.Context, requesterID string, id uuid.UUID) (*Appointment, error) {
	appt, err := s.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	if appt.PatientID != requesterID {
		return nil, ErrUnauthorized
	}
	return appt, nil
}

// ListByPatient retrieves appointments for a specific patient
func (s *Service) ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]Appointment, error) {
	if limit <= 0 {
		limit = 20 // default
	}
	if limit > 100 {
		limit = 100 // max
	}
	if offset < 0 {
		offset = 0
	}

	appointments, err := s.repo.ListByPatient(ctx, patientID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list appointments by patient: %w", err)
	}
	return appointments, nil
}

func (s *Service) invalidate(key availability.Key) {
	if s.opts.Invalidator != nil {
		s.opts.Invalidator.Invalidate(key)
	}
}

func (s *Service) logEvent(ctx context.Context, appointmentID *uuid.UUID, eventType string, payload map[string]any) {
	RecordEvent(ctx, s.repo, s.log, appointmentID, eventType, payload)
}

// RecordEvent appends to the audit trail. Failures are logged, never returned.
func RecordEvent(ctx context.Context, w EventWriter, log zerolog.Logger, appointmentID *uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("event_type", eventType).Msg("failed to marshal event payload")
		data = nil
	}

	ev := EventLog{
		EventType:     eventType,
		AppointmentID: appointmentID,
		Payload:       data,
		CreatedAt:     time.Now(),
	}

	if err := w.InsertEvent(ctx, ev); err != nil {
		log.Error().Err(err).Str("event_type", eventType).Msg("failed to insert event log")
	}
}
