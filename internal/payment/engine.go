package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/anouar4070/MediTime-2/internal/appointment"
	"github.com/anouar4070/MediTime-2/internal/metrics"
	"github.com/anouar4070/MediTime-2/internal/retry"
)

// Appointments is the slice of the record store the engine touches.
type Appointments interface {
	appointment.EventWriter
	Get(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	MarkPaid(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
}

type Config struct {
	Currency       string
	SuccessURL     string
	CancelURL      string
	GatewayTimeout time.Duration
	Retry          retry.Config
}

// Engine reconciles gateway verdicts into appointment payment state. Only
// ConfirmPayment ever marks an appointment paid, and only for the appointment
// the session was created for.
type Engine struct {
	appointments Appointments
	sessions     SessionStore
	gateway      Gateway
	cfg          Config
	log          zerolog.Logger
	metrics      *metrics.Metrics
}

func NewEngine(appointments Appointments, sessions SessionStore, gateway Gateway, cfg Config,
	log zerolog.Logger, m *metrics.Metrics) *Engine {
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = 10 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	return &Engine{
		appointments: appointments,
		sessions:     sessions,
		gateway:      gateway,
		cfg:          cfg,
		log:          log.With().Str("component", "payment").Logger(),
		metrics:      m,
	}
}

// CreatePaymentIntent opens a checkout session for an unpaid appointment.
func (e *Engine) CreatePaymentIntent(ctx context.Context, appointmentID uuid.UUID) (*SessionRef, error) {
	appt, err := e.appointments.Get(ctx, appointmentID)
	if err != nil {
		if errors.Is(err, appointment.ErrAppointmentNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load appointment: %w", err)
	}
	if appt.Cancelled {
		return nil, ErrAlreadyCancelled
	}
	if appt.PaymentStatus == appointment.PaymentPaid {
		return nil, ErrAlreadyPaid
	}

	req := SessionRequest{
		AppointmentID: appt.ID,
		Amount:        appt.Amount,
		Currency:      e.cfg.Currency,
		Description:   fmt.Sprintf("Appointment with %s on %s at %s", appt.ProviderName, appt.SlotDate, appt.SlotTime),
		SuccessURL:    e.cfg.SuccessURL,
		CancelURL:     e.cfg.CancelURL,
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.GatewayTimeout)
	defer cancel()

	start := time.Now()
	gs, err := e.gateway.CreateSession(callCtx, req)
	e.metrics.GatewayLatency.WithLabelValues("create_session").Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrGatewayTimeout, err)
		}
		return nil, fmt.Errorf("create gateway session: %w", err)
	}

	sess := &Session{
		ID:            gs.ID,
		AppointmentID: appt.ID,
		Amount:        appt.Amount,
		Currency:      e.cfg.Currency,
		Status:        SessionOpen,
		URL:           gs.URL,
	}
	if err := e.sessions.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("store payment session: %w", err)
	}

	appointment.RecordEvent(ctx, e.appointments, e.log, &appt.ID, EventSessionCreated, map[string]any{
		"session_id": gs.ID,
		"amount":     appt.Amount.StringFixed(2),
		"currency":   e.cfg.Currency,
	})
	e.log.Info().
		Str("appointment_id", appt.ID.String()).
		Str("session_id", gs.ID).
		Msg("payment session created")

	return &SessionRef{SessionID: gs.ID, URL: gs.URL}, nil
}

// ConfirmPayment asks the gateway for the verdict of sessionID and, when the
// money arrived, marks exactly the mapped appointment paid. Safe to repeat.
func (e *Engine) ConfirmPayment(ctx context.Context, sessionID string) error {
	err := e.confirm(ctx, sessionID)
	e.metrics.PaymentConfirmations.WithLabelValues(confirmResult(err)).Inc()
	return err
}

// SessionAppointment returns the appointment a session was opened for.
func (e *Engine) SessionAppointment(ctx context.Context, sessionID string) (uuid.UUID, error) {
	sess, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return uuid.Nil, err
		}
		return uuid.Nil, fmt.Errorf("load payment session: %w", err)
	}
	return sess.AppointmentID, nil
}

func (e *Engine) confirm(ctx context.Context, sessionID string) error {
	sess, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return err
		}
		return fmt.Errorf("load payment session: %w", err)
	}

	appt, err := e.appointments.Get(ctx, sess.AppointmentID)
	if err != nil {
		return fmt.Errorf("load appointment: %w", err)
	}
	paid := appt.PaymentStatus == appointment.PaymentPaid
	if paid && sess.Status == SessionPaid {
		return nil
	}
	if appt.Cancelled && !paid {
		return ErrAlreadyCancelled
	}

	// A session of an already paid appointment still needs the gateway: it
	// may be the one that paid but was never recorded.
	gs, err := e.retrieve(ctx, sessionID)
	if err != nil {
		return err
	}

	if gs.ClientReference != appt.ID.String() {
		e.log.Warn().
			Str("session_id", sessionID).
			Str("appointment_id", appt.ID.String()).
			Str("client_reference", gs.ClientReference).
			Msg("gateway session references a different appointment")
		return ErrSessionMismatch
	}

	switch gs.Verdict {
	case VerdictPaid:
		flipped := false
		if !paid {
			if _, err := e.appointments.MarkPaid(ctx, appt.ID); err != nil {
				switch {
				case errors.Is(err, appointment.ErrAlreadyPaid):
				case errors.Is(err, appointment.ErrAppointmentCancelled):
					e.log.Warn().
						Str("appointment_id", appt.ID.String()).
						Str("session_id", sessionID).
						Msg("payment captured for an appointment cancelled meanwhile")
					return ErrAlreadyCancelled
				default:
					return fmt.Errorf("mark appointment paid: %w", err)
				}
			} else {
				flipped = true
			}
		} else if sess.Status != SessionPaid {
			e.log.Warn().
				Str("appointment_id", appt.ID.String()).
				Str("session_id", sessionID).
				Msg("session paid for an appointment that was already paid")
		}

		// the appointment goes first so a failure here leaves the session
		// open for the next sweep
		if err := e.sessions.MarkPaid(ctx, sessionID, gs.PaymentRef); err != nil {
			return fmt.Errorf("mark session paid: %w", err)
		}

		if flipped {
			appointment.RecordEvent(ctx, e.appointments, e.log, &appt.ID, EventPaymentConfirmed, map[string]any{
				"session_id":  sessionID,
				"payment_ref": gs.PaymentRef,
			})
			e.log.Info().Str("appointment_id", appt.ID.String()).Msg("payment confirmed")
		}
		return nil

	case VerdictFailed:
		e.closeSession(ctx, sessionID)
		if paid {
			return ErrSessionSuperseded
		}
		return ErrPaymentFailed

	default:
		if paid {
			e.closeSession(ctx, sessionID)
			return ErrSessionSuperseded
		}
		return ErrPaymentPending
	}
}

func (e *Engine) closeSession(ctx context.Context, sessionID string) {
	if err := e.sessions.MarkFailed(ctx, sessionID); err != nil {
		e.log.Error().Err(err).Str("session_id", sessionID).Msg("failed to mark session failed")
	}
}

// retrieve calls the gateway with bounded retry, all within GatewayTimeout.
func (e *Engine) retrieve(ctx context.Context, sessionID string) (*GatewaySession, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.GatewayTimeout)
	defer cancel()

	var gs *GatewaySession
	err := retry.Do(callCtx, e.cfg.Retry, func(ctx context.Context) error {
		start := time.Now()
		res, err := e.gateway.RetrieveSession(ctx, sessionID)
		e.metrics.GatewayLatency.WithLabelValues("retrieve_session").Observe(time.Since(start).Seconds())
		if err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				return retry.Permanent(err)
			}
			return err
		}
		gs = res
		return nil
	})
	if err == nil {
		return gs, nil
	}

	if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayTimeout, err)
	}
	if errors.Is(err, ErrSessionNotFound) {
		return nil, err
	}
	return nil, fmt.Errorf("retrieve gateway session: %w", err)
}

// ReconcileOpenSessions re-confirms sessions still open after olderThan, for
// patients who paid but never came back to the success page. It returns how
// many sessions ended up paid.
func (e *Engine) ReconcileOpenSessions(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	open, err := e.sessions.ListOpen(ctx, time.Now().Add(-olderThan), limit)
	if err != nil {
		return 0, fmt.Errorf("list open sessions: %w", err)
	}

	confirmed := 0
	for _, s := range open {
		if ctx.Err() != nil {
			return confirmed, ctx.Err()
		}

		err := e.ConfirmPayment(ctx, s.ID)
		switch {
		case err == nil:
			confirmed++
		case errors.Is(err, ErrPaymentPending),
			errors.Is(err, ErrPaymentFailed),
			errors.Is(err, ErrSessionSuperseded):
		case errors.Is(err, ErrAlreadyCancelled):
			// nobody will pay for it anymore
			e.closeSession(ctx, s.ID)
		default:
			e.log.Warn().Err(err).Str("session_id", s.ID).Msg("session reconcile failed")
		}
	}

	if len(open) > 0 {
		e.log.Info().Int("open", len(open)).Int("confirmed", confirmed).Msg("payment sweep done")
	}
	return confirmed, nil
}

func confirmResult(err error) string {
	switch {
	case err == nil:
		return "paid"
	case errors.Is(err, ErrPaymentPending):
		return "pending"
	case errors.Is(err, ErrPaymentFailed):
		return "failed"
	case errors.Is(err, ErrSessionSuperseded):
		return "superseded"
	case errors.Is(err, ErrGatewayTimeout):
		return "timeout"
	case errors.Is(err, ErrSessionMismatch):
		return "mismatch"
	case errors.Is(err, ErrAlreadyCancelled):
		return "cancelled"
	case errors.Is(err, ErrSessionNotFound):
		return "not_found"
	default:
		return "error"
	}
}
