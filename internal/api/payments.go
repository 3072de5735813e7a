package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/anouar4070/MediTime-2/internal/appointment"
	"github.com/anouar4070/MediTime-2/internal/payment"
)

// WebhookParser verifies a gateway webhook and extracts the session it is
// about. An empty id means the event can be ignored.
type WebhookParser interface {
	SessionFromWebhook(payload []byte, signature string) (string, error)
}

const webhookSignatureHeader = "Stripe-Signature"

func createPaymentHandler(appts *appointment.Service, engine *payment.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r, "id")
		if !ok {
			return
		}

		// only the owner may start paying
		if _, err := appts.Get(r.Context(), patientID(r), id); err != nil {
			handlePaymentError(w, err)
			return
		}

		ref, err := engine.CreatePaymentIntent(r.Context(), id)
		if err != nil {
			handlePaymentError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, ref)
	}
}

func confirmPaymentHandler(appts *appointment.Service, engine *payment.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ConfirmPaymentRequest
		if !decode(w, r, &req) {
			return
		}

		apptID, err := engine.SessionAppointment(r.Context(), req.SessionID)
		if err != nil {
			handlePaymentError(w, err)
			return
		}
		if _, err := appts.Get(r.Context(), patientID(r), apptID); err != nil {
			handlePaymentError(w, err)
			return
		}

		if err := engine.ConfirmPayment(r.Context(), req.SessionID); err != nil {
			handlePaymentError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": string(appointment.PaymentPaid)})
	}
}

// webhookHandler answers 2xx for anything the gateway should not redeliver
// and 5xx only when a retry could help.
func webhookHandler(parser WebhookParser, engine *payment.Engine, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not read body")
			return
		}

		sessionID, err := parser.SessionFromWebhook(payload, r.Header.Get(webhookSignatureHeader))
		if err != nil {
			log.Warn().Err(err).Msg("rejected payment webhook")
			writeError(w, http.StatusBadRequest, "invalid_webhook", "signature verification failed")
			return
		}
		if sessionID == "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		err = engine.ConfirmPayment(r.Context(), sessionID)
		switch {
		case err == nil,
			errors.Is(err, payment.ErrPaymentPending),
			errors.Is(err, payment.ErrPaymentFailed),
			errors.Is(err, payment.ErrSessionSuperseded),
			errors.Is(err, payment.ErrAlreadyCancelled),
			errors.Is(err, payment.ErrSessionMismatch),
			errors.Is(err, payment.ErrSessionNotFound):
			if err != nil {
				log.Info().Err(err).Str("session_id", sessionID).Msg("payment webhook settled without payment")
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			log.Error().Err(err).Str("session_id", sessionID).Msg("payment webhook failed")
			writeError(w, http.StatusServiceUnavailable, "retry_later", "could not confirm payment")
		}
	}
}
