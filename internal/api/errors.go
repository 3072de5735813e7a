package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/anouar4070/MediTime-2/internal/appointment"
	"github.com/anouar4070/MediTime-2/internal/availability"
	"github.com/anouar4070/MediTime-2/internal/lock"
	"github.com/anouar4070/MediTime-2/internal/payment"
	"github.com/anouar4070/MediTime-2/internal/provider"
)

const maxBodyBytes = 1 << 20

var messages = map[string]string{
	"required": "field is required",
	"email":    "invalid email format",
	"uuid":     "must be a valid UUID",
	"max":      "value is too long",
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	return v
}

// decode reads a JSON body into dst and validates it. It writes the error
// response itself and reports whether the handler may continue.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return false
	}

	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]FieldError, 0, len(verrs))
			for _, fe := range verrs {
				msg := messages[fe.Tag()]
				if msg == "" {
					msg = fe.Error()
				}
				fields = append(fields, FieldError{Field: fe.Field(), Message: msg})
			}
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "validation_failed", Fields: fields})
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid_request_body", err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

func pageParams(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	return limit, offset
}

func handleAppointmentError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, availability.ErrInvalidSlot):
		writeError(w, http.StatusBadRequest, "invalid_slot", err.Error())
	case errors.Is(err, provider.ErrProviderNotFound):
		writeError(w, http.StatusNotFound, "provider_not_found", err.Error())
	case errors.Is(err, appointment.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, appointment.ErrProviderUnavailable):
		writeError(w, http.StatusConflict, "provider_unavailable", err.Error())
	case errors.Is(err, appointment.ErrSlotTaken):
		writeError(w, http.StatusConflict, "slot_taken", err.Error())
	case errors.Is(err, appointment.ErrUnauthorized):
		writeError(w, http.StatusForbidden, "unauthorized", err.Error())
	case errors.Is(err, appointment.ErrSlotBusy),
		errors.Is(err, lock.ErrLockNotAcquired):
		writeError(w, http.StatusServiceUnavailable, "slot_busy", "slot is currently being booked, please retry shortly")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func handlePaymentError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, payment.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session_not_found", err.Error())
	case errors.Is(err, appointment.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, appointment.ErrUnauthorized):
		writeError(w, http.StatusForbidden, "unauthorized", err.Error())
	case errors.Is(err, payment.ErrAlreadyCancelled):
		writeError(w, http.StatusConflict, "already_cancelled", err.Error())
	case errors.Is(err, payment.ErrAlreadyPaid):
		writeError(w, http.StatusConflict, "already_paid", err.Error())
	case errors.Is(err, payment.ErrSessionMismatch):
		writeError(w, http.StatusConflict, "session_mismatch", err.Error())
	case errors.Is(err, payment.ErrSessionSuperseded):
		writeError(w, http.StatusConflict, "session_superseded", err.Error())
	case errors.Is(err, payment.ErrPaymentFailed):
		writeError(w, http.StatusPaymentRequired, "payment_failed", err.Error())
	case errors.Is(err, payment.ErrPaymentPending):
		writeError(w, http.StatusAccepted, "payment_pending", err.Error())
	case errors.Is(err, payment.ErrGatewayTimeout):
		writeError(w, http.StatusGatewayTimeout, "gateway_timeout", "payment provider did not answer in time, please retry")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func handleProviderError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, provider.ErrProviderNotFound):
		writeError(w, http.StatusNotFound, "provider_not_found", err.Error())
	case errors.Is(err, provider.ErrInvalidProvider):
		writeError(w, http.StatusBadRequest, "invalid_provider", err.Error())
	case errors.Is(err, provider.ErrEmailTaken):
		writeError(w, http.StatusConflict, "email_taken", err.Error())
	case errors.Is(err, availability.ErrInvalidSlot):
		writeError(w, http.StatusBadRequest, "invalid_slot", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}
