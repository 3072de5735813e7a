package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/anouar4070/MediTime-2/internal/appointment"
	"github.com/anouar4070/MediTime-2/internal/auth"
)

func patientID(r *http.Request) string {
	id, _ := auth.FromContext(r.Context())
	return id.Subject
}

func idParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_"+name, name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func bookAppointmentHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req BookAppointmentRequest
		if !decode(w, r, &req) {
			return
		}

		providerID, err := uuid.Parse(req.ProviderID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_provider_id", "provider_id must be a valid UUID")
			return
		}

		appt, err := svc.BookSlot(r.Context(), patientID(r), providerID, req.SlotDate, req.SlotTime)
		if err != nil {
			handleAppointmentError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
	}
}

func listAppointmentsHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, offset := pageParams(r)

		appts, err := svc.ListByPatient(r.Context(), patientID(r), limit, offset)
		if err != nil {
			handleAppointmentError(w, err)
			return
		}

		items := make([]AppointmentResponse, 0, len(appts))
		for i := range appts {
			items = append(items, toAppointmentResponse(&appts[i]))
		}
		writeJSON(w, http.StatusOK, ListResponse[AppointmentResponse]{Items: items, Limit: limit, Offset: offset})
	}
}

func getAppointmentHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r, "id")
		if !ok {
			return
		}

		appt, err := svc.Get(r.Context(), patientID(r), id)
		if err != nil {
			handleAppointmentError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func cancelAppointmentHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r, "id")
		if !ok {
			return
		}

		if err := svc.Cancel(r.Context(), patientID(r), id); err != nil {
			handleAppointmentError(w, err)
			return
		}

		appt, err := svc.Get(r.Context(), patientID(r), id)
		if err != nil {
			handleAppointmentError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}
