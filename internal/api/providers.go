package api

import (
	"net/http"

	"github.com/anouar4070/MediTime-2/internal/availability"
	"github.com/anouar4070/MediTime-2/internal/provider"
)

func listProvidersHandler(svc *provider.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, offset := pageParams(r)

		providers, err := svc.List(r.Context(), limit, offset)
		if err != nil {
			handleProviderError(w, err)
			return
		}

		items := make([]ProviderResponse, 0, len(providers))
		for i := range providers {
			items = append(items, toProviderResponse(&providers[i]))
		}
		writeJSON(w, http.StatusOK, ListResponse[ProviderResponse]{Items: items, Limit: limit, Offset: offset})
	}
}

func getProviderHandler(svc *provider.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r, "id")
		if !ok {
			return
		}

		p, err := svc.GetByID(r.Context(), id)
		if err != nil {
			handleProviderError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toProviderResponse(p))
	}
}

// providerAvailabilityHandler may serve a slightly stale day; booking
// rechecks the index under the lock.
func providerAvailabilityHandler(svc *provider.Service, view *availability.CachedView) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r, "id")
		if !ok {
			return
		}

		date := r.URL.Query().Get("date")
		if date == "" {
			writeError(w, http.StatusBadRequest, "missing_date", "date query parameter is required")
			return
		}

		if _, err := svc.GetByID(r.Context(), id); err != nil {
			handleProviderError(w, err)
			return
		}

		day, err := view.Day(r.Context(), id, date)
		if err != nil {
			handleProviderError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, day)
	}
}

func createProviderHandler(svc *provider.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in provider.CreateInput
		if !decode(w, r, &in) {
			return
		}

		p, err := svc.Create(r.Context(), in)
		if err != nil {
			handleProviderError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toProviderResponse(p))
	}
}

func updateProviderHandler(svc *provider.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r, "id")
		if !ok {
			return
		}

		var in provider.UpdateInput
		if !decode(w, r, &in) {
			return
		}

		p, err := svc.Update(r.Context(), id, in)
		if err != nil {
			handleProviderError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toProviderResponse(p))
	}
}
