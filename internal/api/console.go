package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"griddesk/internal/backend"
)

// listResource serves one paginated console listing (customers, categories,
// departments, roles). These views carry no client-side state; the backend's
// page is forwarded as-is.
func (d Dependencies) listResource(resource string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page := queryInt(r, "page", 1)
		pageSize := queryInt(r, "pageSize", 20)
		search := r.URL.Query().Get("search")

		result, err := d.Backend.ListResource(r.Context(), resource, page, pageSize, search)
		if err != nil {
			d.writeBackendError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write(result)
	}
}

func (d Dependencies) debtSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := d.Backend.DebtRecoverySummary(r.Context())
	if err != nil {
		d.writeBackendError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(summary)
}

func (d Dependencies) vendorCaptures(w http.ResponseWriter, r *http.Request) {
	captures, err := d.Backend.ListVendorCaptures(r.Context())
	if err != nil {
		d.writeBackendError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"items": captures})
}

func (d Dependencies) writeBackendError(w http.ResponseWriter, err error) {
	var nf *backend.NotFoundError
	if errors.As(err, &nf) {
		WriteError(w, http.StatusNotFound, "not_found", err.Error(), d.Log)
		return
	}
	var de *backend.DomainError
	if errors.As(err, &de) {
		WriteError(w, http.StatusUnprocessableEntity, "rejected", err.Error(), d.Log)
		return
	}
	WriteError(w, http.StatusBadGateway, "backend_unavailable", err.Error(), d.Log)
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}
