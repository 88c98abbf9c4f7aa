package api

import (
	"encoding/json"
	"net/http"

	"griddesk/internal/auth"
	"griddesk/internal/session"

	"github.com/go-chi/chi/v5"
)

func (d Dependencies) createSession(w http.ResponseWriter, r *http.Request) {
	operator := auth.GetOperatorID(r.Context())
	if operator == "" {
		operator = "anonymous"
	}

	s := d.Sessions.Create(operator)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"sessionId": s.ID,
		"state":     s.State(),
	})
}

func (d Dependencies) getSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s, err := d.Sessions.Get(id)
	if err != nil {
		WriteError(w, http.StatusNotFound, "not_found", "Session not found", d.Log)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"sessionId": s.ID,
		"state":     s.State(),
	})
}

func (d Dependencies) dispatchEvent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var payload map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", "Invalid request body", d.Log)
		return
	}

	evType, _ := payload["type"].(string)
	if err := d.Events.ValidateEvent(evType, payload); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_event", err.Error(), d.Log)
		return
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_event", err.Error(), d.Log)
		return
	}
	var ev session.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_event", err.Error(), d.Log)
		return
	}

	state, err := d.Sessions.Dispatch(id, ev)
	if err != nil {
		WriteError(w, http.StatusNotFound, "dispatch_failed", err.Error(), d.Log)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"sessionId": id,
		"state":     state,
	})
}

func (d Dependencies) discardSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := d.Sessions.Discard(id); err != nil {
		WriteError(w, http.StatusNotFound, "not_found", "Session not found", d.Log)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "DISCARDED"})
}

func (d Dependencies) sessionAudit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if d.Audit == nil {
		WriteError(w, http.StatusServiceUnavailable, "audit_unavailable", "Audit store not configured", d.Log)
		return
	}

	records, err := d.Audit.ListBySession(r.Context(), id)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "query_failed", err.Error(), d.Log)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"items": records})
}
