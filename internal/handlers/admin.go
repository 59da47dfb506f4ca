package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/brokerlab/control-plane/internal/database"
	"github.com/brokerlab/control-plane/internal/logging"
)

// DestroyWorkspace force-removes a user's workspace container. Open
// sessions are closed first so the destroy is not vetoed by the
// session-race check.
func DestroyWorkspace(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "ownerId")
	if ownerID == "" {
		writeError(w, http.StatusBadRequest, "missing owner id")
		return
	}

	for _, s := range Workspaces.Sessions() {
		if s.OwnerID == ownerID {
			Workspaces.CloseSession(r.Context(), s.ID, true)
		}
	}
	if err := Workspaces.DestroyWorkspace(r.Context(), ownerID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "destroyed"})
}

// ServerLogs returns the tail of the control-plane log file.
func ServerLogs(w http.ResponseWriter, r *http.Request) {
	lines := 100
	if raw := r.URL.Query().Get("lines"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 10000 {
			writeError(w, http.StatusBadRequest, "invalid lines")
			return
		}
		lines = n
	}
	out, err := logging.ReadTail(lines)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": out})
}

// AuditLog queries the durable audit trail.
func AuditLog(w http.ResponseWriter, r *http.Request) {
	if Auditor == nil {
		writeError(w, http.StatusServiceUnavailable, "audit trail disabled")
		return
	}

	q := r.URL.Query()
	opts := database.QueryOptions{
		OwnerID:   q.Get("owner_id"),
		EventType: q.Get("event_type"),
		Limit:     100,
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		opts.Limit = n
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid offset")
			return
		}
		opts.Offset = n
	}

	events, err := Auditor.Query(opts)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}
