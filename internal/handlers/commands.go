package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/brokerlab/control-plane/internal/database"
	"github.com/brokerlab/control-plane/internal/middleware"
)

type validateRequest struct {
	Command string `json:"command"`
}

// ValidateCommand runs the security gate without executing anything.
func ValidateCommand(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r)

	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	decision := Gate.Validate(req.Command, p)
	if Auditor != nil {
		verdict := "allowed"
		if !decision.Allowed {
			verdict = "denied"
		}
		Auditor.Record(p.ID, database.EventCommandValidated, "", verdict, req.Command)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"allowed": decision.Allowed,
		"reason":  decision.Reason,
	})
}

// CommandHistory returns the caller's recent command records, newest
// first. `limit` caps the page; the stored history is already capped.
func CommandHistory(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r)

	var limit int64
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	records, err := Workspaces.History(r.Context(), p.ID, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": records})
}
