package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/google/uuid"

	"github.com/brokerlab/control-plane/internal/errdefs"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// writeDomainError maps domain errors onto HTTP statuses. Infrastructure
// failures are logged with a correlation id and elided from the client.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errdefs.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, errdefs.ErrBusy):
		writeError(w, http.StatusConflict, "resource busy, retry shortly")
	case errors.Is(err, errdefs.ErrRuntimeUnavailable):
		writeError(w, http.StatusServiceUnavailable, "container runtime unavailable")
	default:
		id := uuid.NewString()
		log.Printf("[http] internal error %s: %v", id, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"detail":         "internal error",
			"correlation_id": id,
		})
	}
}
