package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/brokerlab/control-plane/internal/database"
	"github.com/brokerlab/control-plane/internal/middleware"
	"github.com/brokerlab/control-plane/internal/provisioner"
)

// StartLab provisions (or returns the existing) lab environment for the
// caller and the env key in the path.
func StartLab(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r)
	envKey := chi.URLParam(r, "envKey")
	if envKey == "" {
		writeError(w, http.StatusBadRequest, "missing environment key")
		return
	}

	env, err := Provisioner.Create(r.Context(), p.ID, envKey)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

// StopLab tears the environment down. Stopping an absent environment
// succeeds: the desired state is already achieved.
func StopLab(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r)
	envKey := chi.URLParam(r, "envKey")

	if err := Provisioner.Stop(r.Context(), p.ID, envKey); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func LabStatus(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r)
	envKey := chi.URLParam(r, "envKey")

	status, err := Provisioner.Status(r.Context(), p.ID, envKey)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type createTopicsRequest struct {
	Topics []provisioner.TopicSpec `json:"topics"`
}

// CreateTopics creates broker topics one by one and reports each outcome
// separately; a partial failure is a 200 with per-topic results.
func CreateTopics(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r)
	envKey := chi.URLParam(r, "envKey")

	var req createTopicsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Topics) == 0 {
		writeError(w, http.StatusBadRequest, "no topics given")
		return
	}
	for _, t := range req.Topics {
		if t.Name == "" {
			writeError(w, http.StatusBadRequest, "topic name is required")
			return
		}
	}

	results, err := Provisioner.CreateTopics(r.Context(), p.ID, envKey, req.Topics)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

type executeRequest struct {
	Command string `json:"command"`
}

// ExecuteLabCommand runs one gate-validated command inside the broker
// container and returns the buffered result. Denials are 403 with the
// gate's reason.
func ExecuteLabCommand(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r)
	envKey := chi.URLParam(r, "envKey")

	var req executeRequest
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
		Auditor.Record(p.ID, database.EventCommandExecuted, envKey, verdict, req.Command)
	}
	if !decision.Allowed {
		writeJSON(w, http.StatusForbidden, map[string]any{
			"allowed": false,
			"reason":  decision.Reason,
		})
		return
	}

	res, err := Provisioner.Execute(r.Context(), p.ID, envKey, req.Command)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"exit_code": res.ExitCode,
		"output":    res.Output,
	})
}

func LabMetrics(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r)
	envKey := chi.URLParam(r, "envKey")

	m, err := Provisioner.Metrics(r.Context(), p.ID, envKey)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"services": m})
}
