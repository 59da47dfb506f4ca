package handlers

import (
	"net/http"

	"github.com/brokerlab/control-plane/internal/database"
	"github.com/brokerlab/control-plane/internal/metrics"
	"github.com/brokerlab/control-plane/internal/provisioner"
	"github.com/brokerlab/control-plane/internal/runtime"
	"github.com/brokerlab/control-plane/internal/secgate"
	"github.com/brokerlab/control-plane/internal/workspace"
)

// Injected from main.go during startup.
var (
	Provisioner *provisioner.Provisioner
	Workspaces  *workspace.Manager
	Gate        *secgate.Gate
	Runtime     runtime.Runtime
	Auditor     *database.Auditor
	Metrics     *metrics.Collector
	StorePinger func() error
)

// HealthCheck reports component health. A missing container runtime
// degrades the status but the endpoint still answers 200: the control
// plane survives the engine being down.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	runtimeStatus := "disconnected"
	runtimeBackend := "none"
	if Runtime != nil && Runtime.IsAvailable(r.Context()) {
		runtimeStatus = "connected"
		runtimeBackend = Runtime.BackendName()
	}

	storeStatus := "disconnected"
	if StorePinger != nil && StorePinger() == nil {
		storeStatus = "connected"
	}

	dbStatus := "disconnected"
	if database.DB != nil {
		if sqlDB, err := database.DB.DB(); err == nil {
			if err := sqlDB.Ping(); err == nil {
				dbStatus = "connected"
			}
		}
	}

	status := "healthy"
	if runtimeStatus != "connected" || storeStatus != "connected" {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":          status,
		"runtime":         runtimeStatus,
		"runtime_backend": runtimeBackend,
		"store":           storeStatus,
		"database":        dbStatus,
	})
}
