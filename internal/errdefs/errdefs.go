// Package errdefs defines the shared error taxonomy for the control plane.
// Handlers translate these into structured HTTP responses; internal callers
// branch on them with errors.Is / errors.As.
package errdefs

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means the environment, workspace, or session no longer
	// exists. Stop/destroy operations treat this as already achieved;
	// execute/status operations surface it.
	ErrNotFound = errors.New("not found")

	// ErrBusy means a lock on the resource is held elsewhere. The caller
	// decides whether to retry; the lock primitive never retries on its own.
	ErrBusy = errors.New("resource busy")

	// ErrRuntimeUnavailable means the container engine cannot be reached.
	// Surfaced as degraded health, not as a per-session crash.
	ErrRuntimeUnavailable = errors.New("container runtime unavailable")

	// ErrDenied means the security gate rejected a command.
	ErrDenied = errors.New("command denied")
)

// ProvisionError reports a failed environment create together with the
// outcome of the rollback that was attempted for partially created
// resources.
type ProvisionError struct {
	Stage       string // "network", "coordinator", "broker", "readiness"
	Err         error
	RollbackErr error // nil when rollback fully succeeded
}

func (e *ProvisionError) Error() string {
	if e.RollbackErr != nil {
		return fmt.Sprintf("provisioning failed at %s: %v (rollback also failed: %v)", e.Stage, e.Err, e.RollbackErr)
	}
	return fmt.Sprintf("provisioning failed at %s: %v (partial resources rolled back)", e.Stage, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }
