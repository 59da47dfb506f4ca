package handlers

import (
	"net/http"

	"github.com/brokerlab/control-plane/internal/auth"
	"github.com/brokerlab/control-plane/internal/middleware"
	"github.com/brokerlab/control-plane/internal/workspace"
)

// ListSessions returns open terminal sessions: the caller's own, or every
// session when the caller is an admin or instructor.
func ListSessions(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r)

	all := Workspaces.Sessions()
	if p.Role == auth.RoleAdmin || p.Role == auth.RoleInstructor {
		writeJSON(w, http.StatusOK, map[string]any{"sessions": all})
		return
	}

	own := make([]workspace.SessionInfo, 0, len(all))
	for _, s := range all {
		if s.OwnerID == p.ID {
			own = append(own, s)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": own})
}
