// Package secgate validates commands before they reach a container shell.
// The gate is a pure decision function: deterministic, side-effect free,
// and fail-closed — a command no rule explicitly allows is denied.
package secgate

import (
	"fmt"
	"strings"

	"github.com/brokerlab/control-plane/internal/auth"
)

// Decision is the gate's verdict. Reason is user-facing and printed
// directly in the learner's terminal on denial.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

type Gate struct {
	policy *Policy
}

func New(policy *Policy) *Gate {
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &Gate{policy: policy}
}

// Validate decides whether principal may run command. Deny patterns are
// checked before any allow-list so a dangerous construction buried in an
// otherwise allowed command line still loses.
func (g *Gate) Validate(command string, principal *auth.Principal) Decision {
	command = strings.TrimSpace(command)
	if command == "" {
		return Decision{Allowed: false, Reason: "empty command"}
	}

	for _, re := range g.policy.denyPatterns {
		if re.MatchString(command) {
			return Decision{Allowed: false, Reason: "command contains a blocked pattern"}
		}
	}

	parts := splitCommand(command)
	if len(parts) == 0 {
		return Decision{Allowed: false, Reason: "empty command"}
	}
	base := parts[0]

	role := auth.RoleStudent
	if principal != nil && principal.Role != "" {
		role = principal.Role
	}

	allow, ok := g.policy.roleAllow[role]
	if !ok {
		// Unknown role gets the narrowest vocabulary, not a free pass.
		allow = g.policy.roleAllow[auth.RoleStudent]
	}
	if allow[base] {
		return Decision{Allowed: true}
	}

	// Explicit per-principal grants of the form "cmd:<name>".
	if principal != nil {
		for _, perm := range principal.Permissions {
			if strings.TrimPrefix(perm, "cmd:") == base && strings.HasPrefix(perm, "cmd:") {
				return Decision{Allowed: true}
			}
		}
	}

	return Decision{Allowed: false, Reason: fmt.Sprintf("command %q is not allowed for role %s", base, role)}
}

// splitCommand tokenizes a command line with basic quote awareness so a
// quoted argument containing spaces stays one token.
func splitCommand(command string) []string {
	var parts []string
	var current strings.Builder
	inQuote := false
	var quoteChar byte

	for i := 0; i < len(command); i++ {
		ch := command[i]
		switch {
		case inQuote:
			current.WriteByte(ch)
			if ch == quoteChar && (i == 0 || command[i-1] != '\\') {
				inQuote = false
			}
		case ch == '"' || ch == '\'':
			inQuote = true
			quoteChar = ch
			current.WriteByte(ch)
		case ch == ' ':
			if current.Len() > 0 {
				parts = append(parts, current.String())
				current.Reset()
			}
		default:
			current.WriteByte(ch)
		}
	}
	if current.Len() > 0 {
		parts = append(parts, current.String())
	}
	return parts
}
