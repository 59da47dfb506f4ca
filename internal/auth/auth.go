// Package auth defines the principal model and token verification contract.
// Token issuance (login, SSO) lives outside the control plane; this package
// only verifies bearer tokens handed to it and resolves them to a Principal.
package auth

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fernet/fernet-go"
)

// Roles understood by the security gate and the admin middleware.
const (
	RoleStudent    = "student"
	RoleInstructor = "instructor"
	RoleAdmin      = "admin"
)

// Principal is the authenticated caller attached to every request.
type Principal struct {
	ID          string   `json:"sub"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions,omitempty"`
}

// Verifier resolves a bearer token to a Principal. Implementations must be
// safe for concurrent use.
type Verifier interface {
	Verify(token string) (*Principal, error)
}

// FernetVerifier verifies fernet-signed tokens whose payload is a JSON
// Principal. The signing side is external; Mint exists for tests and for
// the bundled dev tooling.
type FernetVerifier struct {
	keys []*fernet.Key
	ttl  time.Duration
}

// NewFernetVerifier builds a verifier from a base64 fernet key as produced
// by fernet.Key.Encode. A zero ttl disables token expiry checks.
func NewFernetVerifier(encodedKey string, ttl time.Duration) (*FernetVerifier, error) {
	key, err := fernet.DecodeKey(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("decode auth key: %w", err)
	}
	return &FernetVerifier{keys: []*fernet.Key{key}, ttl: ttl}, nil
}

// GenerateKey returns a fresh encoded fernet key.
func GenerateKey() string {
	var k fernet.Key
	k.Generate()
	return k.Encode()
}

func (v *FernetVerifier) Verify(token string) (*Principal, error) {
	msg := fernet.VerifyAndDecrypt([]byte(token), v.ttl, v.keys)
	if msg == nil {
		return nil, fmt.Errorf("invalid token")
	}
	var p Principal
	if err := json.Unmarshal(msg, &p); err != nil {
		return nil, fmt.Errorf("decode token payload: %w", err)
	}
	if p.ID == "" {
		return nil, fmt.Errorf("token has no subject")
	}
	if p.Role == "" {
		p.Role = RoleStudent
	}
	return &p, nil
}

// Mint signs a token for the given principal.
func (v *FernetVerifier) Mint(p *Principal) (string, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	tok, err := fernet.EncryptAndSign(payload, v.keys[0])
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return string(tok), nil
}
