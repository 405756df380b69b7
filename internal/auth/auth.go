// Package auth resolves the acting party from the trusted auth gateway.
//
// Authentication model:
//   - The gateway authenticates the caller and forwards X-Actor-ID and X-Actor-Role
//   - Roles are funder, creator and admin
//   - Operator endpoints also accept the shared admin secret (X-Admin-Secret)
//   - Ownership of campaigns and applications is checked by the handlers
package auth

import (
	"errors"
	"strings"

	"github.com/pactum-labs/pactum/internal/validation"
)

var (
	ErrNoActor     = errors.New("actor identity required")
	ErrInvalidRole = errors.New("unknown actor role")
)

// Role is the kind of party making the request.
type Role string

const (
	RoleFunder  Role = "funder"
	RoleCreator Role = "creator"
	RoleAdmin   Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleFunder, RoleCreator, RoleAdmin:
		return true
	}
	return false
}

// Actor is the authenticated party behind a request.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// IsAdmin reports whether the actor may act on any campaign.
func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

// ParseActor builds an Actor from the gateway headers.
func ParseActor(id, role string) (Actor, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Actor{}, ErrNoActor
	}
	if !validation.IsValidID(id) {
		return Actor{}, ErrNoActor
	}
	r := Role(strings.ToLower(strings.TrimSpace(role)))
	if !r.Valid() {
		return Actor{}, ErrInvalidRole
	}
	return Actor{ID: id, Role: r}, nil
}
