package domain

import (
	"fmt"
	"strings"
)

// Role enumerates caller roles known to the ticket core.
type Role string

const (
	RoleCustomer      Role = "customer"
	RoleSupport       Role = "support"
	RoleJuniorSupport Role = "junior-support"
	RoleInternalAdmin Role = "internal-admin"
	RoleGeneralAdmin  Role = "general-admin"
)

var knownRoles = []Role{RoleCustomer, RoleSupport, RoleJuniorSupport, RoleInternalAdmin, RoleGeneralAdmin}

// ParseRole normalizes raw role claims ("Junior_Support", "INTERNAL-ADMIN").
func ParseRole(raw string) (Role, error) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), "_", "-")
	norm = strings.ReplaceAll(norm, " ", "-")
	for _, r := range knownRoles {
		if string(r) == norm {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown role %q", raw)
}

// In reports whether r is one of roles.
func (r Role) In(roles ...Role) bool {
	for _, candidate := range roles {
		if r == candidate {
			return true
		}
	}
	return false
}

// Actor is the statically shaped authorization context passed into every
// lifecycle operation.
type Actor struct {
	ID       string
	Name     string
	Email    string
	Role     Role
	TenantID string

	// Service is set for service-to-service callers authenticated with the
	// shared service credential. Role is empty in that case.
	Service     bool
	ServiceName string
}

// ServiceActor builds the actor used for trusted service callers.
func ServiceActor(name string) Actor {
	return Actor{
		ID:          "service:" + name,
		Name:        name,
		Service:     true,
		ServiceName: name,
	}
}
