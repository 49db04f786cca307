package users

import (
	"fmt"
	"strings"
	"time"

	"github.com/orderdesk/orderdesk/internal/shared"
)

// Role is the single role representation used across the service.
type Role string

const (
	RoleAdmin       Role = "Admin"
	RoleSalesperson Role = "Salesperson"
	RoleDistributor Role = "Distributor"
)

// IsValid reports whether r is one of the known roles.
func (r Role) IsValid() bool {
	switch r {
	case RoleAdmin, RoleSalesperson, RoleDistributor:
		return true
	default:
		return false
	}
}

// ParseRole converts an external role label into a Role. Canonical names are
// matched case-insensitively; the numeric codes used by older records
// (1 admin, 2 salesperson, 3 distributor) are accepted here and nowhere else.
func ParseRole(raw string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "admin", "1":
		return RoleAdmin, nil
	case "salesperson", "sales", "2":
		return RoleSalesperson, nil
	case "distributor", "3":
		return RoleDistributor, nil
	default:
		return "", fmt.Errorf("role %q: %w", raw, shared.ErrValidation)
	}
}

// User is a directory account.
type User struct {
	ID           string
	Email        string
	Name         string
	Role         Role
	PasswordHash string
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Profile is the public projection of a User used for attribution.
type Profile struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Name     string `json:"name"`
	Role     Role   `json:"role"`
	IsActive bool   `json:"is_active"`
}

// Profile returns the public projection of u.
func (u User) Profile() Profile {
	return Profile{ID: u.ID, Email: u.Email, Name: u.Name, Role: u.Role, IsActive: u.IsActive}
}

// Actor converts a profile into the request actor representation.
func (p Profile) Actor() shared.Actor {
	return shared.Actor{ID: p.ID, Role: string(p.Role), Name: p.Name, Email: p.Email}
}
