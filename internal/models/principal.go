package models

import "fmt"

// Role is the closed set of participant kinds. It is resolved once when the
// token is verified and never re-derived afterwards.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleClient     Role = "client"
	RoleTechnician Role = "technician"
)

// ParseRole maps a token claim onto a Role.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleAdmin, RoleClient, RoleTechnician:
		return Role(s), nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

func (r Role) Valid() bool {
	_, err := ParseRole(string(r))
	return err == nil
}

// Principal is the identity behind a connection.
type Principal struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Role        Role   `json:"role"`
	Anonymous   bool   `json:"-"`
}

// AnonymousPrincipal is used whenever no valid token was presented.
var AnonymousPrincipal = Principal{Anonymous: true}
