package auth

import (
	"context"
	"fmt"
	"strings"
)

type Role string

const (
	RoleUser   Role = "user"
	RoleAdmin  Role = "admin"
	RoleViewer Role = "viewer"
)

func isValidRole(role Role) bool {
	switch role {
	case RoleUser, RoleAdmin, RoleViewer:
		return true
	default:
		return false
	}
}

type Identity struct {
	UserID   string
	Username string
	Role     Role
}

func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}

type APIKeyValidator interface {
	Validate(ctx context.Context, apiKey string) (Identity, bool)
}

// StaticAPIKeyValidator maps pre-shared keys to identities. The spec string is
// a comma-separated list of key:userId:username:role entries.
type StaticAPIKeyValidator struct {
	keys map[string]Identity
}

func NewStaticAPIKeyValidator(spec string) (*StaticAPIKeyValidator, error) {
	validator := &StaticAPIKeyValidator{keys: map[string]Identity{}}
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return validator, nil
	}

	entries := strings.Split(spec, ",")
	for _, entry := range entries {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) != 4 {
			return nil, fmt.Errorf("invalid static key entry %q: expected key:userId:username:role", entry)
		}
		key := strings.TrimSpace(parts[0])
		userID := strings.TrimSpace(parts[1])
		username := strings.TrimSpace(parts[2])
		role := Role(strings.TrimSpace(parts[3]))
		if key == "" || userID == "" {
			return nil, fmt.Errorf("invalid static key entry %q: empty key/userId", entry)
		}
		if !isValidRole(role) {
			return nil, fmt.Errorf("invalid static key entry %q: unknown role %q", entry, role)
		}
		validator.keys[key] = Identity{UserID: userID, Username: username, Role: role}
	}

	return validator, nil
}

func (v *StaticAPIKeyValidator) Validate(_ context.Context, apiKey string) (Identity, bool) {
	identity, ok := v.keys[apiKey]
	return identity, ok
}
