package directory

import "errors"

// Common directory errors
var (
	ErrUserNotFound      = errors.New("user not found")
	ErrRoleNotFound      = errors.New("role not found")
	ErrUsernameTaken     = errors.New("username already taken")
	ErrDuplicateIdentity = errors.New("external identity already linked to a user")
)

// User represents a user record in the host directory. FacebookID links the
// record to its external identity; at most one user may hold a given value
// (enforced by a unique index).
type User struct {
	ID          string            `json:"id"`
	Username    string            `json:"username"`
	Password    string            `json:"password,omitempty"` // plaintext on create only, stored hashed
	DisplayName string            `json:"display_name,omitempty"`
	Email       string            `json:"email,omitempty"`
	FacebookID  string            `json:"facebook_id,omitempty"`
	Status      string            `json:"status"` // active, inactive
	Roles       []string          `json:"roles"`
	Fields      map[string]string `json:"fields,omitempty"` // mirrored profile fields
	CreatedAt   int64             `json:"created_at"`
	UpdatedAt   int64             `json:"updated_at"`
}

// HasRole reports whether the user holds the named role.
func (u *User) HasRole(name string) bool {
	for _, r := range u.Roles {
		if r == name {
			return true
		}
	}
	return false
}

// Role represents a named role with the permissions it implies.
type Role struct {
	Name        string   `json:"name"`
	Label       string   `json:"label,omitempty"`
	Permissions []string `json:"permissions"`
	CreatedAt   int64    `json:"created_at"`
	UpdatedAt   int64    `json:"updated_at"`
}

// User statuses
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// Store is the User Directory contract consumed by the provisioner and the
// installer.
type Store interface {
	// Users
	GetUser(id string) (*User, error)
	FindByUsername(username string) (*User, error)
	FindByFacebookID(facebookID string) (*User, error)
	UsernameExists(username string) (bool, error)
	CreateUser(user *User) error
	SaveUser(user *User) error
	DeleteUser(id string) error
	AddRole(userID, roleName string) error
	RemoveRole(userID, roleName string) error
	ListUsersWithRole(roleName string) ([]*User, error)
	ClearFacebookIDs() (int64, error)

	// Roles and permissions
	GetRole(name string) (*Role, error)
	CreateRole(role *Role) error
	DeleteRole(name string) error
	RolePermissions(roleNames []string) ([]string, error)
}
