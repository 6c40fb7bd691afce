// Package directory implements the local user directory over SQLite: user
// records linked to external identities, roles, and the permissions they
// imply.
package directory

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the directory database under dataDir.
func NewSQLiteStore(dataDir string) (*SQLiteStore, error) {
	dbPath := filepath.Join(dataDir, "db", "loginbridge.db")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logrus.WithField("db_path", dbPath).Info("SQLite directory store initialized")
	return store, nil
}

// NewSQLiteStoreWithDB wraps an existing database connection, for managers
// sharing the unified database.
func NewSQLiteStoreWithDB(db *sql.DB) (*SQLiteStore, error) {
	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		password_hash TEXT,
		display_name TEXT,
		email TEXT,
		facebook_id TEXT,
		status TEXT NOT NULL DEFAULT 'active',
		roles TEXT NOT NULL DEFAULT '[]',
		fields TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_users_facebook_id
		ON users(facebook_id) WHERE facebook_id IS NOT NULL AND facebook_id <> '';

	CREATE TABLE IF NOT EXISTS roles (
		name TEXT PRIMARY KEY,
		label TEXT,
		permissions TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`

	_, err := s.db.Exec(query)
	return err
}

// DB exposes the underlying connection for sharing with other managers.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// HashPassword hashes a password using bcrypt.
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

// VerifyPassword verifies a password against a bcrypt hash.
func VerifyPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// CreateUser inserts a new user. An empty ID is assigned, the optional
// password is hashed, and a duplicate external identity maps to
// ErrDuplicateIdentity.
func (s *SQLiteStore) CreateUser(user *User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	if user.Status == "" {
		user.Status = StatusActive
	}

	now := time.Now().Unix()
	user.CreatedAt = now
	user.UpdatedAt = now

	var passwordHash string
	if user.Password != "" {
		hashed, err := HashPassword(user.Password)
		if err != nil {
			return fmt.Errorf("failed to hash password: %w", err)
		}
		passwordHash = hashed
		user.Password = ""
	}

	rolesJSON, _ := json.Marshal(user.Roles)
	fieldsJSON, _ := json.Marshal(user.Fields)

	_, err := s.db.Exec(`
		INSERT INTO users (id, username, password_hash, display_name, email, facebook_id, status, roles, fields, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, user.ID, user.Username, passwordHash, user.DisplayName, user.Email,
		nullStr(user.FacebookID), user.Status, string(rolesJSON), string(fieldsJSON),
		user.CreatedAt, user.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err, "facebook_id") {
			return fmt.Errorf("%w: %s", ErrDuplicateIdentity, user.FacebookID)
		}
		if isUniqueViolation(err, "username") {
			return fmt.Errorf("%w: %s", ErrUsernameTaken, user.Username)
		}
		return fmt.Errorf("failed to create user: %w", err)
	}

	return nil
}

// SaveUser persists mutable user fields (username, display name, status,
// roles, mirrored fields).
func (s *SQLiteStore) SaveUser(user *User) error {
	user.UpdatedAt = time.Now().Unix()

	rolesJSON, _ := json.Marshal(user.Roles)
	fieldsJSON, _ := json.Marshal(user.Fields)

	result, err := s.db.Exec(`
		UPDATE users
		SET username = ?, display_name = ?, email = ?, facebook_id = ?, status = ?, roles = ?, fields = ?, updated_at = ?
		WHERE id = ?
	`, user.Username, user.DisplayName, user.Email, nullStr(user.FacebookID),
		user.Status, string(rolesJSON), string(fieldsJSON), user.UpdatedAt, user.ID)
	if err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrUserNotFound, user.ID)
	}

	return nil
}

// DeleteUser removes a user record.
func (s *SQLiteStore) DeleteUser(id string) error {
	result, err := s.db.Exec(`DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrUserNotFound, id)
	}

	return nil
}

// GetUser retrieves a user by id.
func (s *SQLiteStore) GetUser(id string) (*User, error) {
	return s.queryUser(`WHERE id = ?`, id)
}

// FindByUsername retrieves a user by username.
func (s *SQLiteStore) FindByUsername(username string) (*User, error) {
	return s.queryUser(`WHERE username = ?`, username)
}

// FindByFacebookID retrieves the user linked to an external identity.
func (s *SQLiteStore) FindByFacebookID(facebookID string) (*User, error) {
	return s.queryUser(`WHERE facebook_id = ?`, facebookID)
}

// UsernameExists reports whether a username is taken.
func (s *SQLiteStore) UsernameExists(username string) (bool, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM users WHERE username = ?`, username).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check username: %w", err)
	}
	return count > 0, nil
}

func (s *SQLiteStore) queryUser(where string, arg interface{}) (*User, error) {
	row := s.db.QueryRow(`
		SELECT id, username, display_name, email, facebook_id, status, roles, fields, created_at, updated_at
		FROM users `+where, arg)

	user, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row rowScanner) (*User, error) {
	var user User
	var displayName, email, facebookID sql.NullString
	var rolesJSON, fieldsJSON string

	err := row.Scan(&user.ID, &user.Username, &displayName, &email, &facebookID,
		&user.Status, &rolesJSON, &fieldsJSON, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return nil, err
	}

	user.DisplayName = displayName.String
	user.Email = email.String
	user.FacebookID = facebookID.String

	if err := json.Unmarshal([]byte(rolesJSON), &user.Roles); err != nil {
		return nil, fmt.Errorf("failed to unmarshal roles: %w", err)
	}
	if err := json.Unmarshal([]byte(fieldsJSON), &user.Fields); err != nil {
		return nil, fmt.Errorf("failed to unmarshal fields: %w", err)
	}

	return &user, nil
}

// AddRole grants a role to a user; a no-op when already held.
func (s *SQLiteStore) AddRole(userID, roleName string) error {
	user, err := s.GetUser(userID)
	if err != nil {
		return err
	}
	if user.HasRole(roleName) {
		return nil
	}

	user.Roles = append(user.Roles, roleName)
	return s.SaveUser(user)
}

// RemoveRole revokes a role from a user; a no-op when not held.
func (s *SQLiteStore) RemoveRole(userID, roleName string) error {
	user, err := s.GetUser(userID)
	if err != nil {
		return err
	}

	kept := user.Roles[:0]
	for _, r := range user.Roles {
		if r != roleName {
			kept = append(kept, r)
		}
	}
	if len(kept) == len(user.Roles) {
		return nil
	}

	user.Roles = kept
	return s.SaveUser(user)
}

// ListUsersWithRole returns every user holding the named role.
func (s *SQLiteStore) ListUsersWithRole(roleName string) ([]*User, error) {
	rows, err := s.db.Query(`
		SELECT id, username, display_name, email, facebook_id, status, roles, fields, created_at, updated_at
		FROM users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		if user.HasRole(roleName) {
			users = append(users, user)
		}
	}

	return users, rows.Err()
}

// ClearFacebookIDs unlinks every external identity, returning the number of
// users affected.
func (s *SQLiteStore) ClearFacebookIDs() (int64, error) {
	result, err := s.db.Exec(`
		UPDATE users SET facebook_id = NULL, updated_at = ?
		WHERE facebook_id IS NOT NULL
	`, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to clear facebook ids: %w", err)
	}

	rows, _ := result.RowsAffected()
	return rows, nil
}

// GetRole retrieves a role by name.
func (s *SQLiteStore) GetRole(name string) (*Role, error) {
	var role Role
	var permsJSON string

	err := s.db.QueryRow(`
		SELECT name, label, permissions, created_at, updated_at FROM roles WHERE name = ?
	`, name).Scan(&role.Name, &role.Label, &permsJSON, &role.CreatedAt, &role.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrRoleNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}

	if err := json.Unmarshal([]byte(permsJSON), &role.Permissions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal permissions: %w", err)
	}

	return &role, nil
}

// CreateRole inserts a new role.
func (s *SQLiteStore) CreateRole(role *Role) error {
	now := time.Now().Unix()
	role.CreatedAt = now
	role.UpdatedAt = now

	permsJSON, _ := json.Marshal(role.Permissions)

	_, err := s.db.Exec(`
		INSERT INTO roles (name, label, permissions, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, role.Name, role.Label, string(permsJSON), role.CreatedAt, role.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create role: %w", err)
	}

	return nil
}

// DeleteRole removes a role from the catalog. Callers are responsible for
// revoking it from users first.
func (s *SQLiteStore) DeleteRole(name string) error {
	result, err := s.db.Exec(`DELETE FROM roles WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to delete role: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrRoleNotFound, name)
	}

	return nil
}

// RolePermissions returns the sorted union of permissions implied by the
// named roles. Unknown roles contribute nothing.
func (s *SQLiteStore) RolePermissions(roleNames []string) ([]string, error) {
	set := make(map[string]struct{})
	for _, name := range roleNames {
		role, err := s.GetRole(name)
		if err != nil {
			if errors.Is(err, ErrRoleNotFound) {
				continue
			}
			return nil, err
		}
		for _, p := range role.Permissions {
			set[p] = struct{}{}
		}
	}

	perms := make([]string, 0, len(set))
	for p := range set {
		perms = append(perms, p)
	}
	sort.Strings(perms)
	return perms, nil
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// isUniqueViolation reports whether err is a UNIQUE constraint failure on
// the named column.
func isUniqueViolation(err error, column string) bool {
	return err != nil &&
		strings.Contains(err.Error(), "UNIQUE constraint failed") &&
		strings.Contains(err.Error(), column)
}
