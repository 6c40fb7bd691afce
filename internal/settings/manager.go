// Package settings persists the module configuration as typed key/value
// rows in SQLite and materializes it into an immutable OAuthConfig snapshot
// at request start.
package settings

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Manager manages persisted settings stored in SQLite.
type Manager struct {
	db     *sql.DB
	logger *logrus.Logger
}

// NewManager creates a settings manager over an existing database
// connection, creating the schema and default rows when missing.
func NewManager(db *sql.DB, logger *logrus.Logger) (*Manager, error) {
	m := &Manager{
		db:     db,
		logger: logger,
	}

	if err := m.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if err := m.insertDefaults(); err != nil {
		return nil, fmt.Errorf("failed to insert defaults: %w", err)
	}

	return m, nil
}

// initSchema creates the module_settings table.
func (m *Manager) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS module_settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		type TEXT NOT NULL,
		category TEXT NOT NULL,
		description TEXT,
		editable INTEGER DEFAULT 1,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_module_settings_category ON module_settings(category);
	`

	_, err := m.db.Exec(query)
	return err
}

// insertDefaults inserts default settings if they don't exist.
func (m *Manager) insertDefaults() error {
	defaults := []Setting{
		// OAuth configuration
		{
			Key:         "oauth.app_id",
			Value:       "",
			Type:        string(TypeString),
			Category:    string(CategoryOAuth),
			Description: "Facebook App ID for this site",
			Editable:    true,
		},
		{
			Key:         "oauth.app_secret",
			Value:       "",
			Type:        string(TypeString),
			Category:    string(CategoryOAuth),
			Description: "Facebook App Secret, provided after the app is created",
			Editable:    true,
		},
		{
			Key:         "oauth.request_permissions",
			Value:       `["public_profile"]`,
			Type:        string(TypeJSON),
			Category:    string(CategoryOAuth),
			Description: "Permission scopes to request from Facebook",
			Editable:    true,
		},
		{
			Key:         "oauth.request_fields",
			Value:       `["first_name","last_name"]`,
			Type:        string(TypeJSON),
			Category:    string(CategoryOAuth),
			Description: "Profile fields to request from Facebook (id is always included)",
			Editable:    true,
		},

		// Users, roles and access
		{
			Key:         "users.provisioning_mode",
			Value:       string(ModeCreatePerIdentity),
			Type:        string(TypeString),
			Category:    string(CategoryUsers),
			Description: "create-per-identity: one local user per Facebook account; shared-identity: all Facebook logins share one user",
			Editable:    true,
		},
		{
			Key:         "users.shared_username",
			Value:       "",
			Type:        string(TypeString),
			Category:    string(CategoryUsers),
			Description: "Username shared by all Facebook logins (shared-identity mode only)",
			Editable:    true,
		},
		{
			Key:         "users.username_format",
			Value:       string(FormatFirstLast),
			Type:        string(TypeString),
			Category:    string(CategoryUsers),
			Description: "Name format for newly created users; duplicates get numbers appended until unique",
			Editable:    true,
		},
		{
			Key:         "users.add_roles",
			Value:       `["login-facebook"]`,
			Type:        string(TypeJSON),
			Category:    string(CategoryUsers),
			Description: "Roles granted to users that log in with Facebook",
			Editable:    true,
		},
		{
			Key:         "users.disallow_roles",
			Value:       `[]`,
			Type:        string(TypeJSON),
			Category:    string(CategoryUsers),
			Description: "Users holding any of these roles cannot log in with Facebook",
			Editable:    true,
		},
		{
			Key:         "users.disallow_permissions",
			Value:       `[]`,
			Type:        string(TypeJSON),
			Category:    string(CategoryUsers),
			Description: "Users whose roles imply any of these permissions cannot log in with Facebook",
			Editable:    true,
		},
		{
			Key:         "users.field_map",
			Value:       `{}`,
			Type:        string(TypeJSON),
			Category:    string(CategoryUsers),
			Description: "Facebook field name to local user field name, mirrored on every login",
			Editable:    true,
		},

		// Flow control
		{
			Key:         "flow.after_login_url",
			Value:       "",
			Type:        string(TypeString),
			Category:    string(CategoryFlow),
			Description: "Where the user is redirected after successful login; empty keeps them on the login page",
			Editable:    true,
		},
		{
			Key:         "flow.error_login_url",
			Value:       "",
			Type:        string(TypeString),
			Category:    string(CategoryFlow),
			Description: "Where the user is redirected on failed login; empty renders an inline error",
			Editable:    true,
		},

		// Installed resource names
		{
			Key:         "install.page_name",
			Value:       DefaultPageName,
			Type:        string(TypeString),
			Category:    string(CategoryInstall),
			Description: "Name of the login page path",
			Editable:    false,
		},
		{
			Key:         "install.field_name",
			Value:       DefaultFieldName,
			Type:        string(TypeString),
			Category:    string(CategoryInstall),
			Description: "Name of the user field holding the Facebook ID",
			Editable:    false,
		},
		{
			Key:         "install.role_name",
			Value:       DefaultRoleName,
			Type:        string(TypeString),
			Category:    string(CategoryInstall),
			Description: "Name of the role required for Facebook login",
			Editable:    false,
		},
	}

	now := time.Now().Unix()
	for _, s := range defaults {
		_, err := m.db.Exec(`
			INSERT OR IGNORE INTO module_settings (key, value, type, category, description, editable, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, s.Key, s.Value, s.Type, s.Category, s.Description, s.Editable, now, now)
		if err != nil {
			return fmt.Errorf("failed to insert default %s: %w", s.Key, err)
		}
	}

	return nil
}

// EnsureDefaults re-seeds any missing default rows without touching edited
// values. Used by the installer's consistency check.
func (m *Manager) EnsureDefaults() error {
	return m.insertDefaults()
}

// DeleteAll removes every setting row. Used on uninstall.
func (m *Manager) DeleteAll() error {
	if _, err := m.db.Exec(`DELETE FROM module_settings`); err != nil {
		return fmt.Errorf("failed to delete settings: %w", err)
	}
	m.logger.Info("All module settings removed")
	return nil
}

// Get returns the raw value of a setting.
func (m *Manager) Get(key string) (string, error) {
	var value string
	query := `SELECT value FROM module_settings WHERE key = ?`
	err := m.db.QueryRow(query, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("setting not found: %s", key)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get setting: %w", err)
	}
	return value, nil
}

// GetBool returns the value of a boolean setting.
func (m *Manager) GetBool(key string) (bool, error) {
	value, err := m.Get(key)
	if err != nil {
		return false, err
	}

	switch strings.ToLower(value) {
	case "true", "1", "yes":
		return true, nil
	case "false", "0", "no":
		return false, nil
	default:
		return false, fmt.Errorf("setting %s is not a valid boolean: %s", key, value)
	}
}

// GetStrings returns the value of a JSON string-list setting.
func (m *Manager) GetStrings(key string) ([]string, error) {
	value, err := m.Get(key)
	if err != nil {
		return nil, err
	}

	var list []string
	if err := json.Unmarshal([]byte(value), &list); err != nil {
		return nil, fmt.Errorf("setting %s is not a valid string list: %w", key, err)
	}
	return list, nil
}

// GetStringMap returns the value of a JSON string-map setting.
func (m *Manager) GetStringMap(key string) (map[string]string, error) {
	value, err := m.Get(key)
	if err != nil {
		return nil, err
	}

	var mp map[string]string
	if err := json.Unmarshal([]byte(value), &mp); err != nil {
		return nil, fmt.Errorf("setting %s is not a valid string map: %w", key, err)
	}
	return mp, nil
}

// GetSetting returns the full setting row.
func (m *Manager) GetSetting(key string) (*Setting, error) {
	var setting Setting
	query := `
	SELECT key, value, type, category, description, editable, created_at, updated_at
	FROM module_settings
	WHERE key = ?
	`

	var createdAt, updatedAt int64
	err := m.db.QueryRow(query, key).Scan(
		&setting.Key,
		&setting.Value,
		&setting.Type,
		&setting.Category,
		&setting.Description,
		&setting.Editable,
		&createdAt,
		&updatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("setting not found: %s", key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get setting: %w", err)
	}

	setting.CreatedAt = time.Unix(createdAt, 0)
	setting.UpdatedAt = time.Unix(updatedAt, 0)

	return &setting, nil
}

// Set updates a single editable setting after validating its type.
func (m *Manager) Set(key, value string) error {
	setting, err := m.GetSetting(key)
	if err != nil {
		return err
	}

	if !setting.Editable {
		return fmt.Errorf("setting %s is not editable", key)
	}

	if err := m.validateValue(value, setting.Type); err != nil {
		return fmt.Errorf("invalid value for setting %s: %w", key, err)
	}

	query := `UPDATE module_settings SET value = ?, updated_at = ? WHERE key = ?`
	if _, err := m.db.Exec(query, value, time.Now().Unix(), key); err != nil {
		return fmt.Errorf("failed to update setting: %w", err)
	}

	m.logger.WithField("key", key).Info("Setting updated")
	return nil
}

// validateValue checks a value against the declared setting type.
func (m *Manager) validateValue(value, settingType string) error {
	switch settingType {
	case string(TypeInt):
		if _, err := strconv.Atoi(value); err != nil {
			return fmt.Errorf("not an integer: %s", value)
		}
	case string(TypeBool):
		switch strings.ToLower(value) {
		case "true", "false", "1", "0", "yes", "no":
		default:
			return fmt.Errorf("not a boolean: %s", value)
		}
	case string(TypeJSON):
		if !json.Valid([]byte(value)) {
			return fmt.Errorf("not valid JSON")
		}
	}
	return nil
}

// ListAll returns every setting ordered by category then key.
func (m *Manager) ListAll() ([]Setting, error) {
	query := `
	SELECT key, value, type, category, description, editable, created_at, updated_at
	FROM module_settings
	ORDER BY category, key
	`

	rows, err := m.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query settings: %w", err)
	}
	defer rows.Close()

	var settings []Setting
	for rows.Next() {
		var setting Setting
		var createdAt, updatedAt int64

		err := rows.Scan(
			&setting.Key,
			&setting.Value,
			&setting.Type,
			&setting.Category,
			&setting.Description,
			&setting.Editable,
			&createdAt,
			&updatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan setting: %w", err)
		}

		setting.CreatedAt = time.Unix(createdAt, 0)
		setting.UpdatedAt = time.Unix(updatedAt, 0)

		settings = append(settings, setting)
	}

	return settings, rows.Err()
}

// BulkUpdate applies multiple setting updates in one transaction.
func (m *Manager) BulkUpdate(updates map[string]string) error {
	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()

	for key, value := range updates {
		setting, err := m.GetSetting(key)
		if err != nil {
			return fmt.Errorf("invalid setting %s: %w", key, err)
		}

		if !setting.Editable {
			return fmt.Errorf("setting %s is not editable", key)
		}

		if err := m.validateValue(value, setting.Type); err != nil {
			return fmt.Errorf("invalid value for %s: %w", key, err)
		}

		query := `UPDATE module_settings SET value = ?, updated_at = ? WHERE key = ?`
		if _, err := tx.Exec(query, value, now, key); err != nil {
			return fmt.Errorf("failed to update %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	m.logger.WithField("count", len(updates)).Info("Bulk settings update completed")
	return nil
}

// LoadOAuthConfig materializes the persisted rows into an immutable
// snapshot for one request.
func (m *Manager) LoadOAuthConfig() (*OAuthConfig, error) {
	cfg := &OAuthConfig{}

	var err error
	read := func(key string, dst *string) {
		if err != nil {
			return
		}
		var v string
		if v, err = m.Get(key); err == nil {
			*dst = v
		}
	}
	readList := func(key string, dst *[]string) {
		if err != nil {
			return
		}
		var v []string
		if v, err = m.GetStrings(key); err == nil {
			*dst = v
		}
	}

	read("oauth.app_id", &cfg.AppID)
	read("oauth.app_secret", &cfg.AppSecret)
	readList("oauth.request_permissions", &cfg.RequestPermissions)
	readList("oauth.request_fields", &cfg.RequestFields)
	read("flow.after_login_url", &cfg.AfterLoginURL)
	read("flow.error_login_url", &cfg.ErrorLoginURL)

	var mode, format string
	read("users.provisioning_mode", &mode)
	read("users.shared_username", &cfg.SharedUsername)
	read("users.username_format", &format)
	readList("users.add_roles", &cfg.AddRoles)
	readList("users.disallow_roles", &cfg.DisallowRoles)
	readList("users.disallow_permissions", &cfg.DisallowPermissions)

	read("install.page_name", &cfg.PageName)
	read("install.field_name", &cfg.FieldName)
	read("install.role_name", &cfg.RoleName)

	if err != nil {
		return nil, err
	}

	cfg.ProvisioningMode = ProvisioningMode(mode)
	cfg.UsernameFormat = UsernameFormat(format)

	fieldMap, err := m.GetStringMap("users.field_map")
	if err != nil {
		return nil, err
	}
	cfg.FieldMap = fieldMap

	return cfg, nil
}
