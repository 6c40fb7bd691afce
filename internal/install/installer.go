// Package install manages the lifecycle of the module's directory resources:
// the login role, the external-identity field, and the login page path.
package install

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/loginbridge/loginbridge/internal/directory"
	"github.com/loginbridge/loginbridge/internal/settings"
)

// Lifecycle errors
var (
	ErrAlreadyInstalled = errors.New("module resources already installed")
	ErrNotInstalled     = errors.New("module resources not installed")
)

// RoleLabel is the human-readable label on the installed role.
const RoleLabel = "Login with Facebook"

// Status reports whether the resources exist and under which names.
type Status struct {
	Installed bool   `json:"installed"`
	RoleName  string `json:"role_name"`
	FieldName string `json:"field_name"`
	PageName  string `json:"page_name"`
}

// Installer creates, verifies and removes the module's resources. The role
// lives in the directory; the field and page are claimed through the
// settings rows that name them.
type Installer struct {
	store    directory.Store
	settings *settings.Manager
	logger   *logrus.Logger
}

// NewInstaller creates an installer over the directory store and settings
// manager.
func NewInstaller(store directory.Store, sm *settings.Manager, logger *logrus.Logger) *Installer {
	return &Installer{store: store, settings: sm, logger: logger}
}

// Install creates the module resources. It refuses to run when the role
// already exists so a half-removed previous install surfaces instead of
// being silently adopted.
func (i *Installer) Install() error {
	cfg, err := i.settings.LoadOAuthConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if _, err := i.store.GetRole(cfg.RoleName); err == nil {
		return fmt.Errorf("%w: role %q exists", ErrAlreadyInstalled, cfg.RoleName)
	} else if !errors.Is(err, directory.ErrRoleNotFound) {
		return fmt.Errorf("failed to check role: %w", err)
	}

	if err := i.store.CreateRole(&directory.Role{
		Name:  cfg.RoleName,
		Label: RoleLabel,
	}); err != nil {
		return fmt.Errorf("failed to create role: %w", err)
	}

	i.logger.WithFields(logrus.Fields{
		"role":  cfg.RoleName,
		"field": cfg.FieldName,
		"page":  cfg.PageName,
	}).Info("Module resources installed")
	return nil
}

// Check verifies the installed resources and recreates any that are missing.
// Safe to run on every startup.
func (i *Installer) Check() error {
	if err := i.settings.EnsureDefaults(); err != nil {
		return fmt.Errorf("failed to ensure settings: %w", err)
	}

	cfg, err := i.settings.LoadOAuthConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	_, err = i.store.GetRole(cfg.RoleName)
	if errors.Is(err, directory.ErrRoleNotFound) {
		i.logger.WithField("role", cfg.RoleName).Warn("Role missing, recreating")
		if err := i.store.CreateRole(&directory.Role{
			Name:  cfg.RoleName,
			Label: RoleLabel,
		}); err != nil {
			return fmt.Errorf("failed to recreate role: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to check role: %w", err)
	}
	return nil
}

// Uninstall removes the module resources: the role is revoked from every
// user and deleted, external identity links are cleared, and the settings
// rows are dropped. Missing pieces are skipped so a partial previous
// uninstall can be finished.
func (i *Installer) Uninstall() error {
	cfg, err := i.settings.LoadOAuthConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	users, err := i.store.ListUsersWithRole(cfg.RoleName)
	if err != nil {
		return fmt.Errorf("failed to list role holders: %w", err)
	}
	for _, user := range users {
		if err := i.store.RemoveRole(user.ID, cfg.RoleName); err != nil {
			return fmt.Errorf("failed to revoke role from %s: %w", user.Username, err)
		}
	}

	if err := i.store.DeleteRole(cfg.RoleName); err != nil && !errors.Is(err, directory.ErrRoleNotFound) {
		return fmt.Errorf("failed to delete role: %w", err)
	}

	cleared, err := i.store.ClearFacebookIDs()
	if err != nil {
		return fmt.Errorf("failed to clear identity links: %w", err)
	}

	if err := i.settings.DeleteAll(); err != nil {
		return err
	}

	i.logger.WithFields(logrus.Fields{
		"role":           cfg.RoleName,
		"users_unlinked": cleared,
		"role_holders":   len(users),
	}).Info("Module resources removed")
	return nil
}

// Status reports the current install state.
func (i *Installer) Status() (*Status, error) {
	cfg, err := i.settings.LoadOAuthConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	st := &Status{
		RoleName:  cfg.RoleName,
		FieldName: cfg.FieldName,
		PageName:  cfg.PageName,
	}

	_, err = i.store.GetRole(cfg.RoleName)
	switch {
	case err == nil:
		st.Installed = true
	case errors.Is(err, directory.ErrRoleNotFound):
		st.Installed = false
	default:
		return nil, fmt.Errorf("failed to check role: %w", err)
	}
	return st, nil
}
