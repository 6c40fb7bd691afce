package provision

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/loginbridge/loginbridge/internal/audit"
	"github.com/loginbridge/loginbridge/internal/directory"
	"github.com/loginbridge/loginbridge/internal/facebook"
	"github.com/loginbridge/loginbridge/internal/metrics"
	"github.com/loginbridge/loginbridge/internal/settings"
)

// Provisioning errors
var (
	// ErrConfiguration means the provisioner cannot proceed because the
	// persisted configuration references directory resources that do not
	// exist (e.g. a shared account that was deleted).
	ErrConfiguration = errors.New("provisioning configuration invalid")

	// ErrAccessDenied means a local user was resolved but the access gate
	// rejects them from signing in through this channel.
	ErrAccessDenied = errors.New("access denied by role or permission policy")
)

// Provisioner maps verified external identities onto local directory users:
// it finds the linked account, creates one when allowed, mirrors profile
// fields and enforces the disallow gate.
type Provisioner struct {
	store   directory.Store
	logger  *logrus.Logger
	auditor *audit.Manager
	metrics *metrics.Collector
}

// NewProvisioner creates a provisioner over the given directory store.
func NewProvisioner(store directory.Store, logger *logrus.Logger) *Provisioner {
	return &Provisioner{store: store, logger: logger}
}

// SetAuditManager enables audit trail entries for created users.
func (p *Provisioner) SetAuditManager(m *audit.Manager) {
	p.auditor = m
}

// SetMetrics enables the created-users counter.
func (p *Provisioner) SetMetrics(c *metrics.Collector) {
	p.metrics = c
}

// Store exposes the underlying directory store.
func (p *Provisioner) Store() directory.Store {
	return p.store
}

// ResolveUser turns a verified profile into the local user the session should
// be bound to, applying the configured provisioning mode and the access gate.
// The returned user never carries a plaintext password.
func (p *Provisioner) ResolveUser(cfg *settings.OAuthConfig, profile *facebook.Profile) (*directory.User, error) {
	var (
		user    *directory.User
		created bool
		err     error
	)

	if cfg.ProvisioningMode == settings.ModeSharedIdentity {
		user, err = p.sharedUser(cfg)
	} else {
		user, created, err = p.linkedUser(cfg, profile)
	}
	if err != nil {
		return nil, err
	}

	if err := p.checkAccess(cfg, user); err != nil {
		return nil, err
	}

	p.logger.WithFields(logrus.Fields{
		"user_id":     user.ID,
		"username":    user.Username,
		"facebook_id": profile.ID,
		"created":     created,
	}).Info("External identity resolved")

	return user, nil
}

// sharedUser resolves the single account all identities share. The account
// is never created or modified by the login flow.
func (p *Provisioner) sharedUser(cfg *settings.OAuthConfig) (*directory.User, error) {
	if cfg.SharedUsername == "" {
		return nil, fmt.Errorf("%w: shared username not configured", ErrConfiguration)
	}
	user, err := p.store.FindByUsername(cfg.SharedUsername)
	if errors.Is(err, directory.ErrUserNotFound) {
		return nil, fmt.Errorf("%w: shared user %q does not exist", ErrConfiguration, cfg.SharedUsername)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load shared user: %w", err)
	}
	return user, nil
}

// linkedUser finds the user linked to the external identity, creating one on
// first login. Mapped profile fields are overwritten on every login so the
// mirror follows the provider.
func (p *Provisioner) linkedUser(cfg *settings.OAuthConfig, profile *facebook.Profile) (*directory.User, bool, error) {
	user, err := p.store.FindByFacebookID(profile.ID)
	if err != nil && !errors.Is(err, directory.ErrUserNotFound) {
		return nil, false, fmt.Errorf("failed to look up identity: %w", err)
	}

	if user == nil {
		user, err = p.createUser(cfg, profile)
		if err != nil {
			return nil, false, err
		}
		p.mirrorFields(cfg, profile, user)
		if len(cfg.FieldMap) > 0 {
			if err := p.store.SaveUser(user); err != nil {
				return nil, false, fmt.Errorf("failed to save mirrored fields: %w", err)
			}
		}
		return user, true, nil
	}

	p.mirrorFields(cfg, profile, user)
	if err := p.store.SaveUser(user); err != nil {
		return nil, false, fmt.Errorf("failed to update user: %w", err)
	}
	return user, false, nil
}

func (p *Provisioner) createUser(cfg *settings.OAuthConfig, profile *facebook.Profile) (*directory.User, error) {
	username, err := p.pickUsername(cfg, profile)
	if err != nil {
		return nil, err
	}

	user := &directory.User{
		Username:    username,
		Password:    randomPassword(),
		DisplayName: displayName(profile),
		Email:       profile.Field("email"),
		FacebookID:  profile.ID,
		Status:      directory.StatusActive,
		Roles:       append([]string{}, cfg.AddRoles...),
	}
	if err := p.store.CreateUser(user); err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	user.Password = ""

	if p.metrics != nil {
		p.metrics.UserCreated()
	}
	if p.auditor != nil {
		p.auditor.LogEvent(context.Background(), &audit.Event{
			UserID:     user.ID,
			Username:   user.Username,
			FacebookID: user.FacebookID,
			EventType:  audit.EventTypeUserCreated,
			Action:     audit.ActionCreate,
			Status:     audit.StatusSuccess,
		})
	}

	return user, nil
}

// pickUsername applies the naming policy and appends a numeric suffix until
// the name is free. An empty base (profile without usable name parts) falls
// back to the external id.
func (p *Provisioner) pickUsername(cfg *settings.OAuthConfig, profile *facebook.Profile) (string, error) {
	base := FormatUsername(cfg.UsernameFormat, profile.FirstName, profile.LastName)
	if base == "" {
		base = slugify(profile.ID)
	}
	if base == "" {
		return "", fmt.Errorf("%w: profile yields no usable username", ErrConfiguration)
	}

	candidate := base
	for i := 1; ; i++ {
		taken, err := p.store.UsernameExists(candidate)
		if err != nil {
			return "", fmt.Errorf("failed to check username: %w", err)
		}
		if !taken {
			return candidate, nil
		}
		candidate = base + strconv.Itoa(i)
	}
}

// mirrorFields copies the mapped profile fields onto the user, overwriting
// whatever was there. Locally edited values do not survive the next login.
// Mapped fields absent from the profile are left untouched so a value the
// provider stops sending is not erased.
func (p *Provisioner) mirrorFields(cfg *settings.OAuthConfig, profile *facebook.Profile, user *directory.User) {
	if len(cfg.FieldMap) == 0 {
		return
	}
	if user.Fields == nil {
		user.Fields = make(map[string]string, len(cfg.FieldMap))
	}
	for external, local := range cfg.FieldMap {
		if value, ok := profile.Fields[external]; ok {
			user.Fields[local] = value
		}
	}
}

// checkAccess enforces the disallow gate: a user holding any disallowed role,
// or any role granting a disallowed permission, may not sign in through this
// channel.
func (p *Provisioner) checkAccess(cfg *settings.OAuthConfig, user *directory.User) error {
	for _, role := range cfg.DisallowRoles {
		if user.HasRole(role) {
			return fmt.Errorf("%w: role %q is disallowed", ErrAccessDenied, role)
		}
	}

	if len(cfg.DisallowPermissions) == 0 {
		return nil
	}
	perms, err := p.store.RolePermissions(user.Roles)
	if err != nil {
		return fmt.Errorf("failed to resolve permissions: %w", err)
	}
	held := make(map[string]bool, len(perms))
	for _, perm := range perms {
		held[perm] = true
	}
	for _, perm := range cfg.DisallowPermissions {
		if held[perm] {
			return fmt.Errorf("%w: permission %q is disallowed", ErrAccessDenied, perm)
		}
	}
	return nil
}

func displayName(profile *facebook.Profile) string {
	switch {
	case profile.FirstName != "" && profile.LastName != "":
		return profile.FirstName + " " + profile.LastName
	case profile.FirstName != "":
		return profile.FirstName
	default:
		return profile.LastName
	}
}

func randomPassword() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("failed to read random bytes: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
