package audit

import "context"

// Event types - login flow
const (
	EventTypeLoginSuccess = "login_success"
	EventTypeLoginFailed  = "login_failed"
	EventTypeLoginDenied  = "login_denied"
	EventTypeLogout       = "logout"
)

// Event types - user provisioning
const (
	EventTypeUserCreated = "user_created"
	EventTypeUserUpdated = "user_updated"
)

// Event types - module lifecycle
const (
	EventTypeModuleInstalled   = "module_installed"
	EventTypeModuleUninstalled = "module_uninstalled"
	EventTypeSettingsUpdated   = "settings_updated"
)

// Resource types
const (
	ResourceTypeUser   = "user"
	ResourceTypeModule = "module"
)

// Actions
const (
	ActionLogin     = "login"
	ActionLogout    = "logout"
	ActionCreate    = "create"
	ActionUpdate    = "update"
	ActionInstall   = "install"
	ActionUninstall = "uninstall"
)

// Status
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Event is a single trail entry to be recorded.
type Event struct {
	UserID     string                 // Local user, empty when the flow failed before resolution
	Username   string                 // Username for display
	FacebookID string                 // External identity involved, when known
	EventType  string                 // Event category (see constants)
	Action     string                 // Action performed
	Status     string                 // success or failed
	Reason     string                 // Failure reason code, empty on success
	IPAddress  string                 // Client IP address
	UserAgent  string                 // Client user agent
	Details    map[string]interface{} // Additional details (stored as JSON)
}

// Record is a stored trail entry.
type Record struct {
	ID         int64                  `json:"id"`
	Timestamp  int64                  `json:"timestamp"`
	UserID     string                 `json:"user_id"`
	Username   string                 `json:"username"`
	FacebookID string                 `json:"facebook_id"`
	EventType  string                 `json:"event_type"`
	Action     string                 `json:"action"`
	Status     string                 `json:"status"`
	Reason     string                 `json:"reason"`
	IPAddress  string                 `json:"ip_address"`
	UserAgent  string                 `json:"user_agent"`
	Details    map[string]interface{} `json:"details"`
}

// Filters narrow a trail query.
type Filters struct {
	UserID     string
	FacebookID string
	EventType  string
	Status     string
	StartDate  int64 // Unix timestamp, inclusive
	EndDate    int64 // Unix timestamp, inclusive
	Page       int   // 1-based
	PageSize   int
}

// Store persists the audit trail.
type Store interface {
	LogEvent(ctx context.Context, event *Event) error
	GetRecords(ctx context.Context, filters *Filters) ([]*Record, int, error)
	GetRecordByID(ctx context.Context, id int64) (*Record, error)
	PurgeRecords(ctx context.Context, olderThanDays int) (int, error)
}
