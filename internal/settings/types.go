package settings

import "time"

// Setting represents one persisted configuration row.
type Setting struct {
	Key         string    `json:"key"`
	Value       string    `json:"value"`
	Type        string    `json:"type"` // string, int, bool, json
	Category    string    `json:"category"`
	Description string    `json:"description"`
	Editable    bool      `json:"editable"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Category represents a group of related settings.
type Category string

const (
	CategoryOAuth   Category = "oauth"
	CategoryUsers   Category = "users"
	CategoryFlow    Category = "flow"
	CategoryInstall Category = "install"
)

// Type represents the data type of a setting.
type Type string

const (
	TypeString Type = "string"
	TypeInt    Type = "int"
	TypeBool   Type = "bool"
	TypeJSON   Type = "json"
)

// ProvisioningMode chooses whether each external identity maps to its own
// local user or all map to one shared user.
type ProvisioningMode string

const (
	ModeCreatePerIdentity ProvisioningMode = "create-per-identity"
	ModeSharedIdentity    ProvisioningMode = "shared-identity"
)

// UsernameFormat is the policy for naming newly created users.
type UsernameFormat string

const (
	FormatFirstLast UsernameFormat = "first-last"
	FormatLastFirst UsernameFormat = "last-first"
	FormatFirstOnly UsernameFormat = "first-only"
	FormatLastOnly  UsernameFormat = "last-only"
)

// OAuthConfig is the immutable per-request snapshot of the persisted
// configuration. Loaded once at request start, read-only thereafter.
type OAuthConfig struct {
	AppID     string `json:"app_id"`
	AppSecret string `json:"-"`

	RequestPermissions []string `json:"request_permissions"`
	RequestFields      []string `json:"request_fields"`

	AfterLoginURL string `json:"after_login_url"`
	ErrorLoginURL string `json:"error_login_url"`

	ProvisioningMode ProvisioningMode `json:"provisioning_mode"`
	SharedUsername   string           `json:"shared_username"`
	UsernameFormat   UsernameFormat   `json:"username_format"`

	AddRoles            []string          `json:"add_roles"`
	DisallowRoles       []string          `json:"disallow_roles"`
	DisallowPermissions []string          `json:"disallow_permissions"`
	FieldMap            map[string]string `json:"field_map"` // external field -> local field

	PageName  string `json:"page_name"`
	FieldName string `json:"field_name"`
	RoleName  string `json:"role_name"`
}

// LoginPath returns the path the login page is served on.
func (c *OAuthConfig) LoginPath() string {
	return "/" + c.PageName + "/"
}

// Resource name defaults, mirroring the installed page/field/role triple.
const (
	DefaultPageName  = "login-facebook"
	DefaultFieldName = "facebook_id"
	DefaultRoleName  = "login-facebook"
)

// UpdateRequest represents a request to update a single setting.
type UpdateRequest struct {
	Value string `json:"value"`
}

// BulkUpdateRequest represents a request to update multiple settings.
type BulkUpdateRequest struct {
	Settings map[string]string `json:"settings"` // key -> value
}

// FacebookPermissions is the catalog of permission scopes that can be
// requested from the provider.
var FacebookPermissions = []string{
	"public_profile",
	"user_friends",
	"email",
	"user_about_me",
	"user_birthday",
	"user_education_history",
	"user_events",
	"user_hometown",
	"user_likes",
	"user_location",
	"user_photos",
	"user_posts",
	"user_relationships",
	"user_relationship_details",
	"user_religion_politics",
	"user_tagged_places",
	"user_videos",
	"user_website",
	"user_work_history",
}
