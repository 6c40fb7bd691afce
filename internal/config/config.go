package config

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config holds all process configuration for LoginBridge.
type Config struct {
	// Server configuration
	Listen   string `mapstructure:"listen"`
	DataDir  string `mapstructure:"data_dir"`
	LogLevel string `mapstructure:"log_level"`

	// PublicURL is the externally visible base URL; the OAuth redirect URI
	// registered at the provider is PublicURL + the login path.
	PublicURL string `mapstructure:"public_url"`

	// TLS configuration
	EnableTLS bool   `mapstructure:"enable_tls"`
	CertFile  string `mapstructure:"cert_file"`
	KeyFile   string `mapstructure:"key_file"`

	// Auth configuration
	Auth AuthConfig `mapstructure:"auth"`

	// Metrics configuration
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Audit configuration
	Audit AuditConfig `mapstructure:"audit"`
}

// AuthConfig defines host-session and admin API authentication.
type AuthConfig struct {
	// JWTSecret signs host-session tokens. Generated per process when
	// empty, which invalidates sessions across restarts.
	JWTSecret string `mapstructure:"jwt_secret"`

	// AdminToken guards the settings and installer endpoints. Empty
	// disables the admin API.
	AdminToken string `mapstructure:"admin_token"`

	// AdminOrigin is the single origin allowed cross-origin access to the
	// admin API. Empty keeps it same-origin only.
	AdminOrigin string `mapstructure:"admin_origin"`

	// SessionTTLMinutes bounds both the browser session and the JWT.
	SessionTTLMinutes int `mapstructure:"session_ttl_minutes"`
}

// MetricsConfig defines metrics exposure.
type MetricsConfig struct {
	Enable bool   `mapstructure:"enable"`
	Path   string `mapstructure:"path"`
}

// AuditConfig defines audit trail retention.
type AuditConfig struct {
	RetentionDays int `mapstructure:"retention_days"`
}

// Load loads configuration from flags, an optional config file, and
// LOGINBRIDGE_* environment variables, in that order of precedence.
func Load(cmd *cobra.Command) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if err := bindFlags(cmd, v); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	if configFile, _ := cmd.Flags().GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("LOGINBRIDGE")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":8080")
	// No default for data_dir, it must be explicitly configured.
	v.SetDefault("log_level", "info")
	v.SetDefault("public_url", "http://localhost:8080")

	v.SetDefault("enable_tls", false)

	v.SetDefault("auth.session_ttl_minutes", 24*60)

	v.SetDefault("metrics.enable", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("audit.retention_days", 90)
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	flags := map[string]string{
		"listen":      "listen",
		"data-dir":    "data_dir",
		"log-level":   "log_level",
		"public-url":  "public_url",
		"enable-tls":  "enable_tls",
		"tls-cert":    "cert_file",
		"tls-key":     "key_file",
		"admin-token": "auth.admin_token",
	}

	for flag, key := range flags {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}

	return nil
}

func validate(cfg *Config) error {
	if cfg.DataDir == "" {
		return fmt.Errorf("data_dir is required: specify via --data-dir flag, config file, or LOGINBRIDGE_DATA_DIR environment variable")
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	if cfg.EnableTLS {
		if cfg.CertFile == "" || cfg.KeyFile == "" {
			return fmt.Errorf("TLS enabled but cert-file or key-file not specified")
		}
	}

	if cfg.Auth.SessionTTLMinutes <= 0 {
		cfg.Auth.SessionTTLMinutes = 24 * 60
	}

	if cfg.Auth.JWTSecret == "" {
		secret, err := randomSecret(32)
		if err != nil {
			return fmt.Errorf("failed to generate jwt secret: %w", err)
		}
		cfg.Auth.JWTSecret = secret
	}

	return nil
}

func randomSecret(length int) (string, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
