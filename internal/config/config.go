// Package config loads service configuration from the environment.
//
// Everything comes from environment variables; a .env file in the working
// directory is honored when present. There is no runtime config file and no
// reloading: a missing or malformed value fails startup so operators see the
// problem immediately.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Defaults applied when the corresponding variable is unset.
const (
	DefaultHost              = "127.0.0.1"
	DefaultPort              = 3000
	DefaultDatabasePath      = "paycheck.db"
	DefaultAuditDatabasePath = "paycheck_audit.db"
	DefaultAuditRetention    = 90
	DefaultPurgeRetention    = 30
	DefaultEmailFrom         = "licenses@paycheck.dev"
)

// Config holds all service configuration.
type Config struct {
	Host string
	Port int

	DatabasePath      string
	AuditDatabasePath string

	// BaseURL is the externally visible origin used to build checkout
	// callback and cancel URLs. Defaults to http://Host:Port.
	BaseURL string

	// MasterKey is the decoded MASTER_KEY. All tenant secrets are
	// envelope-encrypted under it.
	MasterKey []byte

	// BootstrapOperatorEmail seeds the first operator account when the
	// operators table is empty.
	BootstrapOperatorEmail string

	// DevMode unlocks the /dev endpoints (PAYCHECK_ENV=dev|development).
	DevMode bool

	AuditLogEnabled    bool
	AuditRetentionDays int

	// PurgeRetentionDays is how long soft-deleted rows are kept before the
	// background purge hard-deletes them.
	PurgeRetentionDays int

	// ResendAPIKey is the system-level fallback for organizations without
	// their own email key.
	ResendAPIKey string
	EmailFrom    string

	LogLevel string
}

// Load reads configuration from the environment. All problems are collected
// so a misconfigured deployment reports everything at once.
func Load() (*Config, error) {
	// Best-effort: absence of a .env file is the normal production case.
	_ = godotenv.Load()

	cfg := &Config{
		Host:               DefaultHost,
		Port:               DefaultPort,
		DatabasePath:       DefaultDatabasePath,
		AuditDatabasePath:  DefaultAuditDatabasePath,
		AuditLogEnabled:    true,
		AuditRetentionDays: DefaultAuditRetention,
		PurgeRetentionDays: DefaultPurgeRetention,
		EmailFrom:          DefaultEmailFrom,
		LogLevel:           "info",
	}

	var problems []error

	if val := os.Getenv("HOST"); val != "" {
		cfg.Host = val
	}
	if val := os.Getenv("PORT"); val != "" {
		port, err := strconv.Atoi(val)
		if err != nil || port < 1 || port > 65535 {
			problems = append(problems, fmt.Errorf("PORT must be 1-65535, got %q", val))
		} else {
			cfg.Port = port
		}
	}
	if val := os.Getenv("DATABASE_PATH"); val != "" {
		cfg.DatabasePath = val
	}
	if val := os.Getenv("AUDIT_DATABASE_PATH"); val != "" {
		cfg.AuditDatabasePath = val
	}
	if val := os.Getenv("BASE_URL"); val != "" {
		cfg.BaseURL = strings.TrimRight(val, "/")
	}
	if val := os.Getenv("BOOTSTRAP_OPERATOR_EMAIL"); val != "" {
		cfg.BootstrapOperatorEmail = strings.TrimSpace(val)
	}
	switch strings.ToLower(os.Getenv("PAYCHECK_ENV")) {
	case "dev", "development":
		cfg.DevMode = true
	}
	if val := os.Getenv("AUDIT_LOG_ENABLED"); val != "" {
		cfg.AuditLogEnabled = val != "false" && val != "0"
	}
	if val := os.Getenv("AUDIT_LOG_RETENTION_DAYS"); val != "" {
		days, err := strconv.Atoi(val)
		if err != nil || days < 0 {
			problems = append(problems, fmt.Errorf("AUDIT_LOG_RETENTION_DAYS must be a non-negative integer, got %q", val))
		} else {
			cfg.AuditRetentionDays = days
		}
	}
	if val := os.Getenv("SOFT_DELETE_RETENTION_DAYS"); val != "" {
		days, err := strconv.Atoi(val)
		if err != nil || days < 0 {
			problems = append(problems, fmt.Errorf("SOFT_DELETE_RETENTION_DAYS must be a non-negative integer, got %q", val))
		} else {
			cfg.PurgeRetentionDays = days
		}
	}
	cfg.ResendAPIKey = os.Getenv("RESEND_API_KEY")
	if val := os.Getenv("EMAIL_FROM"); val != "" {
		cfg.EmailFrom = val
	}
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		cfg.LogLevel = strings.ToLower(val)
	}

	if key, err := loadMasterKey(); err != nil {
		problems = append(problems, err)
	} else {
		cfg.MasterKey = key
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://" + cfg.Addr()
	}

	if len(problems) > 0 {
		return nil, errors.Join(problems...)
	}
	return cfg, nil
}

func loadMasterKey() ([]byte, error) {
	encoded := os.Getenv("MASTER_KEY")
	if encoded == "" {
		return nil, fmt.Errorf("MASTER_KEY is required (base64-encoded 32 bytes)")
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("MASTER_KEY is not valid base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("MASTER_KEY must decode to exactly 32 bytes, got %d", len(key))
	}
	return key, nil
}

// Addr returns the host:port the HTTP server binds.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
