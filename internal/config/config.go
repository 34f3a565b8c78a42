// Package config handles loading and validating the application
// configuration from a ddpd.json file.
//
// The configuration file is expected to be a JSON object with database
// connection details, the HTTP listen address, the NOTIFY channel name,
// and an admin key doubling as the bootstrap superuser bypass token.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
)

// Config holds all application configuration loaded from ddpd.json.
// The file is read once at startup; changes require a restart.
type Config struct {
	// DBConn is the PostgreSQL host:port (e.g., "infra-postgres:5432").
	DBConn string `json:"dbConn"`

	// DBName is the PostgreSQL database name.
	DBName string `json:"dbName"`

	// DBUser is the PostgreSQL username.
	DBUser string `json:"dbUser"`

	// DBPass is the PostgreSQL password.
	DBPass string `json:"dbPass"`

	// ListenAddr is the HTTP listen address (default ":3000").
	ListenAddr string `json:"listenAddr"`

	// AdminKey is a shared secret. Presenting it as a login token grants
	// a superuser identity, which collections may honor via their
	// always-allow-superusers option.
	AdminKey string `json:"adminKey"`

	// JWTSecret is the HMAC key used to validate bearer tokens presented
	// to the login method. Token issuance happens outside this process.
	JWTSecret string `json:"jwtSecret"`

	// NotifyChannel is the LISTEN/NOTIFY channel carrying routed change
	// payloads between server processes (default "ddp").
	NotifyChannel string `json:"notifyChannel,omitempty"`

	// Debug enables textual stack traces in the details field of
	// internal-error frames. Never enable in production.
	Debug bool `json:"debug,omitempty"`
}

// Load reads and parses configuration from the given file path.
// It returns an error if the file cannot be read, parsed, or is missing
// required fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":3000"
	}
	if cfg.NotifyChannel == "" {
		cfg.NotifyChannel = "ddp"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validate checks that all required fields are present.
func (c *Config) validate() error {
	switch {
	case c.DBConn == "":
		return fmt.Errorf("config: dbConn is required")
	case c.DBName == "":
		return fmt.Errorf("config: dbName is required")
	case c.DBUser == "":
		return fmt.Errorf("config: dbUser is required")
	case c.DBPass == "":
		return fmt.Errorf("config: dbPass is required")
	case c.AdminKey == "":
		return fmt.Errorf("config: adminKey is required")
	case c.JWTSecret == "":
		return fmt.Errorf("config: jwtSecret is required")
	}
	return nil
}

// ConnString builds a PostgreSQL connection URI from the config fields.
// The password is URL-encoded to handle special characters safely.
func (c *Config) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable",
		url.QueryEscape(c.DBUser),
		url.QueryEscape(c.DBPass),
		c.DBConn,
		url.QueryEscape(c.DBName),
	)
}
