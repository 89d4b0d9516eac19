// Package config loads the server's static configuration and serves the
// runtime settings stored in the vault database.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/org/pwsafe/internal/crypto"
)

// SMTP configures the e-mail notification sink.
type SMTP struct {
	Addr     string `yaml:"addr" env:"PWSAFE_SMTP_ADDR"`
	From     string `yaml:"from" env:"PWSAFE_SMTP_FROM"`
	Username string `yaml:"username" env:"PWSAFE_SMTP_USERNAME"`
	Password string `yaml:"password" env:"PWSAFE_SMTP_PASSWORD"`
}

// Server is the static configuration of cmd/server.
type Server struct {
	ListenAddr      string           `yaml:"listen_addr" env:"PWSAFE_LISTEN_ADDR"`
	TLSCertFile     string           `yaml:"tls_cert" env:"PWSAFE_TLS_CERT"`
	TLSKeyFile      string           `yaml:"tls_key" env:"PWSAFE_TLS_KEY"`
	DBUrl           string           `yaml:"db_url" env:"DATABASE_URL"`
	Storage         string           `yaml:"storage" env:"PWSAFE_STORAGE"` // "postgres" or "memory"
	UnsealThreshold int              `yaml:"unseal_threshold" env:"PWSAFE_UNSEAL_THRESHOLD"`
	UnsealShares    int              `yaml:"unseal_shares" env:"PWSAFE_UNSEAL_SHARES"`
	LogLevel        string           `yaml:"log_level" env:"PWSAFE_LOG_LEVEL"`
	AdminGroup      string           `yaml:"admin_group" env:"PWSAFE_ADMIN_GROUP"`
	SubAdminGroup   string           `yaml:"subadmin_group" env:"PWSAFE_SUBADMIN_GROUP"`
	SweepInterval   string           `yaml:"sweep_interval" env:"PWSAFE_SWEEP_INTERVAL"`
	RateLimit       int              `yaml:"rate_limit" env:"PWSAFE_RATE_LIMIT"`
	RateBurst       int              `yaml:"rate_burst" env:"PWSAFE_RATE_BURST"`
	KDF             crypto.KDFParams `yaml:"kdf"`
	SMTP            SMTP             `yaml:"smtp"`
}

// DefaultServer returns the built-in defaults.
func DefaultServer() Server {
	return Server{
		ListenAddr:      ":8200",
		Storage:         "postgres",
		UnsealThreshold: 3,
		UnsealShares:    5,
		LogLevel:        "info",
		AdminGroup:      "admins",
		SubAdminGroup:   "subadmins",
		SweepInterval:   "5m",
		KDF:             crypto.DefaultKDFParams,
	}
}

// LoadServer reads path (a missing file is not an error), then .env, then the
// environment. Later sources win.
func LoadServer(path string) (*Server, error) {
	cfg := DefaultServer()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	_ = godotenv.Load()
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	if cfg.Storage != "postgres" && cfg.Storage != "memory" {
		return nil, fmt.Errorf("unknown storage %q", cfg.Storage)
	}
	if cfg.Storage == "postgres" && cfg.DBUrl == "" {
		return nil, errors.New("db_url must be configured (or DATABASE_URL env var)")
	}
	if cfg.UnsealThreshold > cfg.UnsealShares {
		return nil, errors.New("unseal_threshold cannot exceed unseal_shares")
	}
	return &cfg, nil
}
