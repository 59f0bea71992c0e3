// Package config loads heartreel settings. Values are layered: built-in
// defaults, then an optional YAML file, then HEARTREEL_* environment
// variables. Command-line flags are applied on top by the commands.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const envPrefix = "HEARTREEL_"

// Storage backends accepted by Server.Storage.
const (
	StorageBbolt    = "bbolt"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Server configures `heartreel server`.
type Server struct {
	Addr            string        `yaml:"addr" env:"ADDR"`
	DataDir         string        `yaml:"data_dir" env:"DATA_DIR"`
	Storage         string        `yaml:"storage" env:"STORAGE"`
	PostgresDSN     string        `yaml:"postgres_dsn" env:"POSTGRES_DSN"`
	TLSCert         string        `yaml:"tls_cert" env:"TLS_CERT"`
	TLSKey          string        `yaml:"tls_key" env:"TLS_KEY"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`

	// TokenSecret signs access tokens. When empty a random secret is
	// generated at startup and sessions do not survive a restart.
	TokenSecret        string        `yaml:"token_secret" env:"TOKEN_SECRET"`
	TokenTTL           time.Duration `yaml:"token_ttl" env:"TOKEN_TTL"`
	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout" env:"SESSION_IDLE_TIMEOUT"`
	KDFProfile         string        `yaml:"kdf_profile" env:"KDF_PROFILE"`
	TrustedProxies     []string      `yaml:"trusted_proxies" env:"TRUSTED_PROXIES" envSeparator:","`
	RateLimitSweep     time.Duration `yaml:"rate_limit_sweep" env:"RATE_LIMIT_SWEEP"`

	ResendAPIKey string `yaml:"resend_api_key" env:"RESEND_API_KEY"`
	MailFrom     string `yaml:"mail_from" env:"MAIL_FROM"`
	ResetURL     string `yaml:"reset_url" env:"RESET_URL"`

	AlertWebhookURL  string `yaml:"alert_webhook_url" env:"ALERT_WEBHOOK_URL"`
	AlertWebhookAuth string `yaml:"alert_webhook_auth" env:"ALERT_WEBHOOK_AUTH"`
}

// Client configures `heartreel browse` and `heartreel resolve`.
type Client struct {
	// ServerURL is the backend base URL. Empty runs the viewer
	// unconfigured: only the landing and demo views work.
	ServerURL string        `yaml:"server_url" env:"SERVER_URL"`
	StatePath string        `yaml:"state_path" env:"STATE_PATH"`
	Timeout   time.Duration `yaml:"timeout" env:"TIMEOUT"`
	LogLevel  string        `yaml:"log_level" env:"LOG_LEVEL"`
}

type file struct {
	Server Server `yaml:"server"`
	Client Client `yaml:"client"`
}

func DefaultServer() Server {
	return Server{
		Addr:               ":8080",
		DataDir:            "./data",
		Storage:            StorageBbolt,
		ShutdownTimeout:    10 * time.Second,
		TokenTTL:           24 * time.Hour,
		SessionIdleTimeout: 7 * 24 * time.Hour,
		KDFProfile:         "moderate",
		RateLimitSweep:     5 * time.Minute,
		MailFrom:           "heartreel <no-reply@heartreel.local>",
		ResetURL:           "http://localhost:8080/reset-password",
	}
}

func DefaultClient() Client {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return Client{
		ServerURL: "http://localhost:8080",
		StatePath: filepath.Join(dir, "heartreel", "state.db"),
		Timeout:   15 * time.Second,
		LogLevel:  "warn",
	}
}

func load(path string, f *file) error {
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(raw, f); err != nil {
			return fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	return nil
}

// LoadServer returns the server settings from defaults, the YAML file at
// path (optional) and the environment.
func LoadServer(path string) (Server, error) {
	f := file{Server: DefaultServer(), Client: DefaultClient()}
	if err := load(path, &f); err != nil {
		return Server{}, err
	}
	if err := env.ParseWithOptions(&f.Server, env.Options{Prefix: envPrefix}); err != nil {
		return Server{}, fmt.Errorf("parsing environment: %w", err)
	}
	return f.Server, nil
}

// LoadClient is LoadServer for the viewer settings.
func LoadClient(path string) (Client, error) {
	f := file{Server: DefaultServer(), Client: DefaultClient()}
	if err := load(path, &f); err != nil {
		return Client{}, err
	}
	if err := env.ParseWithOptions(&f.Client, env.Options{Prefix: envPrefix}); err != nil {
		return Client{}, fmt.Errorf("parsing environment: %w", err)
	}
	return f.Client, nil
}

// Validate checks settings that cannot be defaulted.
func (s Server) Validate() error {
	var errs []error
	switch s.Storage {
	case StorageBbolt, StorageSQLite, StorageMemory:
	case StoragePostgres:
		if s.PostgresDSN == "" {
			errs = append(errs, errors.New("postgres storage requires postgres_dsn"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage %q", s.Storage))
	}
	if (s.TLSCert == "") != (s.TLSKey == "") {
		errs = append(errs, errors.New("tls_cert and tls_key must be set together"))
	}
	if s.TokenSecret != "" && len(s.TokenSecret) < 32 {
		errs = append(errs, errors.New("token_secret must be at least 32 bytes"))
	}
	if s.TokenTTL <= 0 {
		errs = append(errs, errors.New("token_ttl must be positive"))
	}
	if s.RateLimitSweep <= 0 {
		errs = append(errs, errors.New("rate_limit_sweep must be positive"))
	}
	return errors.Join(errs...)
}

// Level parses LogLevel, defaulting to warn.
func (c Client) Level() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return slog.LevelWarn
	}
	return l
}
