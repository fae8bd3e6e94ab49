package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"`
	LogLevel    string `koanf:"log_level"`

	Server   Server   `koanf:"server"`
	Redis    Redis    `koanf:"redis"`
	Postgres Postgres `koanf:"postgres"`

	Auth      Auth      `koanf:"auth"`
	Quota     Quota     `koanf:"quota"`
	Risk      Risk      `koanf:"risk"`
	Confirm   Confirm   `koanf:"confirm"`
	Telemetry Telemetry `koanf:"telemetry"`
}

type Server struct {
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type Redis struct {
	Address  string `koanf:"address"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

type Postgres struct {
	URL             string        `koanf:"url"`
	MaxConns        int           `koanf:"max_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
}

// Auth configures the two token schemes. The schemes are deliberately
// separate blocks: they must never share a secret or issuer.
type Auth struct {
	User  Scheme `koanf:"user"`
	Admin Scheme `koanf:"admin"`

	// AllowLegacyUserID enables the plain userId parameter fallback for
	// tokenless internal callers. Off by default; the fallback is an
	// internal-trust escape hatch, not a general mechanism.
	AllowLegacyUserID bool `koanf:"allow_legacy_user_id"`

	// Login attempt throttling, per account identifier.
	LoginAttemptLimit  int           `koanf:"login_attempt_limit"`
	LoginAttemptWindow time.Duration `koanf:"login_attempt_window"`
}

type Scheme struct {
	Secret        string        `koanf:"secret"`
	Issuer        string        `koanf:"issuer"`
	TokenExpiry   time.Duration `koanf:"token_expiry"`
	RefreshExpiry time.Duration `koanf:"refresh_expiry"`
}

type Quota struct {
	// Limits maps quota type name to the per-period limit. -1 means
	// unlimited.
	Limits map[string]int64 `koanf:"limits"`
	Period time.Duration    `koanf:"period"`
}

type Risk struct {
	AlertThreshold     int      `koanf:"alert_threshold"`
	BatchSizeThreshold int      `koanf:"batch_size_threshold"`
	SuspiciousIPs      []string `koanf:"suspicious_ips"`
}

type Confirm struct {
	DefaultTimeout time.Duration `koanf:"default_timeout"`
}

type Telemetry struct {
	Enabled       bool          `koanf:"enabled"`
	OTLPEndpoint  string        `koanf:"otlp_endpoint"`
	SamplingRate  float64       `koanf:"sampling_rate"`
	ExportTimeout time.Duration `koanf:"export_timeout"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := &Config{
		Version:     "dev",
		Environment: "development",
		LogLevel:    "info",
		Server: Server{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Redis: Redis{
			Address: "localhost:6379",
		},
		Postgres: Postgres{
			MaxConns:        25,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Auth: Auth{
			User: Scheme{
				Issuer:        "assistant-gateway",
				TokenExpiry:   15 * time.Minute,
				RefreshExpiry: 30 * 24 * time.Hour,
			},
			Admin: Scheme{
				Issuer:        "assistant-gateway-admin",
				TokenExpiry:   15 * time.Minute,
				RefreshExpiry: 7 * 24 * time.Hour,
			},
			LoginAttemptLimit:  10,
			LoginAttemptWindow: 15 * time.Minute,
		},
		Quota: Quota{
			Limits: map[string]int64{
				"ai_calls":        1000,
				"tokens":          -1,
				"storage_bytes":   10 << 30,
				"skill_execution": 500,
			},
			Period: 24 * time.Hour,
		},
		Risk: Risk{
			AlertThreshold:     70,
			BatchSizeThreshold: 50,
		},
		Confirm: Confirm{
			DefaultTimeout: 60 * time.Second,
		},
		Telemetry: Telemetry{
			OTLPEndpoint:  "localhost:4317",
			SamplingRate:  1.0,
			ExportTimeout: 30 * time.Second,
		},
	}

	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Environment variables override everything: AGW_SERVER_PORT etc.
	if err := k.Load(env.Provider("AGW_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "AGW_")), "_", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration that cannot be defaulted.
func (c *Config) Validate() error {
	if c.Auth.User.Secret == "" || c.Auth.Admin.Secret == "" {
		return fmt.Errorf("auth scheme secrets must be configured")
	}
	if c.Auth.User.Secret == c.Auth.Admin.Secret {
		return fmt.Errorf("user and admin schemes must not share a secret")
	}
	if c.Auth.User.Issuer == c.Auth.Admin.Issuer {
		return fmt.Errorf("user and admin schemes must not share an issuer")
	}
	return nil
}
