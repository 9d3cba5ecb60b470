// Package config loads the presence service configuration in two stages:
// the embedded YAML file first, then environment overrides and validation.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"
)

const (
	RunModeLocal = "local"
	RunModeProd  = "prod"

	defaultGraceWindow  = 30 * time.Second
	defaultKeepAlive    = 30 * time.Second
	defaultSendBuffer   = 16
	defaultPageLimit    = 20
	defaultMaxPageLimit = 100
)

type PresenceConfig struct {
	GraceWindow       time.Duration `validate:"gt=0"`
	KeepAliveInterval time.Duration `validate:"gt=0"`
	SendBuffer        int           `validate:"gt=0"`
}

type NotificationsConfig struct {
	DefaultLimit int `validate:"gt=0,ltefield=MaxLimit"`
	MaxLimit     int `validate:"gt=0"`
}

// AppConfig is the canonical, validated configuration object used throughout the application.
// It is created by NewConfigFromYaml (Stage 1) and finalized by
// UpdateConfigWithEnvOverrides (Stage 2).
type AppConfig struct {
	ProjectID       string
	RunMode         string `validate:"oneof=local prod"`
	APIPort         string `validate:"required,numeric"`
	StreamPort      string `validate:"required,numeric,nefield=APIPort"`
	LogLevel        string `validate:"oneof=trace debug info warn error"`
	IdentityJWKSURL string `validate:"omitempty,url"`
	Presence        PresenceConfig
	Notifications   NotificationsConfig
	Persistence     YamlPersistenceConfig
	Directory       YamlDirectoryConfig
	Attendance      YamlAttendanceConfig
	AllowedOrigins  []string
}

// EnvOverrides lists every environment variable that may replace a YAML value.
// Unset variables leave the YAML value untouched.
type EnvOverrides struct {
	ProjectID       string        `envconfig:"GCP_PROJECT_ID"`
	RunMode         string        `envconfig:"RUN_MODE"`
	APIPort         string        `envconfig:"API_PORT"`
	StreamPort      string        `envconfig:"STREAM_PORT"`
	LogLevel        string        `envconfig:"LOG_LEVEL"`
	IdentityJWKSURL string        `envconfig:"IDENTITY_JWKS_URL"`
	GraceWindow     time.Duration `envconfig:"PRESENCE_GRACE_WINDOW"`
	SQLDSN          string        `envconfig:"SQL_DSN"`
	RedisAddr       string        `envconfig:"REDIS_ADDR"`
	NATSURL         string        `envconfig:"NATS_URL"`
	CorsOrigins     []string      `envconfig:"CORS_ALLOWED_ORIGINS"`
}

var validate = validator.New()

// UpdateConfigWithEnvOverrides takes the base configuration (created from YAML)
// and completes it by applying environment variables, defaults and final validation.
func UpdateConfigWithEnvOverrides(cfg *AppConfig, logger zerolog.Logger) (*AppConfig, error) {
	logger.Debug().Msg("Applying environment variable overrides...")

	var env EnvOverrides
	if err := envconfig.Process("", &env); err != nil {
		return nil, fmt.Errorf("failed to read environment overrides: %w", err)
	}

	override := func(key, value string, target *string) {
		if value == "" {
			return
		}
		logger.Debug().Str("key", key).Str("source", "env").Msg("Overriding config value")
		*target = value
	}
	override("GCP_PROJECT_ID", env.ProjectID, &cfg.ProjectID)
	override("RUN_MODE", env.RunMode, &cfg.RunMode)
	override("API_PORT", env.APIPort, &cfg.APIPort)
	override("STREAM_PORT", env.StreamPort, &cfg.StreamPort)
	override("LOG_LEVEL", env.LogLevel, &cfg.LogLevel)
	override("IDENTITY_JWKS_URL", env.IdentityJWKSURL, &cfg.IdentityJWKSURL)
	override("SQL_DSN", env.SQLDSN, &cfg.Persistence.SQL.DSN)
	override("REDIS_ADDR", env.RedisAddr, &cfg.Directory.Redis.Addr)
	override("NATS_URL", env.NATSURL, &cfg.Attendance.NATS.URL)

	if env.GraceWindow > 0 {
		logger.Debug().Str("key", "PRESENCE_GRACE_WINDOW").Str("source", "env").Msg("Overriding config value")
		cfg.Presence.GraceWindow = env.GraceWindow
	}
	if len(env.CorsOrigins) > 0 {
		logger.Debug().Str("key", "CORS_ALLOWED_ORIGINS").Str("source", "env").Msg("Overriding config value")
		var origins []string
		for _, o := range env.CorsOrigins {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
		cfg.AllowedOrigins = origins
	}

	applyDefaults(cfg)

	if err := validateConfig(cfg); err != nil {
		logger.Error().Err(err).Msg("Final config validation failed")
		return nil, err
	}

	logger.Debug().Msg("Configuration finalized and validated successfully")
	return cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.RunMode == "" {
		cfg.RunMode = RunModeProd
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Presence.GraceWindow == 0 {
		cfg.Presence.GraceWindow = defaultGraceWindow
	}
	if cfg.Presence.KeepAliveInterval == 0 {
		cfg.Presence.KeepAliveInterval = defaultKeepAlive
	}
	if cfg.Presence.SendBuffer == 0 {
		cfg.Presence.SendBuffer = defaultSendBuffer
	}
	if cfg.Notifications.DefaultLimit == 0 {
		cfg.Notifications.DefaultLimit = defaultPageLimit
	}
	if cfg.Notifications.MaxLimit == 0 {
		cfg.Notifications.MaxLimit = defaultMaxPageLimit
	}
	if cfg.Persistence.Type == "" {
		cfg.Persistence.Type = "sqlite"
	}
	if cfg.Directory.Type == "" {
		cfg.Directory.Type = "memory"
	}
	if cfg.Attendance.Type == "" {
		cfg.Attendance.Type = "log"
	}
}

// validateConfig runs the field rules and then the rules that depend on
// which backends are selected.
func validateConfig(cfg *AppConfig) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	var errs []error
	needsProject := cfg.Persistence.Type == "firestore" || cfg.Attendance.Type == "pubsub"
	if needsProject && cfg.ProjectID == "" {
		errs = append(errs, errors.New("GCP_PROJECT_ID is not set in config or env var"))
	}
	if cfg.RunMode == RunModeProd && cfg.IdentityJWKSURL == "" {
		errs = append(errs, errors.New("IDENTITY_JWKS_URL is not set in config or env var"))
	}
	switch cfg.Persistence.Type {
	case "firestore":
		if cfg.Persistence.Firestore.Collection == "" {
			errs = append(errs, errors.New("persistence type is firestore but no collection is configured"))
		}
	case "mysql", "sqlite":
		if cfg.Persistence.SQL.DSN == "" {
			errs = append(errs, fmt.Errorf("persistence type is %s but SQL_DSN is not set", cfg.Persistence.Type))
		}
	}
	if cfg.Directory.Type == "redis" && cfg.Directory.Redis.Addr == "" {
		errs = append(errs, errors.New("directory type is redis but REDIS_ADDR is not set"))
	}
	switch cfg.Attendance.Type {
	case "pubsub":
		if cfg.Attendance.PubSub.TopicID == "" {
			errs = append(errs, errors.New("attendance type is pubsub but no topic_id is configured"))
		}
	case "nats":
		if cfg.Attendance.NATS.URL == "" || cfg.Attendance.NATS.Subject == "" {
			errs = append(errs, errors.New("attendance type is nats but url or subject is not configured"))
		}
	}
	return errors.Join(errs...)
}
