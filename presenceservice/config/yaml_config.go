package config

import (
	"fmt"
	"time"
)

// --- YAML-Specific Structs ---

type YamlRedisConfig struct {
	Addr string `yaml:"addr"`
}

type YamlPresenceConfig struct {
	GraceWindow       string `yaml:"grace_window"`
	KeepAliveInterval string `yaml:"keepalive_interval"`
	SendBuffer        int    `yaml:"send_buffer"`
}

type YamlNotificationsConfig struct {
	DefaultLimit int `yaml:"default_limit"`
	MaxLimit     int `yaml:"max_limit"`
}

type YamlFirestoreConfig struct {
	Collection string `yaml:"collection"`
}

type YamlSQLConfig struct {
	DSN string `yaml:"dsn"`
}

type YamlPersistenceConfig struct {
	Type      string              `yaml:"type" validate:"oneof=firestore mysql sqlite"`
	Firestore YamlFirestoreConfig `yaml:"firestore"`
	SQL       YamlSQLConfig       `yaml:"sql"`
}

type YamlDirectoryConfig struct {
	Type  string          `yaml:"type" validate:"oneof=redis memory"`
	Redis YamlRedisConfig `yaml:"redis"`
}

type YamlPubSubConfig struct {
	TopicID string `yaml:"topic_id"`
}

type YamlNATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

type YamlAttendanceConfig struct {
	Type   string           `yaml:"type" validate:"oneof=pubsub nats log"`
	PubSub YamlPubSubConfig `yaml:"pubsub"`
	NATS   YamlNATSConfig   `yaml:"nats"`
}

type YamlCorsConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// YamlConfig defines the structure for unmarshaling the embedded config.yaml file.
type YamlConfig struct {
	ProjectID       string                  `yaml:"project_id"`
	RunMode         string                  `yaml:"run_mode"`
	APIPort         string                  `yaml:"api_port"`
	StreamPort      string                  `yaml:"stream_port"`
	LogLevel        string                  `yaml:"log_level"`
	IdentityJWKSURL string                  `yaml:"identity_jwks_url"`
	Presence        YamlPresenceConfig      `yaml:"presence"`
	Notifications   YamlNotificationsConfig `yaml:"notifications"`
	Persistence     YamlPersistenceConfig   `yaml:"persistence"`
	Directory       YamlDirectoryConfig     `yaml:"directory"`
	Attendance      YamlAttendanceConfig    `yaml:"attendance"`
	Cors            YamlCorsConfig          `yaml:"cors"`
}

// --- Stage 1 Function ---

// NewConfigFromYaml converts the raw unmarshaled data into a base AppConfig.
// Durations are parsed here; everything else maps 1:1. Environment
// overrides are applied later by UpdateConfigWithEnvOverrides.
func NewConfigFromYaml(yamlCfg *YamlConfig) (*AppConfig, error) {
	grace, err := parseDuration("presence.grace_window", yamlCfg.Presence.GraceWindow)
	if err != nil {
		return nil, err
	}
	keepAlive, err := parseDuration("presence.keepalive_interval", yamlCfg.Presence.KeepAliveInterval)
	if err != nil {
		return nil, err
	}

	return &AppConfig{
		ProjectID:       yamlCfg.ProjectID,
		RunMode:         yamlCfg.RunMode,
		APIPort:         yamlCfg.APIPort,
		StreamPort:      yamlCfg.StreamPort,
		LogLevel:        yamlCfg.LogLevel,
		IdentityJWKSURL: yamlCfg.IdentityJWKSURL,
		Presence: PresenceConfig{
			GraceWindow:       grace,
			KeepAliveInterval: keepAlive,
			SendBuffer:        yamlCfg.Presence.SendBuffer,
		},
		Notifications: NotificationsConfig{
			DefaultLimit: yamlCfg.Notifications.DefaultLimit,
			MaxLimit:     yamlCfg.Notifications.MaxLimit,
		},
		Persistence:    yamlCfg.Persistence,
		Directory:      yamlCfg.Directory,
		Attendance:     yamlCfg.Attendance,
		AllowedOrigins: yamlCfg.Cors.AllowedOrigins,
	}, nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}
