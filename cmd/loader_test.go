package cmd_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-presence-service/cmd"
	"github.com/tinywideclouds/go-presence-service/presenceservice/config"
)

func TestLoad_EmbeddedConfig(t *testing.T) {
	cfg, err := cmd.Load()
	require.NoError(t, err)

	assert.Equal(t, "prod", cfg.RunMode)
	assert.Equal(t, "8080", cfg.APIPort)
	assert.Equal(t, "8081", cfg.StreamPort)
	assert.Equal(t, 30*time.Second, cfg.Presence.GraceWindow)
	assert.Equal(t, "firestore", cfg.Persistence.Type)
	assert.Equal(t, "redis", cfg.Directory.Type)
	assert.Equal(t, "pubsub", cfg.Attendance.Type)
}

func TestLoadFrom_InvalidYaml(t *testing.T) {
	_, err := cmd.LoadFrom([]byte("api_port: [unclosed"))
	assert.Error(t, err)
}

func TestNewFakeDependencies(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg := &config.AppConfig{
		RunMode: config.RunModeLocal,
		Persistence: config.YamlPersistenceConfig{
			Type: "sqlite",
			SQL:  config.YamlSQLConfig{DSN: t.TempDir() + "/local.db"},
		},
	}
	deps, cleanup, err := cmd.NewFakeDependencies(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(cleanup)

	require.NotNil(t, deps.Persistence)
	require.NotNil(t, deps.Directory)
	require.NotNil(t, deps.Attendance)

	count, err := deps.Persistence.CountUnread(ctx, "nobody")
	require.NoError(t, err)
	assert.Zero(t, count)
}
