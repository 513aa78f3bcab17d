package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.AppAddr)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, "Europe/Lisbon", cfg.Timezone)
	assert.Equal(t, 30*time.Second, cfg.CloseLockTTL)
	assert.False(t, cfg.AllowClosingDelete)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.CORSOrigins)
	assert.False(t, cfg.IsProduction())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("DB_DRIVER", "postgres")
	t.Setenv("ALLOW_CLOSING_DELETE", "true")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("APP_ENV", "production")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.DBDriver)
	assert.True(t, cfg.AllowClosingDelete)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.IsProduction())
}

func TestLoad_MissingSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")

	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := Config{JWTSecret: "s", DBDriver: "sqlite", CloseRateLimit: 1, Timezone: "UTC"}
	require.NoError(t, base.Validate())

	bad := base
	bad.DBDriver = "mysql"
	assert.ErrorContains(t, bad.Validate(), "DB_DRIVER")

	bad = base
	bad.Timezone = "Mars/Olympus"
	assert.ErrorContains(t, bad.Validate(), "TIMEZONE")

	bad = base
	bad.CloseRateLimit = 0
	assert.Error(t, bad.Validate())
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warning"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
}
