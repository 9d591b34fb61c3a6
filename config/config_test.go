package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetViper(t *testing.T) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
}

func TestLoad_Defaults(t *testing.T) {
	resetViper(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, DriverSQLite, cfg.DatabaseDriver)
	assert.Equal(t, "tuition.db", cfg.DatabasePath)
	assert.True(t, cfg.LateFeeJobEnabled)
	assert.Equal(t, "0 1 * * *", cfg.LateFeeJobSchedule)
	assert.False(t, cfg.IncludeDropped)
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins())
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
}

func TestLoad_FromEnvironment(t *testing.T) {
	resetViper(t)
	t.Setenv("PORT", "9090")
	t.Setenv("DATABASE_DRIVER", "Postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/tuition")
	t.Setenv("LATE_FEE_JOB_ENABLED", "false")
	t.Setenv("BILLING_INCLUDE_DROPPED", "true")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://registrar.example.edu, https://cashier.example.edu")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, DriverPostgres, cfg.DatabaseDriver)
	assert.Equal(t, "postgres://localhost/tuition", cfg.DatabaseURL)
	assert.False(t, cfg.LateFeeJobEnabled)
	assert.True(t, cfg.IncludeDropped)
	assert.Equal(t, []string{"https://registrar.example.edu", "https://cashier.example.edu"}, cfg.AllowedOrigins())
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "postgres without url", env: map[string]string{"DATABASE_DRIVER": "postgres"}},
		{name: "unknown driver", env: map[string]string{"DATABASE_DRIVER": "mysql"}},
		{name: "bad port", env: map[string]string{"PORT": "70000"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetViper(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	// GIVEN: A .env file setting LOG_LEVEL
	// WHEN: Loading it and then the config
	// THEN: The file's value is used
	resetViper(t)
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("LOG_LEVEL=warn\n"), 0o600))
	t.Setenv("LOG_LEVEL", "")
	os.Unsetenv("LOG_LEVEL")

	assert.True(t, LoadDotEnv(path))
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, cfg.SlogLevel())

	assert.False(t, LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")))
}
