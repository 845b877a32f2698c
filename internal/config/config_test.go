package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("CERTIFICATION_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("CERTIFICATION_DATABASE_URL", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("CERTIFICATION_AUTH_KEYS_FILE", "")
	t.Setenv("CERTIFICATION_ALLOW_DEV_PRINCIPAL", "")
	t.Setenv("CERTIFICATION_GRADER_URL", "")
	t.Setenv("KAFKA_BROKERS", "")
	t.Setenv("S3_BUCKET", "")
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/certs")
	t.Setenv("CERTIFICATION_ALLOW_DEV_PRINCIPAL", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8071", cfg.Addr)
	assert.Equal(t, "postgres://localhost/certs", cfg.DatabaseURL)
	assert.Equal(t, 10*time.Second, cfg.GraderTimeout)
	assert.Equal(t, 4, cfg.FanoutConcurrency)
	assert.Equal(t, "certificates:admin", cfg.AdminRole)
	assert.False(t, cfg.StreamingEnabled())
}

func TestLoadOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("DATABASE_URL", "postgres://fallback")
	t.Setenv("CERTIFICATION_DATABASE_URL", "postgres://primary")
	t.Setenv("CERTIFICATION_AUTH_KEYS_FILE", "/etc/keys.pem")
	t.Setenv("CERTIFICATION_GRADER_URL", "http://grader:8080")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("STREAM_POLL_INTERVAL_SECONDS", "7")
	t.Setenv("STREAM_MAX_ATTEMPTS", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://primary", cfg.DatabaseURL)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 7*time.Second, cfg.StreamPollInterval)
	assert.Equal(t, 10, cfg.StreamMaxAttempts)
	assert.True(t, cfg.StreamingEnabled())
}

func TestLoadRequiresDatabaseAndAuth(t *testing.T) {
	isolate(t)
	_, err := Load()
	assert.ErrorContains(t, err, "DATABASE_URL")

	t.Setenv("DATABASE_URL", "postgres://localhost/certs")
	_, err = Load()
	assert.ErrorContains(t, err, "CERTIFICATION_AUTH_KEYS_FILE")
}

func TestLoadRequiresGraderOutsideDev(t *testing.T) {
	isolate(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/certs")
	t.Setenv("CERTIFICATION_AUTH_KEYS_FILE", "/etc/keys.pem")

	_, err := Load()
	assert.ErrorContains(t, err, "CERTIFICATION_GRADER_URL")

	t.Setenv("CERTIFICATION_ALLOW_DEV_PRINCIPAL", "true")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Empty(t, cfg.GraderURL)

	t.Setenv("CERTIFICATION_ALLOW_DEV_PRINCIPAL", "")
	t.Setenv("CERTIFICATION_GRADER_URL", "http://grader:8080")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, "http://grader:8080", cfg.GraderURL)
}

func TestLoadReadsDotEnv(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("S3_PREFIX=from-dotenv\n"), 0o600))
	t.Setenv("CERTIFICATION_ENV_FILE", path)
	t.Setenv("DATABASE_URL", "postgres://localhost/certs")
	t.Setenv("CERTIFICATION_ALLOW_DEV_PRINCIPAL", "1")
	prev, had := os.LookupEnv("S3_PREFIX")
	require.NoError(t, os.Unsetenv("S3_PREFIX"))
	t.Cleanup(func() {
		if had {
			os.Setenv("S3_PREFIX", prev)
		} else {
			os.Unsetenv("S3_PREFIX")
		}
	})

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.S3Prefix)
	assert.True(t, cfg.AllowDevPrincipal)
}
