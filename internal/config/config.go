package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Addr        string
	DatabaseURL string
	AutoMigrate bool

	TemplatesFile     string
	ValidationBaseURL string

	GraderURL     string
	GraderTimeout time.Duration

	AuthKeysFile      string
	AuthIssuer        string
	AllowDevPrincipal bool
	AdminRole         string

	FanoutConcurrency int

	KafkaBrokers []string
	KafkaTopic   string
	S3Bucket     string
	S3Prefix     string

	StreamBatchSize      int
	StreamMaxConcurrency int
	StreamPollInterval   time.Duration
	StreamMaxAttempts    int
}

const (
	defaultAddr              = ":8071"
	defaultValidationBaseURL = "http://localhost:8071/v1/verify"
	defaultAdminRole         = "certificates:admin"
	defaultKafkaTopic        = "certificate-events"
	defaultGraderTimeout     = 10
	defaultFanout            = 4
	defaultStreamBatch       = 10
	defaultStreamConcurrency = 5
	defaultStreamPollSeconds = 3
	defaultStreamMaxAttempts = 10
)

// Load reads the process environment after merging a local .env file, if
// one exists. Variables already set in the environment win.
func Load() (Config, error) {
	envFile := getEnv("CERTIFICATION_ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load %s: %w", envFile, err)
	} else if err == nil {
		log.Printf("[config] loaded %s", envFile)
	}

	cfg := Config{
		Addr:                 getEnv("CERTIFICATION_ADDR", defaultAddr),
		DatabaseURL:          firstNonEmpty(os.Getenv("CERTIFICATION_DATABASE_URL"), os.Getenv("DATABASE_URL")),
		AutoMigrate:          getBool("CERTIFICATION_AUTO_MIGRATE", false),
		TemplatesFile:        os.Getenv("CERTIFICATION_TEMPLATES_FILE"),
		ValidationBaseURL:    getEnv("CERTIFICATION_VALIDATION_BASE_URL", defaultValidationBaseURL),
		GraderURL:            os.Getenv("CERTIFICATION_GRADER_URL"),
		GraderTimeout:        time.Duration(getInt("CERTIFICATION_GRADER_TIMEOUT_SECONDS", defaultGraderTimeout)) * time.Second,
		AuthKeysFile:         os.Getenv("CERTIFICATION_AUTH_KEYS_FILE"),
		AuthIssuer:           os.Getenv("CERTIFICATION_AUTH_ISSUER"),
		AllowDevPrincipal:    getBool("CERTIFICATION_ALLOW_DEV_PRINCIPAL", false),
		AdminRole:            getEnv("CERTIFICATION_ADMIN_ROLE", defaultAdminRole),
		FanoutConcurrency:    getInt("CERTIFICATION_FANOUT_CONCURRENCY", defaultFanout),
		KafkaBrokers:         parseCSV(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:           getEnv("KAFKA_TOPIC", defaultKafkaTopic),
		S3Bucket:             os.Getenv("S3_BUCKET"),
		S3Prefix:             os.Getenv("S3_PREFIX"),
		StreamBatchSize:      getInt("STREAM_BATCH_SIZE", defaultStreamBatch),
		StreamMaxConcurrency: getInt("STREAM_MAX_CONCURRENCY", defaultStreamConcurrency),
		StreamPollInterval:   time.Duration(getInt("STREAM_POLL_INTERVAL_SECONDS", defaultStreamPollSeconds)) * time.Second,
		StreamMaxAttempts:    getInt("STREAM_MAX_ATTEMPTS", defaultStreamMaxAttempts),
	}
	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL or CERTIFICATION_DATABASE_URL required")
	}
	if cfg.AuthKeysFile == "" && !cfg.AllowDevPrincipal {
		return Config{}, fmt.Errorf("CERTIFICATION_AUTH_KEYS_FILE required unless CERTIFICATION_ALLOW_DEV_PRINCIPAL is set")
	}
	// Without a grader the service would trust learner-supplied scores.
	if cfg.GraderURL == "" && !cfg.AllowDevPrincipal {
		return Config{}, fmt.Errorf("CERTIFICATION_GRADER_URL required unless CERTIFICATION_ALLOW_DEV_PRINCIPAL is set")
	}
	return cfg, nil
}

// StreamingEnabled reports whether either outbox leg is configured.
func (c Config) StreamingEnabled() bool {
	return len(c.KafkaBrokers) > 0 || c.S3Bucket != ""
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func getInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return fallback
}

func parseCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}
