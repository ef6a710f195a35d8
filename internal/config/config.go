// Package config loads the control plane's configuration from the
// environment, following the same getEnv/getEnvInt convention the teacher
// uses in its main.go. An optional YAML file can override anything loaded
// from the environment.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kcenon/osxfleet/internal/compliance"
	"github.com/kcenon/osxfleet/internal/distribution"
	"github.com/kcenon/osxfleet/internal/heartbeat"
	"github.com/kcenon/osxfleet/internal/jwtauth"
	"github.com/kcenon/osxfleet/internal/registration"
	"github.com/kcenon/osxfleet/internal/registry"
)

// Config is the full, assembled configuration for a control plane process.
type Config struct {
	ListenAddr string

	JWT jwtauth.Config

	Registry      registry.Config
	Registration  registration.Config
	Heartbeat     heartbeat.Config
	Distribution  distribution.Config
	Compliance    compliance.Config

	StorageBackend string // "memory" | "postgres"
	Postgres       PostgresEnvConfig

	EventBackend string // "memory" | "nats"
	NATSURL      string

	RateLimitEnabled           bool
	RateLimitRequestsPerSecond float64
	RateLimitBurst             int

	RedisURL string // optional, backs the JWT revocation set when set

	LogLevel  string
	LogPretty bool
}

// PostgresEnvConfig mirrors storage.PostgresConfig but is populated purely
// from the environment, keeping the storage package free of os.Getenv
// calls.
type PostgresEnvConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true"
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// Load assembles Config from environment variables, applying the
// specification's stated defaults wherever an override is absent.
func Load() Config {
	jwtCfg := jwtauth.DefaultConfig(getEnv("JWT_SECRET", "change-me-in-production"), getEnv("JWT_ISSUER", "osxfleet"))
	jwtCfg.Audience = getEnv("JWT_AUDIENCE", "")
	jwtCfg.AccessTTL = getEnvDuration("JWT_ACCESS_TTL", jwtCfg.AccessTTL)
	jwtCfg.RefreshTTL = getEnvDuration("JWT_REFRESH_TTL", jwtCfg.RefreshTTL)
	jwtCfg.MaxRevoked = getEnvInt("JWT_MAX_REVOKED", jwtCfg.MaxRevoked)

	distCfg := distribution.DefaultConfig()
	distCfg.MaxConcurrentDistributions = getEnvInt("DISTRIBUTION_MAX_CONCURRENT", distCfg.MaxConcurrentDistributions)
	distCfg.AcknowledgementTimeout = getEnvDuration("DISTRIBUTION_ACK_TIMEOUT", distCfg.AcknowledgementTimeout)
	distCfg.MinimumSuccessRate = getEnvFloat("DISTRIBUTION_MIN_SUCCESS_RATE", distCfg.MinimumSuccessRate)
	distCfg.MaxRetryAttempts = getEnvInt("DISTRIBUTION_MAX_RETRIES", distCfg.MaxRetryAttempts)
	distCfg.HistoryCapacity = getEnvInt("DISTRIBUTION_HISTORY_CAPACITY", distCfg.HistoryCapacity)

	complianceCfg := compliance.DefaultConfig()
	complianceCfg.Weights = compliance.Weights{
		Policy:       getEnvFloat("COMPLIANCE_WEIGHT_POLICY", complianceCfg.Weights.Policy),
		Health:       getEnvFloat("COMPLIANCE_WEIGHT_HEALTH", complianceCfg.Weights.Health),
		Connectivity: getEnvFloat("COMPLIANCE_WEIGHT_CONNECTIVITY", complianceCfg.Weights.Connectivity),
	}
	complianceCfg.HeartbeatTimeout = getEnvDuration("COMPLIANCE_HEARTBEAT_TIMEOUT", complianceCfg.HeartbeatTimeout)

	return Config{
		ListenAddr: getEnv("LISTEN_ADDR", ":8080"),
		JWT:        jwtCfg,
		Registry: registry.Config{
			MaxAgents:           getEnvInt("REGISTRY_MAX_AGENTS", 5000),
			AllowReregistration: getEnvBool("REGISTRY_ALLOW_REREGISTRATION", true),
			TokenTTL:            getEnvDuration("REGISTRY_TOKEN_TTL", 24*time.Hour),
		},
		Registration: registration.Config{
			Policy:            registration.Policy(getEnv("REGISTRATION_POLICY", string(registration.PolicyAutoApprove))),
			MinimumAppVersion: getEnv("REGISTRATION_MIN_APP_VERSION", ""),
			HostnamePattern:   getEnv("REGISTRATION_HOSTNAME_PATTERN", ""),
			HeartbeatInterval: getEnvDuration("HEARTBEAT_EXPECTED_INTERVAL", 30*time.Second),
			ServerVersion:     getEnv("SERVER_VERSION", "1.0.0"),
		},
		Heartbeat: heartbeat.Config{
			ExpectedInterval: getEnvDuration("HEARTBEAT_EXPECTED_INTERVAL", 30*time.Second),
			MissedThreshold:  getEnvInt("HEARTBEAT_MISSED_THRESHOLD", 3),
			CheckInterval:    getEnvDuration("HEARTBEAT_CHECK_INTERVAL", 15*time.Second),
			AutoRemoveStale:  getEnvBool("HEARTBEAT_AUTO_REMOVE_STALE", false),
			StaleTimeout:     getEnvDuration("HEARTBEAT_STALE_TIMEOUT", 24*time.Hour),
		},
		Distribution: distCfg,
		Compliance:   complianceCfg,

		StorageBackend: getEnv("STORAGE_BACKEND", "memory"),
		Postgres: PostgresEnvConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "osxfleet"),
			Password: getEnv("DB_PASSWORD", "osxfleet"),
			DBName:   getEnv("DB_NAME", "osxfleet"),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
		},

		EventBackend: getEnv("EVENT_BACKEND", "memory"),
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),

		RateLimitEnabled:           getEnvBool("RATE_LIMIT_ENABLED", false),
		RateLimitRequestsPerSecond: getEnvFloat("RATE_LIMIT_REQUESTS_PER_SECOND", 10),
		RateLimitBurst:             getEnvInt("RATE_LIMIT_BURST", 20),

		RedisURL: getEnv("REDIS_URL", ""),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogPretty: getEnvBool("LOG_PRETTY", false),
	}
}

// LoadYAMLOverrides reads path and unmarshals it over cfg, letting an
// operator override any environment-derived value with a config file.
func LoadYAMLOverrides(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}
