// Package config loads process-wide configuration from the environment and
// an optional YAML policy file.
package config

import (
	"os"
	"strconv"
	"time"
)

// EnforcementMode selects how the policy gate treats negative decisions.
type EnforcementMode string

const (
	ModeEnforce EnforcementMode = "enforce"
	ModeShadow  EnforcementMode = "shadow"
)

// Config holds server configuration.
type Config struct {
	Port        string
	LogLevel    string
	DatabaseURL string

	PolicyEnforcementMode   EnforcementMode
	ExternalWriteKillSwitch bool
	EgressMaxPerHour        int
	PolicyFile              string

	SecretsMasterKey string

	RunWorkerEmbedded    bool
	RunWorkerPollMS      int
	RunWorkerBatchLimit  int
	RunWorkerWorkspaceID string
	RunLeaseTTL          time.Duration

	AuthRequireSession     bool
	AuthAllowLegacyHeader  bool
	SessionSigningKey      string
	SessionTTL             time.Duration
	ApprovalDefaultTTLSecs int

	RedisURL string

	ArtifactStore      string // file | s3 | gcs
	ArtifactDir        string
	ArtifactPrefix     string
	ArtifactS3Bucket   string
	ArtifactS3Region   string
	ArtifactS3Endpoint string
	ArtifactGCSBucket  string

	OTelEnabled  bool
	OTelEndpoint string
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:        getEnv("PORT", "8080"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		DatabaseURL: getEnv("DATABASE_URL", "postgres://warden@localhost:5432/warden?sslmode=disable"),

		PolicyEnforcementMode:   parseMode(getEnv("POLICY_ENFORCEMENT_MODE", "enforce")),
		ExternalWriteKillSwitch: getEnvBool("EXTERNAL_WRITE_KILL_SWITCH", false),
		EgressMaxPerHour:        getEnvInt("EGRESS_MAX_REQUESTS_PER_HOUR", 50),
		PolicyFile:              os.Getenv("WARDEN_POLICY_FILE"),

		SecretsMasterKey: os.Getenv("SECRETS_MASTER_KEY"),

		RunWorkerEmbedded:    getEnvBool("RUN_WORKER_EMBEDDED", false),
		RunWorkerPollMS:      getEnvInt("RUN_WORKER_POLL_MS", 1000),
		RunWorkerBatchLimit:  getEnvInt("RUN_WORKER_BATCH_LIMIT", 5),
		RunWorkerWorkspaceID: os.Getenv("RUN_WORKER_WORKSPACE_ID"),
		RunLeaseTTL:          time.Duration(getEnvInt("RUN_LEASE_TTL_MS", 30000)) * time.Millisecond,

		AuthRequireSession:     getEnvBool("AUTH_REQUIRE_SESSION", false),
		AuthAllowLegacyHeader:  getEnvBool("AUTH_ALLOW_LEGACY_WORKSPACE_HEADER", true),
		SessionSigningKey:      os.Getenv("SESSION_SIGNING_KEY"),
		SessionTTL:             time.Duration(getEnvInt("SESSION_TTL_HOURS", 12)) * time.Hour,
		ApprovalDefaultTTLSecs: getEnvInt("APPROVAL_DEFAULT_TTL_SECONDS", 86400),

		RedisURL: os.Getenv("REDIS_URL"),

		ArtifactStore:      getEnv("ARTIFACT_STORE", "file"),
		ArtifactDir:        getEnv("ARTIFACT_DIR", "data/artifacts"),
		ArtifactPrefix:     os.Getenv("ARTIFACT_PREFIX"),
		ArtifactS3Bucket:   os.Getenv("ARTIFACT_S3_BUCKET"),
		ArtifactS3Region:   os.Getenv("ARTIFACT_S3_REGION"),
		ArtifactS3Endpoint: os.Getenv("ARTIFACT_S3_ENDPOINT"),
		ArtifactGCSBucket:  os.Getenv("ARTIFACT_GCS_BUCKET"),

		OTelEnabled:  getEnvBool("OTEL_ENABLED", false),
		OTelEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
	}
}

// Shadow reports whether negative policy decisions are recorded without blocking.
func (c *Config) Shadow() bool {
	return c.PolicyEnforcementMode == ModeShadow
}

func parseMode(s string) EnforcementMode {
	if s == string(ModeShadow) {
		return ModeShadow
	}
	return ModeEnforce
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	switch v {
	case "1", "true", "TRUE", "yes":
		return true
	case "0", "false", "FALSE", "no":
		return false
	}
	return fallback
}
