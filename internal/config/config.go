// Package config loads TwinOps settings from TWINOPS_-prefixed
// environment variables, following the teacher's pkg/config.Load pattern
// (plain os.Getenv reads with hardcoded defaults, no configuration
// framework) extended to the full surface spec.md §6 and the original
// Python prototype's common/settings.py describe.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the fully resolved TwinOps runtime configuration.
type Config struct {
	// Twin connection
	TwinBaseURL     string
	SubmodelBaseURL string
	AASRepoID       string
	SubmodelRepoID  string
	AASID           string

	// MQTT
	MQTTBrokerHost string
	MQTTBrokerPort int
	MQTTClientID   string
	MQTTUsername   string
	MQTTPassword   string
	MQTTTLSEnabled bool

	// Safety / policy
	PolicySubmodelID          string
	PolicyVerificationRequired bool
	PolicyCacheTTL            time.Duration
	PolicyMaxAge              time.Duration
	InterlockFailSafe         bool
	DefaultRoles              []string

	// Audit
	AuditLogPath string

	// Approval
	ApprovalTimeout time.Duration

	// Job polling (Command-Monitor pattern)
	JobPollInterval    time.Duration
	JobPollMaxInterval time.Duration
	JobPollJitter      float64
	JobTimeout         time.Duration

	// Twin client resilience
	TwinClientFailureThreshold int
	TwinClientRecoveryTimeout  time.Duration
	TwinClientHalfOpenMaxCalls int
	TwinClientMaxConcurrency   int

	// Tool execution
	ToolExecutionTimeout    time.Duration
	ToolRetryMaxAttempts    int
	ToolRetryBaseDelay      time.Duration
	ToolRetryMaxDelay       time.Duration
	ToolRetryJitter         float64
	ToolConcurrencyLimit    int
	ToolIdempotencyTTL      time.Duration
	ToolIdempotencyMaxItems int
	ToolIdempotencyStorage  string // "memory", "sqlite", "redis"
	ToolIdempotencySQLite   string
	ToolIdempotencyRedisURL string

	// LLM
	LLMProvider           string
	LLMConcurrencyLimit   int
	LLMRequestTimeout     time.Duration

	// Operation Service HMAC auth
	OpServiceHMACSecret          string
	OpServiceHMACHeader          string
	OpServiceHMACTimestampHeader string
	OpServiceHMACTTL             time.Duration

	// Audit archival
	ArchiveBackend string // "", "s3", "gcs"
	ArchiveBucket   string
	ArchiveRegion   string
	ArchivePrefix   string
	ArchiveInterval time.Duration

	// Identity
	IdentityJWTSecret string
	IdentityJWTIssuer string

	// Policy signer trust (key_id -> base64 Ed25519 public key, semicolon-separated "id=key" pairs)
	PolicyTrustedKeys        string
	PolicyAcceptedSchemaVers string

	// HTTP server
	HTTPAddr string
}

// Load reads configuration from the environment, applying defaults
// equivalent to the Python prototype's common/settings.py.
func Load() (*Config, error) {
	c := &Config{
		TwinBaseURL:                getEnv("TWINOPS_TWIN_BASE_URL", "http://localhost:8081"),
		SubmodelBaseURL:            getEnv("TWINOPS_SUBMODEL_BASE_URL", ""),
		AASRepoID:                  getEnv("TWINOPS_AAS_REPO_ID", getEnv("TWINOPS_REPO_ID", "default")),
		SubmodelRepoID:             getEnv("TWINOPS_SUBMODEL_REPO_ID", getEnv("TWINOPS_REPO_ID", "default")),
		AASID:                      getEnv("TWINOPS_AAS_ID", "urn:example:aas:pump-001"),

		MQTTBrokerHost: getEnv("TWINOPS_MQTT_BROKER_HOST", "localhost"),
		MQTTBrokerPort: getEnvInt("TWINOPS_MQTT_BROKER_PORT", 1883),
		MQTTClientID:   getEnv("TWINOPS_MQTT_CLIENT_ID", "twinops-agent"),
		MQTTUsername:   getEnv("TWINOPS_MQTT_USERNAME", ""),
		MQTTPassword:   getEnv("TWINOPS_MQTT_PASSWORD", ""),
		MQTTTLSEnabled: getEnvBool("TWINOPS_MQTT_TLS_ENABLED", false),

		PolicySubmodelID:           getEnv("TWINOPS_POLICY_SUBMODEL_ID", "urn:example:submodel:policy"),
		PolicyVerificationRequired: getEnvBool("TWINOPS_POLICY_VERIFICATION_REQUIRED", true),
		PolicyCacheTTL:             getEnvSeconds("TWINOPS_POLICY_CACHE_TTL_SECONDS", 300),
		PolicyMaxAge:               getEnvSeconds("TWINOPS_POLICY_MAX_AGE_SECONDS", 3600),
		InterlockFailSafe:          getEnvBool("TWINOPS_INTERLOCK_FAIL_SAFE", true),
		DefaultRoles:               []string{getEnv("TWINOPS_DEFAULT_ROLE", "viewer")},

		AuditLogPath: getEnv("TWINOPS_AUDIT_LOG_PATH", "audit_logs/audit.jsonl"),

		ApprovalTimeout: getEnvSeconds("TWINOPS_APPROVAL_TIMEOUT_SECONDS", 86400),

		JobPollInterval:    getEnvMillis("TWINOPS_JOB_POLL_INTERVAL_MS", 250),
		JobPollMaxInterval: getEnvSeconds("TWINOPS_JOB_POLL_MAX_INTERVAL_SECONDS", 5),
		JobPollJitter:      getEnvFloat("TWINOPS_JOB_POLL_JITTER", 0.1),
		JobTimeout:         getEnvSeconds("TWINOPS_JOB_TIMEOUT_SECONDS", 300),

		TwinClientFailureThreshold: getEnvInt("TWINOPS_TWIN_CLIENT_FAILURE_THRESHOLD", 5),
		TwinClientRecoveryTimeout:  getEnvSeconds("TWINOPS_TWIN_CLIENT_RECOVERY_TIMEOUT_SECONDS", 30),
		TwinClientHalfOpenMaxCalls: getEnvInt("TWINOPS_TWIN_CLIENT_HALF_OPEN_MAX_CALLS", 3),
		TwinClientMaxConcurrency:   getEnvInt("TWINOPS_TWIN_CLIENT_MAX_CONCURRENCY", 8),

		ToolExecutionTimeout:    getEnvSeconds("TWINOPS_TOOL_EXECUTION_TIMEOUT_SECONDS", 30),
		ToolRetryMaxAttempts:    getEnvInt("TWINOPS_TOOL_RETRY_MAX_ATTEMPTS", 3),
		ToolRetryBaseDelay:      getEnvMillis("TWINOPS_TOOL_RETRY_BASE_DELAY_MS", 500),
		ToolRetryMaxDelay:       getEnvSeconds("TWINOPS_TOOL_RETRY_MAX_DELAY_SECONDS", 5),
		ToolRetryJitter:         getEnvFloat("TWINOPS_TOOL_RETRY_JITTER", 0.2),
		ToolConcurrencyLimit:    getEnvInt("TWINOPS_TOOL_CONCURRENCY_LIMIT", 4),
		ToolIdempotencyTTL:      getEnvSeconds("TWINOPS_TOOL_IDEMPOTENCY_TTL_SECONDS", 300),
		ToolIdempotencyMaxItems: getEnvInt("TWINOPS_TOOL_IDEMPOTENCY_MAX_ENTRIES", 1000),
		ToolIdempotencyStorage:  getEnv("TWINOPS_TOOL_IDEMPOTENCY_STORAGE", "memory"),
		ToolIdempotencySQLite:   getEnv("TWINOPS_TOOL_IDEMPOTENCY_SQLITE_PATH", "data/idempotency.sqlite"),
		ToolIdempotencyRedisURL: getEnv("TWINOPS_TOOL_IDEMPOTENCY_REDIS_URL", ""),

		LLMProvider:         getEnv("TWINOPS_LLM_PROVIDER", "rules"),
		LLMConcurrencyLimit: getEnvInt("TWINOPS_LLM_CONCURRENCY_LIMIT", 4),
		LLMRequestTimeout:   getEnvSeconds("TWINOPS_LLM_REQUEST_TIMEOUT_SECONDS", 30),

		OpServiceHMACSecret:          getEnv("TWINOPS_OPSERVICE_HMAC_SECRET", ""),
		OpServiceHMACHeader:          getEnv("TWINOPS_OPSERVICE_HMAC_HEADER", "X-TwinOps-Signature"),
		OpServiceHMACTimestampHeader: getEnv("TWINOPS_OPSERVICE_HMAC_TIMESTAMP_HEADER", "X-TwinOps-Timestamp"),
		OpServiceHMACTTL:             getEnvSeconds("TWINOPS_OPSERVICE_HMAC_TTL_SECONDS", 300),

		ArchiveBackend: getEnv("TWINOPS_ARCHIVE_BACKEND", ""),
		ArchiveBucket:  getEnv("TWINOPS_ARCHIVE_BUCKET", ""),
		ArchiveRegion:  getEnv("TWINOPS_ARCHIVE_REGION", "us-east-1"),
		ArchivePrefix:   getEnv("TWINOPS_ARCHIVE_PREFIX", "twinops/audit"),
		ArchiveInterval: getEnvSeconds("TWINOPS_ARCHIVE_INTERVAL_SECONDS", 3600),

		IdentityJWTSecret: getEnv("TWINOPS_IDENTITY_JWT_SECRET", ""),
		IdentityJWTIssuer: getEnv("TWINOPS_IDENTITY_JWT_ISSUER", "twinops"),

		PolicyTrustedKeys:        getEnv("TWINOPS_POLICY_TRUSTED_KEYS", ""),
		PolicyAcceptedSchemaVers: getEnv("TWINOPS_POLICY_ACCEPTED_SCHEMA_VERSIONS", ">=1.0.0"),

		HTTPAddr: getEnv("TWINOPS_HTTP_ADDR", ":8080"),
	}

	if c.PolicyVerificationRequired && c.PolicySubmodelID == "" {
		return nil, fmt.Errorf("config: TWINOPS_POLICY_SUBMODEL_ID is required when policy verification is required")
	}

	profile, err := LoadSiteProfile(getEnv("TWINOPS_SITE_PROFILE_PATH", ""))
	if err != nil {
		return nil, err
	}
	profile.ApplyTo(c)

	return c, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvSeconds(key string, defSeconds float64) time.Duration {
	f := getEnvFloat(key, defSeconds)
	return time.Duration(f * float64(time.Second))
}

func getEnvMillis(key string, defMillis int) time.Duration {
	n := getEnvInt(key, defMillis)
	return time.Duration(n) * time.Millisecond
}
