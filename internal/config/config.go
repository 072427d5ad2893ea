// Package config collects the orchestration core's environment-driven
// settings into one struct built once per process, in place of scattered
// os.Getenv calls.
package config

import "time"

// Config is the exhaustive environment-driven configuration surface
// named in the external interfaces of the core.
type Config struct {
	// Provisioning Coordinator
	ProvisionDeadline time.Duration // SESSION_PROVISION_DEADLINE_SECONDS, default 45s

	// CDP Auth Proxy idle watchdog
	IdleGrace      time.Duration // SESSION_IDLE_GRACE_SECONDS, default 60s
	MinLifetime    time.Duration // SESSION_MIN_LIFETIME_SECONDS, default 30s
	WatchdogPeriod time.Duration // fixed 5s per spec, not independently configurable

	// Admission / session defaults
	DefaultTimeout time.Duration // SESSION_DEFAULT_TIMEOUT_SECONDS, default 3600s
	MaxTimeout     time.Duration // SESSION_MAX_TIMEOUT_SECONDS, deployment cap

	// Lifecycle Reconciler
	ReconcileInterval time.Duration // RECONCILE_INTERVAL_SECONDS, default 300s
	StuckProvisioning time.Duration // fixed 10m per spec §4.8 pass 3

	// Token Service
	TokenSigningKeyRef  string        // TOKEN_SIGNING_KEY_REF, secret-store handle
	TokenKeyRefreshEvry time.Duration // TOKEN_KEY_REFRESH_SECONDS, default 600s

	// CDP Auth Proxy networking
	CDPProxyPort  int // CDP_PROXY_PORT
	BrowserCDPort int // BROWSER_CDP_PORT, loopback

	// Storage / messaging handles
	SessionsTableName    string
	ProjectsTableName    string
	APIKeysTableName     string
	ProjectCreatedIndex  string // projectId-createdAt-index
	StatusExpiresAtIndex string // status-expiresAt-index
	EventBusName         string
	ReadyTopicARN        string
	ArtifactsBucketName  string
	ArtifactsURLTTL      time.Duration

	// RedisAddr, when set, backs Admission Control's resolution cache
	// with a shared L2 spillover (ElastiCache or compatible), so cold
	// Lambda instances don't all fall through to DynamoDB together.
	RedisAddr string

	AWSRegion   string
	Environment string
}

// Load builds a Config from the process environment, applying the
// defaults named in the external interfaces section.
func Load() Config {
	return Config{
		ProvisionDeadline: time.Duration(GetEnvInt("SESSION_PROVISION_DEADLINE_SECONDS", 45)) * time.Second,

		IdleGrace:      time.Duration(GetEnvInt("SESSION_IDLE_GRACE_SECONDS", 60)) * time.Second,
		MinLifetime:    time.Duration(GetEnvInt("SESSION_MIN_LIFETIME_SECONDS", 30)) * time.Second,
		WatchdogPeriod: 5 * time.Second,

		DefaultTimeout: time.Duration(GetEnvInt("SESSION_DEFAULT_TIMEOUT_SECONDS", 3600)) * time.Second,
		MaxTimeout:     time.Duration(GetEnvInt("SESSION_MAX_TIMEOUT_SECONDS", 3600)) * time.Second,

		ReconcileInterval: time.Duration(GetEnvInt("RECONCILE_INTERVAL_SECONDS", 300)) * time.Second,
		StuckProvisioning: 10 * time.Minute,

		TokenSigningKeyRef:  GetEnv("TOKEN_SIGNING_KEY_REF", ""),
		TokenKeyRefreshEvry: time.Duration(GetEnvInt("TOKEN_KEY_REFRESH_SECONDS", 600)) * time.Second,

		CDPProxyPort:  GetEnvInt("CDP_PROXY_PORT", 9223),
		BrowserCDPort: GetEnvInt("BROWSER_CDP_PORT", 9222),

		SessionsTableName:    GetEnv("SESSIONS_TABLE_NAME", "wallcrawler-sessions"),
		ProjectsTableName:    GetEnv("PROJECTS_TABLE_NAME", "wallcrawler-projects"),
		APIKeysTableName:     GetEnv("API_KEYS_TABLE_NAME", "wallcrawler-api-keys"),
		ProjectCreatedIndex:  GetEnv("PROJECT_CREATED_INDEX_NAME", "projectId-createdAt-index"),
		StatusExpiresAtIndex: GetEnv("STATUS_EXPIRES_AT_INDEX_NAME", "status-expiresAt-index"),
		EventBusName:         GetEnv("EVENT_BUS_NAME", "default"),
		ReadyTopicARN:        GetEnv("SESSION_READY_TOPIC_ARN", ""),
		ArtifactsBucketName:  GetEnv("ARTIFACTS_BUCKET_NAME", ""),
		ArtifactsURLTTL:      time.Duration(GetEnvInt("ARTIFACTS_URL_TTL_SECONDS", 900)) * time.Second,

		RedisAddr: GetEnv("REDIS_ADDR", ""),

		AWSRegion:   GetEnv("AWS_REGION", "us-east-1"),
		Environment: GetEnv("ENVIRONMENT", "dev"),
	}
}
