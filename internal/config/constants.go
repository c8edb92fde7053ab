package config

import "time"

// Application constants for the PeopleCore licensing engine
const (
	// Application Info
	AppName    = "PeopleCore"
	AppVersion = "1.0.0"

	// License token constants
	TokenIssuer     = "peoplecore-admin"
	TokenAudience   = "peoplecore-instance"
	DefaultValidity = 365 * 24 * time.Hour

	// License tiers
	TierTrial      = "trial"
	TierStarter    = "starter"
	TierPro        = "pro"
	TierEnterprise = "enterprise"

	// Network timeouts
	DefaultHTTPTimeout  = 30 * time.Second
	AdminPanelTimeout   = 30 * time.Second
	LicenseCheckTimeout = 10 * time.Second

	// Retry policy for admin panel calls
	MaxRemoteRetries = 3
	RetryBackoffBase = 1 * time.Second
	RetryBackoffCap  = 10 * time.Second

	// Grace and cache windows
	DefaultGracePeriod    = 72 * time.Hour
	VerdictCacheTTL       = 60 * time.Second
	FingerprintCacheTTL   = 1 * time.Hour
	SyncInterval          = 24 * time.Hour
	HeartbeatInterval     = 1 * time.Hour

	// Rate limiting
	DefaultRateLimit = 100 // requests per second
	DefaultBurstSize = 50

	// Log settings
	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"

	// API endpoints (internal)
	APIBasePath      = "/api"
	LicenseEndpoint  = "/api/license"
	HealthEndpoint   = "/api/health"
	MetricsEndpoint  = "/metrics"

	// Admin panel endpoints (remote, relative to the configured base URL)
	AdminValidatePath  = "/licenses/validate"
	AdminTelemetryPath = "/telemetry/ping"
)
