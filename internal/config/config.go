package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config is the full application configuration tree. Values come from
// environment variables (prefix PEOPLECORE) layered over an optional
// YAML file.
type Config struct {
	Server     ServerConfig     `yaml:"server" envconfig:"SERVER"`
	Security   SecurityConfig   `yaml:"security" envconfig:"SECURITY"`
	Logging    LoggingConfig    `yaml:"logging" envconfig:"LOGGING"`
	Database   DatabaseConfig   `yaml:"database" envconfig:"DATABASE"`
	License    LicenseConfig    `yaml:"license" envconfig:"LICENSE"`
	AdminPanel AdminPanelConfig `yaml:"admin_panel" envconfig:"ADMIN_PANEL"`
	Sync       SyncConfig       `yaml:"sync" envconfig:"SYNC"`
}

// ServerConfig holds HTTP listener settings
type ServerConfig struct {
	Port            int           `yaml:"port" default:"8080" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s" validate:"gt=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s" validate:"gt=0"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s" validate:"gt=0"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" envconfig:"MAX_HEADER_BYTES" default:"1048576"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// SecurityConfig holds CORS, rate limiting and maintenance auth settings
type SecurityConfig struct {
	AllowedOrigins []string        `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS" default:"http://localhost:8080" validate:"min=1"`
	EnableCORS     bool            `yaml:"enable_cors" envconfig:"ENABLE_CORS" default:"true"`
	RateLimit      RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`

	// MaintenanceKey guards the cache-invalidation endpoint. When empty
	// the endpoint is left open, which is only sensible on trusted
	// networks.
	MaintenanceKey string `yaml:"maintenance_key" envconfig:"MAINTENANCE_KEY"`
}

// RateLimitConfig tunes the per-instance request limiter
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" default:"true"`
	RPS     float64 `yaml:"rps" default:"100"`
	Burst   int     `yaml:"burst" default:"50"`
}

// LoggingConfig controls the structured log output
type LoggingConfig struct {
	Level    string `yaml:"level" default:"info"`
	Format   string `yaml:"format" default:"json"`
	Output   string `yaml:"output" default:"both"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/app.log"`
}

// DatabaseConfig contains the local state database configuration
type DatabaseConfig struct {
	Path        string        `yaml:"path" default:"data/peoplecore.db"`
	BusyTimeout time.Duration `yaml:"busy_timeout" envconfig:"BUSY_TIMEOUT" default:"5s"`
}

// LicenseConfig contains license token and validation configuration
type LicenseConfig struct {
	// Token holds the license token itself. TokenFile takes precedence
	// when set so deployments can mount the token as a file.
	Token     string `yaml:"token"`
	TokenFile string `yaml:"token_file" envconfig:"TOKEN_FILE"`

	// Algorithm selects the token codec: "RS256" or "HS256".
	Algorithm     string `yaml:"algorithm" default:"RS256" validate:"oneof=RS256 HS256"`
	PublicKeyFile string `yaml:"public_key_file" envconfig:"PUBLIC_KEY_FILE"`
	HMACSecret    string `yaml:"hmac_secret" envconfig:"HMAC_SECRET"`

	// InstallationID identifies this deployment. Compared against the
	// token's installation claim during local validation.
	InstallationID string `yaml:"installation_id" envconfig:"INSTALLATION_ID"`

	GracePeriod     time.Duration `yaml:"grace_period" envconfig:"GRACE_PERIOD" default:"72h"`
	VerdictCacheTTL time.Duration `yaml:"verdict_cache_ttl" envconfig:"VERDICT_CACHE_TTL" default:"60s"`
	ExemptPaths     []string      `yaml:"exempt_paths" envconfig:"EXEMPT_PATHS" default:"/api/health/,/api/version,/metrics,/api/license/"`
}

// AdminPanelConfig contains the remote admin panel client configuration
type AdminPanelConfig struct {
	BaseURL          string        `yaml:"base_url" envconfig:"BASE_URL"`
	APIKey           string        `yaml:"api_key" envconfig:"API_KEY"`
	TenantSlug       string        `yaml:"tenant_slug" envconfig:"TENANT_SLUG"`
	Timeout          time.Duration `yaml:"timeout" default:"30s" validate:"gt=0"`
	MaxRetries       int           `yaml:"max_retries" envconfig:"MAX_RETRIES" default:"3" validate:"min=0,max=10"`
	RetryBackoffBase time.Duration `yaml:"retry_backoff_base" envconfig:"RETRY_BACKOFF_BASE" default:"1s"`
	RetryBackoffCap  time.Duration `yaml:"retry_backoff_cap" envconfig:"RETRY_BACKOFF_CAP" default:"10s"`
}

// SyncConfig contains the background sync daemon configuration
type SyncConfig struct {
	Enabled            bool          `yaml:"enabled" default:"true"`
	ValidationInterval time.Duration `yaml:"validation_interval" envconfig:"VALIDATION_INTERVAL" default:"24h" validate:"gt=0"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval" envconfig:"HEARTBEAT_INTERVAL" default:"1h" validate:"gt=0"`
	TelemetryEnabled   bool          `yaml:"telemetry_enabled" envconfig:"TELEMETRY_ENABLED" default:"true"`
}

// Load builds the configuration. Environment variables win over file
// values; a missing config file is not an error.
func Load() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("PEOPLECORE", &cfg); err != nil {
		return nil, fmt.Errorf("process environment config: %w", err)
	}

	configFile := getConfigFilePath()
	if configFile != "" {
		fileCfg, err := loadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", configFile, err)
		}
		cfg = mergeConfigs(*fileCfg, cfg)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// loadFromFile parses a YAML config file
func loadFromFile(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// mergeConfigs fills fields the environment left empty with file values
func mergeConfigs(file, env Config) Config {
	if env.Server.Port == 0 {
		env.Server.Port = file.Server.Port
	}

	fromFile := func(dst *string, src string) {
		if *dst == "" {
			*dst = src
		}
	}
	fromFile(&env.Database.Path, file.Database.Path)
	fromFile(&env.License.Token, file.License.Token)
	fromFile(&env.License.TokenFile, file.License.TokenFile)
	fromFile(&env.License.PublicKeyFile, file.License.PublicKeyFile)
	fromFile(&env.License.InstallationID, file.License.InstallationID)
	fromFile(&env.AdminPanel.BaseURL, file.AdminPanel.BaseURL)
	fromFile(&env.AdminPanel.APIKey, file.AdminPanel.APIKey)

	return env
}

// ResolveToken returns the license token, preferring TokenFile when set.
func (c *LicenseConfig) ResolveToken() (string, error) {
	if c.TokenFile != "" {
		data, err := os.ReadFile(c.TokenFile)
		if err != nil {
			return "", fmt.Errorf("failed to read license token file: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	return strings.TrimSpace(c.Token), nil
}

func (c *Config) validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return err
	}

	// Key material is only required once a token is configured. A fresh
	// instance may boot unactivated and receive its token later.
	if c.License.Token != "" || c.License.TokenFile != "" {
		switch c.License.Algorithm {
		case "RS256":
			if c.License.PublicKeyFile == "" {
				return fmt.Errorf("license.public_key_file is required for RS256")
			}
		case "HS256":
			if c.License.HMACSecret == "" {
				return fmt.Errorf("license.hmac_secret is required for HS256")
			}
		}
	}

	if c.Logging.Format != "json" {
		c.Logging.Format = "json"
	}
	if c.Logging.FilePath == "" {
		c.Logging.FilePath = "logs/app.log"
	}

	if c.AdminPanel.RetryBackoffCap < c.AdminPanel.RetryBackoffBase {
		return fmt.Errorf("admin_panel.retry_backoff_cap must be >= retry_backoff_base")
	}

	return nil
}

// getConfigFilePath probes the usual locations for a config file.
// An empty return means environment variables only.
func getConfigFilePath() string {
	for _, candidate := range []string{
		"config.yaml",
		"configs/config.yaml",
		"../configs/config.yaml",
	} {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

