package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wikiforge/discourse-connect/pkg/reconcile"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Discourse     DiscourseConfig
	Sso           SsoConfig
	Webhook       WebhookConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string

	// BaseURL is the externally visible origin of this service, used to
	// build the callback URL the forum redirects to.
	BaseURL string

	// SecureCookies marks cookies Secure; disable only for local dev.
	SecureCookies bool
}

// DatabaseConfig holds the link database configuration
type DatabaseConfig struct {
	// PrimaryURL is required; ReplicaURL is optional and serves reads.
	PrimaryURL string
	ReplicaURL string
	MaxConns   int
	IdleConns  int
}

// RedisConfig holds the optional Redis cache configuration
type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

// DiscourseConfig locates the forum and its APIs
type DiscourseConfig struct {
	// BaseURL is the forum origin, e.g. https://forum.example.com.
	BaseURL string
	// ProviderEndpoint is the SSO provider path on the forum.
	ProviderEndpoint string
	// SsoSecret is the shared secret signing SSO payloads.
	SsoSecret string
	// ApiKey and ApiUsername authenticate admin API calls (remote logout).
	// Leave empty to disable remote logout.
	ApiKey      string
	ApiUsername string
	// LogoutEndpoint is the admin logout path; {id} is replaced with the
	// forum user id.
	LogoutEndpoint string
}

// SsoConfig holds the identity reconciliation policy
type SsoConfig struct {
	ExposeName     bool
	ExposeEmail    bool
	LinkExistingBy []string
	CreateUsers    bool
	// EnableSeamlessLogin turns on quiet probing for browsers that have
	// authenticated here before.
	EnableSeamlessLogin bool
	// GroupMapFile is a YAML file mapping local groups to forum groups.
	GroupMapFile string
	// SessionTTL bounds how long a pending or completed handshake state
	// is kept; SessionCapacity bounds how many.
	SessionTTL      time.Duration
	SessionCapacity int
}

// WebhookConfig holds webhook ingestion configuration
type WebhookConfig struct {
	Enabled            bool
	Secret             string
	AllowedSources     []string
	IgnoredEvents      []string
	HandleLogoutEvents bool
	AutoCreateUsers    bool
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel  string
	LogFormat string

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Redis:         loadRedisConfig(),
		Discourse:     loadDiscourseConfig(),
		Sso:           loadSsoConfig(),
		Webhook:       loadWebhookConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("DSC_HOST", "0.0.0.0"),
		Port:            getEnv("DSC_PORT", "8080"),
		ReadTimeout:     getEnvDuration("DSC_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("DSC_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("DSC_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("DSC_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("DSC_HEALTH_PORT", "9090"),
		BaseURL:         getEnv("DSC_BASE_URL", "http://localhost:8080"),
		SecureCookies:   getEnvBool("DSC_SECURE_COOKIES", true),
	}
}

// loadDatabaseConfig loads database configuration from environment
func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		PrimaryURL: getEnv("DSC_POSTGRES_URL", ""),
		ReplicaURL: getEnv("DSC_POSTGRES_REPLICA_URL", ""),
		MaxConns:   getEnvInt("DSC_POSTGRES_MAX_CONNS", 20),
		IdleConns:  getEnvInt("DSC_POSTGRES_IDLE_CONNS", 5),
	}
}

// loadRedisConfig loads Redis configuration from environment
func loadRedisConfig() RedisConfig {
	return RedisConfig{
		URL:      getEnv("DSC_REDIS_URL", ""),
		Password: getEnv("DSC_REDIS_PASSWORD", ""),
		DB:       getEnvInt("DSC_REDIS_DB", 0),
		PoolSize: getEnvInt("DSC_REDIS_POOL_SIZE", 10),
	}
}

// loadDiscourseConfig loads forum configuration from environment
func loadDiscourseConfig() DiscourseConfig {
	return DiscourseConfig{
		BaseURL:          getEnv("DSC_DISCOURSE_URL", ""),
		ProviderEndpoint: getEnv("DSC_DISCOURSE_PROVIDER_ENDPOINT", "/session/sso_provider"),
		SsoSecret:        getEnv("DSC_SSO_SECRET", ""),
		ApiKey:           getEnv("DSC_DISCOURSE_API_KEY", ""),
		ApiUsername:      getEnv("DSC_DISCOURSE_API_USERNAME", "system"),
		LogoutEndpoint:   getEnv("DSC_DISCOURSE_LOGOUT_ENDPOINT", "/admin/users/{id}/log_out"),
	}
}

// loadSsoConfig loads the reconciliation policy from environment
func loadSsoConfig() SsoConfig {
	return SsoConfig{
		ExposeName:          getEnvBool("DSC_EXPOSE_NAME", false),
		ExposeEmail:         getEnvBool("DSC_EXPOSE_EMAIL", false),
		LinkExistingBy:      getEnvStringSlice("DSC_LINK_EXISTING_BY", nil),
		CreateUsers:         getEnvBool("DSC_CREATE_USERS", true),
		EnableSeamlessLogin: getEnvBool("DSC_SEAMLESS_LOGIN", false),
		GroupMapFile:        getEnv("DSC_GROUP_MAP_FILE", ""),
		SessionTTL:          getEnvDuration("DSC_SESSION_TTL", 30*time.Minute),
		SessionCapacity:     getEnvInt("DSC_SESSION_CAPACITY", 16384),
	}
}

// loadWebhookConfig loads webhook configuration from environment
func loadWebhookConfig() WebhookConfig {
	return WebhookConfig{
		Enabled:            getEnvBool("DSC_WEBHOOK_ENABLED", false),
		Secret:             getEnv("DSC_WEBHOOK_SECRET", ""),
		AllowedSources:     getEnvStringSlice("DSC_WEBHOOK_ALLOWED_SOURCES", nil),
		IgnoredEvents:      getEnvStringSlice("DSC_WEBHOOK_IGNORED_EVENTS", nil),
		HandleLogoutEvents: getEnvBool("DSC_WEBHOOK_HANDLE_LOGOUT", true),
		AutoCreateUsers:    getEnvBool("DSC_WEBHOOK_CREATE_USERS", false),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           getEnv("DSC_LOG_LEVEL", "info"),
		LogFormat:          getEnv("DSC_LOG_FORMAT", "json"),
		MetricsEnabled:     getEnvBool("DSC_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("DSC_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("DSC_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("DSC_OTEL_SERVICE_NAME", "discourse-connect"),
		OTelServiceVersion: getEnv("DSC_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("DSC_OTEL_INSECURE", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}
	if c.Server.BaseURL == "" {
		return fmt.Errorf("base URL is required")
	}

	if c.Database.PrimaryURL == "" {
		return fmt.Errorf("postgres URL is required")
	}

	if c.Discourse.BaseURL == "" {
		return fmt.Errorf("discourse URL is required")
	}
	if c.Discourse.SsoSecret == "" {
		return fmt.Errorf("SSO secret is required")
	}
	if len(c.Discourse.SsoSecret) < 10 {
		return fmt.Errorf("SSO secret must be at least 10 characters")
	}

	for _, method := range c.Sso.LinkExistingBy {
		if method != reconcile.LinkByUsername && method != reconcile.LinkByEmail {
			return fmt.Errorf("invalid linking method: %s (must be username or email)", method)
		}
	}

	if c.Webhook.Enabled && c.Webhook.Secret == "" {
		return fmt.Errorf("webhook secret is required when webhooks are enabled")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// ProviderURL is the full SSO provider endpoint on the forum.
func (c *DiscourseConfig) ProviderURL() string {
	return strings.TrimRight(c.BaseURL, "/") + c.ProviderEndpoint
}

// CallbackURL is the absolute callback endpoint the forum redirects to.
func (c *ServerConfig) CallbackURL() string {
	return strings.TrimRight(c.BaseURL, "/") + "/auth/discourse/callback"
}

// groupMapFile is the YAML shape of the group mapping file.
type groupMapFile struct {
	GroupMaps []reconcile.GroupMap `yaml:"group_maps"`
}

// LoadGroupMaps reads the group mapping rules. An unset path yields no
// mappings, which disables group synchronization.
func (c *SsoConfig) LoadGroupMaps() ([]reconcile.GroupMap, error) {
	if c.GroupMapFile == "" {
		return nil, nil
	}
	data, err := os.ReadFile(c.GroupMapFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read group map file: %w", err)
	}
	var parsed groupMapFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse group map file: %w", err)
	}
	for _, m := range parsed.GroupMaps {
		if m.LocalGroup == "" || len(m.DiscourseGroups) == 0 {
			return nil, fmt.Errorf("group map entries need a local group and at least one discourse group")
		}
	}
	return parsed.GroupMaps, nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvStringSlice returns a comma-separated environment variable or a
// default
func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		return out
	}
	return defaultValue
}
