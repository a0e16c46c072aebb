package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	Environment   string
	Server        ServerConfig
	Database      DatabaseConfig
	Observability ObservabilityConfig
	Security      SecurityConfig
	Gateway       GatewayConfig
	OpenID        OpenIDConfig
	LDAP          LDAPConfig
	Provisioning  ProvisioningConfig
	RateLimit     RateLimitConfig
}

// RateLimitConfig holds rate limiting configuration for the login endpoint
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host            string
	Port            string
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// ObservabilityConfig holds logging and tracing configuration
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string
	OTELEnabled    bool
	ServiceName    string
	ServiceVersion string
}

// SecurityConfig holds password and token signing configuration
type SecurityConfig struct {
	PasswordAlgorithm string // bcrypt or argon2id
	BcryptCost        int
	Argon2Memory      uint32
	Argon2Iterations  uint32
	Argon2Parallelism uint8
	Argon2SaltLength  uint32
	Argon2KeyLength   uint32

	// SigningSecret signs and verifies legacy HS256 session tokens.
	SigningSecret string
	TokenLifetime time.Duration
}

// GatewayConfig drives the proxy auth-subrequest arbitration
type GatewayConfig struct {
	// SharedSecret is compared against X-Auth-Token. Empty disables the bypass.
	SharedSecret string
	PublicMarker string
	// UnprotectedURLs maps a path to the methods that skip authentication.
	// An empty method list means every method is unprotected.
	UnprotectedURLs map[string][]string
	TokenOrder      []string
	LegacyTokenMode string // always, opt-in, never
}

// OpenIDConfig holds process-level settings for OpenID token verification.
// Issuer details (authority, client id) live in the configuration table.
type OpenIDConfig struct {
	HTTPTimeout      time.Duration
	KeyCacheSize     int
	KeyCacheTTL      time.Duration
	MinRefresh       time.Duration
	VerifyExpiry     bool
	Leeway           time.Duration
	BreakerThreshold int
	BreakerTimeout   time.Duration
}

// LDAPConfig holds process-level LDAP settings.
// Server and DN templates live in the configuration table.
type LDAPConfig struct {
	Enabled bool
	Timeout time.Duration
}

// ProvisioningConfig controls users created on first external login
type ProvisioningConfig struct {
	DefaultLocale  string
	DefaultRoleIDs []int64
}

// gatewayFile is the optional YAML document referenced by GATEWAY_CONFIG_FILE
type gatewayFile struct {
	Secret          string              `yaml:"secret"`
	SigningSecret   string              `yaml:"signing_secret"`
	PublicMarker    string              `yaml:"public_marker"`
	UnprotectedURLs map[string][]string `yaml:"unprotected_urls"`
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	environment := getEnv("ENVIRONMENT", "prod")

	cfg := &Config{
		Environment: environment,
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnv("SERVER_PORT", "3320"),
			ReadTimeout:  parseDuration("SERVER_READ_TIMEOUT", "15s"),
			WriteTimeout: parseDuration("SERVER_WRITE_TIMEOUT", "15s"),
			IdleTimeout:  parseDuration("SERVER_IDLE_TIMEOUT", "60s"),
		},
		Database: loadDatabase(),
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
			OTELEnabled:    parseBool("OTEL_ENABLED", false),
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "thorn"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "0.1.0"),
		},
		Security: SecurityConfig{
			PasswordAlgorithm: getEnv("PASSWORD_ALGORITHM", "bcrypt"),
			BcryptCost:        parseInt("BCRYPT_COST", 12),
			Argon2Memory:      uint32(parseInt("ARGON2_MEMORY", 65536)),
			Argon2Iterations:  uint32(parseInt("ARGON2_ITERATIONS", 3)),
			Argon2Parallelism: uint8(parseInt("ARGON2_PARALLELISM", 4)),
			Argon2SaltLength:  uint32(parseInt("ARGON2_SALT_LENGTH", 16)),
			Argon2KeyLength:   uint32(parseInt("ARGON2_KEY_LENGTH", 32)),
			SigningSecret:     getEnv("TOKEN_SIGNING_SECRET", ""),
			TokenLifetime:     parseDuration("TOKEN_LIFETIME", "168h"),
		},
		Gateway: GatewayConfig{
			SharedSecret:    getEnv("GATEWAY_SHARED_SECRET", ""),
			PublicMarker:    getEnv("GATEWAY_PUBLIC_MARKER", "/public/"),
			UnprotectedURLs: map[string][]string{},
			TokenOrder:      parseList("TOKEN_FORMAT_ORDER", "openid,legacy"),
			LegacyTokenMode: getEnv("LEGACY_TOKEN_MODE", "always"),
		},
		OpenID: OpenIDConfig{
			HTTPTimeout:      parseDuration("OPENID_HTTP_TIMEOUT", "5s"),
			KeyCacheSize:     parseInt("OPENID_KEY_CACHE_SIZE", 16),
			KeyCacheTTL:      parseDuration("OPENID_KEY_CACHE_TTL", "24h"),
			MinRefresh:       parseDuration("OPENID_MIN_REFRESH", "1m"),
			VerifyExpiry:     parseBool("OPENID_VERIFY_EXPIRY", true),
			Leeway:           parseDuration("OPENID_LEEWAY", "30s"),
			BreakerThreshold: parseInt("OPENID_BREAKER_THRESHOLD", 5),
			BreakerTimeout:   parseDuration("OPENID_BREAKER_TIMEOUT", "30s"),
		},
		LDAP: LDAPConfig{
			Enabled: parseBool("LDAP_ENABLED", false),
			Timeout: parseDuration("LDAP_TIMEOUT", "5s"),
		},
		Provisioning: ProvisioningConfig{
			DefaultLocale:  getEnv("PROVISION_DEFAULT_LOCALE", "pt"),
			DefaultRoleIDs: parseIDs("PROVISION_DEFAULT_ROLE_IDS"),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: float64(parseInt("RATELIMIT_RPS", 10)),
			Burst:             parseInt("RATELIMIT_BURST", 20),
		},
	}

	if path := os.Getenv("GATEWAY_CONFIG_FILE"); path != "" {
		if err := cfg.loadGatewayFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadDatabase loads only the database settings, for tools that never
// serve traffic
func LoadDatabase() (DatabaseConfig, error) {
	db := loadDatabase()
	if db.Password == "" {
		return db, fmt.Errorf("DB_PASSWORD is required")
	}
	return db, nil
}

func loadDatabase() DatabaseConfig {
	return DatabaseConfig{
		Host:            getEnv("DB_HOST", "localhost"),
		Port:            getEnv("DB_PORT", "5432"),
		User:            getEnv("DB_USER", "thorn"),
		Password:        getEnv("DB_PASSWORD", ""),
		Database:        getEnv("DB_NAME", "thorn"),
		SSLMode:         getEnv("DB_SSLMODE", "disable"),
		MaxOpenConns:    parseInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    parseInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: parseDuration("DB_CONN_MAX_LIFETIME", "5m"),
	}
}

// loadGatewayFile merges the YAML gateway document into cfg.
// Values from the file take precedence over environment defaults.
func (c *Config) loadGatewayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read gateway config %s: %w", path, err)
	}

	var f gatewayFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse gateway config %s: %w", path, err)
	}

	if f.Secret != "" {
		c.Gateway.SharedSecret = f.Secret
	}
	if f.SigningSecret != "" {
		c.Security.SigningSecret = f.SigningSecret
	}
	if f.PublicMarker != "" {
		c.Gateway.PublicMarker = f.PublicMarker
	}
	for path, methods := range f.UnprotectedURLs {
		normalized := make([]string, 0, len(methods))
		for _, m := range methods {
			normalized = append(normalized, strings.ToUpper(strings.TrimSpace(m)))
		}
		c.Gateway.UnprotectedURLs[path] = normalized
	}
	return nil
}

// IsTest reports whether the process runs in test mode
func (c *Config) IsTest() bool {
	return c.Environment == "test"
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Database.Password == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if c.Security.SigningSecret == "" {
		return fmt.Errorf("TOKEN_SIGNING_SECRET is required")
	}
	switch c.Security.PasswordAlgorithm {
	case "bcrypt", "argon2id":
	default:
		return fmt.Errorf("PASSWORD_ALGORITHM must be bcrypt or argon2id, got %q", c.Security.PasswordAlgorithm)
	}
	switch c.Gateway.LegacyTokenMode {
	case "always", "opt-in", "never":
	default:
		return fmt.Errorf("LEGACY_TOKEN_MODE must be always, opt-in or never, got %q", c.Gateway.LegacyTokenMode)
	}
	for _, f := range c.Gateway.TokenOrder {
		if f != "openid" && f != "legacy" {
			return fmt.Errorf("TOKEN_FORMAT_ORDER: unknown token format %q", f)
		}
	}
	// Expiry checks may only be relaxed in test mode.
	if !c.OpenID.VerifyExpiry && !c.IsTest() {
		return fmt.Errorf("OPENID_VERIFY_EXPIRY=false is only allowed when ENVIRONMENT=test")
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func parseBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func parseDuration(key string, defaultValue string) time.Duration {
	value := getEnv(key, defaultValue)
	d, err := time.ParseDuration(value)
	if err != nil {
		// Fallback to default
		d, _ = time.ParseDuration(defaultValue)
	}
	return d
}

func parseList(key, defaultValue string) []string {
	var out []string
	for _, item := range strings.Split(getEnv(key, defaultValue), ",") {
		if item = strings.ToLower(strings.TrimSpace(item)); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parseIDs(key string) []int64 {
	var ids []int64
	for _, item := range parseList(key, "") {
		if id, err := strconv.ParseInt(item, 10, 64); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}
