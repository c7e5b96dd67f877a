package config

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// Supported providers with per-provider client registrations.
var providerKeys = []string{"github", "google", "slack", "generic", "test"}

// Config holds application configuration
type Config struct {
	Port                     int
	Environment              string
	LogLevel                 string
	AppURL                   string
	JWTSecret                string
	CORSOrigins              []string
	Database                 DatabaseConfig
	Vault                    VaultConfig
	Redis                    RedisConfig
	OAuth                    OAuthConfig
	Jobs                     JobsConfig
	RateLimit                RateLimitConfig
	LegacyCredentialsEnabled bool
	RefreshLock              string // none, coalesce, redis
	NonceStore               string // memory, redis, postgres
	AuditWebhookURL          string
	AuditWebhookToken        string
	OutboundAllowPrivate     bool
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Type         string // postgres
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

// VaultConfig selects the secret store backend.
type VaultConfig struct {
	Backend       string // postgres, memory
	EncryptionKey string
}

// RedisConfig holds the shared Redis used for locks and state nonces.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// ClientRegistration is the server-side client of one provider.
type ClientRegistration struct {
	ClientID         string
	ClientSecret     string
	Scope            string
	AuthorizationURL string
	TokenURL         string
}

// OAuthConfig holds OAuth2 client settings.
type OAuthConfig struct {
	RedirectURI     string
	StateTTL        time.Duration
	ExchangeTimeout time.Duration
	GenericIssuer   string
	TestProviderURL string
	Clients         map[string]ClientRegistration
}

// JobsConfig holds cron schedules of background jobs.
type JobsConfig struct {
	RotationSchedule   string
	MigrationSchedule  string
	RetentionSchedule  string
	AuditRetentionDays int
	BatchSize          int
}

// RateLimitConfig bounds the public OAuth endpoints per client IP.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// Load loads configuration from a .env file, if present, and environment variables.
func Load(logger *zap.Logger) (*Config, error) {
	if logger == nil {
		logger = zap.L()
	}
	_ = godotenv.Load()

	env := getEnv("ENVIRONMENT", "production")
	jwtSecret, err := loadJWTSecret(env, logger)
	if err != nil {
		return nil, err
	}
	appURL := getAppURL()

	cfg := &Config{
		Port:        getEnvInt("PORT", 8080),
		Environment: env,
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		AppURL:      appURL,
		JWTSecret:   jwtSecret,
		CORSOrigins: loadCORSOrigins(env, logger),
		Database: DatabaseConfig{
			Type:         getEnv("DATABASE_TYPE", "postgres"),
			DSN:          getEnv("DATABASE_DSN", buildPostgresDSN()),
			MaxOpenConns: getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getEnvInt("DB_MAX_IDLE_CONNS", 5),
		},
		Vault: VaultConfig{
			Backend:       getEnv("VAULT_BACKEND", "postgres"),
			EncryptionKey: os.Getenv("VAULT_ENCRYPTION_KEY"),
		},
		Redis: RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		OAuth:                    loadOAuthConfig(appURL),
		LegacyCredentialsEnabled: getEnvBool("LEGACY_CREDENTIALS_ENABLED", false),
		RefreshLock:              getEnv("REFRESH_LOCK", "none"),
		NonceStore:               getEnv("NONCE_STORE", "memory"),
		AuditWebhookURL:          os.Getenv("AUDIT_WEBHOOK_URL"),
		AuditWebhookToken:        os.Getenv("AUDIT_WEBHOOK_TOKEN"),
		OutboundAllowPrivate:     getEnvBool("OUTBOUND_ALLOW_PRIVATE", env != "production"),
		Jobs: JobsConfig{
			RotationSchedule:   getEnv("ROTATION_SCHEDULE", "*/15 * * * *"),
			MigrationSchedule:  getEnv("MIGRATION_SCHEDULE", "0 * * * *"),
			RetentionSchedule:  getEnv("RETENTION_SCHEDULE", "0 3 * * *"),
			AuditRetentionDays: getEnvInt("AUDIT_RETENTION_DAYS", 180),
			BatchSize:          getEnvInt("JOB_BATCH_SIZE", 100),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvFloat("OAUTH_RATE_LIMIT_RPS", 5),
			Burst:             getEnvInt("OAUTH_RATE_LIMIT_BURST", 10),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// NeedsDatabase reports whether any configured component is backed by Postgres.
func (c *Config) NeedsDatabase() bool {
	return c.Vault.Backend == "postgres" || c.NonceStore == "postgres" || c.LegacyCredentialsEnabled
}

// NeedsRedis reports whether locks or state nonces live in Redis.
func (c *Config) NeedsRedis() bool {
	return c.RefreshLock == "redis" || c.NonceStore == "redis"
}

func buildPostgresDSN() string {
	host := getEnv("POSTGRES_HOST", "localhost")
	port := getEnv("POSTGRES_PORT", "5432")
	user := getEnv("POSTGRES_USER", "vault")
	password := getEnv("POSTGRES_PASSWORD", "secret")
	dbName := getEnv("POSTGRES_DB", "vault")
	sslMode := getEnv("POSTGRES_SSLMODE", "disable")

	u := url.URL{
		Scheme: "postgresql",
		User:   url.UserPassword(user, password),
		Host:   fmt.Sprintf("%s:%s", host, port),
		Path:   dbName,
	}

	query := u.Query()
	query.Set("sslmode", sslMode)
	u.RawQuery = query.Encode()

	return u.String()
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Environment == "production" {
		if len(c.JWTSecret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
		}

		insecureSecrets := []string{
			"change-this-secret-in-production",
			"change-me-in-production",
			"secret",
			"password",
			"changeme",
		}
		for _, insecure := range insecureSecrets {
			if c.JWTSecret == insecure || c.Vault.EncryptionKey == insecure {
				return fmt.Errorf("JWT_SECRET or VAULT_ENCRYPTION_KEY is set to an insecure default value")
			}
		}
		if c.OAuth.TestProviderURL != "" {
			return fmt.Errorf("OAUTH_TEST_PROVIDER_URL must not be set in production")
		}
	}

	if len(c.CORSOrigins) == 0 {
		return fmt.Errorf("at least one CORS origin must be configured")
	}
	if c.Database.Type != "postgres" {
		return fmt.Errorf("unsupported database type: %s", c.Database.Type)
	}
	if len(c.Vault.EncryptionKey) < 16 {
		return fmt.Errorf("VAULT_ENCRYPTION_KEY must be at least 16 characters")
	}

	switch c.Vault.Backend {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unsupported VAULT_BACKEND: %s", c.Vault.Backend)
	}
	switch c.RefreshLock {
	case "none", "coalesce":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("REDIS_ADDR is required when REFRESH_LOCK=redis")
		}
	default:
		return fmt.Errorf("unsupported REFRESH_LOCK: %s", c.RefreshLock)
	}
	switch c.NonceStore {
	case "memory", "postgres":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("REDIS_ADDR is required when NONCE_STORE=redis")
		}
	default:
		return fmt.Errorf("unsupported NONCE_STORE: %s", c.NonceStore)
	}

	if c.OAuth.StateTTL <= 0 {
		return fmt.Errorf("OAUTH_STATE_TTL must be positive")
	}
	if c.OAuth.ExchangeTimeout <= 0 {
		return fmt.Errorf("OAUTH_EXCHANGE_TIMEOUT must be positive")
	}
	if len(c.OAuth.Clients) > 0 && c.OAuth.RedirectURI == "" {
		return fmt.Errorf("APP_URL or OAUTH_REDIRECT_URI is required when OAuth clients are configured")
	}
	if c.Jobs.AuditRetentionDays < 1 {
		return fmt.Errorf("AUDIT_RETENTION_DAYS must be at least 1")
	}

	return nil
}

func loadJWTSecret(env string, logger *zap.Logger) (string, error) {
	secret := os.Getenv("JWT_SECRET")

	if secret == "" {
		if env == "production" {
			return "", fmt.Errorf("JWT_SECRET environment variable is required in production")
		}

		logger.Warn("JWT_SECRET not set, generating a random secret for development; it will change on restart")
		return generateRandomSecret()
	}

	if len(secret) < 16 {
		return "", fmt.Errorf("JWT_SECRET must be at least 16 characters long")
	}

	return secret, nil
}

func loadCORSOrigins(env string, logger *zap.Logger) []string {
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		return splitAndTrim(origins, ",")
	}
	if appURL := getAppURL(); appURL != "" {
		return []string{appURL}
	}

	if env != "development" {
		logger.Warn("APP_URL not set, using default localhost origins")
	}
	return []string{"http://localhost:3000", "http://localhost:8080"}
}

func loadOAuthConfig(appURL string) OAuthConfig {
	redirectURI := os.Getenv("OAUTH_REDIRECT_URI")
	if redirectURI == "" && appURL != "" {
		redirectURI = appURL + "/api/oauth/callback"
	}

	cfg := OAuthConfig{
		RedirectURI:     redirectURI,
		StateTTL:        getEnvDuration("OAUTH_STATE_TTL", 5*time.Minute),
		ExchangeTimeout: getEnvDuration("OAUTH_EXCHANGE_TIMEOUT", 10*time.Second),
		GenericIssuer:   os.Getenv("OAUTH_GENERIC_ISSUER"),
		TestProviderURL: os.Getenv("OAUTH_TEST_PROVIDER_URL"),
		Clients:         make(map[string]ClientRegistration),
	}

	for _, name := range providerKeys {
		prefix := "OAUTH_" + strings.ToUpper(name) + "_"
		clientID := os.Getenv(prefix + "CLIENT_ID")
		if clientID == "" {
			continue
		}
		cfg.Clients[name] = ClientRegistration{
			ClientID:         clientID,
			ClientSecret:     os.Getenv(prefix + "CLIENT_SECRET"),
			Scope:            os.Getenv(prefix + "SCOPE"),
			AuthorizationURL: os.Getenv(prefix + "AUTH_URL"),
			TokenURL:         os.Getenv(prefix + "TOKEN_URL"),
		}
	}
	return cfg
}

func splitAndTrim(s, sep string) []string {
	parts := []string{}
	for _, part := range strings.Split(s, sep) {
		if part = strings.TrimSpace(part); part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func generateRandomSecret() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random secret: %w", err)
	}
	return base64.URLEncoding.EncodeToString(bytes), nil
}

func getAppURL() string {
	return strings.TrimRight(os.Getenv("APP_URL"), "/")
}
