// Package config loads server and client configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds the backend service configuration.
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage and messaging, all optional
	DatabaseURL  string // in-memory stores when empty
	RedisURL     string // token revocation list; in-memory when empty
	NATSURL      string // lifecycle events; dropped when empty
	WebhookURL   string // lifecycle events posted here too when set
	WebhookKey   string // HMAC key signing webhook deliveries
	OTLPEndpoint string // tracing disabled when empty

	// Wallet network platform API
	PiAPIURL     string
	PiAPIKey     string
	PiAPITimeout time.Duration

	// Auth
	JWTSecret      string
	TokenTTL       time.Duration
	StaffUsernames []string

	// Requests
	RecoveryFeePercent decimal.Decimal

	// Payments whose callbacks never arrived are reconciled against the
	// platform every ReconcileInterval once idle for StalePaymentAge.
	ReconcileInterval time.Duration
	StalePaymentAge   time.Duration

	// Security
	RateLimitRPM int
	CORSOrigins  []string
}

// ClientConfig holds settings for the client core and walletctl.
type ClientConfig struct {
	APIURL   string
	StateDir string
	Timeout  time.Duration
	LogLevel string

	// Sandbox wallet runtime identity.
	SandboxAccessToken string
	SandboxUID         string
	SandboxUsername    string
}

const (
	DefaultPort         = "8080"
	DefaultEnv          = "development"
	DefaultLogLevel     = "info"
	DefaultLogFormat    = "text"
	DefaultPiAPIURL     = "https://api.minepi.com"
	DefaultTimeout      = 20 * time.Second
	DefaultTokenTTL     = 24 * time.Hour
	DefaultFeePercent   = "25"
	DefaultRateLimitRPM = 120
	DefaultAPIURL       = "http://localhost:8080"

	DefaultReconcileInterval = 5 * time.Minute
	DefaultStalePaymentAge   = 10 * time.Minute

	minJWTSecretLen = 32
)

// Load reads the server configuration. A .env file in the working
// directory is honored for local development.
func Load() (*Config, error) {
	_ = godotenv.Load()

	fee, err := decimal.NewFromString(getEnv("RECOVERY_FEE_PERCENT", DefaultFeePercent))
	if err != nil {
		return nil, fmt.Errorf("RECOVERY_FEE_PERCENT: %w", err)
	}

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RedisURL:           os.Getenv("REDIS_URL"),
		NATSURL:            os.Getenv("NATS_URL"),
		WebhookURL:         os.Getenv("STAFF_WEBHOOK_URL"),
		WebhookKey:         os.Getenv("STAFF_WEBHOOK_SECRET"),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		PiAPIURL:           getEnv("PI_API_URL", DefaultPiAPIURL),
		PiAPIKey:           os.Getenv("PI_API_KEY"),
		PiAPITimeout:       getEnvDuration("PI_API_TIMEOUT", DefaultTimeout),
		JWTSecret:          os.Getenv("JWT_SECRET"),
		TokenTTL:           getEnvDuration("TOKEN_TTL", DefaultTokenTTL),
		StaffUsernames:     getEnvList("STAFF_USERNAMES"),
		RecoveryFeePercent: fee,
		ReconcileInterval:  getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		StalePaymentAge:    getEnvDuration("STALE_PAYMENT_AGE", DefaultStalePaymentAge),
		RateLimitRPM:       int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		CORSOrigins:        getEnvList("CORS_ALLOWED_ORIGINS"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required settings and value ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.PiAPIKey == "" {
		errs = append(errs, errors.New("PI_API_KEY is required"))
	}
	if len(c.JWTSecret) < minJWTSecretLen {
		errs = append(errs, fmt.Errorf("JWT_SECRET must be at least %d bytes", minJWTSecretLen))
	}
	if _, err := url.ParseRequestURI(c.PiAPIURL); err != nil {
		errs = append(errs, fmt.Errorf("PI_API_URL is not a valid URL: %w", err))
	}
	if c.RecoveryFeePercent.IsNegative() || c.RecoveryFeePercent.GreaterThan(decimal.NewFromInt(100)) {
		errs = append(errs, errors.New("RECOVERY_FEE_PERCENT must be between 0 and 100"))
	}
	if c.TokenTTL <= 0 {
		errs = append(errs, errors.New("TOKEN_TTL must be positive"))
	}
	if c.WebhookURL != "" {
		if _, err := url.ParseRequestURI(c.WebhookURL); err != nil {
			errs = append(errs, fmt.Errorf("STAFF_WEBHOOK_URL is not a valid URL: %w", err))
		}
	}
	if c.ReconcileInterval <= 0 || c.StalePaymentAge <= 0 {
		errs = append(errs, errors.New("RECONCILE_INTERVAL and STALE_PAYMENT_AGE must be positive"))
	}
	return errors.Join(errs...)
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// LoadClient reads the client configuration.
func LoadClient() (*ClientConfig, error) {
	_ = godotenv.Load()

	stateDir := os.Getenv("PIGUARD_STATE_DIR")
	if stateDir == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("resolve state dir: %w", err)
		}
		stateDir = filepath.Join(dir, "piguard")
	}

	cfg := &ClientConfig{
		APIURL:             strings.TrimRight(getEnv("PIGUARD_API_URL", DefaultAPIURL), "/"),
		StateDir:           stateDir,
		Timeout:            getEnvDuration("PIGUARD_TIMEOUT", DefaultTimeout),
		LogLevel:           getEnv("LOG_LEVEL", "warn"),
		SandboxAccessToken: os.Getenv("PI_SANDBOX_ACCESS_TOKEN"),
		SandboxUID:         os.Getenv("PI_SANDBOX_UID"),
		SandboxUsername:    os.Getenv("PI_SANDBOX_USERNAME"),
	}
	if _, err := url.ParseRequestURI(cfg.APIURL); err != nil {
		return nil, fmt.Errorf("PIGUARD_API_URL is not a valid URL: %w", err)
	}
	if cfg.Timeout <= 0 {
		return nil, errors.New("PIGUARD_TIMEOUT must be positive")
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
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

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
