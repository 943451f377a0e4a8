package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string   `mapstructure:"PORT"`
	Env            string   `mapstructure:"ENV"`
	AuthMode       string   `mapstructure:"AUTH_MODE"`
	StorageDriver  string   `mapstructure:"STORAGE_DRIVER"`
	DatabaseURL    string   `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32    `mapstructure:"DB_MIN_CONNS"`
	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string   `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string   `mapstructure:"AUTH_SIGNING_KEY"`
	DefaultTenant  string   `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`

	AccessTokenKey string        `mapstructure:"ACCESS_TOKEN_KEY"`
	AccessTokenTTL time.Duration `mapstructure:"ACCESS_TOKEN_TTL"`

	ConsentTTL         time.Duration `mapstructure:"CONSENT_TTL"`
	ConsentGrace       time.Duration `mapstructure:"CONSENT_GRACE"`
	ConsentMaxAttempts int           `mapstructure:"CONSENT_MAX_ATTEMPTS"`
	OTPDigits          int           `mapstructure:"OTP_DIGITS"`
	SweepInterval      time.Duration `mapstructure:"SWEEP_INTERVAL"`

	NotifyChannel string        `mapstructure:"NOTIFY_CHANNEL"`
	NotifyTimeout time.Duration `mapstructure:"NOTIFY_TIMEOUT"`
	SMTPAddr      string        `mapstructure:"SMTP_ADDR"`
	SMTPFrom      string        `mapstructure:"SMTP_FROM"`

	RateLimitRPS          float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst        int           `mapstructure:"RATE_LIMIT_BURST"`
	ConsentRateLimitRPS   float64       `mapstructure:"CONSENT_RATE_LIMIT_RPS"`
	ConsentRateLimitBurst int           `mapstructure:"CONSENT_RATE_LIMIT_BURST"`
	RequestTimeout        time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	TLSEnabled  bool   `mapstructure:"TLS_ENABLED"`
	TLSCertFile string `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile  string `mapstructure:"TLS_KEY_FILE"`
}

var envKeys = []string{
	"PORT", "ENV", "AUTH_MODE", "STORAGE_DRIVER",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"DEFAULT_TENANT", "CORS_ORIGINS",
	"ACCESS_TOKEN_KEY", "ACCESS_TOKEN_TTL",
	"CONSENT_TTL", "CONSENT_GRACE", "CONSENT_MAX_ATTEMPTS", "OTP_DIGITS", "SWEEP_INTERVAL",
	"NOTIFY_CHANNEL", "NOTIFY_TIMEOUT", "SMTP_ADDR", "SMTP_FROM",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "CONSENT_RATE_LIMIT_RPS", "CONSENT_RATE_LIMIT_BURST",
	"REQUEST_TIMEOUT",
	"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // "" -> inferred from ENV
	v.SetDefault("STORAGE_DRIVER", "postgres")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("ACCESS_TOKEN_TTL", "5m")
	v.SetDefault("CONSENT_TTL", "10m")
	v.SetDefault("CONSENT_GRACE", "2m")
	v.SetDefault("CONSENT_MAX_ATTEMPTS", 5)
	v.SetDefault("OTP_DIGITS", 6)
	v.SetDefault("SWEEP_INTERVAL", "1m")
	v.SetDefault("NOTIFY_CHANNEL", "log")
	v.SetDefault("NOTIFY_TIMEOUT", "5s")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("CONSENT_RATE_LIMIT_RPS", 1)
	v.SetDefault("CONSENT_RATE_LIMIT_BURST", 10)
	v.SetDefault("REQUEST_TIMEOUT", "30s")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.UsesPostgres() && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required when STORAGE_DRIVER is postgres")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active; requests without a token get admin access.")
		log.Println("WARNING: Do NOT use this configuration in production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// UsesPostgres reports whether registry, sessions and audit events live in Postgres.
func (c *Config) UsesPostgres() bool {
	return c.StorageDriver == "postgres"
}

// ResolvedAuthMode returns the effective auth mode. If AUTH_MODE is explicitly
// set, it is returned. Otherwise:
//   - ENV=development    → "development"
//   - AUTH_ISSUER set    → "external" (JWKS-validated bearer tokens)
//   - Otherwise          → "shared-secret" (HS256 with AUTH_SIGNING_KEY)
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	if c.AuthIssuer != "" {
		return "external"
	}
	return "shared-secret"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	mode := c.ResolvedAuthMode()
	switch mode {
	case "development":
	case "external":
		if c.AuthIssuer == "" {
			return fmt.Errorf("AUTH_ISSUER must be set when AUTH_MODE is \"external\" (current ENV=%q)", c.Env)
		}
	case "shared-secret":
		if c.AuthSigningKey == "" {
			return fmt.Errorf("AUTH_SIGNING_KEY must be set when AUTH_MODE is \"shared-secret\"")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\", \"external\", or \"shared-secret\", got %q", mode)
	}

	if c.StorageDriver != "postgres" && c.StorageDriver != "memory" {
		return fmt.Errorf("STORAGE_DRIVER must be \"postgres\" or \"memory\", got %q", c.StorageDriver)
	}
	if c.IsProduction() && c.StorageDriver == "memory" {
		return fmt.Errorf("STORAGE_DRIVER=memory is not allowed in production")
	}

	// Access tokens released by the gate must be signed with a stable key in production.
	if c.IsProduction() && c.AccessTokenKey == "" {
		return fmt.Errorf("ACCESS_TOKEN_KEY is required in production")
	}
	if c.AccessTokenKey != "" {
		keyBytes, err := hex.DecodeString(c.AccessTokenKey)
		if err != nil {
			return fmt.Errorf("ACCESS_TOKEN_KEY is not valid hex: %w", err)
		}
		if len(keyBytes) != 32 {
			return fmt.Errorf("ACCESS_TOKEN_KEY must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
		}
	}

	if c.ConsentTTL <= 0 {
		return fmt.Errorf("CONSENT_TTL must be positive")
	}
	if c.ConsentGrace < 0 {
		return fmt.Errorf("CONSENT_GRACE must not be negative")
	}
	if c.ConsentMaxAttempts < 2 {
		return fmt.Errorf("CONSENT_MAX_ATTEMPTS must be at least 2, got %d", c.ConsentMaxAttempts)
	}
	if c.OTPDigits < 6 || c.OTPDigits > 10 {
		return fmt.Errorf("OTP_DIGITS must be between 6 and 10, got %d", c.OTPDigits)
	}
	if c.AccessTokenTTL <= 0 {
		return fmt.Errorf("ACCESS_TOKEN_TTL must be positive")
	}
	if c.NotifyTimeout <= 0 {
		return fmt.Errorf("NOTIFY_TIMEOUT must be positive")
	}

	switch c.NotifyChannel {
	case "log":
		// The log channel writes one-time codes to stdout.
		if c.IsProduction() {
			return fmt.Errorf("NOTIFY_CHANNEL=log is not allowed in production")
		}
	case "sms":
	case "email":
		if c.SMTPAddr == "" || c.SMTPFrom == "" {
			return fmt.Errorf("SMTP_ADDR and SMTP_FROM are required when NOTIFY_CHANNEL is \"email\"")
		}
	default:
		return fmt.Errorf("NOTIFY_CHANNEL must be \"email\", \"sms\", or \"log\", got %q", c.NotifyChannel)
	}

	// TLS validation: when TLS is enabled, cert and key files must be specified.
	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	return nil
}
