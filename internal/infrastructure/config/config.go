package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// AppConfig encapsulates all runtime configuration knobs.
type AppConfig struct {
	App            AppSettings
	HTTP           HTTPSettings
	Auth           AuthSettings
	Log            LogSettings
	Database       DatabaseSettings
	Audit          AuditSettings
	Authority      AuthoritySettings
	Submission     SubmissionSettings
	Reconciliation ReconciliationSettings
	Signing        SigningSettings
	Notification   NotificationSettings
}

type AppSettings struct {
	Name        string
	Version     string
	Environment string
}

type HTTPSettings struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// SubmissionTimeout bounds a synchronous submit or cancel request,
	// which may include several authority attempts.
	SubmissionTimeout time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
}

type AuthSettings struct {
	Enabled     bool
	IssuerURI   string
	JWKSetURI   string
	ClockSkew   time.Duration
	BypassPaths []string
}

type LogSettings struct {
	Level string
}

type DatabaseSettings struct {
	// Driver selects the submission ledger: postgres or sqlite.
	Driver          string
	SQLitePath      string
	Host            string
	Port            int
	Database        string
	User            string
	Password        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type AuditSettings struct {
	Enabled         bool
	LogRequestBody  bool
	LogResponseBody bool
	MaxBodySize     int
}

// AuthoritySettings configures the tax authority gateway.
type AuthoritySettings struct {
	Environment     string // sandbox or production
	BaseURL         string // overrides the environment URL when set
	APIKey          string
	Timeout         time.Duration
	RateLimitRPS    float64
	RateLimitBurst  int
	MaxConcurrent   int
	BreakerFailures int
	BreakerCooldown time.Duration
}

type SubmissionSettings struct {
	IRNPrefix      string
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	AttemptTimeout time.Duration
	IdentityTTL    time.Duration
	DueBatchSize   int
}

type ReconciliationSettings struct {
	Enabled    bool
	Interval   time.Duration
	StaleAfter time.Duration
	BatchSize  int
	Workers    int
}

type SigningSettings struct {
	// KeyPassphrase decrypts PKCS#8 encrypted business keys.
	KeyPassphrase string
}

type NotificationSettings struct {
	WebhookURL    string
	WebhookSecret string
	Timeout       time.Duration
}

// Load resolves the application configuration from environment variables.
// It first attempts to load variables from a .env file if it exists.
// Environment variables set in the system take precedence over .env file values.
func Load() (AppConfig, error) {
	_ = godotenv.Load()

	cfg := AppConfig{
		App: AppSettings{
			Name:        getEnv("APP_NAME", "ms_einvoice_core"),
			Version:     getEnv("APP_VERSION", "0.1.0"),
			Environment: getEnv("APP_ENV", "local"),
		},
		HTTP: HTTPSettings{
			Port:              getEnvAsInt("APP_PORT", 8080),
			ReadTimeout:       getEnvAsDuration("HTTP_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:      getEnvAsDuration("HTTP_WRITE_TIMEOUT", 2*time.Minute),
			SubmissionTimeout: getEnvAsDuration("HTTP_SUBMISSION_TIMEOUT", 90*time.Second),
			IdleTimeout:       getEnvAsDuration("HTTP_IDLE_TIMEOUT", 120*time.Second),
			ShutdownTimeout:   getEnvAsDuration("HTTP_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Auth: AuthSettings{
			Enabled:     getEnvAsBool("AUTH_ENABLED", true),
			IssuerURI:   strings.TrimSpace(os.Getenv("JWT_ISSUER_URI")),
			JWKSetURI:   strings.TrimSpace(os.Getenv("JWT_JWK_SET_URI")),
			ClockSkew:   getEnvAsDuration("AUTH_CLOCK_SKEW", 2*time.Minute),
			BypassPaths: getEnvAsCSV("AUTH_BYPASS_PATHS", []string{"/health"}),
		},
		Log: LogSettings{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Database: DatabaseSettings{
			Driver:          strings.ToLower(getEnv("DB_DRIVER", DriverPostgres)),
			SQLitePath:      getEnv("DB_SQLITE_PATH", "data/submissions.db"),
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvAsInt("DB_PORT", 5432),
			Database:        getEnv("DB_NAME", "ms_einvoice_core"),
			User:            getEnv("DB_USER", "postgres"),
			Password:        getEnv("DB_PASSWORD", ""),
			SSLMode:         getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
		},
		Audit: AuditSettings{
			Enabled:         getEnvAsBool("AUDIT_ENABLED", true),
			LogRequestBody:  getEnvAsBool("AUDIT_LOG_REQUEST_BODY", false),
			LogResponseBody: getEnvAsBool("AUDIT_LOG_RESPONSE_BODY", true),
			MaxBodySize:     getEnvAsInt("AUDIT_MAX_BODY_SIZE", 102400),
		},
		Authority: AuthoritySettings{
			Environment:     strings.ToLower(getEnv("AUTHORITY_ENV", "sandbox")),
			BaseURL:         strings.TrimSpace(os.Getenv("AUTHORITY_BASE_URL")),
			APIKey:          strings.TrimSpace(os.Getenv("AUTHORITY_API_KEY")),
			Timeout:         getEnvAsDuration("AUTHORITY_TIMEOUT", 30*time.Second),
			RateLimitRPS:    getEnvAsFloat("AUTHORITY_RATE_LIMIT_RPS", 10),
			RateLimitBurst:  getEnvAsInt("AUTHORITY_RATE_LIMIT_BURST", 5),
			MaxConcurrent:   getEnvAsInt("AUTHORITY_MAX_CONCURRENT", 10),
			BreakerFailures: getEnvAsInt("AUTHORITY_BREAKER_FAILURES", 5),
			BreakerCooldown: getEnvAsDuration("AUTHORITY_BREAKER_COOLDOWN", 30*time.Second),
		},
		Submission: SubmissionSettings{
			IRNPrefix:      getEnv("IRN_PREFIX", "INV"),
			MaxAttempts:    getEnvAsInt("SUBMISSION_MAX_ATTEMPTS", 3),
			BaseDelay:      getEnvAsDuration("SUBMISSION_BASE_DELAY", 1*time.Second),
			MaxDelay:       getEnvAsDuration("SUBMISSION_MAX_DELAY", 30*time.Second),
			AttemptTimeout: getEnvAsDuration("SUBMISSION_ATTEMPT_TIMEOUT", 30*time.Second),
			IdentityTTL:    getEnvAsDuration("SIGNING_IDENTITY_TTL", 15*time.Minute),
			DueBatchSize:   getEnvAsInt("SUBMISSION_DUE_BATCH_SIZE", 50),
		},
		Reconciliation: ReconciliationSettings{
			Enabled:    getEnvAsBool("RECONCILIATION_ENABLED", true),
			Interval:   getEnvAsDuration("RECONCILIATION_INTERVAL", 1*time.Minute),
			StaleAfter: getEnvAsDuration("RECONCILIATION_STALE_AFTER", 5*time.Minute),
			BatchSize:  getEnvAsInt("RECONCILIATION_BATCH_SIZE", 100),
			Workers:    getEnvAsInt("RECONCILIATION_WORKERS", 4),
		},
		Signing: SigningSettings{
			KeyPassphrase: os.Getenv("SIGNING_KEY_PASSPHRASE"),
		},
		Notification: NotificationSettings{
			WebhookURL:    strings.TrimSpace(os.Getenv("NOTIFY_WEBHOOK_URL")),
			WebhookSecret: os.Getenv("NOTIFY_WEBHOOK_SECRET"),
			Timeout:       getEnvAsDuration("NOTIFY_TIMEOUT", 10*time.Second),
		},
	}

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (cfg AppConfig) validate() error {
	switch cfg.Database.Driver {
	case DriverPostgres:
	case DriverSQLite:
		if strings.TrimSpace(cfg.Database.SQLitePath) == "" {
			return errors.New("invalid config: DB_SQLITE_PATH is required when DB_DRIVER=sqlite")
		}
	default:
		return fmt.Errorf("invalid config: DB_DRIVER must be %q or %q", DriverPostgres, DriverSQLite)
	}

	if cfg.Authority.Environment != "sandbox" && cfg.Authority.Environment != "production" {
		return errors.New("invalid config: AUTHORITY_ENV must be 'sandbox' or 'production'")
	}
	if cfg.Authority.MaxConcurrent <= 0 {
		return errors.New("invalid config: AUTHORITY_MAX_CONCURRENT must be greater than 0")
	}
	if cfg.Authority.Timeout <= 0 {
		return errors.New("invalid config: AUTHORITY_TIMEOUT must be greater than 0")
	}

	if cfg.Submission.MaxAttempts <= 0 {
		return errors.New("invalid config: SUBMISSION_MAX_ATTEMPTS must be greater than 0")
	}
	if cfg.Submission.BaseDelay <= 0 {
		return errors.New("invalid config: SUBMISSION_BASE_DELAY must be greater than 0")
	}
	if cfg.Submission.MaxDelay > 0 && cfg.Submission.MaxDelay < cfg.Submission.BaseDelay {
		return errors.New("invalid config: SUBMISSION_MAX_DELAY cannot be lower than SUBMISSION_BASE_DELAY")
	}

	if cfg.Reconciliation.Workers <= 0 {
		return errors.New("invalid config: RECONCILIATION_WORKERS must be greater than 0")
	}

	if cfg.Auth.Enabled {
		if cfg.Auth.IssuerURI == "" {
			return errors.New("invalid config: JWT_ISSUER_URI is required when AUTH_ENABLED=true")
		}
		if cfg.Auth.JWKSetURI == "" {
			return errors.New("invalid config: JWT_JWK_SET_URI is required when AUTH_ENABLED=true")
		}
	}
	return nil
}

// Address returns the HTTP listen address in host:port form.
func (h HTTPSettings) Address() string {
	return fmt.Sprintf(":%d", h.Port)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsCSV(key string, fallback []string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}

	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			values = append(values, trimmed)
		}
	}
	if len(values) == 0 {
		return fallback
	}
	return values
}
