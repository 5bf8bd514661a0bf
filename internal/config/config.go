package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

type Config struct {
	Port      string `mapstructure:"PORT"`
	Env       string `mapstructure:"ENV"`
	LogLevel  string `mapstructure:"LOG_LEVEL"`
	AuthMode  string `mapstructure:"AUTH_MODE"`
	APIPrefix string `mapstructure:"API_PREFIX"`

	StoreBackend  string `mapstructure:"STORE_BACKEND"`
	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32  `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir string `mapstructure:"MIGRATIONS_DIR"`

	RedisURL  string        `mapstructure:"REDIS_URL"`
	LeaderKey string        `mapstructure:"LEADER_KEY"`
	LeaderTTL time.Duration `mapstructure:"LEADER_TTL"`

	KafkaBrokers []string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic   string   `mapstructure:"KAFKA_TOPIC"`

	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string   `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string   `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`
	TLSEnabled     bool     `mapstructure:"TLS_ENABLED"`
	TLSCertFile    string   `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile     string   `mapstructure:"TLS_KEY_FILE"`

	// Clinical thresholds, approved by the clinical lead.
	AcuityReferral    string        `mapstructure:"ACUITY_REFERRAL"`
	CorrectionFrom    float64       `mapstructure:"CORRECTION_FROM"`
	ModerateFrom      float64       `mapstructure:"MODERATE_FROM"`
	SevereFrom        float64       `mapstructure:"SEVERE_FROM"`
	MaxCalibrationAge time.Duration `mapstructure:"MAX_CALIBRATION_AGE"`

	PostFittingMonths  int           `mapstructure:"FOLLOWUP_POST_FITTING_MONTHS"`
	PostNormalMonths   int           `mapstructure:"FOLLOWUP_POST_NORMAL_MONTHS"`
	SweepInterval      time.Duration `mapstructure:"SWEEP_INTERVAL"`
	SweepBatchSize     int           `mapstructure:"SWEEP_BATCH_SIZE"`
	StaleAfter         time.Duration `mapstructure:"STALE_AFTER"`
	StaleCheckInterval time.Duration `mapstructure:"STALE_CHECK_INTERVAL"`

	DispatchWorkers        int           `mapstructure:"DISPATCH_WORKERS"`
	DispatchQueueSize      int           `mapstructure:"DISPATCH_QUEUE_SIZE"`
	DispatchMaxAttempts    int           `mapstructure:"DISPATCH_MAX_ATTEMPTS"`
	DispatchBackoffBase    time.Duration `mapstructure:"DISPATCH_BACKOFF_BASE"`
	DispatchBackoffMax     time.Duration `mapstructure:"DISPATCH_BACKOFF_MAX"`
	DispatchHandlerTimeout time.Duration `mapstructure:"DISPATCH_HANDLER_TIMEOUT"`
	BreakerFailures        uint32        `mapstructure:"BREAKER_FAILURES"`
	BreakerCooldown        time.Duration `mapstructure:"BREAKER_COOLDOWN"`

	LINEAPIURL      string        `mapstructure:"LINE_API_URL"`
	LINEAccessToken string        `mapstructure:"LINE_ACCESS_TOKEN"`
	SMTPAddr        string        `mapstructure:"SMTP_ADDR"`
	SMTPFrom        string        `mapstructure:"SMTP_FROM"`
	SMTPUsername    string        `mapstructure:"SMTP_USERNAME"`
	SMTPPassword    string        `mapstructure:"SMTP_PASSWORD"`
	NotifyTimeout   time.Duration `mapstructure:"NOTIFY_TIMEOUT"`

	InsightURL     string        `mapstructure:"INSIGHT_URL"`
	InsightPath    string        `mapstructure:"INSIGHT_PATH"`
	InsightAPIKey  string        `mapstructure:"INSIGHT_API_KEY"`
	InsightRoles   []string      `mapstructure:"INSIGHT_ROLES"`
	InsightTimeout time.Duration `mapstructure:"INSIGHT_TIMEOUT"`

	TracingEnabled  bool    `mapstructure:"TRACING_ENABLED"`
	OTLPEndpoint    string  `mapstructure:"OTLP_ENDPOINT"`
	TraceSampleRate float64 `mapstructure:"TRACE_SAMPLE_RATE"`
}

var defaults = map[string]interface{}{
	"PORT":       "8000",
	"ENV":        "development",
	"LOG_LEVEL":  "info",
	"AUTH_MODE":  "", // inferred from ENV
	"API_PREFIX": "/api/v1",

	"STORE_BACKEND":  "postgres",
	"DB_MAX_CONNS":   20,
	"DB_MIN_CONNS":   5,
	"MIGRATIONS_DIR": "migrations",

	"LEADER_KEY": "screening:leader",
	"LEADER_TTL": "30s",

	"KAFKA_TOPIC": "screening.events",

	"CORS_ORIGINS":     "http://localhost:3000",
	"RATE_LIMIT_RPS":   100,
	"RATE_LIMIT_BURST": 200,

	"ACUITY_REFERRAL":     "20/40",
	"CORRECTION_FROM":     0.75,
	"MODERATE_FROM":       2.0,
	"SEVERE_FROM":         5.0,
	"MAX_CALIBRATION_AGE": "24h",

	"FOLLOWUP_POST_FITTING_MONTHS": 6,
	"FOLLOWUP_POST_NORMAL_MONTHS":  12,
	"SWEEP_INTERVAL":               "1h",
	"SWEEP_BATCH_SIZE":             200,
	"STALE_AFTER":                  "72h",
	"STALE_CHECK_INTERVAL":         "15m",

	"DISPATCH_WORKERS":         4,
	"DISPATCH_QUEUE_SIZE":      1024,
	"DISPATCH_MAX_ATTEMPTS":    5,
	"DISPATCH_BACKOFF_BASE":    "500ms",
	"DISPATCH_BACKOFF_MAX":     "30s",
	"DISPATCH_HANDLER_TIMEOUT": "10s",
	"BREAKER_FAILURES":         5,
	"BREAKER_COOLDOWN":         "30s",

	"LINE_API_URL":   "https://api.line.me",
	"NOTIFY_TIMEOUT": "10s",

	"INSIGHT_PATH":    "/v1/insights",
	"INSIGHT_ROLES":   "guardian",
	"INSIGHT_TIMEOUT": "20s",

	"TRACE_SAMPLE_RATE": 1.0,
}

// listKeys are comma separated in the environment.
var listKeys = []string{"KAFKA_BROKERS", "CORS_ORIGINS", "INSIGHT_ROLES"}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	// Bind env vars explicitly so Unmarshal picks up keys without defaults
	for _, key := range keys() {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	for _, key := range listKeys {
		cfg.setList(key, splitList(v.GetString(key)))
	}

	if cfg.StoreBackend == "postgres" && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

// keys lists every mapstructure key of Config.
func keys() []string {
	return []string{
		"PORT", "ENV", "LOG_LEVEL", "AUTH_MODE", "API_PREFIX",
		"STORE_BACKEND", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "MIGRATIONS_DIR",
		"REDIS_URL", "LEADER_KEY", "LEADER_TTL", "KAFKA_BROKERS", "KAFKA_TOPIC",
		"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY", "CORS_ORIGINS",
		"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
		"ACUITY_REFERRAL", "CORRECTION_FROM", "MODERATE_FROM", "SEVERE_FROM", "MAX_CALIBRATION_AGE",
		"FOLLOWUP_POST_FITTING_MONTHS", "FOLLOWUP_POST_NORMAL_MONTHS", "SWEEP_INTERVAL",
		"SWEEP_BATCH_SIZE", "STALE_AFTER", "STALE_CHECK_INTERVAL",
		"DISPATCH_WORKERS", "DISPATCH_QUEUE_SIZE", "DISPATCH_MAX_ATTEMPTS", "DISPATCH_BACKOFF_BASE",
		"DISPATCH_BACKOFF_MAX", "DISPATCH_HANDLER_TIMEOUT", "BREAKER_FAILURES", "BREAKER_COOLDOWN",
		"LINE_API_URL", "LINE_ACCESS_TOKEN", "SMTP_ADDR", "SMTP_FROM", "SMTP_USERNAME",
		"SMTP_PASSWORD", "NOTIFY_TIMEOUT",
		"INSIGHT_URL", "INSIGHT_PATH", "INSIGHT_API_KEY", "INSIGHT_ROLES", "INSIGHT_TIMEOUT",
		"TRACING_ENABLED", "OTLP_ENDPOINT", "TRACE_SAMPLE_RATE",
	}
}

func (c *Config) setList(key string, values []string) {
	switch key {
	case "KAFKA_BROKERS":
		c.KafkaBrokers = values
	case "CORS_ORIGINS":
		c.CORSOrigins = values
	case "INSIGHT_ROLES":
		c.InsightRoles = values
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns AUTH_MODE when set. Otherwise development runs
// without auth and every other environment validates JWTs.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "jwt"
}

// Level parses LOG_LEVEL, falling back to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// Validate checks that the configuration is safe to run. Clinical
// thresholds are checked again by the coordinator when it is built.
func (c *Config) Validate() error {
	switch c.ResolvedAuthMode() {
	case "development":
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE=development is not allowed in production")
		}
	case "jwt":
		if c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
			return fmt.Errorf("AUTH_JWKS_URL or AUTH_SIGNING_KEY is required when AUTH_MODE is \"jwt\"")
		}
		if c.IsProduction() && c.AuthSigningKey != "" {
			return fmt.Errorf("AUTH_SIGNING_KEY is for development only; use AUTH_JWKS_URL in production")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"jwt\", got %q", c.AuthMode)
	}

	switch c.StoreBackend {
	case "postgres", "memory":
	default:
		return fmt.Errorf("STORE_BACKEND must be \"postgres\" or \"memory\", got %q", c.StoreBackend)
	}
	if c.IsProduction() && c.StoreBackend == "memory" {
		return fmt.Errorf("STORE_BACKEND=memory is not allowed in production")
	}

	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		return fmt.Errorf("KAFKA_TOPIC is required when KAFKA_BROKERS is set")
	}
	if c.SMTPAddr != "" && c.SMTPFrom == "" {
		return fmt.Errorf("SMTP_FROM is required when SMTP_ADDR is set")
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must not be negative")
	}
	if c.DispatchWorkers <= 0 || c.DispatchQueueSize <= 0 || c.DispatchMaxAttempts <= 0 {
		return fmt.Errorf("DISPATCH_WORKERS, DISPATCH_QUEUE_SIZE and DISPATCH_MAX_ATTEMPTS must be positive")
	}
	for name, d := range map[string]time.Duration{
		"SWEEP_INTERVAL":       c.SweepInterval,
		"STALE_AFTER":          c.StaleAfter,
		"STALE_CHECK_INTERVAL": c.StaleCheckInterval,
		"LEADER_TTL":           c.LeaderTTL,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be a positive duration", name)
		}
	}
	if c.TraceSampleRate < 0 || c.TraceSampleRate > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATE must be between 0 and 1")
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
