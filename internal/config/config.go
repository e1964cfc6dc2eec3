package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	LogLevel    string   `mapstructure:"LOG_LEVEL"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL    string   `mapstructure:"REDIS_URL"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	AMQPURL      string `mapstructure:"AMQP_URL"`
	AMQPExchange string `mapstructure:"AMQP_EXCHANGE"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`

	AuthMode     string `mapstructure:"AUTH_MODE"`
	JWTSecret    string `mapstructure:"JWT_SECRET"`
	AuthIssuer   string `mapstructure:"AUTH_ISSUER"`
	AuthAudience string `mapstructure:"AUTH_AUDIENCE"`

	TimeZone              string        `mapstructure:"TIMEZONE"`
	RescheduleNotice      time.Duration `mapstructure:"RESCHEDULE_NOTICE"`
	EnforceAvailability   bool          `mapstructure:"ENFORCE_AVAILABILITY"`
	ReminderSweepSchedule string        `mapstructure:"REMINDER_SWEEP_SCHEDULE"`
	ReminderBatchSize     int           `mapstructure:"REMINDER_BATCH_SIZE"`

	EmailTransport string `mapstructure:"EMAIL_TRANSPORT"`
	SMTPAddr       string `mapstructure:"SMTP_ADDR"`
	SMTPFrom       string `mapstructure:"SMTP_FROM"`
	SMTPUsername   string `mapstructure:"SMTP_USERNAME"`
	SMTPPassword   string `mapstructure:"SMTP_PASSWORD"`

	DirectoryCacheSize int           `mapstructure:"DIRECTORY_CACHE_SIZE"`
	DirectoryCacheTTL  time.Duration `mapstructure:"DIRECTORY_CACHE_TTL"`

	WebhookWorkers     int           `mapstructure:"WEBHOOK_WORKERS"`
	WebhookMaxAttempts int           `mapstructure:"WEBHOOK_MAX_ATTEMPTS"`
	WebhookTimeout     time.Duration `mapstructure:"WEBHOOK_TIMEOUT"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
	"CORS_ORIGINS", "AMQP_URL", "AMQP_EXCHANGE", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"AUTH_MODE", "JWT_SECRET", "AUTH_ISSUER", "AUTH_AUDIENCE",
	"TIMEZONE", "RESCHEDULE_NOTICE", "ENFORCE_AVAILABILITY", "REMINDER_SWEEP_SCHEDULE", "REMINDER_BATCH_SIZE",
	"EMAIL_TRANSPORT", "SMTP_ADDR", "SMTP_FROM", "SMTP_USERNAME", "SMTP_PASSWORD",
	"DIRECTORY_CACHE_SIZE", "DIRECTORY_CACHE_TTL",
	"WEBHOOK_WORKERS", "WEBHOOK_MAX_ATTEMPTS", "WEBHOOK_TIMEOUT",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("AMQP_EXCHANGE", "pats.events")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("AUTH_MODE", "") // "" is inferred from ENV
	v.SetDefault("TIMEZONE", "UTC")
	v.SetDefault("RESCHEDULE_NOTICE", "24h")
	v.SetDefault("ENFORCE_AVAILABILITY", false)
	v.SetDefault("REMINDER_SWEEP_SCHEDULE", "@every 1m")
	v.SetDefault("REMINDER_BATCH_SIZE", 100)
	v.SetDefault("EMAIL_TRANSPORT", "log")
	v.SetDefault("SMTP_FROM", "no-reply@pats.local")
	v.SetDefault("DIRECTORY_CACHE_SIZE", 1024)
	v.SetDefault("DIRECTORY_CACHE_TTL", "5m")
	v.SetDefault("WEBHOOK_WORKERS", 2)
	v.SetDefault("WEBHOOK_MAX_ATTEMPTS", 4)
	v.SetDefault("WEBHOOK_TIMEOUT", "10s")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	for i, o := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(o)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
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

// ResolvedAuthMode returns AUTH_MODE when set, otherwise "dev" in development
// and "jwt" everywhere else.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "dev"
	}
	return "jwt"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch mode := c.ResolvedAuthMode(); mode {
	case "jwt":
		if len(c.JWTSecret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 characters when AUTH_MODE is \"jwt\"")
		}
	case "dev":
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE \"dev\" is not allowed in production")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"jwt\" or \"dev\", got %q", mode)
	}

	if _, err := time.LoadLocation(c.TimeZone); err != nil {
		return fmt.Errorf("TIMEZONE %q: %w", c.TimeZone, err)
	}
	if c.RescheduleNotice < 0 {
		return fmt.Errorf("RESCHEDULE_NOTICE must not be negative, got %s", c.RescheduleNotice)
	}
	if _, err := cron.ParseStandard(c.ReminderSweepSchedule); err != nil {
		return fmt.Errorf("REMINDER_SWEEP_SCHEDULE %q: %w", c.ReminderSweepSchedule, err)
	}
	if c.ReminderBatchSize <= 0 {
		return fmt.Errorf("REMINDER_BATCH_SIZE must be positive, got %d", c.ReminderBatchSize)
	}
	if c.WebhookWorkers <= 0 || c.WebhookMaxAttempts <= 0 {
		return fmt.Errorf("WEBHOOK_WORKERS and WEBHOOK_MAX_ATTEMPTS must be positive")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}

	switch c.EmailTransport {
	case "log":
	case "smtp":
		if c.SMTPAddr == "" {
			return fmt.Errorf("SMTP_ADDR is required when EMAIL_TRANSPORT is \"smtp\"")
		}
	default:
		return fmt.Errorf("EMAIL_TRANSPORT must be \"log\" or \"smtp\", got %q", c.EmailTransport)
	}
	return nil
}
