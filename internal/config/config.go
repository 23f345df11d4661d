// Package config loads compassd settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
	_ "time/tzdata" // TIMEZONE must resolve on hosts without a zoneinfo database
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Local store
	DataDir  string
	Timezone string
	Location *time.Location

	// Notification scheduler
	DispatchInterval      time.Duration
	CleanupInterval       time.Duration
	ReminderHour          int
	RetentionDays         int
	TestNotificationLimit int // per user per hour

	// Background sync
	SyncMaxRetries    int
	SyncRetryInterval time.Duration

	// AI / OpenAI config
	AIEnabled     bool // set when OPENAI_API_KEY is present
	OpenAIAPIKey  string
	OpenAIModel   string
	OpenAIBaseURL string
	AITimeout     time.Duration
	AIDailyQuota  int // 0 disables the quota

	// Redis config. Redis is optional; leave REDIS_HOST unset to run without it.
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Database for the remote sync sink. Leave DB_HOST unset to disable.
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// AWS Services
	AWSRegion    string
	AWSEndpoint  string // LocalStack override
	SQSQueueURL  string
	SESFromEmail string
	PushEnabled  bool
	SMSEnabled   bool

	// Webhook channel
	WebhookURL     string
	WebhookTimeout time.Duration

	// Connectivity probe
	ProbeURL      string
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration

	// Catalog seeding. Empty uses the built-in seed files.
	CatalogSeedDir string
}

// RedisEnabled reports whether a Redis host was configured.
func (c *Config) RedisEnabled() bool { return c.RedisHost != "" }

// PostgresEnabled reports whether a database host was configured.
func (c *Config) PostgresEnabled() bool { return c.DBHost != "" }

// IsProduction reports whether Env is production.
func (c *Config) IsProduction() bool { return c.Env == "production" }

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		DataDir:  "./data",
		Timezone: "Asia/Kolkata",

		DispatchInterval:      time.Minute,
		CleanupInterval:       24 * time.Hour,
		ReminderHour:          9,
		RetentionDays:         30,
		TestNotificationLimit: 5,

		SyncMaxRetries:    5,
		SyncRetryInterval: 30 * time.Second,

		OpenAIModel:   "gpt-4o-mini",
		OpenAIBaseURL: "https://api.openai.com/v1",
		AITimeout:     10 * time.Second,
		AIDailyQuota:  200,

		RedisPort: 6379,

		DBPort:    5432,
		DBUser:    "compass",
		DBName:    "compass",
		DBSSLMode: "disable",

		AWSRegion:    "ap-south-1",
		SESFromEmail: "noreply@compass.local",

		WebhookTimeout: 10 * time.Second,

		ProbeInterval: 30 * time.Second,
		ProbeTimeout:  5 * time.Second,
	}

	var err error

	if cfg.Port, err = envInt("PORT", cfg.Port); err != nil {
		return nil, err
	}
	cfg.LogLevel = envString("LOG_LEVEL", cfg.LogLevel)
	cfg.Env = envString("ENV", cfg.Env)

	cfg.DataDir = envString("DATA_DIR", cfg.DataDir)
	cfg.Timezone = envString("TIMEZONE", cfg.Timezone)
	if cfg.Location, err = time.LoadLocation(cfg.Timezone); err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE: %w", err)
	}

	// Notification scheduler
	if cfg.DispatchInterval, err = envDuration("DISPATCH_INTERVAL", cfg.DispatchInterval); err != nil {
		return nil, err
	}
	if cfg.CleanupInterval, err = envDuration("CLEANUP_INTERVAL", cfg.CleanupInterval); err != nil {
		return nil, err
	}
	if cfg.ReminderHour, err = envInt("REMINDER_HOUR", cfg.ReminderHour); err != nil {
		return nil, err
	}
	if cfg.ReminderHour < 0 || cfg.ReminderHour > 23 {
		return nil, fmt.Errorf("invalid REMINDER_HOUR: %d is outside 0-23", cfg.ReminderHour)
	}
	if cfg.RetentionDays, err = envInt("RETENTION_DAYS", cfg.RetentionDays); err != nil {
		return nil, err
	}
	if cfg.RetentionDays <= 0 {
		return nil, fmt.Errorf("invalid RETENTION_DAYS: must be positive")
	}
	if cfg.TestNotificationLimit, err = envInt("TEST_NOTIFICATION_LIMIT", cfg.TestNotificationLimit); err != nil {
		return nil, err
	}

	// Background sync
	if cfg.SyncMaxRetries, err = envInt("SYNC_MAX_RETRIES", cfg.SyncMaxRetries); err != nil {
		return nil, err
	}
	if cfg.SyncRetryInterval, err = envDuration("SYNC_RETRY_INTERVAL", cfg.SyncRetryInterval); err != nil {
		return nil, err
	}

	// AI config
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		cfg.OpenAIAPIKey = key
		cfg.AIEnabled = true
	}
	cfg.OpenAIModel = envString("OPENAI_MODEL", cfg.OpenAIModel)
	cfg.OpenAIBaseURL = envString("OPENAI_BASE_URL", cfg.OpenAIBaseURL)
	if cfg.AITimeout, err = envDuration("AI_TIMEOUT", cfg.AITimeout); err != nil {
		return nil, err
	}
	if cfg.AIDailyQuota, err = envInt("AI_DAILY_QUOTA", cfg.AIDailyQuota); err != nil {
		return nil, err
	}

	// Redis config
	cfg.RedisHost = envString("REDIS_HOST", cfg.RedisHost)
	if cfg.RedisPort, err = envInt("REDIS_PORT", cfg.RedisPort); err != nil {
		return nil, err
	}
	cfg.RedisPassword = envString("REDIS_PASSWORD", cfg.RedisPassword)
	if cfg.RedisDB, err = envInt("REDIS_DB", cfg.RedisDB); err != nil {
		return nil, err
	}

	// Database config
	cfg.DBHost = envString("DB_HOST", cfg.DBHost)
	if cfg.DBPort, err = envInt("DB_PORT", cfg.DBPort); err != nil {
		return nil, err
	}
	cfg.DBUser = envString("DB_USER", cfg.DBUser)
	cfg.DBPassword = envString("DB_PASSWORD", cfg.DBPassword)
	cfg.DBName = envString("DB_NAME", cfg.DBName)
	cfg.DBSSLMode = envString("DB_SSLMODE", cfg.DBSSLMode)

	// AWS
	cfg.AWSRegion = envString("AWS_REGION", cfg.AWSRegion)
	cfg.AWSEndpoint = envString("AWS_ENDPOINT_URL", cfg.AWSEndpoint)
	cfg.SQSQueueURL = envString("SQS_QUEUE_URL", cfg.SQSQueueURL)
	cfg.SESFromEmail = envString("SES_FROM_EMAIL", cfg.SESFromEmail)
	if cfg.PushEnabled, err = envBool("PUSH_ENABLED", cfg.PushEnabled); err != nil {
		return nil, err
	}
	if cfg.SMSEnabled, err = envBool("SMS_ENABLED", cfg.SMSEnabled); err != nil {
		return nil, err
	}

	// Webhook config
	cfg.WebhookURL = envString("WEBHOOK_URL", cfg.WebhookURL)
	if cfg.WebhookTimeout, err = envDuration("WEBHOOK_TIMEOUT", cfg.WebhookTimeout); err != nil {
		return nil, err
	}

	// Connectivity probe
	cfg.ProbeURL = envString("PROBE_URL", cfg.ProbeURL)
	if cfg.ProbeInterval, err = envDuration("PROBE_INTERVAL", cfg.ProbeInterval); err != nil {
		return nil, err
	}
	if cfg.ProbeTimeout, err = envDuration("PROBE_TIMEOUT", cfg.ProbeTimeout); err != nil {
		return nil, err
	}

	cfg.CatalogSeedDir = envString("CATALOG_SEED_DIR", cfg.CatalogSeedDir)

	return cfg, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func envBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

// envDuration accepts Go duration strings ("90s") or a bare number of seconds.
func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return d, nil
}
