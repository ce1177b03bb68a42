package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the application
type Config struct {
	// Server configuration
	Port  string
	Debug bool

	// Governor configuration
	GlobalConcurrencyCap  int
	PerSiteRateTokens     int           // token bucket burst per site
	PerSiteRefillInterval time.Duration // one token refilled per interval
	AdmitTimeout          time.Duration

	// Scheduler configuration
	BaseBackoff            time.Duration
	MaxBackoff             time.Duration
	MaxFailureStreak       int
	DegradedIntervalFactor int
	SchedulerTick          time.Duration

	// Pipeline configuration
	ScrapeWorkers int
	JobTimeout    time.Duration

	// Change detection
	MinSignificantDeltaPct float64 // percentage threshold, 0 disables
	MinSignificantDeltaAbs float64 // absolute threshold, 0 disables

	// Dispatch configuration
	AlertCooldown       time.Duration
	DispatchWorkers     int
	DispatchQueueSize   int
	ChannelMaxRetries   int
	ChannelRetryBackoff time.Duration

	// Notification channels
	SMTPHost          string
	SMTPPort          int
	SMTPUsername      string
	SMTPPassword      string
	NotificationEmail string
	WebhookTimeout    time.Duration
	TelegramBotToken  string

	// Storage
	SQLitePath       string
	StorageAccount   string
	StorageContainer string

	// Calendar jobs (cron expressions, with seconds field)
	ArchiveSchedule         string
	RegistryRefreshSchedule string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Port:  getEnv("PORT", "8080"),
		Debug: getBoolEnv("DEBUG", false),

		GlobalConcurrencyCap:  getIntEnv("GLOBAL_CONCURRENCY_CAP", 8),
		PerSiteRateTokens:     getIntEnv("PER_SITE_RATE_TOKENS", 1),
		PerSiteRefillInterval: getDurationEnv("PER_SITE_REFILL_INTERVAL", 5*time.Second),
		AdmitTimeout:          getDurationEnv("ADMIT_TIMEOUT", 30*time.Second),

		BaseBackoff:            getDurationEnv("BASE_BACKOFF", 30*time.Second),
		MaxBackoff:             getDurationEnv("MAX_BACKOFF", time.Hour),
		MaxFailureStreak:       getIntEnv("MAX_FAILURE_STREAK", 5),
		DegradedIntervalFactor: getIntEnv("DEGRADED_INTERVAL_FACTOR", 4),
		SchedulerTick:          getDurationEnv("SCHEDULER_TICK", time.Second),

		ScrapeWorkers: getIntEnv("SCRAPE_WORKERS", 4),
		JobTimeout:    getDurationEnv("JOB_TIMEOUT", time.Minute),

		MinSignificantDeltaPct: getFloatEnv("MIN_SIGNIFICANT_DELTA_PCT", 5.0),
		MinSignificantDeltaAbs: getFloatEnv("MIN_SIGNIFICANT_DELTA_ABS", 0),

		AlertCooldown:       getDurationEnv("ALERT_COOLDOWN", 6*time.Hour),
		DispatchWorkers:     getIntEnv("DISPATCH_WORKERS", 2),
		DispatchQueueSize:   getIntEnv("DISPATCH_QUEUE_SIZE", 256),
		ChannelMaxRetries:   getIntEnv("CHANNEL_MAX_RETRIES", 3),
		ChannelRetryBackoff: getDurationEnv("CHANNEL_RETRY_BACKOFF", 2*time.Second),

		SMTPHost:          getEnv("SMTP_HOST", ""),
		SMTPPort:          getIntEnv("SMTP_PORT", 587),
		SMTPUsername:      getEnv("SMTP_USERNAME", ""),
		SMTPPassword:      getEnv("SMTP_PASSWORD", ""),
		NotificationEmail: getEnv("NOTIFICATION_EMAIL", ""),
		WebhookTimeout:    getDurationEnv("WEBHOOK_TIMEOUT", 30*time.Second),
		TelegramBotToken:  getEnv("TELEGRAM_BOT_TOKEN", ""),

		SQLitePath:       getEnv("SQLITE_PATH", ""),
		StorageAccount:   getEnv("AZURE_STORAGE_ACCOUNT", ""),
		StorageContainer: getEnv("AZURE_STORAGE_CONTAINER", "observations"),

		ArchiveSchedule:         getEnv("ARCHIVE_SCHEDULE", "0 0 3 * * *"),
		RegistryRefreshSchedule: getEnv("REGISTRY_REFRESH_SCHEDULE", "0 * * * * *"),
	}

	// Validate required configuration
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.GlobalConcurrencyCap < 1 {
		return fmt.Errorf("GLOBAL_CONCURRENCY_CAP must be at least 1")
	}
	if c.PerSiteRateTokens < 1 {
		return fmt.Errorf("PER_SITE_RATE_TOKENS must be at least 1")
	}
	if c.PerSiteRefillInterval <= 0 {
		return fmt.Errorf("PER_SITE_REFILL_INTERVAL must be positive")
	}
	if c.BaseBackoff <= 0 || c.MaxBackoff < c.BaseBackoff {
		return fmt.Errorf("MAX_BACKOFF must be at least BASE_BACKOFF and both positive")
	}
	if c.MaxFailureStreak < 1 {
		return fmt.Errorf("MAX_FAILURE_STREAK must be at least 1")
	}
	if c.DegradedIntervalFactor < 1 {
		return fmt.Errorf("DEGRADED_INTERVAL_FACTOR must be at least 1")
	}
	if c.MinSignificantDeltaPct < 0 || c.MinSignificantDeltaAbs < 0 {
		return fmt.Errorf("significance thresholds must not be negative")
	}
	if c.MinSignificantDeltaPct == 0 && c.MinSignificantDeltaAbs == 0 {
		return fmt.Errorf("at least one of MIN_SIGNIFICANT_DELTA_PCT or MIN_SIGNIFICANT_DELTA_ABS must be set")
	}
	if c.NotificationEmail != "" {
		if c.SMTPHost == "" || c.SMTPUsername == "" || c.SMTPPassword == "" {
			return fmt.Errorf("SMTP configuration is required when NOTIFICATION_EMAIL is set")
		}
	}
	return nil
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
