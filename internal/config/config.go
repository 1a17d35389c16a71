package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port     string
	Env      string
	LogLevel string

	// Persistence
	SlotStore          string
	DatabaseURL        string
	SupabaseURL        string
	SupabaseServiceKey string

	// Query cache
	RedisAddr            string
	RedisPassword        string
	RedisTLS             bool
	AvailabilityCacheTTL time.Duration

	// Scheduling
	GenerationHorizonDays int
	SuggestionPoolSize    int
	HistoryWindowDays     int
	HistoryLimit          int
	SchedulingTimezone    string
	SweepInterval         time.Duration

	// HTTP auth
	ProviderJWTSecret  string
	AdminJWTSecret     string
	ClientJWTSecret    string
	CORSAllowedOrigins []string

	// Per-IP throttle on booking mutations
	BookingRatePerMinute int
	BookingRateBurst     int
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:     getEnv("PORT", "8080"),
		Env:      getEnv("ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		SlotStore:          strings.ToLower(strings.TrimSpace(getEnv("SLOT_STORE", "postgres"))),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		SupabaseURL:        getEnv("SUPABASE_URL", ""),
		SupabaseServiceKey: getEnv("SUPABASE_SERVICE_KEY", ""),

		RedisAddr:            getEnv("REDIS_ADDR", ""),
		RedisPassword:        getEnv("REDIS_PASSWORD", ""),
		RedisTLS:             getEnvAsBool("REDIS_TLS", false),
		AvailabilityCacheTTL: getEnvAsDuration("AVAILABILITY_CACHE_TTL", 5*time.Minute),

		GenerationHorizonDays: getEnvAsInt("GENERATION_HORIZON_DAYS", 90),
		SuggestionPoolSize:    getEnvAsInt("SUGGESTION_POOL_SIZE", 10),
		HistoryWindowDays:     getEnvAsInt("HISTORY_WINDOW_DAYS", 90),
		HistoryLimit:          getEnvAsInt("HISTORY_LIMIT", 500),
		SchedulingTimezone:    getEnv("SCHEDULING_TIMEZONE", "UTC"),
		SweepInterval:         getEnvAsDuration("SWEEP_INTERVAL", 0),

		ProviderJWTSecret:  getEnv("PROVIDER_JWT_SECRET", ""),
		AdminJWTSecret:     getEnv("ADMIN_JWT_SECRET", ""),
		ClientJWTSecret:    getEnv("CLIENT_JWT_SECRET", ""),
		CORSAllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS"),

		BookingRatePerMinute: getEnvAsInt("BOOKING_RATE_PER_MINUTE", 30),
		BookingRateBurst:     getEnvAsInt("BOOKING_RATE_BURST", 5),
	}
}

// Location resolves SchedulingTimezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	if c == nil || c.SchedulingTimezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.SchedulingTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
