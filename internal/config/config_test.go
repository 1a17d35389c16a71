package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "ENV", "LOG_LEVEL", "SLOT_STORE", "AVAILABILITY_CACHE_TTL",
		"GENERATION_HORIZON_DAYS", "SUGGESTION_POOL_SIZE", "SWEEP_INTERVAL", "CORS_ALLOWED_ORIGINS", "SCHEDULING_TIMEZONE",
		"BOOKING_RATE_PER_MINUTE", "BOOKING_RATE_BURST"} {
		t.Setenv(key, "")
	}
	cfg := Load()
	if cfg.Port != "8080" {
		t.Fatalf("expected default port, got %s", cfg.Port)
	}
	if cfg.Env != "development" {
		t.Fatalf("expected default env, got %s", cfg.Env)
	}
	if cfg.SlotStore != "postgres" {
		t.Fatalf("expected postgres slot store by default, got %s", cfg.SlotStore)
	}
	if cfg.AvailabilityCacheTTL != 5*time.Minute {
		t.Fatalf("expected 5m cache ttl, got %s", cfg.AvailabilityCacheTTL)
	}
	if cfg.GenerationHorizonDays != 90 {
		t.Fatalf("expected 90 day horizon, got %d", cfg.GenerationHorizonDays)
	}
	if cfg.SuggestionPoolSize != 10 {
		t.Fatalf("expected pool size 10, got %d", cfg.SuggestionPoolSize)
	}
	if cfg.SweepInterval != 0 {
		t.Fatalf("expected sweep disabled by default, got %s", cfg.SweepInterval)
	}
	if cfg.CORSAllowedOrigins != nil {
		t.Fatalf("expected no cors origins, got %v", cfg.CORSAllowedOrigins)
	}
	if cfg.Location() != time.UTC {
		t.Fatalf("expected UTC location by default")
	}
	if cfg.BookingRatePerMinute != 30 || cfg.BookingRateBurst != 5 {
		t.Fatalf("unexpected booking rate defaults: %d/%d", cfg.BookingRatePerMinute, cfg.BookingRateBurst)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("SLOT_STORE", " PostgREST ")
	t.Setenv("DATABASE_URL", "postgres://user@host/db")
	t.Setenv("REDIS_TLS", "true")
	t.Setenv("AVAILABILITY_CACHE_TTL", "90s")
	t.Setenv("GENERATION_HORIZON_DAYS", "30")
	t.Setenv("SWEEP_INTERVAL", "15m")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://app.example.com, ,http://localhost:3000")
	t.Setenv("SCHEDULING_TIMEZONE", "Europe/Berlin")
	cfg := Load()
	if cfg.Port != "9090" {
		t.Fatalf("expected override port, got %s", cfg.Port)
	}
	if cfg.SlotStore != "postgrest" {
		t.Fatalf("expected normalized slot store, got %q", cfg.SlotStore)
	}
	if cfg.DatabaseURL != "postgres://user@host/db" {
		t.Fatalf("expected db override, got %s", cfg.DatabaseURL)
	}
	if !cfg.RedisTLS {
		t.Fatalf("expected redis tls enabled")
	}
	if cfg.AvailabilityCacheTTL != 90*time.Second {
		t.Fatalf("expected ttl override, got %s", cfg.AvailabilityCacheTTL)
	}
	if cfg.GenerationHorizonDays != 30 {
		t.Fatalf("expected horizon override, got %d", cfg.GenerationHorizonDays)
	}
	if cfg.SweepInterval != 15*time.Minute {
		t.Fatalf("expected sweep interval override, got %s", cfg.SweepInterval)
	}
	if len(cfg.CORSAllowedOrigins) != 2 || cfg.CORSAllowedOrigins[1] != "http://localhost:3000" {
		t.Fatalf("unexpected cors origins: %v", cfg.CORSAllowedOrigins)
	}
	if cfg.Location().String() != "Europe/Berlin" {
		t.Fatalf("expected Europe/Berlin, got %s", cfg.Location())
	}
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("GENERATION_HORIZON_DAYS", "ninety")
	t.Setenv("AVAILABILITY_CACHE_TTL", "soon")
	t.Setenv("SCHEDULING_TIMEZONE", "Mars/Olympus")
	cfg := Load()
	if cfg.GenerationHorizonDays != 90 {
		t.Fatalf("expected default horizon, got %d", cfg.GenerationHorizonDays)
	}
	if cfg.AvailabilityCacheTTL != 5*time.Minute {
		t.Fatalf("expected default ttl, got %s", cfg.AvailabilityCacheTTL)
	}
	if cfg.Location() != time.UTC {
		t.Fatalf("expected UTC fallback for unknown zone")
	}
}
