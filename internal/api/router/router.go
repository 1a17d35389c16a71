package router

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hsematch/scheduling/internal/availability"
	httpmiddleware "github.com/hsematch/scheduling/internal/http/middleware"
	"github.com/hsematch/scheduling/pkg/logging"
)

// Pinger reports whether a backing dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Config holds router configuration
type Config struct {
	Logger             *logging.Logger
	Availability       *availability.Handler
	ProviderAuthSecret string
	AdminAuthSecret    string
	ClientAuthSecret   string
	MetricsHandler     http.Handler
	CORSAllowedOrigins []string
	BookingLimiter     *httpmiddleware.RateLimiter
	// HealthChecks are pinged by /health, keyed by dependency name.
	HealthChecks map[string]Pinger
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	r.Use(httpmiddleware.RequestLogger(cfg.Logger))

	r.Get("/health", healthHandler(cfg.HealthChecks))
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	h := cfg.Availability
	if h == nil {
		return r
	}
	providerAuth := httpmiddleware.ProviderJWT(cfg.ProviderAuthSecret, "providerID")
	actorAuth := httpmiddleware.ActorJWT(map[httpmiddleware.Role]string{
		httpmiddleware.RoleAdmin:    cfg.AdminAuthSecret,
		httpmiddleware.RoleProvider: cfg.ProviderAuthSecret,
		httpmiddleware.RoleClient:   cfg.ClientAuthSecret,
	})
	h = h.WithBookingAuthorizer(authorizeBookingChange)

	r.Route("/providers/{providerID}", func(p chi.Router) {
		p.Get("/availability", h.FindAvailability)
		p.Get("/suggestions", h.Suggest)
		p.Get("/calendar", h.Calendar)
		p.With(providerAuth).Post("/rules", h.CreateRule)
		p.With(providerAuth).Post("/blocks", h.Block)
	})

	r.Group(func(booking chi.Router) {
		if cfg.BookingLimiter != nil {
			booking.Use(httpmiddleware.RateLimit(cfg.BookingLimiter))
		}
		booking.Post("/slots/{slotID}/bookings", h.BookSlot)
		booking.With(actorAuth).Post("/bookings/{bookingID}/cancel", h.CancelBooking)
		booking.With(actorAuth).Post("/bookings/{bookingID}/complete", h.CompleteBooking)
	})

	r.With(httpmiddleware.AdminJWT(cfg.AdminAuthSecret)).Post("/maintenance/sweep", h.Sweep)

	return r
}

// authorizeBookingChange lets admins change any booking, providers change
// their own bookings, and clients cancel their own bookings.
func authorizeBookingChange(r *http.Request, b *availability.Booking, target availability.BookingStatus) bool {
	actor, ok := httpmiddleware.ActorFromContext(r.Context())
	if !ok {
		return false
	}
	switch actor.Role {
	case httpmiddleware.RoleAdmin:
		return true
	case httpmiddleware.RoleProvider:
		return actor.Subject == b.ProviderID
	case httpmiddleware.RoleClient:
		return target == availability.BookingCancelled && actor.Subject == b.ClientID
	}
	return false
}

func healthHandler(checks map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		resp := map[string]any{"status": "ok"}
		if len(checks) > 0 {
			results := make(map[string]string, len(checks))
			for name, p := range checks {
				if err := p.Ping(ctx); err != nil {
					results[name] = err.Error()
					status = http.StatusServiceUnavailable
					resp["status"] = "degraded"
					continue
				}
				results[name] = "ok"
			}
			resp["checks"] = results
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(resp)
	}
}
