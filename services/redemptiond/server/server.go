package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"

	gatewaymw "repaircoin/gateway/middleware"
	"repaircoin/observability"
	"repaircoin/services/redemptiond/middleware"
	"repaircoin/services/redemptiond/notify"
	"repaircoin/services/redemptiond/redemption"
)

// Config captures the dependencies required to construct the server.
type Config struct {
	Service       *redemption.Service
	Hub           *notify.Hub
	DB            *gorm.DB
	Auth          *gatewaymw.Authenticator
	RateLimiter   *gatewaymw.RateLimiter
	Observability *gatewaymw.Observability
	CORS          gatewaymw.CORSConfig
	Metrics       *observability.RedemptionMetrics
	Logger        *slog.Logger
	// Gatherers are served on /metrics next to the HTTP request metrics.
	Gatherers []prometheus.Gatherer
}

// Server exposes the redemption protocol over HTTP and WebSocket.
type Server struct {
	svc     *redemption.Service
	hub     *notify.Hub
	db      *gorm.DB
	metrics *observability.RedemptionMetrics
	logger  *slog.Logger

	router http.Handler
}

var errMissingService = errors.New("server: redemption service required")

// New constructs the HTTP router with authentication, rate limiting and
// idempotency support.
func New(cfg Config) (*Server, error) {
	if cfg.Service == nil {
		return nil, errMissingService
	}
	if cfg.Auth == nil {
		return nil, errors.New("server: authenticator required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Hub == nil {
		cfg.Hub = notify.NewHub()
	}
	if cfg.Observability == nil {
		cfg.Observability = gatewaymw.NewObservability(gatewaymw.ObservabilityConfig{}, cfg.Logger)
	}
	srv := &Server{
		svc:     cfg.Service,
		hub:     cfg.Hub,
		db:      cfg.DB,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
	}
	srv.router = srv.buildRouter(cfg)
	return srv, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(gatewaymw.CORS(cfg.CORS))
	r.Use(cfg.Observability.Middleware(""))

	r.Get("/healthz", s.Health)
	r.Method(http.MethodGet, "/metrics", cfg.Observability.MetricsHandler(cfg.Gatherers...))

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(cfg.Auth.Middleware())
		if cfg.RateLimiter != nil {
			api.Use(cfg.RateLimiter.Middleware("api"))
		}
		api.Use(middleware.WithIdempotency(cfg.DB, cfg.Logger))

		shop := gatewaymw.RequireRole(gatewaymw.RoleShop)
		customer := gatewaymw.RequireRole(gatewaymw.RoleCustomer)
		anyParty := gatewaymw.RequireRole(gatewaymw.RoleShop, gatewaymw.RoleCustomer, gatewaymw.RoleAdmin)
		shopOrAdmin := gatewaymw.RequireRole(gatewaymw.RoleShop, gatewaymw.RoleAdmin)
		customerOrAdmin := gatewaymw.RequireRole(gatewaymw.RoleCustomer, gatewaymw.RoleAdmin)

		admin := gatewaymw.RequireRole(gatewaymw.RoleAdmin)

		api.With(admin).Post("/shops/{shopId}/purchases", s.RecordPurchase)
		api.With(shopOrAdmin).Post("/shops/{shopId}/rewards", s.IssueReward)
		api.With(shopOrAdmin).Get("/shops/{shopId}/customers/{address}/redemption-limit", s.RedemptionLimit)
		api.With(shopOrAdmin).Get("/shops/{shopId}/redemption-sessions", s.ListShopSessions)
		api.With(customerOrAdmin).Get("/customers/{address}/redemption-sessions", s.ListCustomerSessions)
		api.With(customer).Get("/customers/{address}/redemption-sessions/stream", s.StreamCustomerSessions)

		api.With(shop).Post("/redemption-sessions", s.CreateSession)
		api.With(anyParty).Get("/redemption-sessions/{id}", s.GetSession)
		api.With(anyParty).Get("/redemption-sessions/{id}/events", s.SessionEvents)
		api.With(customer).Get("/redemption-sessions/{id}/approval-token", s.ApprovalToken)
		api.With(customer).Post("/redemption-sessions/{id}/approve", s.ApproveSession)
		api.With(customer).Post("/redemption-sessions/{id}/reject", s.RejectSession)
		api.With(shop).Post("/redemption-sessions/{id}/cancel", s.CancelSession)
		api.With(shop).Post("/redemption-sessions/{id}/settle", s.SettleSession)
	})
	return r
}

// Health reports whether the database answers.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{"status": "ok", "approvalMode": s.svc.VerifierMode(), "streams": s.hub.Subscribers()}
	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		sqlDB, err := s.db.DB()
		if err == nil {
			err = sqlDB.PingContext(ctx)
		}
		if err != nil {
			s.logger.ErrorContext(r.Context(), "health check failed", slog.Any("error", err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, status)
}
