/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  unique ID per request for tracing
  2. RealIP:     client address behind the proxy, used by the rate limiter
  3. Logger:     one slog line per request
  4. Recoverer:  panic recovery (500 instead of crash)
  5. Metrics:    Prometheus request counters
  6. Secure:     security headers (unrolled/secure)
  7. CORS:       cross-origin requests for the front office

ROUTE GROUPS:
  /api/health   public liveness probe
  /metrics      public Prometheus exposition
  /api/*        bearer token required; admin checks happen in the service

RATE LIMITING:
  Closing and recording a sale are limited per client IP. A limited request
  gets 429 with the usual JSON error body.

SEE ALSO:
  - handlers.go: handler implementations
  - auth.go:     bearer token middleware
  - cmd/server/main.go: server startup
*/
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/unrolled/secure"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	Auth    *Authenticator
	Logger  *slog.Logger
	Metrics *Metrics

	CORSOrigins []string
	// RateLimit is the number of close/register requests allowed per client
	// IP per minute. Zero disables limiting.
	RateLimit  int
	Production bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	secureMiddleware := secure.New(secure.Options{
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		BrowserXssFilter:      true,
		ReferrerPolicy:        "no-referrer",
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
		SSLRedirect:           opts.Production,
		SSLProxyHeaders:       map[string]string{"X-Forwarded-Proto": "https"},
		IsDevelopment:         !opts.Production,
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(opts.Metrics.Middleware)
	r.Use(secureMiddleware.Handler)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	limit := func(next http.Handler) http.Handler { return next }
	if opts.RateLimit > 0 {
		limit = httprate.Limit(opts.RateLimit, time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
				writeError(w, http.StatusTooManyRequests, "Demasiados pedidos, tente novamente mais tarde")
			}),
		)
	}

	r.Get("/api/health", h.Health)
	r.Handle("/metrics", opts.Metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(opts.Auth.Middleware)

		// Balances & closings
		r.Get("/saldos-hoje", h.GetBalances)
		r.With(limit).Post("/fechar-saldos", h.CloseRegister)
		r.Route("/fechos", func(r chi.Router) {
			r.Get("/", h.ListClosings)
			r.Get("/{id}", h.GetClosing)
			r.Delete("/{id}", h.DeleteClosing)
		})

		// Sales
		r.With(limit).Post("/registar", h.RegisterSale)
		r.Route("/registos", func(r chi.Router) {
			r.Get("/", h.ListSales)
			r.Get("/intervalo", h.ListSalesRange)
			r.Put("/{id}", h.UpdateSale)
			r.Delete("/{id}", h.DeleteSale)
		})
		r.Get("/next-numdoc", h.NextDocNumber)
		r.Post("/save-numdoc", h.SaveDocNumber)

		// Users
		r.Get("/utilizador", h.Me)
		r.Get("/todos-utilizadores", h.ListUsers)
		r.Post("/utilizadores", h.CreateUser)
		r.Delete("/utilizadores/{username}", h.DeleteUser)
	})

	return r
}
