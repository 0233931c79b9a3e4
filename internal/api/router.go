package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/taskflow/supportchat/internal/api/middleware"
	"github.com/taskflow/supportchat/internal/config"
	"github.com/taskflow/supportchat/internal/handlers"
	"github.com/taskflow/supportchat/internal/hub"
	"github.com/taskflow/supportchat/internal/store"
	"github.com/taskflow/supportchat/protocol"
)

// NewRouter creates and configures the HTTP router, including the socket
// endpoint.
func NewRouter(cfg *config.Config, logger zerolog.Logger, data store.DataStore, messages store.MessageStore, presence store.PresenceStore, socketHub *hub.Hub) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	allowedOrigins := cfg.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	rules := protocol.TransitionRules{AllowReopen: cfg.AllowReopen}
	h := handlers.NewHandler(data, messages, presence, socketHub, rules, logger)
	auth := middleware.NewAuthMiddleware(cfg.JWTSecret)

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())

	// Public routes
	r.Get("/health", h.Health)

	// Authenticated routes (bearer token from the TaskFlow auth service)
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth)
		// Bounded REST work; the socket route below stays outside this
		// timeout because the connection is long-lived.
		r.Use(chimw.Timeout(cfg.RequestTimeout))
		r.Use(bodyLimit(1 << 20))

		r.Post("/chats", h.CreateChat)
		r.Get("/chats", h.ListChats)
		r.Get("/chats/{id}", h.GetChat)
		r.Post("/chats/{id}/accept", h.Accept)
		r.Patch("/chats/{id}/status", h.UpdateStatus)
		r.Post("/chats/{id}/messages", h.PostMessage)
		r.Get("/chats/{id}/history", h.History)
		r.Post("/chats/{id}/read", h.MarkRead)
	})

	// Socket endpoint; the handshake presents the same bearer token.
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth)
		r.Get("/ws", func(w http.ResponseWriter, req *http.Request) {
			socketHub.Serve(w, req, middleware.GetPrincipal(req.Context()))
		})
	})

	return r
}

// bodyLimit caps request body size. Message content is limited separately;
// this bound catches abuse before JSON decoding starts.
func bodyLimit(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, n)
			next.ServeHTTP(w, r)
		})
	}
}
