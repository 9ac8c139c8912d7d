package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"banklink/internal/config"
	"banklink/internal/middleware"
	"banklink/internal/websocket"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	gorillaws "github.com/gorilla/websocket"
)

type Handler struct {
	cfg          config.Config
	connections  ConnectionService
	sync         SyncService
	transactions TransactionStore
	audit        AuditStore
	hub          *websocket.Hub
	upgrader     *gorillaws.Upgrader
	metrics      http.Handler
	db           Pinger
	operators    middleware.Operators
	logger       *slog.Logger
}

func New(cfg config.Config, connections ConnectionService, sync SyncService, transactions TransactionStore, audit AuditStore, hub *websocket.Hub, metrics http.Handler, db Pinger, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	origins := strings.Split(cfg.AllowedOrigins, ",")
	return &Handler{
		cfg:          cfg,
		connections:  connections,
		sync:         sync,
		transactions: transactions,
		audit:        audit,
		hub:          hub,
		upgrader:     websocket.NewUpgrader(origins),
		metrics:      metrics,
		db:           db,
		operators:    middleware.NewOperatorSet(cfg.OperatorUserIDs...),
		logger:       logger,
	}
}

func (h *Handler) Routes() http.Handler {
	router := chi.NewRouter()
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.Logger)
	router.Use(chimiddleware.Recoverer)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   strings.Split(h.cfg.AllowedOrigins, ","),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	authed := middleware.Auth(h.cfg.JWTSecret)
	router.Route("/connections", func(r chi.Router) {
		r.Use(authed)
		r.Post("/", h.Connect)
		r.Get("/", h.ListConnections)
		r.Get("/callback", h.Callback)
		r.Post("/exchange", h.Exchange)
		r.Delete("/{id}", h.Disconnect)
	})
	router.With(authed).Post("/sync", h.Sync)
	router.With(authed).Get("/transactions", h.ListTransactions)
	router.With(authed).Get("/activity", h.ListActivity)
	router.With(authed).Get("/ws/balances", h.WSBalances)

	router.Route("/admin", func(r chi.Router) {
		r.Use(authed)
		r.Use(middleware.RequireOperator(h.operators))
		r.Post("/sync", h.AdminSyncAll)
		r.Post("/gc", h.AdminGarbageCollect)
		r.Post("/rewrap", h.AdminRewrap)
	})

	router.Get("/health", h.Health)
	if h.metrics != nil {
		router.Method(http.MethodGet, "/metrics", h.metrics)
	}
	return router
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.PingContext(ctx); err != nil {
			h.logger.Warn("health check failed", "error", err)
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
