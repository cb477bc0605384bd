package handlers

import (
	"net/http"

	"wallet/internal/config"
	"wallet/internal/db"
	"wallet/internal/middleware"
	"wallet/internal/websocket"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

type Handler struct {
	txRunner  db.TxRunner
	cfg       config.Config
	logger    *zap.Logger
	accounts  AccountStore
	admin     AdminStore
	audit     AuditStore
	crypto    CryptoStore
	intents   IntentCreator
	addresses AddressAllocator
	service   TransferService
	webhooks  WebhookService
	holds     HoldManager
	scorer    RiskScorer
	hub       *websocket.Hub
}

func New(txRunner db.TxRunner, cfg config.Config, logger *zap.Logger, accounts AccountStore, admin AdminStore, audit AuditStore, crypto CryptoStore, intents IntentCreator, addresses AddressAllocator, service TransferService, webhooks WebhookService, holds HoldManager, scorer RiskScorer, hub *websocket.Hub) *Handler {
	return &Handler{
		txRunner:  txRunner,
		cfg:       cfg,
		logger:    logger,
		accounts:  accounts,
		admin:     admin,
		audit:     audit,
		crypto:    crypto,
		intents:   intents,
		addresses: addresses,
		service:   service,
		webhooks:  webhooks,
		holds:     holds,
		scorer:    scorer,
		hub:       hub,
	}
}

func (h *Handler) Routes() http.Handler {
	router := chi.NewRouter()
	router.Use(chimiddleware.Logger)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{h.cfg.AllowedOrigins},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	router.Route("/wallet", func(r chi.Router) {
		r.Use(middleware.Auth(h.cfg.JWTSecret))
		r.Post("/send", h.SendMoney)
		r.Get("/balance", h.GetBalance)
		r.Get("/transactions", h.ListTransactions)
		r.Post("/payouts", h.InitiatePayout)
		r.Post("/crypto/address", h.CryptoDepositAddress)
	})
	router.With(middleware.Auth(h.cfg.JWTSecret)).Post("/risk/assess", h.AssessRisk)

	// Provider callbacks. Signature-checked, never behind user auth.
	router.Route("/webhooks", func(r chi.Router) {
		r.Post("/fiat", h.FiatWebhook)
		r.Post("/crypto", h.CryptoWebhook)
	})

	router.Route("/admin", func(r chi.Router) {
		r.Use(middleware.Auth(h.cfg.JWTSecret))
		r.Use(middleware.RequireAdmin(h.admin))
		r.Post("/holds/{id}/release", h.ReleaseHold)
		r.Post("/holds/sweep", h.SweepHolds)
		r.Post("/admins", h.PromoteAdmin)
		r.Get("/audit", h.ListAuditLogs)
	})

	router.Get("/ws/balances", h.WSBalances)
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return router
}
