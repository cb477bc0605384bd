package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"wallet/internal/config"
	"wallet/internal/db"
	"wallet/internal/gateway"
	"wallet/internal/handlers"
	"wallet/internal/holds"
	"wallet/internal/limits"
	"wallet/internal/logging"
	"wallet/internal/rates"
	"wallet/internal/risk"
	"wallet/internal/services"
	"wallet/internal/store"
	"wallet/internal/websocket"
)

func main() {
	cfg := config.Load()
	logger, err := logging.New(cfg.AppEnv)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	database, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect database", zap.Error(err))
	}
	defer database.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		logger.Fatal("failed to connect redis", zap.Error(err))
	}
	defer redisClient.Close()

	accounts := store.NewAccountStore(database)
	balances := store.NewBalanceStore(database)
	ledger := store.NewLedgerStore(database)
	webhookStore := store.NewWebhookStore(database)
	cryptoStore := store.NewCryptoStore(database)
	admin := store.NewAdminStore(database)
	audit := store.NewAuditStore(database)
	txRunner := db.NewTxRunner(database)
	hub := websocket.NewHub()

	limitsEval := limits.NewEvaluator(ledger, balances)
	scorer := risk.NewScorer(risk.NewRedisActivityStore(redisClient), ledger, accounts, audit, logger)
	holdManager := holds.NewManager(txRunner, ledger, balances, audit, redisClient, logger)
	rateSource := rates.NewCachedSource(
		rates.NewHTTPSource(cfg.RateSourceURL, cfg.RateTimeout),
		redisClient, cfg.RateCacheTTL, logger,
	)
	rail := gateway.NewClient(cfg.GatewayBaseURL, cfg.GatewayAPIKey, cfg.GatewayTimeout)

	transferService := services.NewTransferService(txRunner, accounts, balances, ledger, audit, limitsEval, holdManager, scorer, rail, hub, services.TransferConfig{
		Currency:       cfg.DefaultCurrency,
		FeeBasisPoints: cfg.FeeBasisPoints,
		FeeMinimum:     cfg.FeeMinimum,
	}, logger)
	webhookService := services.NewWebhookService(txRunner, accounts, balances, ledger, webhookStore, cryptoStore, audit, limitsEval, scorer, rateSource, hub, cfg.DefaultCurrency, map[string]string{
		services.ProviderFiat:   cfg.FiatWebhookSecret,
		services.ProviderCrypto: cfg.CryptoWebhookSecret,
	}, logger)

	handler := handlers.New(txRunner, cfg, logger, accounts, admin, audit, cryptoStore, cryptoStore, rail, transferService, webhookService, holdManager, scorer, hub)

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go holdManager.Run(sweepCtx, cfg.SweepInterval)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("wallet engine listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	<-shutdown

	stopSweep()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal("shutdown error", zap.Error(err))
	}
}
