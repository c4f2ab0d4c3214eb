package main

import (
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/clearlane/payguard/internal/api"
	"github.com/clearlane/payguard/internal/auth"
	"github.com/clearlane/payguard/internal/config"
	"github.com/clearlane/payguard/internal/consent"
	"github.com/clearlane/payguard/internal/ctxdata"
	"github.com/clearlane/payguard/internal/execution"
	"github.com/clearlane/payguard/internal/ledger"
	"github.com/clearlane/payguard/internal/policy"
	"github.com/clearlane/payguard/internal/route"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration error", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	server, cleanup, err := newServer(cfg, logger)
	if err != nil {
		logger.Error("startup error", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	logger.Info("payguard-gateway listening", "addr", cfg.ListenAddr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func newServer(cfg config.Config, logger *slog.Logger) (*http.Server, func(), error) {
	led, err := ledger.Open(cfg.LedgerDSN, logger)
	if err != nil {
		return nil, nil, err
	}

	contexts := ctxdata.NewSeededProvider()
	pol := policy.NewEngine(policy.Config{Ledger: led, Logger: logger})
	router := route.NewRouter(logger)
	eng := execution.NewEngine(execution.Config{
		Ledger:      led,
		Sink:        contexts,
		Logger:      logger,
		FailureRate: cfg.SettlementFailureRate,
	})
	cons, err := consent.NewManager(consent.Config{
		Secret: []byte(cfg.ConsentSecret),
		TTL:    cfg.ConsentTTL,
		Ledger: led,
		Logger: logger,
	})
	if err != nil {
		led.Close()
		return nil, nil, err
	}

	service := api.NewPaymentService(contexts, pol, router, eng, cons, led, logger)
	handler := &api.Handler{Service: service}

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewRouter(handler, auth.NewTokenAuthenticator(cfg.DevToken)),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return server, func() { led.Close() }, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
