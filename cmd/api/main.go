package main

import (
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/finbase/settleops/internal/api"
	"github.com/finbase/settleops/internal/config"
	"github.com/finbase/settleops/internal/gateway"
	"github.com/finbase/settleops/internal/lock"
	"github.com/finbase/settleops/internal/settlement"
	"github.com/finbase/settleops/internal/store"
	"github.com/finbase/settleops/pkg/logging"
)

func main() {
	logging.Setup()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	ledgerStore, err := store.NewStore(cfg.DBSource)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer ledgerStore.Close()

	// Cross-process runs need the redis guard; a single node can fall back
	// to the in-process lock.
	var runLock lock.RunLock
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		runLock = lock.NewRedisLock(client, 30*time.Minute)
		slog.Info("Using redis run lock", "addr", cfg.RedisAddr)
	} else {
		runLock = lock.NewMemoryLock()
		slog.Warn("REDIS_ADDR not set, using in-process run lock")
	}

	provider := gateway.NewProviderClient(cfg.ProviderBaseURL, cfg.ProviderAPIKey)
	orchestrator := settlement.NewOrchestrator(
		ledgerStore, provider, provider, runLock, cfg.Currency, slog.Default())

	handler := api.NewHandler(ledgerStore, orchestrator)

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", handler.HealthCheckHandler).Methods("GET")

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.HandleFunc("/settlements", handler.CreateSettlementHandler).Methods("POST")
	apiV1.HandleFunc("/settlements/{id}", handler.GetSettlementHandler).Methods("GET")
	apiV1.HandleFunc("/settlements/{id}/history", handler.GetSettlementHistoryHandler).Methods("GET")
	apiV1.HandleFunc("/settlements/{id}/analytics", handler.GetSettlementAnalyticsHandler).Methods("GET")
	apiV1.HandleFunc("/settlements/{id}/run", handler.RunSettlementHandler).Methods("POST")
	apiV1.HandleFunc("/settlements/{id}/run/business", handler.RunBusinessSettlementHandler).Methods("POST")

	slog.Info("Server starting", "port", cfg.Port, "env", cfg.Env)
	if err := http.ListenAndServe(":"+cfg.Port, r); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
}
