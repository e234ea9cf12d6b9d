package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sigloop/agentpay/internal/api"
	"github.com/sigloop/agentpay/internal/auth"
	"github.com/sigloop/agentpay/internal/config"
	"github.com/sigloop/agentpay/internal/policy"
	"github.com/sigloop/agentpay/internal/x402"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Redis ─────────────────────────────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}

	// ── Default budget ────────────────────────────────────────────────────────
	defaultBudget, err := budgetFromConfig(cfg)
	if err != nil {
		log.Fatal("invalid budget config", zap.Error(err))
	}
	if v := policy.ValidateX402Budget(defaultBudget); len(v) > 0 {
		log.Fatal("inconsistent budget config", zap.Any("violations", v))
	}

	// ── Payment header builder ────────────────────────────────────────────────
	builder := x402.NewBuilder(big.NewInt(cfg.Chain.ChainID))

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	handler := api.NewHandler(
		rdb,
		builder,
		defaultBudget,
		time.Duration(cfg.Session.KeyTTLSec)*time.Second,
		log,
	)
	grp := r.Group("/api", auth.Middleware(rdb))
	handler.Register(grp)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Info("HTTP server starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}

func budgetFromConfig(cfg *config.Config) (policy.X402Budget, error) {
	maxPerReq, ok := new(big.Int).SetString(cfg.Budget.MaxPerRequest, 10)
	if !ok {
		return policy.X402Budget{}, fmt.Errorf("invalid BUDGET_MAX_PER_REQUEST %q", cfg.Budget.MaxPerRequest)
	}
	daily, ok := new(big.Int).SetString(cfg.Budget.DailyBudget, 10)
	if !ok {
		return policy.X402Budget{}, fmt.Errorf("invalid BUDGET_DAILY %q", cfg.Budget.DailyBudget)
	}
	total, ok := new(big.Int).SetString(cfg.Budget.TotalBudget, 10)
	if !ok {
		return policy.X402Budget{}, fmt.Errorf("invalid BUDGET_TOTAL %q", cfg.Budget.TotalBudget)
	}
	return policy.NewX402Budget(policy.X402BudgetConfig{
		MaxPerRequest:  maxPerReq,
		DailyBudget:    daily,
		TotalBudget:    total,
		AllowedDomains: cfg.Budget.AllowedDomains,
	}), nil
}
