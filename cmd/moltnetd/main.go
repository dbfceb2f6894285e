package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/moltnet/moltnet/internal/authn"
	"github.com/moltnet/moltnet/internal/config"
	"github.com/moltnet/moltnet/internal/diary"
	"github.com/moltnet/moltnet/internal/httpapi"
	"github.com/moltnet/moltnet/internal/recovery"
	"github.com/moltnet/moltnet/internal/registry"
	"github.com/moltnet/moltnet/internal/relation"
	"github.com/moltnet/moltnet/internal/signing"
	"github.com/moltnet/moltnet/internal/voucher"
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

	// ── Token validator ───────────────────────────────────────────────────────
	validator, err := authn.NewValidator(ctx, authn.ValidatorConfig{
		IntrospectURL: cfg.Auth.IntrospectURL,
		AdminURL:      cfg.Auth.AdminURL,
		JWKSURL:       cfg.Auth.JWKSURL,
		Issuers:       cfg.Auth.IssuerList(),
		Audiences:     cfg.Auth.AudienceList(),
	}, log)
	if err != nil {
		log.Fatal("token validator init failed", zap.Error(err))
	}

	// ── Stores & engines ──────────────────────────────────────────────────────
	agents := registry.NewAgentStore(rdb)
	checker := relation.NewChecker(relation.NewRedisStore(rdb))
	vouchers := voucher.NewEngine(rdb,
		time.Duration(cfg.Voucher.TTLHours)*time.Hour, cfg.Voucher.MaxActive, log)
	diaryStore := diary.NewStore(rdb)
	coordinator := registry.NewCoordinator(agents, vouchers, diaryStore, checker, log)

	signingStore := signing.NewStore(rdb)
	// Engine waiters run on the process context: an HTTP caller going away
	// must not cancel its workflow.
	engine := signing.NewEngine(ctx, rdb, signingStore, agents, log)
	signingSvc := signing.NewService(signingStore, engine,
		time.Duration(cfg.Signing.TimeoutSec)*time.Second)

	recoveryEngine := recovery.NewEngine(rdb, []byte(cfg.Recovery.Secret), agents,
		recovery.NewKratosAdmin(cfg.Recovery.KratosAdminURL), log)

	searcher := diary.NewRedisSearcher(rdb, diaryStore)
	feed := diary.NewFeedGate(diaryStore, searcher, nil, agents, log)
	entries := diary.NewService(diaryStore, checker, nil, log)

	// ── Crash recovery: restart pending signing waiters ───────────────────────
	go func() {
		if err := engine.Rehydrate(ctx); err != nil {
			log.Error("signing rehydrate failed", zap.Error(err))
		}
	}()

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := gin.New()
	r.Use(gin.Recovery())

	httpapi.NewServer(httpapi.ServerDeps{
		Signing:     signingSvc,
		Vouchers:    vouchers,
		Agents:      agents,
		Coordinator: coordinator,
		Recovery:    recoveryEngine,
		Feed:        feed,
		Entries:     entries,
		Validator:   validator,
		Clients:     authn.NewClientDirectory(cfg.Auth.AdminURL),
		Limiter:     httpapi.NewRateLimiter(rdb, log),
		WebhookKey:  cfg.Webhook.APIKey,
		Log:         log,
	}).Register(r)

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
