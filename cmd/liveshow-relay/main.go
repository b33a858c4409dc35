package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"liveshow/orchestrator/internal/config"
	"liveshow/orchestrator/internal/relay"
)

const helpText = `liveshow-relay - Websocket signaling relay for liveshow rooms

Usage:
  liveshow-relay              Run the relay
  liveshow-relay token <id>   Print a relay token for participant <id>

Environment Variables (optional):
  RELAY_PORT            Listen port (default: 8080)
  RELAY_ENV             production enables release mode and JSON logs
  RELAY_JWT_SECRET      Require tokens signed with this secret
  RELAY_REDIS_ADDR      Keep room presence in Redis instead of memory
  RELAY_REDIS_PASSWORD  Redis password
  RELAY_REDIS_DB        Redis database number

Options:
  -h, --help  Show this help message
`

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "-h" || os.Args[1] == "--help") {
		fmt.Print(helpText)
		os.Exit(0)
	}

	cfg, err := config.LoadRelay()
	if err != nil {
		fmt.Fprintf(os.Stderr, "liveshow-relay: %v\n", err)
		os.Exit(1)
	}

	if len(os.Args) > 1 && os.Args[1] == "token" {
		os.Exit(printToken(cfg, os.Args[2:]))
	}

	var logger *zap.Logger
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "liveshow-relay: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var presence relay.Presence
	if cfg.RedisAddr != "" {
		rp, err := relay.NewRedisPresence(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, 0)
		if err != nil {
			logger.Fatal("connect presence store", zap.Error(err))
		}
		defer rp.Close()
		presence = rp
		logger.Info("Redis connection established", zap.String("addr", cfg.RedisAddr))
	}
	if cfg.JWTSecret == "" {
		logger.Warn("RELAY_JWT_SECRET not set, connections are not authenticated")
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: relay.NewServer(relay.Options{JWTSecret: cfg.JWTSecret}, presence, logger).Router(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown", zap.Error(err))
		}
	}()

	logger.Info("starting signaling relay", zap.String("port", cfg.Port))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("failed to start server", zap.Error(err))
	}
	logger.Info("done")
}

func printToken(cfg *config.RelayConfig, args []string) int {
	if len(args) != 1 || cfg.JWTSecret == "" {
		fmt.Fprintln(os.Stderr, "usage: RELAY_JWT_SECRET=... liveshow-relay token <participant-id>")
		return 2
	}
	token, err := relay.IssueToken(cfg.JWTSecret, args[0], 24*time.Hour)
	if err != nil {
		fmt.Fprintf(os.Stderr, "liveshow-relay: %v\n", err)
		return 1
	}
	fmt.Println(token)
	return 0
}
