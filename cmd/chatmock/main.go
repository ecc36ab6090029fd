// Package main runs the mock chat installation standalone, for
// developing against without a real server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/teamchat/teamchat-go/internal/config"
	"github.com/teamchat/teamchat-go/internal/mockserver"
	"github.com/teamchat/teamchat-go/pkg/logger"
	"github.com/teamchat/teamchat-go/pkg/tracing"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "chatmock", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing")
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	mock := mockserver.New(mockserver.Config{
		JWTSecret:         cfg.MockJWTSecret,
		Logger:            log,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
	})
	mock.Seed()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", mock.Handler())

	server := &http.Server{
		Addr:         ":" + cfg.MockPort,
		Handler:      mux,
		ReadTimeout:  cfg.MockReadTimeout,
		WriteTimeout: cfg.MockWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("chatmock listening", zap.String("port", cfg.MockPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("forced shutdown", zap.Error(err))
	}
}
