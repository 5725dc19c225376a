package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"

	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/app"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/auth"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/config"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/httpapi"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/httpapi/handlers"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/logger"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/quota"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/store/rabbitmq"
)

func main() {
	cfg := config.Load()
	logger.Log = logger.New(cfg.LogLevel)
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		logger.Log.Fatalf("init: %v", err)
	}
	defer a.Close()

	jwtm, err := auth.NewJWTManager(cfg.JWTSecret, 0)
	if err != nil {
		logger.Log.Fatalf("jwt: %v", err)
	}

	h := &handlers.Handler{
		ChatSvc:     a.Chat,
		Quota:       a.Ledger,
		Grading:     a.Grading,
		Catalog:     a.Catalog,
		Coordinator: a.Coordinator,
		Policy:      a.Policy,
		Usage:       a.Usage,
	}
	if cfg.RabbitURL != "" {
		pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			logger.WarnWithFields("rabbitmq unavailable, queued grading disabled", logger.Fields{"error": err.Error()})
		} else {
			defer pub.Close()
			h.Jobs = pub
		}
	}

	a.WatchPolicy(ctx)
	go quota.NewScheduler(a.Ledger).Run(ctx)

	router := httpapi.NewRouter(h, jwtm)
	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "Idempotency-Key", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Session-Id", "X-Request-Id"},
		AllowCredentials: len(cfg.CORSOrigins) > 0,
	}).Handler(router)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           corsHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.InfoWithFields("server listening", logger.Fields{"addr": cfg.HTTPAddr, "providers": a.Registry.Names()})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.StreamMaxDuration+5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.ErrorWithFields("graceful shutdown failed", logger.Fields{"error": err.Error()})
	}
}
