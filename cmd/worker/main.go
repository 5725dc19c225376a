package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/app"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/config"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/jobs"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/logger"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/store/rabbitmq"
)

func main() {
	cfg := config.Load()
	logger.Log = logger.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		logger.Log.Fatalf("init: %v", err)
	}
	defer a.Close()
	a.WatchPolicy(ctx)

	consumer, err := rabbitmq.NewConsumer(cfg.RabbitURL, cfg.RabbitQueue, cfg.WorkerConcurrency)
	if err != nil {
		logger.Log.Fatalf("rabbit: %v", err)
	}
	defer consumer.Close()

	runner := jobs.NewRunner(a.Chat, a.Coordinator, cfg.StreamMaxDuration+time.Minute)
	if err := consumer.Run(ctx, runner.Handle); err != nil {
		logger.ErrorWithFields("consumer stopped", logger.Fields{"error": err.Error()})
	}
}
