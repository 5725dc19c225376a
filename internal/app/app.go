// Package app wires configuration, storage and services shared by the binaries.
package app

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/ai"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/chat"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/config"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/db"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/grading"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/logger"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/quota"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/store/redisstore"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/stream"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/usage"
)

type App struct {
	Cfg         config.Config
	DB          *gorm.DB
	Policy      *config.PolicyHolder
	Registry    *ai.Registry
	Catalog     *ai.Catalog
	Ledger      *quota.Ledger
	Chat        *chat.Service
	Usage       *usage.Repo
	Grading     *grading.Resolver
	Redis       *redisstore.Store // nil unless STREAM_BUFFER=redis
	Coordinator *stream.Coordinator
}

// New opens the database, migrates it and builds every service.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}

	gdb, err := db.Open(cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Migrate(gdb); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return build(ctx, cfg, gdb, policy)
}

func build(ctx context.Context, cfg config.Config, gdb *gorm.DB, policy config.Policy) (*App, error) {
	a := &App{
		Cfg:      cfg,
		DB:       gdb,
		Policy:   config.NewPolicyHolder(policy),
		Registry: ai.NewRegistryFromConfig(cfg),
		Ledger:   quota.NewLedger(gdb, policy.Tiers),
		Chat:     chat.NewService(chat.NewRepo(gdb)),
		Usage:    usage.NewRepo(gdb),
	}
	a.Catalog = ai.NewCatalog(gdb, a.Registry, cfg.AIProvider, defaultModel(cfg))
	a.Grading = grading.NewResolver(gdb, grading.NewGormAnswerBook(gdb), policy.Grading)

	buffers := stream.MemoryBuffers()
	if cfg.StreamBuffer == "redis" {
		a.Redis = redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := a.Redis.Ping(ctx); err != nil {
			// the in-memory copy stays authoritative; mirroring is best effort
			logger.WarnWithFields("redis unreachable, partial responses will not be mirrored", logger.Fields{
				"addr":  cfg.RedisAddr,
				"error": err.Error(),
			})
		}
		buffers = stream.RedisBuffers(a.Redis, cfg.StreamBufferTTL)
	}

	a.Coordinator = stream.NewCoordinator(stream.Deps{
		Quota:   a.Ledger,
		History: a.Chat,
		Usage:   a.Usage,
		Grader:  a.Grading,
		Models:  a.Catalog,
	}, stream.Options{
		MaxDuration:  cfg.StreamMaxDuration,
		HistoryLimit: cfg.HistoryLimit,
		Buffers:      buffers,
	})
	return a, nil
}

func defaultModel(cfg config.Config) string {
	switch cfg.AIProvider {
	case "openrouter":
		return cfg.OpenRouterModel
	case "gemini":
		return cfg.GeminiModel
	default:
		return cfg.OllamaModel
	}
}

// ApplyPolicy swaps the live policy into every consumer.
func (a *App) ApplyPolicy(p config.Policy) {
	a.Policy.Set(p)
	a.Ledger.SetTiers(p.Tiers)
	a.Grading.SetPolicy(p.Grading)
	logger.InfoWithFields("policy applied", logger.Fields{"tiers": len(p.Tiers)})
}

// WatchPolicy follows AI_POLICY_FILE until ctx is done. It is a no-op without a file.
func (a *App) WatchPolicy(ctx context.Context) {
	if a.Cfg.PolicyFile == "" {
		return
	}
	go func() {
		if err := config.WatchPolicy(ctx, a.Cfg.PolicyFile, a.ApplyPolicy); err != nil {
			logger.ErrorWithFields("policy watcher stopped", logger.Fields{"path": a.Cfg.PolicyFile, "error": err.Error()})
		}
	}()
}

func (a *App) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if sqlDB, err := a.DB.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
