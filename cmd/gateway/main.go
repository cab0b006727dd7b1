package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mohammed-shakir/nhis-fetch-gateway/internal/budget"
	"github.com/mohammed-shakir/nhis-fetch-gateway/internal/cooldown"
	"github.com/mohammed-shakir/nhis-fetch-gateway/internal/core/config"
	"github.com/mohammed-shakir/nhis-fetch-gateway/internal/core/httpclient"
	"github.com/mohammed-shakir/nhis-fetch-gateway/internal/core/observability"
	"github.com/mohammed-shakir/nhis-fetch-gateway/internal/core/server"
	"github.com/mohammed-shakir/nhis-fetch-gateway/internal/enrich"
	"github.com/mohammed-shakir/nhis-fetch-gateway/internal/fetch"
	"github.com/mohammed-shakir/nhis-fetch-gateway/internal/identity"
	"github.com/mohammed-shakir/nhis-fetch-gateway/internal/invalidation/kafkaconsumer"
	"github.com/mohammed-shakir/nhis-fetch-gateway/internal/logger"
	"github.com/mohammed-shakir/nhis-fetch-gateway/internal/policy"
	"github.com/mohammed-shakir/nhis-fetch-gateway/internal/store"
	"github.com/mohammed-shakir/nhis-fetch-gateway/internal/store/memcache"
	"github.com/mohammed-shakir/nhis-fetch-gateway/internal/store/pgstore"
	"github.com/mohammed-shakir/nhis-fetch-gateway/internal/store/redisstore"
	"github.com/mohammed-shakir/nhis-fetch-gateway/internal/upstream"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func openStore(ctx context.Context, cfg config.Config, log *slog.Logger) (store.Store, error) {
	if cfg.StoreDriver == "postgres" {
		st, err := pgstore.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := st.Migrate(ctx); err != nil {
			st.Close()
			return nil, err
		}
		log.Info("store ready", "driver", "postgres")
		return st, nil
	}
	st, err := redisstore.New(ctx, cfg.RedisAddr)
	if err != nil {
		return nil, err
	}
	log.Info("store ready", "driver", "redis", "addr", cfg.RedisAddr)
	return st, nil
}

func run() int {
	cfg := config.FromEnv()

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   strings.ToLower(os.Getenv("LOG_CONSOLE")) == "true",
		SampleN:   envInt("LOG_SAMPLE_N", 0),
		Component: "gateway",
	}, os.Stdout)

	appLog := logger.NewSlog(&zl)

	observability.ExposeBuildInfo(Version)
	appLog.Info("starting gateway",
		"addr", cfg.Addr,
		"version", Version,
		"provider", cfg.ProviderBaseURL,
		"store", cfg.StoreDriver)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bootCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	st, err := openStore(bootCtx, cfg, appLog)
	cancel()
	if err != nil {
		appLog.Error("store setup failed", "err", err)
		return 1
	}
	defer st.Close()

	mem, err := memcache.New(cfg.MemcacheMaxEntries)
	if err != nil {
		appLog.Error("hot cache setup failed", "err", err)
		return 1
	}

	client := upstream.New(upstream.Config{
		BaseURL:    cfg.ProviderBaseURL,
		UserID:     cfg.ProviderUserID,
		HKey:       cfg.ProviderHKey,
		Timeout:    cfg.ProviderTimeout,
		MaxRetries: cfg.ProviderMaxRetries,
		RetryBase:  cfg.ProviderRetryBase,
		RetryCap:   cfg.ProviderRetryCap,
	}, httpclient.NewOutbound(cfg.ProviderTimeout), appLog)

	orch := &fetch.Orchestrator{
		Store:  st,
		Mem:    mem,
		Hasher: identity.NewHasher(cfg.HashSalt),
		Policy: policy.New(cfg.BlockedTargets),
		Budget: &budget.Evaluator{
			Attempts:   st,
			Window:     cfg.BudgetWindow,
			FreshLimit: cfg.BudgetFreshLimit,
			ForceLimit: cfg.BudgetForceLimit,
		},
		Gate: cooldown.Gate{
			Guard:    cfg.ForceRefreshGuard,
			Cooldown: cfg.ForceRefreshCooldown,
		},
		Executor: &fetch.Executor{
			Caller:     client,
			MaxWorkers: cfg.ExecutorMaxWorkers,
			Logger:     appLog,
		},
		Summarizer: &enrich.Composer{},
		TTL: store.TTLTiers{
			Summary: cfg.CacheTTL.Summary,
			Detail:  cfg.CacheTTL.Detail,
			Partial: cfg.CacheTTL.Partial,
			Failure: cfg.CacheTTL.Failure,
		},
		Defaults: fetch.Defaults{
			YearLimit:    cfg.DefaultYearLimit,
			MaxYearLimit: cfg.MaxYearLimit,
			SubjectType:  cfg.SubjectTypeDefault,
		},
		Logger: appLog,
	}

	if cfg.Invalidation.Enabled {
		consumer := kafkaconsumer.New(
			kafkaconsumer.NewConfig(cfg.Invalidation.Brokers, cfg.Invalidation.Topic, cfg.Invalidation.GroupID),
			appLog, st, mem)
		go func() {
			if err := consumer.Start(ctx); err != nil && ctx.Err() == nil {
				appLog.Error("invalidation consumer stopped", "err", err)
			}
		}()
	}

	if err := server.Run(ctx, cfg, appLog, orch, st); err != nil {
		appLog.Error("server exited with error", "err", err)
		return 1
	}
	appLog.Info("server stopped")
	return 0
}
