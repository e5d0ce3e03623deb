// Command groundline runs the retrieval-augmented QA service: the query
// surface with hybrid retrieval, guardrail, and streaming synthesis, and the
// token-guarded ingest surface.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/groundline-ai/groundline/internal/auth"
	"github.com/groundline-ai/groundline/internal/chunking"
	"github.com/groundline-ai/groundline/internal/config"
	"github.com/groundline-ai/groundline/internal/corpusstats"
	"github.com/groundline-ai/groundline/internal/db"
	"github.com/groundline-ai/groundline/internal/embeddings"
	"github.com/groundline-ai/groundline/internal/guardrail"
	"github.com/groundline-ai/groundline/internal/health"
	"github.com/groundline-ai/groundline/internal/httpapi"
	"github.com/groundline-ai/groundline/internal/ingest"
	"github.com/groundline-ai/groundline/internal/keyword"
	"github.com/groundline-ai/groundline/internal/llm"
	"github.com/groundline-ai/groundline/internal/packer"
	"github.com/groundline-ai/groundline/internal/pipeline"
	"github.com/groundline-ai/groundline/internal/ratelimit"
	"github.com/groundline-ai/groundline/internal/reranker"
	"github.com/groundline-ai/groundline/internal/retrieval"
	"github.com/groundline-ai/groundline/internal/synthesis"
	"github.com/groundline-ai/groundline/internal/tokenizer"
	"github.com/groundline-ai/groundline/internal/tracing"
	"github.com/groundline-ai/groundline/internal/vectordb"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "groundline: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := buildLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	if err := tracing.Initialize(cfg.Tracing, logger); err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisCli := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisCli.Close()

	var pg *sqlx.DB
	if cfg.Postgres.DSN != "" {
		pg, err = sqlx.Connect("postgres", cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pg.Close()
	}
	audit := db.NewAuditLog(pg, logger)
	if pg != nil {
		if err := audit.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure audit schema: %w", err)
		}
	}

	vdb := vectordb.New(vectordb.Config{
		URL:        cfg.VectorDB.URL,
		APIKey:     cfg.VectorDB.APIKey,
		Collection: cfg.VectorDB.Collection,
		EfBase:     cfg.VectorDB.EfBase,
		EfMin:      cfg.VectorDB.EfMin,
		EfMax:      cfg.VectorDB.EfMax,
	}, logger)
	if err := vdb.EnsureCollection(ctx, vectordb.DefaultCollectionParams(cfg.Embedding.VectorDim)); err != nil {
		return fmt.Errorf("ensure collection: %w", err)
	}
	if err := vdb.EnsurePayloadIndexes(ctx); err != nil {
		logger.Warn("payload indexes not fully created", zap.Error(err))
	}

	counter := tokenizer.NewCounter(tokenizer.Config{
		Model:        cfg.Embedding.Model,
		MaxTokens:    cfg.Embedding.MaxTokens,
		SafetyMargin: cfg.Embedding.SafetyMargin,
	})
	chunker := chunking.New(chunking.Config{
		Strategy:      chunking.Strategy(cfg.Embedding.ChunkingStrategy),
		OverlapTokens: cfg.Embedding.OverlapTokens,
	}, counter, logger)
	guard := chunking.NewGuard(chunking.DefaultGuardConfig(), logger)

	embedder := embeddings.NewManager(embeddings.Config{
		BaseURL:      cfg.Embedding.URL,
		Model:        cfg.Embedding.Model,
		Dimensions:   cfg.Embedding.VectorDim,
		MaxBatchSize: cfg.Embedding.BatchSize,
	}, embeddings.NewRedisCache(redisCli), chunker, logger)

	stats := corpusstats.New(redisCli, logger)

	dense := retrieval.NewDenseSearcher(embedder, vdb, 0, logger)
	kw := keyword.New(vdb, stats, logger)
	retriever := retrieval.New(dense, kw, retrieval.Config{}, logger)

	var rr reranker.Reranker
	if cfg.VectorDB.RerankerURL != "" {
		rr = reranker.NewHTTP(cfg.VectorDB.RerankerURL, 10*time.Second, logger)
	}

	guardStore, err := guardrail.NewConfigStore(cfg.Guardrail.ConfigPath, logger)
	if err != nil {
		return fmt.Errorf("load guardrail config: %w", err)
	}
	if cfg.Guardrail.ConfigPath != "" {
		if err := guardStore.Watch(); err != nil {
			logger.Warn("guardrail config watch unavailable", zap.Error(err))
		}
		defer guardStore.Close()
	}
	engine := guardrail.NewEngine(guardStore, logger)

	pk := packer.New(packer.Config{
		TokenBudget:          cfg.Packing.TokenBudget,
		PerDocCap:            cfg.Packing.PerDocCap,
		PerSectionCap:        cfg.Packing.PerSectionCap,
		NoveltyAlpha:         cfg.Packing.NoveltyAlpha,
		AnswerabilityBonus:   cfg.Packing.AnswerabilityBonus,
		SectionReunification: cfg.Packing.SectionReunification,
	}, logger)

	factory := llm.NewFactory(llm.Config{
		Provider:  cfg.LLM.Provider,
		Model:     cfg.LLM.Model,
		BaseURL:   cfg.LLM.Endpoint,
		APIKey:    cfg.LLM.APIKey,
		Streaming: cfg.LLM.Streaming,
		Timeout:   cfg.LLM.Timeout,
	}, logger)
	synth := synthesis.New(factory, synthesis.Config{
		MaxContextTokens: cfg.Packing.TokenBudget,
	}, logger)

	pl := pipeline.NewService(retriever, rr, engine, pk, synth, logger)
	ing := ingest.NewService(chunker, guard, embedder, vdb, stats, audit, logger)

	limiter := ratelimit.New(redisCli, ratelimit.Config{
		PerIP:     cfg.RateLimit.PerIP,
		PerUser:   cfg.RateLimit.PerUser,
		PerTenant: cfg.RateLimit.PerTenant,
		Window:    cfg.RateLimit.Window,
	}, logger)

	hm := health.NewManager(30*time.Second, 5*time.Second, logger)
	hm.Register("vectorstore", true, vdb.Health)
	hm.Register("embedding", true, embedder.HealthCheck)
	hm.Register("redis", false, func(ctx context.Context) error {
		return redisCli.Ping(ctx).Err()
	})
	if pg != nil {
		hm.Register("postgres", false, pg.PingContext)
	}
	hm.Start(ctx)
	defer hm.Stop()

	srv := httpapi.NewServer(httpapi.Config{
		Addr:        fmt.Sprintf(":%d", cfg.Server.Port),
		ReadTimeout: cfg.Server.ReadTimeout,
		IngestToken: cfg.Auth.IngestToken,
	}, auth.NewAuthenticator(cfg.Auth.JWTSecret, logger), limiter, pl, ing, hm, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func buildLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
