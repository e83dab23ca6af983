package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/kb-retrieval-engine/internal/config"
	"github.com/kirillkom/kb-retrieval-engine/internal/core/domain"
	"github.com/kirillkom/kb-retrieval-engine/internal/core/ports"
	"github.com/kirillkom/kb-retrieval-engine/internal/core/usecase"
	"github.com/kirillkom/kb-retrieval-engine/internal/infrastructure/cache"
	"github.com/kirillkom/kb-retrieval-engine/internal/infrastructure/embedding/ollama"
	graphneo4j "github.com/kirillkom/kb-retrieval-engine/internal/infrastructure/graph/neo4j"
	queuenats "github.com/kirillkom/kb-retrieval-engine/internal/infrastructure/queue/nats"
	"github.com/kirillkom/kb-retrieval-engine/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/kb-retrieval-engine/internal/infrastructure/resilience"
	"github.com/kirillkom/kb-retrieval-engine/internal/infrastructure/vector/qdrant"
	"github.com/kirillkom/kb-retrieval-engine/internal/observability/metrics"
)

type App struct {
	Config  config.Config
	Metrics *metrics.ServerMetrics

	Retriever ports.Retriever

	invalidator *queuenats.ScopeInvalidator
	closeFn     func()
}

func New(ctx context.Context, cfg config.Config) (*App, error) {
	serverMetrics := metrics.NewServerMetrics("kb-retrieval-engine")

	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := postgres.EnsureSchema(ctx, db); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	permissionStore := postgres.NewPermissionStore(db)
	catalogStore := postgres.NewCatalogStore(db)

	retrievalCache := cache.New(cache.Config{
		ScopeTTL:     time.Duration(cfg.ScopeCacheTTLSeconds) * time.Second,
		EmbeddingTTL: time.Duration(cfg.EmbeddingCacheTTLSeconds) * time.Second,
		MaxEntries:   cfg.CacheMaxEntries,
	}, serverMetrics.CacheCounter())

	policy := resilience.DefaultPolicy()
	qdrantClient := qdrant.New(cfg.QdrantURL, cfg.QdrantCollectionPrefix, policy)
	embedder := ollama.New(cfg.OllamaURL, cfg.OllamaEmbedModel, policy)

	graphSearcher, err := graphneo4j.NewSearcher(cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPassword, cfg.Neo4jDatabase, policy)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init graph searcher: %w", err)
	}

	dispatcher := usecase.NewQueryDispatcher(qdrantClient, qdrantClient, graphSearcher, embedder, retrievalCache, usecase.DispatchConfig{
		PerCallTimeout: time.Duration(cfg.PerCallTimeoutMillis) * time.Millisecond,
		PerKBLimit:     cfg.PerKBLimit,
		MaxInFlight:    int64(cfg.MaxInFlightBranches),
		GraphMaxHops:   cfg.GraphMaxHops,
		GraphSeedLimit: cfg.GraphSeedLimit,
	})

	retriever := usecase.NewRetrieveUseCase(
		usecase.NewPermissionResolver(permissionStore, retrievalCache),
		dispatcher,
		usecase.NewCitationAssembler(catalogStore),
		catalogStore,
		usecase.FusionConfig{
			RRFK: cfg.FusionRRFK,
			Weights: map[domain.Modality]float64{
				domain.ModalityVector:  float64(cfg.VectorWeightPercent) / 100.0,
				domain.ModalityLexical: float64(cfg.LexicalWeightPercent) / 100.0,
				domain.ModalityGraph:   float64(cfg.GraphWeightPercent) / 100.0,
			},
		},
		cfg.RetrieveLimit,
	)

	invalidator, err := queuenats.NewScopeInvalidator(cfg.NATSURL, cfg.NATSPermissionSubject, retrievalCache, queuenats.Options{})
	if err != nil {
		// Invalidation degrades to TTL expiry without NATS; retrieval keeps working.
		slog.Warn("scope_invalidator_unavailable", "error", err)
		invalidator = nil
	}

	return &App{
		Config:      cfg,
		Metrics:     serverMetrics,
		Retriever:   retriever,
		invalidator: invalidator,
		closeFn: func() {
			if invalidator != nil {
				invalidator.Close()
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = graphSearcher.Close(shutdownCtx)
			_ = db.Close()
		},
	}, nil
}

// RunInvalidator blocks consuming permission-change events until ctx ends.
// No-op when NATS was unavailable at startup.
func (a *App) RunInvalidator(ctx context.Context) {
	if a.invalidator == nil {
		return
	}
	if err := a.invalidator.Run(ctx); err != nil {
		slog.Warn("scope_invalidator_stopped", "error", err)
	}
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}
