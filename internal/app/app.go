// Package app builds the engine from a validated Config. The server and the
// worker share it so both processes agree on stores, models and bands.
package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/vladm3105/tradegent/internal/config"
	"github.com/vladm3105/tradegent/internal/metrics"
	"github.com/vladm3105/tradegent/internal/storage"
	"github.com/vladm3105/tradegent/pkg/ai"
	oai "github.com/vladm3105/tradegent/pkg/ai/ollama"
	gai "github.com/vladm3105/tradegent/pkg/ai/openai"
	"github.com/vladm3105/tradegent/pkg/chunk"
	"github.com/vladm3105/tradegent/pkg/common"
	"github.com/vladm3105/tradegent/pkg/embed"
	"github.com/vladm3105/tradegent/pkg/graph"
	"github.com/vladm3105/tradegent/pkg/leaselock"
	"github.com/vladm3105/tradegent/pkg/loader"
	fsource "github.com/vladm3105/tradegent/pkg/loader/io"
	"github.com/vladm3105/tradegent/pkg/logger"
	"github.com/vladm3105/tradegent/pkg/pipeline"
	"github.com/vladm3105/tradegent/pkg/query"
	"github.com/vladm3105/tradegent/pkg/search"
	pgxstore "github.com/vladm3105/tradegent/pkg/store/pgx"
)

type App struct {
	Config  config.Config
	Metrics *metrics.Collector

	Pool  *pgxpool.Pool
	Store *pgxstore.Store
	Redis *redis.Client

	Embed     *embed.Client
	Searcher  *search.Searcher
	Builder   *query.Builder
	Extractor *graph.Extractor
	Completer ai.Completer
	Gate      *graph.Gate
	Locker    leaselock.Locker

	EmbedPipeline   *pipeline.Embedder
	ExtractPipeline *pipeline.ExtractPipeline

	// Archive is nil when no bucket is configured.
	Archive *storage.Archive

	closers []func()
}

// New connects to every backing service and wires the engine. On error
// everything opened so far is closed.
func New(ctx context.Context, cfg config.Config, m *metrics.Collector) (*App, error) {
	if m == nil {
		m = metrics.New("")
	}
	a := &App{Config: cfg, Metrics: m}
	if err := a.connect(ctx, cfg); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) connect(ctx context.Context, cfg config.Config) error {
	if cfg.Database.Migrate {
		if err := pgxstore.Migrate(cfg.Database.URL); err != nil {
			return err
		}
		logger.Info("[App] Migrations applied")
	}
	pool, err := pgxstore.Connect(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	a.Pool = pool
	a.closers = append(a.closers, pool.Close)
	a.Store = pgxstore.NewStoreWithConnection(pool,
		pgxstore.WithMaxTopK(cfg.Database.MaxTopK),
		pgxstore.WithHNSWEfSearch(cfg.Database.HNSWEfSearch),
	)
	if cfg.Embed.Dimensions > 0 {
		if err := a.Store.EnsureVectorIndex(ctx, cfg.Embed.Dimensions); err != nil {
			logger.Warn("[App] Vector index not created", "dim", cfg.Embed.Dimensions, "err", err)
		}
	}
	a.Locker = leaselock.New(pool)

	var cache embed.Cache
	if cfg.Redis.Enabled() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.Redis = rdb
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("[App] Redis unreachable, embedding cache disabled", "addr", cfg.Redis.Addr, "err", err)
		} else {
			cache = embed.NewRedisCache(rdb, cfg.Redis.Prefix, cfg.Redis.TTL)
		}
	}

	if cfg.S3.Enabled() {
		client, err := storage.NewS3Client(ctx, cfg.S3)
		if err != nil {
			return err
		}
		a.Archive = storage.NewArchive(cfg.S3.Bucket, client)
	}

	return a.wireEngine(cfg, cache)
}

func (a *App) wireEngine(cfg config.Config, cache embed.Cache) error {
	providers, err := EmbedProviders(cfg)
	if err != nil {
		return err
	}
	a.Embed, err = embed.NewClient(embed.NewClientParams{
		Providers:        providers,
		Dimensions:       cfg.Embed.Dimensions,
		Backoff:          cfg.EmbedBackoff(),
		Timeout:          cfg.Embed.Timeout,
		RequireSameModel: cfg.Embed.RequireSameModel,
		Cache:            cache,
		Observer:         a.Metrics,
	})
	if err != nil {
		return err
	}

	a.Searcher = search.NewSearcher(a.Store, a.Embed, cfg.SearchConfig())
	a.Builder, err = query.NewBuilder(query.NewBuilderParams{
		Search: a.Searcher,
		Graph:  a.Store,
		Config: cfg.QueryConfig(),
		Tracer: a.Metrics,
	})
	if err != nil {
		return err
	}

	counter, err := chunk.NewTiktokenCounter(cfg.Chunk.Encoder)
	if err != nil {
		return err
	}
	minTokens := cfg.Chunk.MinTokens
	if minTokens == 0 {
		minTokens = -1
	}
	chunker, err := chunk.NewChunker(chunk.NewChunkerParams{
		MaxTokens: cfg.Chunk.MaxTokens,
		MinTokens: minTokens,
		Counter:   counter,
	})
	if err != nil {
		return err
	}
	a.EmbedPipeline, err = pipeline.NewEmbedder(pipeline.NewEmbedderParams{
		Chunker:  chunker,
		Client:   a.Embed,
		Chunks:   a.Store,
		Locker:   a.Locker,
		Workers:  cfg.Workers.Embed,
		Observer: a.Metrics,
	})
	if err != nil {
		return err
	}

	completer, err := ExtractClient(cfg)
	if err != nil {
		return err
	}
	a.Completer = completer
	a.Extractor, err = graph.NewExtractor(graph.NewExtractorParams{
		Client:      completer,
		Limiter:     cfg.ExtractLimiter(),
		Backoff:     cfg.ExtractBackoff(),
		Timeout:     cfg.Extract.Timeout,
		Parallel:    cfg.Extract.Parallel,
		Temperature: cfg.Extract.Temperature,
	})
	if err != nil {
		return err
	}

	aliases, err := graph.LoadAliases(cfg.AliasesFile)
	if err != nil {
		return err
	}
	a.Gate, err = graph.NewGate(graph.NewGateParams{
		Graph:         a.Store,
		Pending:       a.Store,
		Canonicalizer: graph.NewCanonicalizer(aliases),
		Bands:         cfg.Bands(),
		MaxRetries:    cfg.Gate.MaxRetries,
		Observer:      a.Metrics,
	})
	if err != nil {
		return err
	}
	a.ExtractPipeline, err = pipeline.NewExtractPipeline(pipeline.NewExtractPipelineParams{
		Extractor: a.Extractor,
		Gate:      a.Gate,
		Locker:    a.Locker,
		Workers:   cfg.Workers.Extract,
		Observer:  a.Metrics,
	})
	return err
}

// Source returns a fresh reader for body-less submissions: the bucket when
// one is configured, else SOURCE_ROOT, else nil.
func (a *App) Source() loader.Source {
	switch {
	case a.Archive != nil:
		return a.Archive.Source()
	case a.Config.SourceRoot != "":
		return fsource.NewFileSource(a.Config.SourceRoot)
	default:
		return nil
	}
}

// Close releases connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// EmbedProviders builds the embedding chain in configured order.
func EmbedProviders(cfg config.Config) ([]ai.Embedder, error) {
	var providers []ai.Embedder
	for _, p := range cfg.Embed.Providers {
		switch p.Name {
		case config.ProviderOpenAI:
			if p.Key == "" {
				return nil, fmt.Errorf("%w: EMBED_OPENAI_KEY", common.ErrMissingCredentials)
			}
			providers = append(providers, gai.NewClient(gai.NewClientParams{
				EmbeddingModel:        p.Model,
				EmbeddingURL:          p.URL,
				EmbeddingKey:          p.Key,
				Dimensions:            cfg.Embed.Dimensions,
				MaxBatch:              cfg.Embed.MaxBatch,
				MaxConcurrentRequests: int64(cfg.Embed.Parallel),
				Timeout:               cfg.Embed.Timeout,
			}))
		case config.ProviderOllama:
			client, err := oai.NewClient(oai.NewClientParams{
				EmbeddingModel:        p.Model,
				BaseURL:               p.URL,
				ApiKey:                p.Key,
				MaxBatch:              cfg.Embed.MaxBatch,
				MaxConcurrentRequests: int64(cfg.Embed.Parallel),
				Timeout:               cfg.Embed.Timeout,
			})
			if err != nil {
				return nil, fmt.Errorf("%w: ollama embedding client: %v", common.ErrConfig, err)
			}
			providers = append(providers, client)
		default:
			return nil, fmt.Errorf("%w: unknown embedding provider %q", common.ErrConfig, p.Name)
		}
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("%w: no embedding providers configured", common.ErrConfig)
	}
	return providers, nil
}

// ExtractClient builds the chat client used for graph extraction.
func ExtractClient(cfg config.Config) (ai.Completer, error) {
	p := cfg.Extract.Provider
	switch p.Name {
	case config.ProviderOllama:
		client, err := oai.NewClient(oai.NewClientParams{
			ExtractionModel:       p.Model,
			BaseURL:               p.URL,
			ApiKey:                p.Key,
			MaxConcurrentRequests: int64(cfg.Extract.Parallel),
			Timeout:               cfg.Extract.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: ollama chat client: %v", common.ErrConfig, err)
		}
		return client, nil
	case config.ProviderOpenAI, "":
		if p.Key == "" {
			return nil, fmt.Errorf("%w: AI_CHAT_KEY", common.ErrMissingCredentials)
		}
		return gai.NewClient(gai.NewClientParams{
			ExtractionModel:       p.Model,
			ChatURL:               p.URL,
			ChatKey:               p.Key,
			MaxConcurrentRequests: int64(cfg.Extract.Parallel),
			Timeout:               cfg.Extract.Timeout,
		}), nil
	default:
		return nil, fmt.Errorf("%w: unknown AI_ADAPTER %q", common.ErrConfig, p.Name)
	}
}
