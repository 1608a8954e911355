package bootstrap

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"rolodex/internal/adapters/ai"
	"rolodex/internal/adapters/config"
	"rolodex/internal/adapters/embeddings"
	"rolodex/internal/adapters/geo"
	pgclient "rolodex/internal/adapters/postgres"
	redisclient "rolodex/internal/adapters/redis"
	"rolodex/internal/adapters/rerank"
	"rolodex/internal/cache"
	"rolodex/internal/domain/contact"
	"rolodex/internal/domain/usage"
	"rolodex/internal/domain/vector"
	"rolodex/internal/metrics"
	pgrepo "rolodex/internal/repository/postgres"
	"rolodex/internal/services/budget"
	"rolodex/internal/services/enrichment"
	"rolodex/internal/services/search"
	"rolodex/internal/workers"
	"rolodex/pkg/errors"
	"rolodex/pkg/logger"
)

// Container holds all application dependencies in initialization order
type Container struct {
	Config *config.Config
	Log    *logger.Logger

	// Infrastructure
	PG    *pgclient.Client
	Redis *redisclient.Client

	// Repositories
	Repos *Repositories

	// External adapters
	Adapters *Adapters

	// Services
	Services *Services

	// Background processing
	Background *workers.Background
}

// Repositories groups the persistence ports
type Repositories struct {
	Ledger   usage.Repository
	Contacts contact.Repository
	Index    vector.Index
}

// Adapters groups the external service clients
type Adapters struct {
	Generator ai.Generator
	Embedder  embeddings.Provider
	Reranker  rerank.Reranker
	Geo       *geo.HTTPClient
}

// Services groups the application services
type Services struct {
	Budget     *budget.Ledger
	Search     *search.Service
	Enrichment *enrichment.Service
}

// New builds the full dependency graph from configuration
func New(ctx context.Context, cfg *config.Config) (*Container, error) {
	log := logger.Get()

	pg, err := pgclient.NewClient(cfg.Postgres)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to postgres")
	}
	log.Info("PostgreSQL connected")

	rds, err := redisclient.NewClient(cfg.Redis)
	if err != nil {
		pg.Close()
		return nil, errors.Wrap(err, "failed to connect to redis")
	}
	log.Info("Redis connected")

	repos := &Repositories{
		Ledger:   pgrepo.NewLedgerRepository(pg.DB()),
		Contacts: pgrepo.NewContactRepository(pg.DB()),
		Index:    pgrepo.NewVectorIndex(pg.DB()),
	}

	adapters, err := newAdapters(ctx, cfg)
	if err != nil {
		rds.Close()
		pg.Close()
		return nil, err
	}

	tiers, err := newTiers(cfg.Budget)
	if err != nil {
		rds.Close()
		pg.Close()
		return nil, err
	}

	metrics.Register()

	resolver := cache.NewResolver(rds, redisclient.IsMiss)
	bg := workers.NewBackground(2 * time.Minute)

	ledger := budget.NewLedger(repos.Ledger, tiers)

	searchSvc := search.NewService(
		adapters.Generator,
		adapters.Embedder,
		repos.Index,
		adapters.Reranker,
		repos.Contacts,
		ledger,
		resolver,
		cfg.Cache.TTL,
		cfg.Search,
		cfg.Rerank.Enabled,
	)

	enrichSvc := enrichment.NewService(
		repos.Contacts,
		adapters.Geo,
		adapters.Geo,
		adapters.Generator,
		adapters.Embedder,
		repos.Index,
		ledger,
		resolver,
		bg,
		cfg.Cache,
		cfg.Geo,
	)

	return &Container{
		Config:     cfg,
		Log:        log,
		PG:         pg,
		Redis:      rds,
		Repos:      repos,
		Adapters:   adapters,
		Services:   &Services{Budget: ledger, Search: searchSvc, Enrichment: enrichSvc},
		Background: bg,
	}, nil
}

func newAdapters(ctx context.Context, cfg *config.Config) (*Adapters, error) {
	generator, err := ai.NewGenerator(ctx, cfg.AI)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create generator")
	}

	embedder, err := embeddings.NewProvider(cfg.Embedding)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create embedding provider")
	}

	var reranker rerank.Reranker
	if cfg.Rerank.Enabled {
		reranker = rerank.NewClient(cfg.Rerank)
	}

	return &Adapters{
		Generator: generator,
		Embedder:  embedder,
		Reranker:  reranker,
		Geo:       geo.NewHTTPClient(cfg.Geo),
	}, nil
}

func newTiers(cfg config.BudgetConfig) (*usage.Tiers, error) {
	freeCost, err := decimal.NewFromString(cfg.FreeMaxMonthlyCostUSD)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrInvalidInput, "invalid free tier cost %q", cfg.FreeMaxMonthlyCostUSD)
	}
	proCost, err := decimal.NewFromString(cfg.ProMaxMonthlyCostUSD)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrInvalidInput, "invalid pro tier cost %q", cfg.ProMaxMonthlyCostUSD)
	}

	return usage.NewTiers(
		usage.FreeTier(freeCost, cfg.FreeMaxRunsAI, cfg.FreeMaxRunsAPI),
		usage.ProTier(proCost, cfg.ProMaxRunsAI, cfg.ProMaxRunsAPI),
		usage.UnlimitedTier(),
	), nil
}

// Close releases resources in reverse initialization order. Background tasks
// are drained first so late vector upserts still find live connections.
func (c *Container) Close() {
	c.Log.Info("Draining background tasks...")
	c.Background.Wait()

	if err := c.Redis.Close(); err != nil {
		c.Log.Warnw("redis close failed", "error", err)
	}
	if err := c.PG.Close(); err != nil {
		c.Log.Warnw("postgres close failed", "error", err)
	}
}
