package cmd

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"example.com/backstage/services/citysync/config"
	"example.com/backstage/services/citysync/internal/cache"
	"example.com/backstage/services/citysync/internal/clients"
	"example.com/backstage/services/citysync/internal/database"
	"example.com/backstage/services/citysync/internal/metrics"
	"example.com/backstage/services/citysync/internal/repositories"
	"example.com/backstage/services/citysync/internal/resilience"
	"example.com/backstage/services/citysync/internal/search"
	"example.com/backstage/services/citysync/internal/services"
	"example.com/backstage/services/citysync/internal/tracing"
)

const (
	metricsNamespace = "citysync"
	shutdownGrace    = 10 * time.Second
)

// components is everything the api and worker commands share
type components struct {
	cfg         config.Config
	db          *gorm.DB
	cache       *cache.RedisCache
	tracer      tracing.Tracer
	metrics     *metrics.Metrics
	breakers    *resilience.Registry
	vehicles    *clients.VehicleClient
	syncService *services.SyncService
}

func buildComponents(ctx context.Context, cfg config.Config) (*components, error) {
	c := &components{
		cfg:      cfg,
		metrics:  metrics.NewMetrics(metricsNamespace),
		breakers: resilience.NewRegistry(),
	}

	repo, err := c.initRepository()
	if err != nil {
		return nil, err
	}

	c.cache, err = cache.NewRedisCache(cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Redis cache, continuing without caching")
		c.cache = nil
	}

	c.tracer, err = tracing.NewTracer(cfg.Tracing)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
		c.tracer = tracing.Disabled()
	}

	indexer, err := search.NewCityIndexer(cfg.Elastic)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Elasticsearch client, continuing without search indexing")
		indexer = nil
	}
	if indexer.Enabled() {
		if err := indexer.EnsureIndex(ctx); err != nil {
			log.Warn().Err(err).Str("index", indexer.Index()).Msg("Failed to ensure city index")
		}
	}

	c.vehicles = clients.NewVehicleClient(c.newClient("vehicles", cfg.Dependencies.Vehicles))
	cities := clients.NewCityClient(c.newClient("cities", cfg.Dependencies.Cities))

	c.syncService = services.NewSyncService(repo, cities, c.cache, indexer, c.metrics, c.tracer, cfg.ServiceName)
	return c, nil
}

func (c *components) initRepository() (repositories.CityRepository, error) {
	if c.cfg.DB.Driver == database.DriverMemory {
		log.Warn().Msg("Using in-memory city replica store, data will not survive restarts")
		return repositories.NewMemoryCityRepository(), nil
	}

	db, err := database.Connect(c.cfg.DB, c.metrics)
	if err != nil {
		return nil, err
	}
	if c.cfg.DB.AutoMigrate {
		if err := database.AutoMigrate(db); err != nil {
			return nil, errors.Wrap(err, "failed to run migrations")
		}
	}

	c.db = db
	return repositories.NewGormCityRepository(db), nil
}

// newClient builds one breaker-guarded client and registers its breaker
func (c *components) newClient(name string, cfg config.ClientConfig) *clients.ResilientClient {
	breaker := resilience.NewCircuitBreaker(resilience.Settings{
		Name:             name,
		FailureThreshold: cfg.FailureThreshold,
		Cooldown:         cfg.Cooldown,
		OnStateChange: func(dependency string, from, to resilience.State) {
			log.Warn().
				Str("dependency", dependency).
				Str("from", string(from)).
				Str("to", string(to)).
				Msg("Circuit breaker state changed")
			c.metrics.BreakerStateChanged(dependency, from, to)
		},
	})
	c.breakers.Register(breaker)
	c.metrics.SetBreakerState(name, breaker.State())

	if cfg.BaseURL == "" {
		log.Warn().Str("dependency", name).Msg("No base URL configured, calls will fail fast")
	}

	return clients.NewResilientClient(name, cfg, breaker, clients.WithObserver(c.metrics))
}

func (c *components) close() {
	if c.cache != nil {
		if err := c.cache.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close Redis cache")
		}
	}
	if c.db != nil {
		if err := database.Close(c.db); err != nil {
			log.Error().Err(err).Msg("Failed to close database")
		}
	}
	c.tracer.Close()
}
