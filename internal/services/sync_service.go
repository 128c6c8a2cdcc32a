package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/citysync/internal/cache"
	"example.com/backstage/services/citysync/internal/clients"
	"example.com/backstage/services/citysync/internal/metrics"
	"example.com/backstage/services/citysync/internal/models"
	"example.com/backstage/services/citysync/internal/repositories"
	"example.com/backstage/services/citysync/internal/search"
	"example.com/backstage/services/citysync/internal/tracing"
)

// ManualResyncSource is the event source used for owner pulls
const ManualResyncSource = "manual-resync"

// SyncService applies city events to the local replica table
type SyncService struct {
	repo        repositories.CityRepository
	cities      *clients.CityClient
	cache       *cache.RedisCache
	indexer     *search.CityIndexer
	metrics     *metrics.Metrics
	tracer      tracing.Tracer
	serviceName string
	now         func() time.Time
}

// NewSyncService creates a new sync service. cities, cache, indexer and
// metrics are optional.
func NewSyncService(
	repo repositories.CityRepository,
	cities *clients.CityClient,
	cache *cache.RedisCache,
	indexer *search.CityIndexer,
	metrics *metrics.Metrics,
	tracer tracing.Tracer,
	serviceName string,
) *SyncService {
	if tracer == nil {
		tracer = tracing.Disabled()
	}
	return &SyncService{
		repo:        repo,
		cities:      cities,
		cache:       cache,
		indexer:     indexer,
		metrics:     metrics,
		tracer:      tracer,
		serviceName: serviceName,
		now:         time.Now,
	}
}

// ProcessEvent applies one event under the version guard. The only error it
// returns is a *ValidationError; storage failures come back as an "error" result.
func (s *SyncService) ProcessEvent(ctx context.Context, event *models.CityEvent) (*models.SyncResult, error) {
	start := time.Now()

	ctx, txn, end := s.tracer.FromContext(ctx, "process-city-event")
	defer end()

	if err := ValidateEvent(event); err != nil {
		if s.metrics != nil {
			s.metrics.RecordValidationFailure()
		}
		s.tracer.RecordError(txn, err)
		return nil, err
	}

	logger := log.With().
		Str("event_id", event.EventID).
		Str("entity_id", event.EntityID).
		Str("type", string(event.Type)).
		Int64("version", event.Data.Version).
		Str("source", event.Source).
		Logger()

	s.tracer.AddAttribute(txn, "city.id", event.EntityID)
	s.tracer.AddAttribute(txn, "city.version", event.Data.Version)

	if !event.Type.Known() {
		logger.Warn().Msg("Unknown city event type, acknowledging without applying")
		result := &models.SyncResult{
			Action:   models.ActionSkipped,
			EntityID: event.EntityID,
			Version:  event.Data.Version,
			Message:  fmt.Sprintf("unknown event type %s", event.Type),
		}
		s.record(event, result, start)
		return result, nil
	}

	var (
		action   models.SyncAction
		previous int64
	)

	span := s.tracer.StartSpan("apply-city-snapshot", txn)
	written, err := s.repo.Mutate(ctx, event.EntityID, func(existing *models.City) (*models.City, error) {
		syncedAt := s.now()

		if existing == nil {
			action, previous = models.ActionCreated, 0
			city := models.NewCityFromSnapshot(event.EntityID, *event.Data, syncedAt)
			if event.Type == models.CityDeleted {
				city.MarkDeleted()
			}
			return city, nil
		}

		previous = existing.Version
		if event.Data.Version <= existing.Version {
			action = models.ActionSkipped
			return nil, nil
		}

		next := *existing
		next.ApplySnapshot(*event.Data, syncedAt)
		if event.Type == models.CityDeleted {
			next.MarkDeleted()
		}
		action = models.ActionUpdated
		return &next, nil
	})
	span.End()

	if err != nil {
		logger.Error().Err(err).Msg("Failed to apply city event")
		s.tracer.RecordError(txn, err)
		result := &models.SyncResult{
			Action:   models.ActionError,
			EntityID: event.EntityID,
			Version:  event.Data.Version,
			Error:    err.Error(),
			Err:      err,
		}
		s.record(event, result, start)
		return result, nil
	}

	result := &models.SyncResult{
		Action:          action,
		EntityID:        event.EntityID,
		Version:         event.Data.Version,
		PreviousVersion: previous,
	}

	switch action {
	case models.ActionSkipped:
		result.Message = fmt.Sprintf("version %d is not newer than stored version %d", event.Data.Version, previous)
		logger.Debug().Int64("stored_version", previous).Msg("Stale city event skipped")
	default:
		logger.Info().Int64("previous_version", previous).Str("action", string(action)).Msg("City replica synced")
		s.project(ctx, written)
	}

	s.record(event, result, start)
	return result, nil
}

// project pushes a committed replica to the read-side projections. Both
// projections compare versions themselves, so concurrent events may project
// in any order. Failures are logged only; the replica table stays the source of truth.
func (s *SyncService) project(ctx context.Context, city *models.City) {
	if city == nil {
		return
	}
	if s.cache.Enabled() {
		if _, err := s.cache.SetCity(ctx, city); err != nil {
			log.Warn().Err(err).Str("entity_id", city.ID).Msg("Failed to cache city replica")
		}
	}
	if s.indexer.Enabled() {
		if err := s.indexer.IndexCity(ctx, city); err != nil {
			log.Warn().Err(err).Str("entity_id", city.ID).Msg("Failed to index city replica")
		}
	}
}

func (s *SyncService) record(event *models.CityEvent, result *models.SyncResult, start time.Time) {
	if s.metrics != nil {
		s.metrics.RecordSync(event.Type, result.Action, time.Since(start))
	}
}

// Status summarizes the replica table
func (s *SyncService) Status(ctx context.Context) (*models.SyncStatus, error) {
	stats, err := s.repo.Stats(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get sync status")
	}

	status := &models.SyncStatus{
		TotalCities:       stats.TotalCities,
		ActiveCities:      stats.ActiveCities,
		OperationalCities: stats.OperationalCities,
		Service:           s.serviceName,
	}
	if stats.LastSynced != nil {
		lastSync := stats.LastSynced.LastSyncAt
		id := stats.LastSynced.ID
		status.LastSync = &lastSync
		status.LastSyncedCity = &id
	}
	return status, nil
}

// RefreshMetrics updates the replica gauges from the table
func (s *SyncService) RefreshMetrics(ctx context.Context) error {
	stats, err := s.repo.Stats(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to load replica stats")
	}
	if s.metrics != nil {
		s.metrics.SetReplicaStats(stats)
	}
	return nil
}

// ListCities returns every replica ordered by name
func (s *SyncService) ListCities(ctx context.Context) ([]models.City, error) {
	cities, err := s.repo.List(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list cities")
	}
	return cities, nil
}

// GetCity returns one replica, read through the cache when enabled
func (s *SyncService) GetCity(ctx context.Context, id string) (*models.City, error) {
	if s.cache.Enabled() {
		city, err := s.cache.GetCity(ctx, id)
		if err == nil {
			return city, nil
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			log.Warn().Err(err).Str("entity_id", id).Msg("City cache read failed")
		}
	}

	city, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	// A concurrent accepted write may already have cached a newer version;
	// SetCity leaves it in place.
	if s.cache.Enabled() {
		if _, err := s.cache.SetCity(ctx, city); err != nil {
			log.Warn().Err(err).Str("entity_id", id).Msg("Failed to cache city replica")
		}
	}
	return city, nil
}

// ManualSync pulls the current snapshot from the owning city service and
// applies it like any other UPDATED event.
func (s *SyncService) ManualSync(ctx context.Context, entityID string) *models.SyncResult {
	logger := log.With().Str("entity_id", entityID).Logger()

	if !s.cities.Configured() {
		logger.Info().Msg("Manual resync requested but no city service is configured")
		return &models.SyncResult{
			Action:   models.ActionSkipped,
			EntityID: entityID,
			Message:  "manual resync requires a configured city service",
		}
	}

	fetched := s.cities.FetchCity(ctx, entityID)
	switch {
	case fetched.IsNotFound():
		logger.Warn().Str("reason", fetched.Reason).Msg("City not found at owning service")
		return &models.SyncResult{
			Action:   models.ActionSkipped,
			EntityID: entityID,
			Message:  "city not found at owning service",
		}
	case !fetched.IsOK():
		logger.Error().Err(fetched.Err).Msg("City service unavailable for manual resync")
		return &models.SyncResult{
			Action:   models.ActionError,
			EntityID: entityID,
			Error:    fetched.Reason,
			Err:      fetched.Err,
		}
	}

	snapshot := fetched.Value
	if snapshot.ID == "" {
		snapshot.ID = entityID
	}

	event := &models.CityEvent{
		EventID:   uuid.NewString(),
		Type:      models.CityUpdated,
		EntityID:  entityID,
		Data:      snapshot,
		Timestamp: s.now(),
		Source:    ManualResyncSource,
		Version:   snapshot.Version,
	}

	result, err := s.ProcessEvent(ctx, event)
	if err != nil {
		return &models.SyncResult{
			Action:   models.ActionError,
			EntityID: entityID,
			Error:    err.Error(),
			Err:      err,
		}
	}
	return result
}

// Ping checks the replica store
func (s *SyncService) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}
