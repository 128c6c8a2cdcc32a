package repositories

import (
	"context"
	"sort"
	"sync"
	"time"

	"example.com/backstage/services/citysync/internal/models"
)

// MemoryCityRepository keeps replicas in process memory. A single mutex
// serializes Mutate calls, which gives the same per-id ordering as the row lock.
type MemoryCityRepository struct {
	mu     sync.Mutex
	cities map[string]models.City
	now    func() time.Time
}

// NewMemoryCityRepository creates an empty in-memory repository
func NewMemoryCityRepository() *MemoryCityRepository {
	return &MemoryCityRepository{
		cities: make(map[string]models.City),
		now:    time.Now,
	}
}

// Mutate applies fn under the store mutex
func (r *MemoryCityRepository) Mutate(ctx context.Context, id string, fn MutateFunc) (*models.City, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var existing *models.City
	if row, ok := r.cities[id]; ok {
		existing = &row
	}

	next, err := fn(existing)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return nil, nil
	}

	now := r.now()
	next.ID = id
	if existing == nil {
		next.CreatedAt = now
	} else {
		next.CreatedAt = existing.CreatedAt
	}
	next.UpdatedAt = now

	r.cities[id] = *next
	stored := *next
	return &stored, nil
}

// GetByID returns a copy of the replica for id
func (r *MemoryCityRepository) GetByID(_ context.Context, id string) (*models.City, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	row, ok := r.cities[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &row, nil
}

// List returns every replica ordered by display name
func (r *MemoryCityRepository) List(_ context.Context) ([]models.City, error) {
	r.mu.Lock()
	cities := make([]models.City, 0, len(r.cities))
	for _, c := range r.cities {
		cities = append(cities, c)
	}
	r.mu.Unlock()

	sort.Slice(cities, func(i, j int) bool {
		if cities[i].Name == cities[j].Name {
			return cities[i].ID < cities[j].ID
		}
		return cities[i].Name < cities[j].Name
	})
	return cities, nil
}

// Stats counts replicas and finds the most recently synced one
func (r *MemoryCityRepository) Stats(_ context.Context) (*models.SyncStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := &models.SyncStats{TotalCities: int64(len(r.cities))}
	for _, c := range r.cities {
		if c.IsActive {
			stats.ActiveCities++
		}
		if c.IsOperational {
			stats.OperationalCities++
		}
		if stats.LastSynced == nil || c.LastSyncAt.After(stats.LastSynced.LastSyncAt) {
			last := c
			stats.LastSynced = &last
		}
	}
	return stats, nil
}

// Ping always succeeds
func (r *MemoryCityRepository) Ping(context.Context) error {
	return nil
}
