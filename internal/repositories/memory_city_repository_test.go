package repositories

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/backstage/services/citysync/internal/models"
)

func insertCity(t *testing.T, repo *MemoryCityRepository, id, name string, version int64, active bool, syncedAt time.Time) {
	t.Helper()
	_, err := repo.Mutate(context.Background(), id, func(existing *models.City) (*models.City, error) {
		return &models.City{Name: name, Version: version, IsActive: active, IsOperational: active, LastSyncAt: syncedAt}, nil
	})
	require.NoError(t, err)
}

func TestMemoryRepositoryMutateInsertAndUpdate(t *testing.T) {
	repo := NewMemoryCityRepository()
	ctx := context.Background()

	city, err := repo.Mutate(ctx, "c1", func(existing *models.City) (*models.City, error) {
		assert.Nil(t, existing)
		return &models.City{Name: "Nairobi", Version: 1}, nil
	})
	require.NoError(t, err)
	require.NotNil(t, city)
	assert.Equal(t, "c1", city.ID)
	created := city.CreatedAt

	city, err = repo.Mutate(ctx, "c1", func(existing *models.City) (*models.City, error) {
		require.NotNil(t, existing)
		assert.Equal(t, int64(1), existing.Version)
		next := *existing
		next.Version = 2
		return &next, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), city.Version)
	assert.Equal(t, created, city.CreatedAt)
}

func TestMemoryRepositoryMutateNoWrite(t *testing.T) {
	repo := NewMemoryCityRepository()

	city, err := repo.Mutate(context.Background(), "c1", func(*models.City) (*models.City, error) {
		return nil, nil
	})
	require.NoError(t, err)
	assert.Nil(t, city)

	_, err = repo.GetByID(context.Background(), "c1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryRepositoryReturnsCopies(t *testing.T) {
	repo := NewMemoryCityRepository()
	insertCity(t, repo, "c1", "Mombasa", 1, true, time.Now())

	city, err := repo.GetByID(context.Background(), "c1")
	require.NoError(t, err)
	city.Name = "changed"

	again, err := repo.GetByID(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "Mombasa", again.Name)
}

func TestMemoryRepositoryListOrderedByName(t *testing.T) {
	repo := NewMemoryCityRepository()
	now := time.Now()
	insertCity(t, repo, "c1", "Nakuru", 1, true, now)
	insertCity(t, repo, "c2", "Eldoret", 1, true, now)
	insertCity(t, repo, "c3", "Kisumu", 1, false, now)

	cities, err := repo.List(context.Background())
	require.NoError(t, err)
	require.Len(t, cities, 3)
	assert.Equal(t, "Eldoret", cities[0].Name)
	assert.Equal(t, "Kisumu", cities[1].Name)
	assert.Equal(t, "Nakuru", cities[2].Name)
}

func TestMemoryRepositoryStats(t *testing.T) {
	repo := NewMemoryCityRepository()

	stats, err := repo.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.TotalCities)
	assert.Nil(t, stats.LastSynced)

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	insertCity(t, repo, "c1", "Nakuru", 1, true, base)
	insertCity(t, repo, "c2", "Eldoret", 1, false, base.Add(time.Minute))
	insertCity(t, repo, "c3", "Kisumu", 1, true, base.Add(-time.Minute))

	stats, err = repo.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalCities)
	assert.Equal(t, int64(2), stats.ActiveCities)
	assert.Equal(t, int64(2), stats.OperationalCities)
	require.NotNil(t, stats.LastSynced)
	assert.Equal(t, "c2", stats.LastSynced.ID)
}

func TestMemoryRepositoryConcurrentMutateKeepsHighestVersion(t *testing.T) {
	repo := NewMemoryCityRepository()
	ctx := context.Background()

	var wg sync.WaitGroup
	for v := int64(1); v <= 50; v++ {
		wg.Add(1)
		go func(version int64) {
			defer wg.Done()
			_, err := repo.Mutate(ctx, "c1", func(existing *models.City) (*models.City, error) {
				if existing != nil && version <= existing.Version {
					return nil, nil
				}
				return &models.City{Name: "Thika", Version: version}, nil
			})
			assert.NoError(t, err)
		}(v)
	}
	wg.Wait()

	city, err := repo.GetByID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), city.Version)
}

func TestMemoryRepositoryMutateCanceledContext(t *testing.T) {
	repo := NewMemoryCityRepository()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := repo.Mutate(ctx, "c1", func(*models.City) (*models.City, error) {
		t.Fatal("mutate func must not run")
		return nil, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}
