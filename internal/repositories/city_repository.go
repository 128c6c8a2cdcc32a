package repositories

import (
	"context"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"example.com/backstage/services/citysync/internal/models"
)

// MutateFunc decides the next state of a replica row. existing is nil when no
// row exists for the id yet. Returning a nil city leaves the row untouched.
type MutateFunc func(existing *models.City) (*models.City, error)

// CityRepository stores the local city replicas
type CityRepository interface {
	// Mutate runs fn with exclusive access to the row for id and persists
	// what it returns. The persisted row is returned, or nil when fn made no write.
	Mutate(ctx context.Context, id string, fn MutateFunc) (*models.City, error)
	GetByID(ctx context.Context, id string) (*models.City, error)
	List(ctx context.Context) ([]models.City, error)
	Stats(ctx context.Context) (*models.SyncStats, error)
	Ping(ctx context.Context) error
}

// GormCityRepository keeps replicas in a relational table
type GormCityRepository struct {
	db *gorm.DB
}

// NewGormCityRepository creates a new city repository
func NewGormCityRepository(db *gorm.DB) *GormCityRepository {
	return &GormCityRepository{db: db}
}

// insertAttempts bounds how often Mutate re-reads after losing a first-insert race
const insertAttempts = 2

// Mutate locks the row with SELECT ... FOR UPDATE for the duration of fn.
// A concurrent first insert for the same id makes our insert affect no rows;
// in that case the whole read-compare-write is run again against the winner's row.
func (r *GormCityRepository) Mutate(ctx context.Context, id string, fn MutateFunc) (*models.City, error) {
	for attempt := 0; attempt < insertAttempts; attempt++ {
		var written *models.City
		lostRace := false

		err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var row models.City
			var existing *models.City

			err := lockRow(tx, id, &row).Error
			switch {
			case err == nil:
				existing = &row
			case errors.Is(err, gorm.ErrRecordNotFound):
			default:
				return errors.Wrap(err, "failed to lock city replica")
			}

			next, err := fn(existing)
			if err != nil {
				return err
			}
			if next == nil {
				return nil
			}
			next.ID = id

			if existing == nil {
				result := insertIfAbsent(tx, next)
				if result.Error != nil {
					return errors.Wrap(result.Error, "failed to insert city replica")
				}
				if result.RowsAffected == 0 {
					lostRace = true
					return nil
				}
			} else if err := tx.Save(next).Error; err != nil {
				return errors.Wrap(err, "failed to update city replica")
			}

			written = next
			return nil
		})
		if err != nil {
			return nil, err
		}
		if !lostRace {
			return written, nil
		}
	}

	return nil, errors.Wrapf(ErrConflict, "city %s", id)
}

// lockRow reads the row for id under SELECT ... FOR UPDATE
func lockRow(tx *gorm.DB, id string, row *models.City) *gorm.DB {
	return tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).Take(row)
}

// insertIfAbsent inserts city unless a row with its id already exists, in
// which case RowsAffected is zero
func insertIfAbsent(tx *gorm.DB, city *models.City) *gorm.DB {
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(city)
}

// GetByID gets a city replica by its upstream id
func (r *GormCityRepository) GetByID(ctx context.Context, id string) (*models.City, error) {
	var city models.City
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&city).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to get city by ID")
	}
	return &city, nil
}

// List returns every replica ordered by display name
func (r *GormCityRepository) List(ctx context.Context) ([]models.City, error) {
	var cities []models.City
	if err := r.db.WithContext(ctx).Order("name ASC").Find(&cities).Error; err != nil {
		return nil, errors.Wrap(err, "failed to list cities")
	}
	return cities, nil
}

// Stats counts replicas and finds the most recently synced one
func (r *GormCityRepository) Stats(ctx context.Context) (*models.SyncStats, error) {
	stats := &models.SyncStats{}
	db := r.db.WithContext(ctx)

	if err := db.Model(&models.City{}).Count(&stats.TotalCities).Error; err != nil {
		return nil, errors.Wrap(err, "failed to count cities")
	}
	if err := db.Model(&models.City{}).Where("is_active = ?", true).Count(&stats.ActiveCities).Error; err != nil {
		return nil, errors.Wrap(err, "failed to count active cities")
	}
	if err := db.Model(&models.City{}).Where("is_operational = ?", true).Count(&stats.OperationalCities).Error; err != nil {
		return nil, errors.Wrap(err, "failed to count operational cities")
	}

	var last models.City
	err := db.Order("last_sync_at DESC").Take(&last).Error
	switch {
	case err == nil:
		stats.LastSynced = &last
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		return nil, errors.Wrap(err, "failed to find last synced city")
	}

	return stats, nil
}

// Ping checks the underlying connection
func (r *GormCityRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return errors.Wrap(err, "failed to get DB instance")
	}
	return sqlDB.PingContext(ctx)
}
