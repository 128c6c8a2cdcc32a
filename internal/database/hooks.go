package database

import (
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"example.com/backstage/services/citysync/internal/metrics"
)

// QueryRecorder receives one observation per statement
type QueryRecorder interface {
	RecordDatabaseQuery(queryType string, success bool, d time.Duration)
}

const startTimeKey = "citysync:start_time"

// RegisterMetricsHooks registers GORM callbacks for database metrics
func RegisterMetricsHooks(db *gorm.DB, recorder QueryRecorder) error {
	after := func(queryType string) func(*gorm.DB) {
		return func(tx *gorm.DB) {
			ok := tx.Error == nil || errors.Is(tx.Error, gorm.ErrRecordNotFound)
			recorder.RecordDatabaseQuery(queryType, ok, duration(tx))
		}
	}

	cb := db.Callback()
	hooks := []error{
		cb.Create().Before("gorm:create").Register("metrics:before_create", markStart),
		cb.Create().After("gorm:create").Register("metrics:after_create", after(metrics.DBQueryTypeInsert)),
		cb.Query().Before("gorm:query").Register("metrics:before_query", markStart),
		cb.Query().After("gorm:query").Register("metrics:after_query", after(metrics.DBQueryTypeSelect)),
		cb.Update().Before("gorm:update").Register("metrics:before_update", markStart),
		cb.Update().After("gorm:update").Register("metrics:after_update", after(metrics.DBQueryTypeUpdate)),
		cb.Delete().Before("gorm:delete").Register("metrics:before_delete", markStart),
		cb.Delete().After("gorm:delete").Register("metrics:after_delete", after(metrics.DBQueryTypeDelete)),
	}
	for _, err := range hooks {
		if err != nil {
			return errors.Wrap(err, "failed to register metrics callbacks")
		}
	}
	return nil
}

func markStart(tx *gorm.DB) {
	tx.InstanceSet(startTimeKey, time.Now())
}

func duration(tx *gorm.DB) time.Duration {
	if start, ok := tx.InstanceGet(startTimeKey); ok {
		if t, ok := start.(time.Time); ok {
			return time.Since(t)
		}
	}
	return 0
}
