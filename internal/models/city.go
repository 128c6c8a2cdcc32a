package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CitySnapshot is the full city state carried by every sync event.
// Version is the only field used for ordering; EventSequence and
// LastModifiedBy are informational.
type CitySnapshot struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Code           string         `json:"code,omitempty"`
	State          string         `json:"state,omitempty"`
	Country        string         `json:"country,omitempty"`
	Timezone       string         `json:"timezone,omitempty"`
	Metadata       datatypes.JSON `json:"metadata,omitempty"`
	IsActive       bool           `json:"isActive"`
	IsOperational  bool           `json:"isOperational"`
	Version        int64          `json:"version"`
	LastModifiedBy string         `json:"lastModifiedBy,omitempty"`
	EventSequence  int64          `json:"eventSequence,omitempty"`
}

// City is the local replica of a city owned by the city service.
// Rows are written only by the sync service and are never hard deleted.
type City struct {
	ID             string         `gorm:"primaryKey;size:64" json:"id" msgpack:"id"`
	Name           string         `gorm:"index;not null" json:"name" msgpack:"name"`
	Code           string         `gorm:"size:16" json:"code,omitempty" msgpack:"code"`
	State          string         `json:"state,omitempty" msgpack:"state"`
	Country        string         `json:"country,omitempty" msgpack:"country"`
	Timezone       string         `json:"timezone,omitempty" msgpack:"timezone"`
	Metadata       datatypes.JSON `gorm:"type:jsonb" json:"metadata,omitempty" msgpack:"metadata"`
	IsActive       bool           `gorm:"index;not null" json:"isActive" msgpack:"is_active"`
	IsOperational  bool           `gorm:"index;not null" json:"isOperational" msgpack:"is_operational"`
	Version        int64          `gorm:"not null" json:"version" msgpack:"version"`
	LastModifiedBy string         `json:"lastModifiedBy,omitempty" msgpack:"last_modified_by"`
	EventSequence  int64          `json:"eventSequence" msgpack:"event_sequence"`
	LastSyncAt     time.Time      `gorm:"index;not null" json:"lastSyncAt" msgpack:"last_sync_at"`
	CreatedAt      time.Time      `json:"createdAt" msgpack:"created_at"`
	UpdatedAt      time.Time      `json:"updatedAt" msgpack:"updated_at"`
}

// TableName overrides the default table name
func (City) TableName() string {
	return "city_replicas"
}

// NewCityFromSnapshot builds a replica row for id from a snapshot.
func NewCityFromSnapshot(id string, snapshot CitySnapshot, syncedAt time.Time) *City {
	city := &City{ID: id}
	city.ApplySnapshot(snapshot, syncedAt)
	return city
}

// ApplySnapshot replaces every replicated field with the snapshot's values.
// There is no field-level merge.
func (c *City) ApplySnapshot(snapshot CitySnapshot, syncedAt time.Time) {
	c.Name = snapshot.Name
	c.Code = snapshot.Code
	c.State = snapshot.State
	c.Country = snapshot.Country
	c.Timezone = snapshot.Timezone
	c.Metadata = snapshot.Metadata
	c.IsActive = snapshot.IsActive
	c.IsOperational = snapshot.IsOperational
	c.Version = snapshot.Version
	c.LastModifiedBy = snapshot.LastModifiedBy
	c.EventSequence = snapshot.EventSequence
	c.LastSyncAt = syncedAt
}

// MarkDeleted flips the status flags off. The row stays queryable so local
// references to the city keep resolving.
func (c *City) MarkDeleted() {
	c.IsActive = false
	c.IsOperational = false
}

// SyncStats aggregates replica health counters
type SyncStats struct {
	TotalCities       int64
	ActiveCities      int64
	OperationalCities int64
	LastSynced        *City
}

// SetupModels runs the replica migrations
func SetupModels(db *gorm.DB) error {
	return db.AutoMigrate(&City{})
}
