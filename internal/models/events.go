package models

import (
	"time"
)

// EventType is the kind of change an upstream city event describes
type EventType string

// City event types
const (
	CityCreated     EventType = "CREATED"
	CityUpdated     EventType = "UPDATED"
	CityActivated   EventType = "ACTIVATED"
	CityDeactivated EventType = "DEACTIVATED"
	CityDeleted     EventType = "DELETED"
)

// Known reports whether the type is one this replica knows how to apply
func (t EventType) Known() bool {
	switch t {
	case CityCreated, CityUpdated, CityActivated, CityDeactivated, CityDeleted:
		return true
	}
	return false
}

// CityEvent is a versioned snapshot push from the city service
type CityEvent struct {
	EventID   string        `json:"eventId" validate:"required"`
	Type      EventType     `json:"type" validate:"required"`
	EntityID  string        `json:"entityId" validate:"required"`
	Data      *CitySnapshot `json:"data" validate:"required"`
	Timestamp time.Time     `json:"timestamp"`
	Source    string        `json:"source,omitempty"`
	Version   int64         `json:"version"`
}

// SyncAction is the outcome of applying one event to the replica
type SyncAction string

// Sync actions
const (
	ActionCreated SyncAction = "created"
	ActionUpdated SyncAction = "updated"
	ActionSkipped SyncAction = "skipped"
	ActionError   SyncAction = "error"
)

// SyncResult describes what happened to the replica row for one event
type SyncResult struct {
	Action          SyncAction `json:"action"`
	EntityID        string     `json:"entityId"`
	Version         int64      `json:"version,omitempty"`
	PreviousVersion int64      `json:"previousVersion,omitempty"`
	Message         string     `json:"message,omitempty"`
	Error           string     `json:"error,omitempty"`

	// Err is the underlying cause when Action is ActionError
	Err error `json:"-"`
}

// SyncStatus is the coarse replication health view
type SyncStatus struct {
	TotalCities       int64      `json:"totalCities"`
	ActiveCities      int64      `json:"activeCities"`
	OperationalCities int64      `json:"operationalCities"`
	LastSync          *time.Time `json:"lastSync"`
	LastSyncedCity    *string    `json:"lastSyncedCity"`
	Service           string     `json:"service"`
}
