package clients

import (
	"context"
	"net/url"
	"strconv"

	"github.com/pkg/errors"
)

// Vehicle is the peer vehicle service's view of a vehicle
type Vehicle struct {
	ID           string `json:"id"`
	Make         string `json:"make,omitempty"`
	Model        string `json:"model,omitempty"`
	Year         int    `json:"year,omitempty"`
	PlateNumber  string `json:"plateNumber,omitempty"`
	Capacity     int    `json:"capacity"`
	Status       string `json:"status,omitempty"`
	CityID       string `json:"cityId,omitempty"`
	IsActive     bool   `json:"isActive"`
	IsAccessible bool   `json:"isAccessible,omitempty"`
}

// VehicleFilter narrows ListVehicles
type VehicleFilter struct {
	CityID string
	Status string
	Active *bool
	Limit  int
}

func (f VehicleFilter) values() url.Values {
	q := url.Values{}
	if f.CityID != "" {
		q.Set("cityId", f.CityID)
	}
	if f.Status != "" {
		q.Set("status", f.Status)
	}
	if f.Active != nil {
		q.Set("isActive", strconv.FormatBool(*f.Active))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	return q
}

// CapacityCheck is whether a vehicle can seat a party
type CapacityCheck struct {
	VehicleID  string `json:"vehicleId"`
	Capacity   int    `json:"capacity"`
	Passengers int    `json:"passengers"`
	Fits       bool   `json:"fits"`
	Remaining  int    `json:"remaining"`
}

// envelope is the response wrapper used by the platform services
type envelope[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data"`
	Message string `json:"message,omitempty"`
}

// VehicleClient reads from the peer vehicle service
type VehicleClient struct {
	client *ResilientClient
}

// NewVehicleClient wraps a resilient client pointed at the vehicle service
func NewVehicleClient(client *ResilientClient) *VehicleClient {
	return &VehicleClient{client: client}
}

// Client returns the underlying resilient client
func (v *VehicleClient) Client() *ResilientClient {
	return v.client
}

// GetVehicle fetches one vehicle by id
func (v *VehicleClient) GetVehicle(ctx context.Context, id string) Result[*Vehicle] {
	if id == "" {
		return NotFound[*Vehicle]("vehicle id is empty")
	}
	var out envelope[*Vehicle]
	err := v.client.GetJSON(ctx, "/api/vehicles/"+url.PathEscape(id), nil, &out)
	if err == nil && out.Data == nil {
		return NotFound[*Vehicle]("vehicle " + id + " not found")
	}
	return resultOf(out.Data, err)
}

// ListVehicles lists vehicles matching filter
func (v *VehicleClient) ListVehicles(ctx context.Context, filter VehicleFilter) Result[[]Vehicle] {
	var out envelope[[]Vehicle]
	err := v.client.GetJSON(ctx, "/api/vehicles", filter.values(), &out)
	if err == nil && out.Data == nil {
		out.Data = []Vehicle{}
	}
	return resultOf(out.Data, err)
}

// CheckCapacity reports whether vehicle id can seat passengers.
// A missing vehicle is NotFound, not a negative fit.
func (v *VehicleClient) CheckCapacity(ctx context.Context, id string, passengers int) Result[CapacityCheck] {
	if passengers < 0 {
		return Unavailable[CapacityCheck](errors.Errorf("invalid passenger count %d", passengers))
	}

	vehicle := v.GetVehicle(ctx, id)
	if !vehicle.IsOK() {
		return Result[CapacityCheck]{Status: vehicle.Status, Reason: vehicle.Reason, Err: vehicle.Err}
	}

	capacity := vehicle.Value.Capacity
	return Ok(CapacityCheck{
		VehicleID:  id,
		Capacity:   capacity,
		Passengers: passengers,
		Fits:       passengers <= capacity,
		Remaining:  capacity - passengers,
	})
}

// HealthCheck probes the vehicle service once with the short health timeout.
// It never retries.
func (v *VehicleClient) HealthCheck(ctx context.Context) Result[bool] {
	if err := v.client.Probe(ctx, "/health"); err != nil {
		return Unavailable[bool](err)
	}
	return Ok(true)
}
