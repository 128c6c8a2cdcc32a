package clients

import (
	"context"
	"net/url"

	"example.com/backstage/services/citysync/internal/models"
)

// CityClient pulls snapshots from the city service that owns them
type CityClient struct {
	client *ResilientClient
}

// NewCityClient wraps a resilient client pointed at the city service
func NewCityClient(client *ResilientClient) *CityClient {
	return &CityClient{client: client}
}

// Configured reports whether the owning service can be reached at all
func (c *CityClient) Configured() bool {
	return c != nil && c.client != nil && c.client.Configured()
}

// FetchCity fetches the current snapshot for id
func (c *CityClient) FetchCity(ctx context.Context, id string) Result[*models.CitySnapshot] {
	var out envelope[*models.CitySnapshot]
	err := c.client.GetJSON(ctx, "/api/cities/"+url.PathEscape(id), nil, &out)
	if err == nil && out.Data == nil {
		return NotFound[*models.CitySnapshot]("city " + id + " not found")
	}
	return resultOf(out.Data, err)
}
