package search

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/go-elasticsearch/v7/esapi"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/citysync/config"
	"example.com/backstage/services/citysync/internal/models"
)

const cityMapping = `{
  "mappings": {
    "properties": {
      "id":             {"type": "keyword"},
      "name":           {"type": "text", "fields": {"keyword": {"type": "keyword"}}},
      "code":           {"type": "keyword"},
      "state":          {"type": "keyword"},
      "country":        {"type": "keyword"},
      "timezone":       {"type": "keyword"},
      "is_active":      {"type": "boolean"},
      "is_operational": {"type": "boolean"},
      "version":        {"type": "long"},
      "last_sync_at":   {"type": "date"}
    }
  }
}`

// CityIndexer projects city replicas into Elasticsearch
type CityIndexer struct {
	client  *elasticsearch.Client
	index   string
	enabled bool
}

// NewCityIndexer creates a new Elasticsearch projection. A disabled config
// yields an indexer whose methods do nothing.
func NewCityIndexer(cfg config.ElasticConfig) (*CityIndexer, error) {
	if !cfg.Enabled {
		return &CityIndexer{enabled: false}, nil
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Elasticsearch client")
	}

	return &CityIndexer{
		client:  client,
		index:   config.FormatIndex(cfg, cfg.Index),
		enabled: true,
	}, nil
}

// Enabled reports whether documents are actually indexed
func (i *CityIndexer) Enabled() bool {
	return i != nil && i.enabled
}

// Index returns the formatted index name
func (i *CityIndexer) Index() string {
	return i.index
}

// EnsureIndex creates the city index with its mapping when missing
func (i *CityIndexer) EnsureIndex(ctx context.Context) error {
	if !i.Enabled() {
		return nil
	}

	res, err := i.client.Indices.Exists([]string{i.index}, i.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return errors.Wrapf(err, "error checking if index %s exists", i.index)
	}
	res.Body.Close()
	if res.StatusCode == 200 {
		return nil
	}

	log.Info().Str("index", i.index).Msg("Creating index")
	res, err = i.client.Indices.Create(i.index,
		i.client.Indices.Create.WithContext(ctx),
		i.client.Indices.Create.WithBody(strings.NewReader(cityMapping)),
	)
	if err != nil {
		return errors.Wrapf(err, "error creating index %s", i.index)
	}
	defer res.Body.Close()

	if res.IsError() {
		return errors.Errorf("error creating index %s: %s", i.index, res.String())
	}
	return nil
}

// IndexCity upserts the replica document keyed by city id. The replica version
// is used as the external document version, so Elasticsearch rejects a write
// that would replace a newer document; that rejection is not an error.
func (i *CityIndexer) IndexCity(ctx context.Context, city *models.City) error {
	if !i.Enabled() {
		return nil
	}

	doc, err := json.Marshal(cityDocument(city))
	if err != nil {
		return errors.Wrap(err, "failed to marshal city document")
	}

	version := int(city.Version)
	req := esapi.IndexRequest{
		Index:       i.index,
		DocumentID:  city.ID,
		Body:        bytes.NewReader(doc),
		Refresh:     "true",
		Version:     &version,
		VersionType: "external",
	}

	res, err := req.Do(ctx, i.client)
	if err != nil {
		return errors.Wrap(err, "failed to execute Elasticsearch index request")
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusConflict {
		log.Debug().Str("city_id", city.ID).Int64("version", city.Version).Msg("Indexed city is already at this version or newer")
		return nil
	}

	if res.IsError() {
		var e map[string]interface{}
		if err := json.NewDecoder(res.Body).Decode(&e); err != nil {
			return errors.Wrap(err, "failed to parse Elasticsearch error response")
		}
		return errors.Errorf("Elasticsearch index error: %v", e)
	}

	log.Debug().Str("city_id", city.ID).Int64("version", city.Version).Msg("city indexed")
	return nil
}

func cityDocument(city *models.City) map[string]interface{} {
	doc := map[string]interface{}{
		"id":             city.ID,
		"name":           city.Name,
		"code":           city.Code,
		"state":          city.State,
		"country":        city.Country,
		"timezone":       city.Timezone,
		"is_active":      city.IsActive,
		"is_operational": city.IsOperational,
		"version":        city.Version,
		"last_sync_at":   city.LastSyncAt,
	}

	if len(city.Metadata) > 0 {
		var metadata map[string]interface{}
		if err := json.Unmarshal(city.Metadata, &metadata); err == nil {
			for k, v := range metadata {
				doc["metadata:"+k] = v
			}
		}
	}
	return doc
}
