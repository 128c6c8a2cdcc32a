package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"example.com/backstage/services/citysync/config"
	"example.com/backstage/services/citysync/internal/models"
)

// Cache errors
var (
	ErrCacheDisabled = errors.New("cache is disabled")
	ErrCacheMiss     = errors.New("key not found in cache")
)

// defaultTTL applies when the config leaves redis.ttl unset
const defaultTTL = 10 * time.Minute

// setIfNewer stores a city under its key only when the cached version is
// older. KEYS[1] city key, ARGV[1] version, ARGV[2] msgpack payload, ARGV[3] TTL ms.
var setIfNewer = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'version')
if current and tonumber(current) >= tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], 'version', ARGV[1], 'data', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// RedisCache caches city replicas in Redis. Each key is a hash holding the
// replica version and its msgpack encoding, and writes never lower the version.
type RedisCache struct {
	client  *redis.Client
	ttl     time.Duration
	enabled bool
}

// NewRedisCache creates a new Redis cache
func NewRedisCache(cfg config.RedisConfig) (*RedisCache, error) {
	if !cfg.Enabled {
		return &RedisCache{enabled: false}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, errors.Wrap(err, "failed to connect to Redis")
	}

	return newRedisCache(client, cfg.TTL), nil
}

func newRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisCache{client: client, ttl: ttl, enabled: true}
}

// Enabled reports whether the cache is backed by Redis
func (c *RedisCache) Enabled() bool {
	return c != nil && c.enabled
}

// Ping checks the Redis connection
func (c *RedisCache) Ping(ctx context.Context) error {
	if !c.Enabled() {
		return ErrCacheDisabled
	}
	return c.client.Ping(ctx).Err()
}

// GetCity returns the cached replica for id
func (c *RedisCache) GetCity(ctx context.Context, id string) (*models.City, error) {
	if !c.Enabled() {
		return nil, ErrCacheDisabled
	}

	data, err := c.client.HGet(ctx, GetCityCacheKey(id), "data").Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrCacheMiss
		}
		return nil, errors.Wrap(err, "failed to get city from Redis")
	}

	var city models.City
	if err := msgpack.Unmarshal(data, &city); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal cached city")
	}
	return &city, nil
}

// SetCity caches a replica unless the cache already holds the same or a newer
// version. It reports whether the entry was written.
func (c *RedisCache) SetCity(ctx context.Context, city *models.City) (bool, error) {
	if !c.Enabled() {
		return false, ErrCacheDisabled
	}

	data, err := msgpack.Marshal(city)
	if err != nil {
		return false, errors.Wrap(err, "failed to marshal city for caching")
	}

	stored, err := setIfNewer.Run(ctx, c.client,
		[]string{GetCityCacheKey(city.ID)},
		city.Version, data, c.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, errors.Wrap(err, "failed to set city in Redis")
	}
	return stored == 1, nil
}

// GetCityCacheKey generates a cache key for a city replica
func GetCityCacheKey(id string) string {
	return fmt.Sprintf("city:%s", id)
}

// Close closes the Redis connection
func (c *RedisCache) Close() error {
	if !c.Enabled() || c.client == nil {
		return nil
	}
	return c.client.Close()
}
