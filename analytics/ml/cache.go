package ml

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"time"

	"github.com/go-redis/redis/v8"
)

// ResultCache stores finished forecast series keyed by dataset fingerprint
type ResultCache interface {
	Get(ctx context.Context, key string) (*ForecastSeries, bool, error)
	Set(ctx context.Context, key string, series *ForecastSeries) error
}

// ResultKey builds the cache key for a forecast over the dataset identified
// by fingerprint. generation changes on every manual refresh.
func ResultKey(fingerprint string, generation uint64, horizon int) string {
	return fmt.Sprintf("forecast:%s:g%d:h%d", fingerprint, generation, horizon)
}

// DatasetFingerprint hashes the rows a forecast depends on. Services over
// different event tables get different keys even at the same version.
func DatasetFingerprint(ds *Dataset) string {
	h := fnv.New64a()
	loc := "UTC"
	if ds.Location != nil {
		loc = ds.Location.String()
	}
	h.Write([]byte(loc))

	var buf [8]byte
	put := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[:], v)
		h.Write(buf[:])
	}
	put(uint64(len(ds.Full)))
	for _, r := range ds.Full {
		put(uint64(r.Timestamp.Unix()))
		put(math.Float64bits(r.VehicleCount))
		put(math.Float64bits(r.SessionCount))
		put(math.Float64bits(r.OccupancyRate))
		put(math.Float64bits(r.QueueLength))
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// RedisResultCache shares forecast results between API replicas
type RedisResultCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisResultCache creates a result cache on top of an existing client.
// ttl only bounds memory use; stale entries are never looked up because the
// key changes with the data.
func NewRedisResultCache(client *redis.Client, prefix string, ttl time.Duration) *RedisResultCache {
	return &RedisResultCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *RedisResultCache) key(k string) string {
	if c.prefix == "" {
		return k
	}
	return c.prefix + ":" + k
}

// Get returns the cached series for key, if present
func (c *RedisResultCache) Get(ctx context.Context, key string) (*ForecastSeries, bool, error) {
	data, err := c.client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cached forecast: %w", err)
	}

	var series ForecastSeries
	if err := json.Unmarshal(data, &series); err != nil {
		return nil, false, fmt.Errorf("failed to decode cached forecast: %w", err)
	}
	return &series, true, nil
}

// Set stores series under key
func (c *RedisResultCache) Set(ctx context.Context, key string, series *ForecastSeries) error {
	data, err := json.Marshal(series)
	if err != nil {
		return fmt.Errorf("failed to encode forecast: %w", err)
	}
	if err := c.client.Set(ctx, c.key(key), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache forecast: %w", err)
	}
	return nil
}
