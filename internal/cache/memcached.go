package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/kjstillabower/krishi-advisor-service/internal/models"
)

const keyPrefix = "krishi:weather:"

// ReadingStore is a shared, cross-process tier for weather readings.
// Get returns false, nil on a miss.
type ReadingStore interface {
	Get(ctx context.Context, location string) (models.WeatherReading, bool, error)
	Set(ctx context.Context, location string, reading models.WeatherReading, ttl time.Duration) error
}

// MemcachedCache implements ReadingStore using memcached.
type MemcachedCache struct {
	client *memcache.Client
}

// NewMemcachedCache creates a MemcachedCache. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). timeout and maxIdleConns
// configure the client; both use package defaults if zero.
func NewMemcachedCache(addrs string, timeout time.Duration, maxIdleConns int) (*MemcachedCache, error) {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		return nil, fmt.Errorf("memcached: no server addresses in %q", addrs)
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return &MemcachedCache{client: client}, nil
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

// key normalizes like the in-process weather cache. memcached keys may not contain
// spaces or control characters, which NormalizeLocation already removes.
func (c *MemcachedCache) key(location string) string {
	return keyPrefix + NormalizeLocation(location)
}

// Get implements ReadingStore.Get.
func (c *MemcachedCache) Get(ctx context.Context, location string) (models.WeatherReading, bool, error) {
	if ctx.Err() != nil {
		return models.WeatherReading{}, false, ctx.Err()
	}
	item, err := c.client.Get(c.key(location))
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return models.WeatherReading{}, false, nil
		}
		return models.WeatherReading{}, false, err
	}
	var reading models.WeatherReading
	if err := json.Unmarshal(item.Value, &reading); err != nil {
		return models.WeatherReading{}, false, fmt.Errorf("decode cached reading: %w", err)
	}
	return reading, true, nil
}

// Set implements ReadingStore.Set.
func (c *MemcachedCache) Set(ctx context.Context, location string, reading models.WeatherReading, ttl time.Duration) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	raw, err := json.Marshal(reading)
	if err != nil {
		return err
	}
	return c.client.Set(&memcache.Item{
		Key:        c.key(location),
		Value:      raw,
		Expiration: expirationSeconds(ttl),
	})
}

// expirationSeconds converts ttl to memcached's relative expiry, falling back to
// one hour when ttl is non-positive or beyond the 30-day relative limit.
func expirationSeconds(ttl time.Duration) int32 {
	const maxRelativeExp = 30 * 24 * 60 * 60
	sec := int64(ttl / time.Second)
	if sec <= 0 || sec > maxRelativeExp {
		return 3600
	}
	return int32(sec)
}

// Ping checks if memcached is reachable. Used for health checks.
func (c *MemcachedCache) Ping() error {
	return c.client.Ping()
}

// Close closes the memcached client connections. Call during shutdown.
func (c *MemcachedCache) Close() error {
	return c.client.Close()
}
