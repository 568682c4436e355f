package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/fedresolve/pkg/source"
)

// CacheSource treats a Redis cache as one more source. Keys follow
// fedresolve:{type}:{id}; values are JSON objects.
type CacheSource struct {
	*source.Base
	client      *redis.Client
	ttl         time.Duration
	pingTimeout time.Duration
}

// NewCacheSource connects lazily to addr. Types default to every entity type.
func NewCacheSource(name, addr, password string, db int, ttl time.Duration, types ...source.EntityType) *CacheSource {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewCacheSourceFromClient(name, rdb, ttl, types...)
}

// NewCacheSourceFromClient wraps an existing client.
func NewCacheSourceFromClient(name string, client *redis.Client, ttl time.Duration, types ...source.EntityType) *CacheSource {
	if len(types) == 0 {
		types = []source.EntityType{source.EntityCustomer, source.EntityRisk, source.EntityProduct, source.EntityMarket}
	}
	return &CacheSource{
		Base:        source.NewBase(name, types),
		client:      client,
		ttl:         ttl,
		pingTimeout: 200 * time.Millisecond,
	}
}

// CacheKey returns the Redis key for an entity.
func CacheKey(t source.EntityType, id source.EntityID) string {
	return fmt.Sprintf("fedresolve:%s:%d", t, id)
}

// IsAvailable issues a PING with a short deadline.
func (s *CacheSource) IsAvailable(ctx context.Context) bool {
	if !s.Healthy() {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, s.pingTimeout)
	defer cancel()
	return s.client.Ping(ctx).Err() == nil
}

func (s *CacheSource) Fetch(ctx context.Context, t source.EntityType, id source.EntityID) (source.Payload, bool, error) {
	raw, err := s.client.Get(ctx, CacheKey(t, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		s.Record(ctx, nil)
		return nil, false, nil
	}
	if err != nil {
		s.Record(ctx, err)
		return nil, false, source.NewFetchError(s.Name(), t, id, fmt.Errorf("redis get: %w", err))
	}
	body, err := decodeObject(raw)
	if err != nil {
		s.Record(ctx, err)
		return nil, false, source.NewFetchError(s.Name(), t, id, err)
	}
	s.Record(ctx, nil)
	return source.Payload(body), true, nil
}

// Put writes a payload with the configured TTL (zero keeps it forever).
func (s *CacheSource) Put(ctx context.Context, t source.EntityType, id source.EntityID, p source.Payload) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	if err := s.client.Set(ctx, CacheKey(t, id), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Close releases the client.
func (s *CacheSource) Close() error { return s.client.Close() }
