// Package routecache adds a Redis read-through cache in front of a
// store.RouteStore. Entries expire after a fixed TTL. Changes made through
// the admin API call Invalidate; changes made directly in the database
// become visible within one TTL.
package routecache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"hookline/internal/logging"
	"hookline/internal/store"
	"hookline/internal/types"
)

const keyPrefix = "route:"

type Store struct {
	next   store.RouteStore
	rdb    redis.Cmdable
	ttl    time.Duration
	logger *zap.Logger
}

func New(next store.RouteStore, rdb redis.Cmdable, ttl time.Duration, logger *zap.Logger) *Store {
	return &Store{next: next, rdb: rdb, ttl: ttl, logger: logging.OrNop(logger)}
}

func key(pathSegment string) string {
	return keyPrefix + pathSegment
}

func (s *Store) ResolveRoute(ctx context.Context, pathSegment string) (types.RouteConfig, error) {
	if s.ttl <= 0 {
		return s.next.ResolveRoute(ctx, pathSegment)
	}

	raw, err := s.rdb.Get(ctx, key(pathSegment)).Bytes()
	switch {
	case err == nil:
		var rc types.RouteConfig
		if jerr := json.Unmarshal(raw, &rc); jerr == nil {
			return rc, nil
		}
		s.logger.Warn("route_cache_decode_error", zap.String("path_segment", pathSegment))
	case !errors.Is(err, redis.Nil):
		s.logger.Warn("route_cache_get_error", zap.String("path_segment", pathSegment), zap.Error(err))
	}

	rc, err := s.next.ResolveRoute(ctx, pathSegment)
	if err != nil {
		return rc, err
	}
	if b, jerr := json.Marshal(rc); jerr == nil {
		if serr := s.rdb.Set(ctx, key(pathSegment), b, s.ttl).Err(); serr != nil {
			s.logger.Warn("route_cache_set_error", zap.String("path_segment", pathSegment), zap.Error(serr))
		}
	}
	return rc, nil
}

// Invalidate drops the cached entry for pathSegment.
func (s *Store) Invalidate(ctx context.Context, pathSegment string) error {
	return s.rdb.Del(ctx, key(pathSegment)).Err()
}
