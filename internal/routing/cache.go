package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ezariago/anemon-backend/internal/models"
	"github.com/ezariago/anemon-backend/internal/observability"
)

// CachedRouteClient memoizes route lookups in redis. The cache is strictly
// advisory: any redis failure is logged and the lookup proceeds against the
// underlying provider.
type CachedRouteClient struct {
	inner  RouteClient
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

func NewCachedRouteClient(inner RouteClient, rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *CachedRouteClient {
	return &CachedRouteClient{inner: inner, rdb: rdb, ttl: ttl, logger: logger}
}

func cacheKey(origin models.Point, intermediate *models.Point, destination models.Point) string {
	via := "-"
	if intermediate != nil {
		via = fmt.Sprintf("%.5f,%.5f", intermediate.Latitude, intermediate.Longitude)
	}
	return fmt.Sprintf("route:%.5f,%.5f:%s:%.5f,%.5f",
		origin.Latitude, origin.Longitude, via, destination.Latitude, destination.Longitude)
}

func (c *CachedRouteClient) ComputeRoute(ctx context.Context, origin models.Point, intermediate *models.Point, destination models.Point) (Route, error) {
	key := cacheKey(origin, intermediate, destination)

	if raw, err := c.rdb.Get(ctx, key).Result(); err == nil {
		var cached Route
		if err := json.Unmarshal([]byte(raw), &cached); err == nil {
			observability.RouteCacheHits.WithLabelValues("hit").Inc()
			return cached, nil
		}
	} else if err != redis.Nil {
		observability.RouteCacheHits.WithLabelValues("error").Inc()
		c.logger.Warn("route cache read failed", slog.String("error", err.Error()))
	}

	route, err := c.inner.ComputeRoute(ctx, origin, intermediate, destination)
	if err != nil {
		return Route{}, err
	}
	observability.RouteCacheHits.WithLabelValues("miss").Inc()

	if b, err := json.Marshal(route); err == nil {
		if err := c.rdb.Set(ctx, key, b, c.ttl).Err(); err != nil {
			c.logger.Warn("route cache write failed", slog.String("error", err.Error()))
		}
	}
	return route, nil
}
