package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/atm-network/atm-session/internal/cache"
	"github.com/atm-network/atm-session/internal/client"
	"github.com/atm-network/atm-session/internal/logger"
	"github.com/atm-network/atm-session/internal/models"
)

// ErrNoBuckets is returned when every status bucket of a count failed.
var ErrNoBuckets = errors.New("all status buckets failed")

// ConnectionService lists and counts the token, NFT and node connections
// of an address.
type ConnectionService struct {
	api      API
	cache    *cache.Cache
	listTTL  time.Duration
	countTTL time.Duration
}

func NewConnectionService(api API, c *cache.Cache, listTTL, countTTL time.Duration) *ConnectionService {
	return &ConnectionService{api: api, cache: c, listTTL: listTTL, countTTL: countTTL}
}

// List returns one page of connections of kind, filtered by the query tab
// and search text.
func (s *ConnectionService) List(ctx context.Context, address string, kind models.ConnectionKind, query models.ListQuery) (models.Page[models.Connection], error) {
	query = query.Normalize()
	key := cache.NewKey(KindConnections, address, append([]string{string(kind)}, listParams(query)...)...)

	return cache.Fetch(ctx, s.cache, key, s.listTTL, func(ctx context.Context) (models.Page[models.Connection], error) {
		var response models.ConnectionsResponse
		endpoint := client.BuildURLWithParams(fmt.Sprintf("/connections/%s", kind), queryParams(address, query))
		if err := s.api.Get(ctx, endpoint, &response); err != nil {
			return models.Page[models.Connection]{}, fmt.Errorf("failed to list %s connections: %w", kind, err)
		}
		return response.Result, nil
	})
}

// Count returns the number of connections of kind across every status bucket.
func (s *ConnectionService) Count(ctx context.Context, address string, kind models.ConnectionKind) (int, error) {
	key := cache.NewKey(KindConnections, address, string(kind), "count")
	return cache.Fetch(ctx, s.cache, key, s.countTTL, func(ctx context.Context) (int, error) {
		return s.count(ctx, address, kind)
	})
}

// count issues one request per bucket and sums them. A failed bucket
// contributes zero.
func (s *ConnectionService) count(ctx context.Context, address string, kind models.ConnectionKind) (int, error) {
	total, failed := 0, 0
	for _, status := range models.BindingStatuses {
		var response models.CountResponse
		endpoint := client.BuildURLWithParams(fmt.Sprintf("/connections/%s/count", kind), map[string]string{
			"address": models.NormalizeAddress(address),
			"status":  string(status),
		})
		if err := s.api.Get(ctx, endpoint, &response); err != nil {
			logger.Warn("Failed to count %s %s connections: %v", status, kind, err)
			failed++
			continue
		}
		total += response.Result.Total
	}

	if failed == len(models.BindingStatuses) {
		return 0, fmt.Errorf("failed to count %s connections: %w", kind, ErrNoBuckets)
	}
	return total, nil
}

func queryParams(address string, query models.ListQuery) map[string]string {
	return map[string]string{
		"address":   models.NormalizeAddress(address),
		"tab":       query.Tab,
		"search":    query.Search,
		"page":      strconv.Itoa(query.Page),
		"page_size": strconv.Itoa(query.PageSize),
	}
}

// listParams are the cache key parts of a list query, in a fixed order.
func listParams(query models.ListQuery) []string {
	return []string{query.Tab, query.Search, strconv.Itoa(query.Page), strconv.Itoa(query.PageSize)}
}
