package services

import (
	"context"
	"fmt"
	"time"

	"github.com/atm-network/atm-session/internal/cache"
	"github.com/atm-network/atm-session/internal/client"
	"github.com/atm-network/atm-session/internal/logger"
	"github.com/atm-network/atm-session/internal/models"
)

// IncomeService loads the income records of an address.
type IncomeService struct {
	api        API
	cache      *cache.Cache
	listTTL    time.Duration
	settledTTL time.Duration
}

func NewIncomeService(api API, c *cache.Cache, listTTL, settledTTL time.Duration) *IncomeService {
	return &IncomeService{api: api, cache: c, listTTL: listTTL, settledTTL: settledTTL}
}

// ttl picks the freshness window of a tab. Settled records no longer change.
func (s *IncomeService) ttl(tab string) time.Duration {
	if tab == string(models.IncomeSettled) {
		return s.settledTTL
	}
	return s.listTTL
}

func (s *IncomeService) List(ctx context.Context, address string, query models.ListQuery) (models.Page[models.IncomeRecord], error) {
	query = query.Normalize()
	key := cache.NewKey(KindIncome, address, listParams(query)...)

	return cache.Fetch(ctx, s.cache, key, s.ttl(query.Tab), func(ctx context.Context) (models.Page[models.IncomeRecord], error) {
		var response models.IncomeResponse
		endpoint := client.BuildURLWithParams("/income", queryParams(address, query))
		if err := s.api.Get(ctx, endpoint, &response); err != nil {
			return models.Page[models.IncomeRecord]{}, fmt.Errorf("failed to list income: %w", err)
		}
		return response.Result, nil
	})
}

// Totals counts the records of every status bucket. A failed bucket counts
// as zero.
func (s *IncomeService) Totals(ctx context.Context, address string) (models.IncomeTotals, error) {
	key := cache.NewKey(KindIncome, address, "totals")

	return cache.Fetch(ctx, s.cache, key, s.listTTL, func(ctx context.Context) (models.IncomeTotals, error) {
		totals := models.IncomeTotals{ByStatus: make(map[models.IncomeStatus]int, len(models.IncomeStatuses))}
		failed := 0

		for _, status := range models.IncomeStatuses {
			var response models.CountResponse
			endpoint := client.BuildURLWithParams("/income/count", map[string]string{
				"address": models.NormalizeAddress(address),
				"status":  string(status),
			})
			if err := s.api.Get(ctx, endpoint, &response); err != nil {
				logger.Warn("Failed to count %s income: %v", status, err)
				totals.ByStatus[status] = 0
				failed++
				continue
			}
			totals.ByStatus[status] = response.Result.Total
			totals.Total += response.Result.Total
		}

		if failed == len(models.IncomeStatuses) {
			return models.IncomeTotals{}, fmt.Errorf("failed to count income: %w", ErrNoBuckets)
		}
		return totals, nil
	})
}
