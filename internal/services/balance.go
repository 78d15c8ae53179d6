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

// BalanceService loads the headline balance shown on every dashboard.
type BalanceService struct {
	api   API
	cache *cache.Cache
	ttl   time.Duration
}

func NewBalanceService(api API, c *cache.Cache, ttl time.Duration) *BalanceService {
	return &BalanceService{api: api, cache: c, ttl: ttl}
}

func (s *BalanceService) key(address string) cache.Key {
	return cache.NewKey(KindBalance, address)
}

// Fetch returns the cached balance while fresh and loads it otherwise.
func (s *BalanceService) Fetch(ctx context.Context, address string) (models.Balance, error) {
	return cache.Fetch(ctx, s.cache, s.key(address), s.ttl, func(ctx context.Context) (models.Balance, error) {
		var response models.BalanceResponse
		endpoint := client.BuildURLWithParams("/assets/balance", map[string]string{"address": models.NormalizeAddress(address)})
		if err := s.api.Get(ctx, endpoint, &response); err != nil {
			return models.Balance{}, fmt.Errorf("failed to get balance: %w", err)
		}
		return response.Result, nil
	})
}

// Refresh forces a reload of the balance.
func (s *BalanceService) Refresh(ctx context.Context, address string) (models.Balance, error) {
	s.cache.Invalidate(cache.Prefix(KindBalance, address))
	balance, err := s.Fetch(ctx, address)
	if err != nil {
		logger.Warn("Balance refresh for %s failed: %v", address, err)
		return balance, err
	}
	logger.Debug("Balance for %s refreshed: %.4f %s", address, balance.Available, balance.Symbol)
	return balance, nil
}

// Known returns the last loaded balance, fresh or not.
func (s *BalanceService) Known(address string) (models.Balance, bool) {
	if balance, ok := cache.Peek[models.Balance](s.cache, s.key(address), s.ttl); ok {
		return balance, true
	}
	return cache.Stale[models.Balance](s.cache, s.key(address))
}
