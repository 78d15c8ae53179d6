package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/atm-network/atm-session/internal/cache"
	"github.com/atm-network/atm-session/internal/client"
	"github.com/atm-network/atm-session/internal/logger"
	"github.com/atm-network/atm-session/internal/models"
)

// PortfolioService builds the portfolio aggregate.
type PortfolioService struct {
	api         API
	cache       *cache.Cache
	ttl         time.Duration
	connections *ConnectionService
	wallet      WalletBalanceReader
	now         func() time.Time
}

func NewPortfolioService(api API, c *cache.Cache, ttl time.Duration, connections *ConnectionService, wallet WalletBalanceReader) *PortfolioService {
	return &PortfolioService{
		api:         api,
		cache:       c,
		ttl:         ttl,
		connections: connections,
		wallet:      wallet,
		now:         time.Now,
	}
}

// Fetch returns the portfolio of address. Parts that fail to load are left
// at their zero value and listed in Degraded; the aggregate is cached anyway.
func (s *PortfolioService) Fetch(ctx context.Context, address string) (models.Portfolio, error) {
	key := cache.NewKey(KindPortfolio, address)
	return cache.Fetch(ctx, s.cache, key, s.ttl, func(ctx context.Context) (models.Portfolio, error) {
		return s.load(ctx, key.Owner), nil
	})
}

// Reload drops the cached aggregate of address and loads it again.
func (s *PortfolioService) Reload(ctx context.Context, address string) (models.Portfolio, error) {
	s.cache.Invalidate(cache.Prefix(KindPortfolio, address))
	return s.Fetch(ctx, address)
}

func (s *PortfolioService) load(ctx context.Context, address string) models.Portfolio {
	portfolio := models.Portfolio{Address: address}

	var mu sync.Mutex
	degrade := func(part string, err error) {
		logger.Warn("Portfolio part %s for %s unavailable: %v", part, address, err)
		mu.Lock()
		portfolio.Degraded = append(portfolio.Degraded, part)
		mu.Unlock()
	}

	var g errgroup.Group

	g.Go(func() error {
		var response models.OverviewResponse
		endpoint := client.BuildURLWithParams("/dashboard/overview", map[string]string{"address": address})
		if err := s.api.Get(ctx, endpoint, &response); err != nil {
			degrade("overview", err)
			return nil
		}
		mu.Lock()
		portfolio.Overview = response.Result
		mu.Unlock()
		return nil
	})

	if s.wallet != nil {
		g.Go(func() error {
			balance, err := s.wallet.FormattedBalance(ctx, address)
			if err != nil {
				degrade("wallet_balance", err)
				return nil
			}
			mu.Lock()
			portfolio.WalletBalance = balance
			mu.Unlock()
			return nil
		})
	}

	for _, kind := range models.ConnectionKinds {
		kind := kind
		g.Go(func() error {
			count, err := s.connections.count(ctx, address, kind)
			if err != nil {
				degrade(fmt.Sprintf("%s_connections", kind), err)
				return nil
			}
			mu.Lock()
			switch kind {
			case models.KindToken:
				portfolio.TokenConnections = count
			case models.KindNFT:
				portfolio.NFTConnections = count
			case models.KindNode:
				portfolio.NodeConnections = count
			}
			mu.Unlock()
			return nil
		})
	}

	_ = g.Wait()

	sort.Strings(portfolio.Degraded)
	portfolio.FetchedAt = s.now()
	if len(portfolio.Degraded) > 0 {
		logger.Info("Portfolio for %s loaded with %d degraded parts", address, len(portfolio.Degraded))
	}
	return portfolio
}
