// Package services loads the per-address dashboard resources through the
// shared cache.
package services

import (
	"context"

	"github.com/atm-network/atm-session/internal/cache"
	"github.com/atm-network/atm-session/internal/config"
)

// Resource kinds used as the first segment of every cache key.
const (
	KindBalance     = "balance"
	KindPortfolio   = "portfolio"
	KindConnections = "connections"
	KindIncome      = "income"
	KindProposals   = "proposals"
)

// API is the subset of the REST client the services need.
type API interface {
	Get(ctx context.Context, endpoint string, result interface{}) error
	Post(ctx context.Context, endpoint string, body interface{}, result interface{}) error
}

// WalletBalanceReader reads the on-chain token balance of an address.
type WalletBalanceReader interface {
	FormattedBalance(ctx context.Context, owner string) (string, error)
}

// Services bundles every resource loader around one cache.
type Services struct {
	Cache       *cache.Cache
	Balance     *BalanceService
	Portfolio   *PortfolioService
	Connections *ConnectionService
	Income      *IncomeService
	Proposals   *ProposalService
	Withdrawals *WithdrawalService
}

// New wires the services. wallet may be nil when no token contract is configured.
func New(cfg *config.Config, api API, c *cache.Cache, wallet WalletBalanceReader, chainID func() int64) *Services {
	balance := NewBalanceService(api, c, cfg.CacheTTL)
	connections := NewConnectionService(api, c, cfg.ListTTL, cfg.CacheTTL)

	return &Services{
		Cache:       c,
		Balance:     balance,
		Portfolio:   NewPortfolioService(api, c, cfg.CacheTTL, connections, wallet),
		Connections: connections,
		Income:      NewIncomeService(api, c, cfg.ListTTL, cfg.CacheTTL),
		Proposals:   NewProposalService(api, c, cfg.ListTTL),
		Withdrawals: NewWithdrawalService(api, c, balance, chainID),
	}
}

// Forget drops every cached resource of owner.
func (s *Services) Forget(owner string) int {
	return s.Cache.ClearAll(owner)
}

