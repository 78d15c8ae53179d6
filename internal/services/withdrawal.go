package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/atm-network/atm-session/internal/cache"
	"github.com/atm-network/atm-session/internal/logger"
	"github.com/atm-network/atm-session/internal/models"
)

var (
	ErrInvalidAmount       = errors.New("amount must be greater than zero")
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// WithdrawalService submits withdrawals after checking them against the
// known balance.
type WithdrawalService struct {
	api      API
	cache    *cache.Cache
	balances *BalanceService
	chainID  func() int64
}

func NewWithdrawalService(api API, c *cache.Cache, balances *BalanceService, chainID func() int64) *WithdrawalService {
	return &WithdrawalService{api: api, cache: c, balances: balances, chainID: chainID}
}

// Withdraw validates amount locally, then submits it. On success the balance
// and portfolio of address are invalidated; refreshing is left to the caller.
func (s *WithdrawalService) Withdraw(ctx context.Context, address string, amount float64) (models.WithdrawalResult, error) {
	address = models.NormalizeAddress(address)
	if amount <= 0 {
		return models.WithdrawalResult{}, ErrInvalidAmount
	}

	balance, ok := s.balances.Known(address)
	if !ok {
		var err error
		if balance, err = s.balances.Fetch(ctx, address); err != nil {
			return models.WithdrawalResult{}, fmt.Errorf("failed to check balance: %w", err)
		}
	}
	if amount > balance.Available {
		return models.WithdrawalResult{}, fmt.Errorf("%w: requested %.4f, available %.4f", ErrInsufficientBalance, amount, balance.Available)
	}

	request := models.WithdrawalRequest{Address: address, Amount: amount}
	if s.chainID != nil {
		request.ChainID = s.chainID()
	}

	var response models.WithdrawalResponse
	if err := s.api.Post(ctx, "/withdrawals", request, &response); err != nil {
		return models.WithdrawalResult{}, fmt.Errorf("withdrawal rejected: %w", err)
	}

	s.cache.Invalidate(cache.Prefix(KindBalance, address))
	s.cache.Invalidate(cache.Prefix(KindPortfolio, address))

	logger.Info("Withdrawal of %.4f for %s submitted (%s)", amount, address, response.Result.TxHash)
	return response.Result, nil
}
