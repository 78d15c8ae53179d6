package services

import (
	"context"
	"fmt"
	"time"

	"github.com/atm-network/atm-session/internal/cache"
	"github.com/atm-network/atm-session/internal/client"
	"github.com/atm-network/atm-session/internal/models"
)

// ProposalService loads governance proposals visible to an address.
type ProposalService struct {
	api   API
	cache *cache.Cache
	ttl   time.Duration
}

func NewProposalService(api API, c *cache.Cache, ttl time.Duration) *ProposalService {
	return &ProposalService{api: api, cache: c, ttl: ttl}
}

func (s *ProposalService) List(ctx context.Context, address string, query models.ListQuery) (models.Page[models.Proposal], error) {
	query = query.Normalize()
	key := cache.NewKey(KindProposals, address, listParams(query)...)

	return cache.Fetch(ctx, s.cache, key, s.ttl, func(ctx context.Context) (models.Page[models.Proposal], error) {
		var response models.ProposalsResponse
		endpoint := client.BuildURLWithParams("/proposals", queryParams(address, query))
		if err := s.api.Get(ctx, endpoint, &response); err != nil {
			return models.Page[models.Proposal]{}, fmt.Errorf("failed to list proposals: %w", err)
		}
		return response.Result, nil
	})
}
