package models

import (
	"strings"
	"time"
)

// AuthToken is the backend-issued bearer credential for one wallet address.
type AuthToken struct {
	Token        string    `json:"token"`
	OwnerAddress string    `json:"owner_address"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// IsUsable reports whether the token may be used for address at now.
func (t *AuthToken) IsUsable(address string, now time.Time) bool {
	if t == nil || t.Token == "" {
		return false
	}
	return strings.EqualFold(t.OwnerAddress, address) && now.Before(t.ExpiresAt)
}

type NonceResult struct {
	Nonce   string `json:"nonce"`
	Message string `json:"message"`
}

type NonceResponse = APIResponse[NonceResult]

type VerifyRequest struct {
	Address   string `json:"address"`
	Message   string `json:"message"`
	Signature string `json:"signature"`
	ChainID   int64  `json:"chain_id,omitempty"`
}

type VerifyResult struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
}

type VerifyResponse = APIResponse[VerifyResult]
